package message

import (
	"fmt"
	"regexp"
	"strings"

	apperrors "github.com/Aman-CERP/msgsearch/internal/errors"
)

// MaxContentBytes bounds the size of a message body.
const MaxContentBytes = 10000

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,64}$`)

// ValidID reports whether s is a well-formed tenant, conversation or sender id.
func ValidID(s string) bool {
	return idPattern.MatchString(s)
}

// ValidateID returns a validation error naming field when id is malformed.
func ValidateID(field, id string) error {
	if id == "" {
		return apperrors.ValidationError(fmt.Sprintf("%s is required", field), nil)
	}
	if !ValidID(id) {
		return apperrors.ValidationError(fmt.Sprintf("%s is malformed", field), nil).
			WithSuggestion("ids are 1-64 characters of letters, digits, '_', '.', ':' or '-'")
	}
	return nil
}

// ValidateContent checks a message body.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return apperrors.ValidationError("content must not be empty", nil)
	}
	if len(content) > MaxContentBytes {
		return apperrors.ValidationError(fmt.Sprintf("content exceeds %d bytes", MaxContentBytes), nil)
	}
	return nil
}

// Validate checks every field of the input. Nothing is persisted for an
// input that fails validation.
func (in CreateInput) Validate() error {
	if err := ValidateID("websiteId", in.TenantID); err != nil {
		return err
	}
	if err := ValidateID("conversationId", in.ConversationID); err != nil {
		return err
	}
	if err := ValidateID("senderId", in.SenderID); err != nil {
		return err
	}
	return ValidateContent(in.Content)
}

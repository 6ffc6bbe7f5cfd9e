package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/Aman-CERP/msgsearch/internal/errors"
)

// CreationEvent announces that a message was persisted.
// It deliberately leaves out the sender and metadata.
type CreationEvent struct {
	ID             string
	Content        string
	Timestamp      time.Time
	TenantID       string
	ConversationID string
}

// wireEvent keeps the field names used on the topic by every producer.
type wireEvent struct {
	ID             string `json:"id"`
	Content        string `json:"content"`
	Timestamp      string `json:"timestamp"`
	TenantID       string `json:"websiteId"`
	ConversationID string `json:"conversationId"`
}

// Encode serializes the event to its JSON wire form.
func (e CreationEvent) Encode() ([]byte, error) {
	return json.Marshal(wireEvent{
		ID:             e.ID,
		Content:        e.Content,
		Timestamp:      e.Timestamp.UTC().Format(time.RFC3339Nano),
		TenantID:       e.TenantID,
		ConversationID: e.ConversationID,
	})
}

// DecodeEvent parses and validates a wire payload.
// Any failure is ERR_407_INVALID_EVENT: the payload will never decode, so
// redelivering it cannot help.
func DecodeEvent(payload []byte) (CreationEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		return CreationEvent{}, apperrors.New(apperrors.ErrCodeInvalidEvent, "malformed creation event", err)
	}

	var missing []string
	if w.ID == "" {
		missing = append(missing, "id")
	}
	if w.Content == "" {
		missing = append(missing, "content")
	}
	if w.Timestamp == "" {
		missing = append(missing, "timestamp")
	}
	if w.TenantID == "" {
		missing = append(missing, "websiteId")
	}
	if w.ConversationID == "" {
		missing = append(missing, "conversationId")
	}
	if len(missing) > 0 {
		return CreationEvent{}, apperrors.New(apperrors.ErrCodeInvalidEvent,
			fmt.Sprintf("creation event missing %s", strings.Join(missing, ", ")), nil)
	}

	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return CreationEvent{}, apperrors.New(apperrors.ErrCodeInvalidEvent, "creation event has invalid timestamp", err).
			WithDetail("message_id", w.ID)
	}

	return CreationEvent{
		ID:             w.ID,
		Content:        w.Content,
		Timestamp:      ts.UTC(),
		TenantID:       w.TenantID,
		ConversationID: w.ConversationID,
	}, nil
}

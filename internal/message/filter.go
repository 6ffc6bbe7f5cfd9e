package message

import (
	"fmt"
	"strings"

	apperrors "github.com/Aman-CERP/msgsearch/internal/errors"
)

// SortOrder orders a listing by message id, which tracks creation time.
type SortOrder string

const (
	SortAsc  SortOrder = "ASC"
	SortDesc SortOrder = "DESC"
)

// Filter defaults and limits.
const (
	DefaultPage    = 1
	DefaultPerPage = 10
	MaxPerPage     = 100
)

// Filter paginates a listing or a search. Search ignores Sort.
type Filter struct {
	Page    int
	PerPage int
	Sort    SortOrder
}

// DefaultFilter returns page 1, 10 per page, ascending.
func DefaultFilter() Filter {
	return Filter{Page: DefaultPage, PerPage: DefaultPerPage, Sort: SortAsc}
}

// ParseSort accepts ASC or DESC in any case. Empty means ASC.
func ParseSort(s string) (SortOrder, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(SortAsc):
		return SortAsc, nil
	case string(SortDesc):
		return SortDesc, nil
	default:
		return "", apperrors.ValidationError(fmt.Sprintf("sort must be ASC or DESC, got %q", s), nil)
	}
}

// Validate checks the filter bounds.
func (f Filter) Validate() error {
	if f.Page < 1 {
		return apperrors.ValidationError("page must be at least 1", nil)
	}
	if f.PerPage < 1 || f.PerPage > MaxPerPage {
		return apperrors.ValidationError(fmt.Sprintf("perPage must be between 1 and %d", MaxPerPage), nil)
	}
	if f.Sort != SortAsc && f.Sort != SortDesc {
		return apperrors.ValidationError("sort must be ASC or DESC", nil)
	}
	return nil
}

// Offset is the number of entries skipped before this page.
func (f Filter) Offset() int {
	return (f.Page - 1) * f.PerPage
}

package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

const (
	ErrorInvalidName  = "invalid_name"
	ErrorOutsideRoot  = "outside_root"
	ErrorNotFound     = "not_found"
	ErrorPermission   = "permission_denied"
	ErrorIO           = "io_error"
	ErrorUnresolvable = "unresolvable"
)

// Error is a storage failure with a stable category.
type Error struct {
	Category string
	Detail   string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" {
		return e.Category
	}

	return fmt.Sprintf("%s: %s", e.Category, e.Detail)
}

// NewError creates a categorized storage error.
func NewError(category string, detail string) error {
	return &Error{Category: category, Detail: detail}
}

// Category returns the stable category of err, falling back to io_error.
func Category(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrorNotFound
	case errors.Is(err, fs.ErrPermission):
		return ErrorPermission
	default:
		return ErrorIO
	}
}

// wrapIO converts an OS error into a categorized one, keeping the operation name.
func wrapIO(err error, op string) error {
	if err == nil {
		return nil
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return NewError(Category(err), op+": "+pathErr.Err.Error())
	}

	return NewError(Category(err), op+": "+err.Error())
}

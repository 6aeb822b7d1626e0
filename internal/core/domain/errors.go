package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDocumentNotFound          = errors.New("document not found")
	ErrInvalidInput              = errors.New("invalid input")
	ErrTemporary                 = errors.New("temporary failure")
	ErrInvalidReference          = errors.New("invalid reference")
	ErrContentNotFound           = errors.New("content not found")
	ErrConnectivity              = errors.New("connectivity error")
	ErrClassificationUnavailable = errors.New("classification unavailable")
	ErrMalformedJob              = errors.New("malformed job")
	ErrPersistence               = errors.New("persistence error")
	ErrInvalidTransition         = errors.New("invalid status transition")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

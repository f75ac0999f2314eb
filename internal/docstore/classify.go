package docstore

import (
	"context"
	"errors"

	apperr "github.com/ariefcatur/go-realtime-storefront/internal/errors"
)

// Classify wraps a store error in the application error taxonomy. Errors
// that already carry a code pass through unchanged.
func Classify(err error, message string) error {
	if err == nil {
		return nil
	}
	if apperr.As(err) != nil {
		return err
	}
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(apperr.CodeTimeout, err, message)
	case errors.Is(err, ErrNotFound):
		return apperr.Wrap(apperr.CodeNotFound, err, message)
	case errors.Is(err, ErrInvalidPath):
		return apperr.Wrap(apperr.CodeValidation, err, message)
	}
	return apperr.Wrap(apperr.CodeRemoteOp, err, message)
}

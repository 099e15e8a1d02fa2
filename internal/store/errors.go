package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("record not found")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// storageError classifies a driver failure. Context cancellation passes
// through unchanged; every other failure is reported as ErrStorageUnavailable
// so callers can abort the current sync cycle without inspecting driver errors.
func storageError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

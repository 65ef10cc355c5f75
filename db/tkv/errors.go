package tkv

import (
	"errors"
	"fmt"
)

var ErrEmptyKey = errors.New("key cannot be empty")

// ErrKeyNotFound is returned when a key is not found in the store.
type ErrKeyNotFound struct {
	Key string
}

func (e *ErrKeyNotFound) Error() string {
	return fmt.Sprintf("key not found: %s", e.Key)
}

// ErrInternal is returned when an internal error occurs.
type ErrInternal struct {
	Err error
}

func (e *ErrInternal) Error() string {
	return fmt.Sprintf("internal error: %v", e.Err)
}

func (e *ErrInternal) Unwrap() error {
	return e.Err
}

func IsErrKeyNotFound(err error) bool {
	var target *ErrKeyNotFound
	return errors.As(err, &target)
}

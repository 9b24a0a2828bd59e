package repositories

import "fmt"

// StoreErrorCode enumerates categorised persistence failures for stores without a native error taxonomy.
type StoreErrorCode string

const (
	// StoreErrorNotFound indicates the requested record does not exist.
	StoreErrorNotFound StoreErrorCode = "not_found"
	// StoreErrorConflict indicates a write raced with another writer or violated a uniqueness constraint.
	StoreErrorConflict StoreErrorCode = "conflict"
	// StoreErrorUnavailable indicates the backing store could not be reached.
	StoreErrorUnavailable StoreErrorCode = "unavailable"
)

// StoreError wraps store failures with a machine readable code.
type StoreError struct {
	Op   string
	Code StoreErrorCode
	Err  error
}

var _ RepositoryError = (*StoreError)(nil)

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

// Unwrap exposes the underlying error, if any.
func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *StoreError) IsNotFound() bool    { return e != nil && e.Code == StoreErrorNotFound }
func (e *StoreError) IsConflict() bool    { return e != nil && e.Code == StoreErrorConflict }
func (e *StoreError) IsUnavailable() bool { return e != nil && e.Code == StoreErrorUnavailable }

// NewStoreError constructs a categorised store error.
func NewStoreError(op string, code StoreErrorCode, err error) *StoreError {
	return &StoreError{Op: op, Code: code, Err: err}
}

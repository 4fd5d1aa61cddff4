package reconcile

import (
	"errors"
	"fmt"

	sqlitedriver "github.com/glebarez/go-sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrUnauthorized indicates a client group or client owned by another user.
	ErrUnauthorized = errors.New("reconcile: unauthorized")
	// ErrValidation indicates a mutation payload that cannot be applied.
	ErrValidation = errors.New("reconcile: validation failed")
	// ErrOrdering indicates a mutation id ahead of the client's cursor.
	ErrOrdering = errors.New("reconcile: mutation out of order")
	// ErrUnknownMutation indicates a mutation name with no registered handler.
	ErrUnknownMutation = errors.New("reconcile: unknown mutation")

	errMissingDatabase    = errors.New("database handle is required")
	errMissingSnapshots   = errors.New("snapshot cache is required")
	errMissingClientGroup = errors.New("client group id is required")
	errMissingClientID    = errors.New("client id is required")
	errMissingUserID      = errors.New("user id is required")
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "reconcile.service.new"
	opPush       = "reconcile.push"
	opPull       = "reconcile.pull"
	opRegistry   = "reconcile.registry"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// RetryableError marks a transient store failure that the caller may retry.
type RetryableError struct {
	err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.err)
}

func (e *RetryableError) Unwrap() error {
	return e.err
}

// IsRetryable reports whether err, or any error it wraps, is transient.
func IsRetryable(err error) bool {
	var retryable *RetryableError
	return errors.As(err, &retryable)
}

// classifyStoreError wraps SQLite contention failures (SQLITE_BUSY and
// SQLITE_LOCKED, including their extended codes) as retryable and leaves every
// other error untouched.
func classifyStoreError(err error) error {
	if err == nil || IsRetryable(err) {
		return err
	}
	var driverErr *sqlitedriver.Error
	if !errors.As(err, &driverErr) {
		return err
	}
	switch driverErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return &RetryableError{err: err}
	default:
		return err
	}
}

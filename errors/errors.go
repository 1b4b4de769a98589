// Package errors provides the error taxonomy of the job queue.
//
// Every typed error matches one of the sentinel values through errors.Is,
// so callers can branch on the category without caring which store or
// executor produced it.
package errors

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/BranchIntl/queuectl/job"
)

// Sentinel errors for common conditions
var (
	ErrNotFound         = errors.New("job not found")
	ErrInvalidState     = errors.New("invalid job state")
	ErrTimeout          = errors.New("execution timed out")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrJobAlreadyExists = errors.New("job already exists")
	ErrNotConnected     = errors.New("not connected")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrEmptyCommand     = errors.New("command cannot be empty")
	ErrInvalidRequest   = errors.New("invalid job request")
)

// NotFoundError is returned when a job id is unknown to the store
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("job %s: %v", e.ID, ErrNotFound)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// InvalidStateError is returned when an operation is attempted against a job
// that is not in the state the operation requires, including a job whose
// lock was taken over after a reclaim.
type InvalidStateError struct {
	ID    string    // job id
	Op    string    // operation being performed
	State job.State // state found in the store
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s job %s: %v (state %s)", e.Op, e.ID, ErrInvalidState, e.State)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// TimeoutError records that a command exceeded its execution bound
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("TimeoutError: command exceeded %s", e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// StoreUnavailableError wraps a transient failure to reach the durable store.
// Callers retry the store call; it is never counted as a job attempt.
type StoreUnavailableError struct {
	Backend string // store type
	Op      string // operation being performed
	Err     error  // underlying error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("%s store %s: %v: %v", e.Backend, e.Op, ErrStoreUnavailable, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

func (e *StoreUnavailableError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

func (e *StoreUnavailableError) Temporary() bool { return true }

// ConnectionError represents connection-related errors
type ConnectionError struct {
	URI string // connection URI (may be redacted)
	Err error  // underlying error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s: %v", e.URI, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) Temporary() bool {
	if t, ok := e.Err.(interface{ Temporary() bool }); ok {
		return t.Temporary()
	}
	return false
}

func (e *ConnectionError) Timeout() bool {
	if t, ok := e.Err.(interface{ Timeout() bool }); ok {
		return t.Timeout()
	}
	return false
}

// Helper functions for creating errors

// NewNotFoundError creates a new not-found error
func NewNotFoundError(id string) error {
	return &NotFoundError{ID: id}
}

// NewInvalidStateError creates a new invalid-state error
func NewInvalidStateError(id, op string, state job.State) error {
	return &InvalidStateError{ID: id, Op: op, State: state}
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(command string, timeout time.Duration) error {
	return &TimeoutError{Command: command, Timeout: timeout}
}

// NewStoreUnavailableError creates a new store-unavailable error
func NewStoreUnavailableError(backend, op string, err error) error {
	return &StoreUnavailableError{Backend: backend, Op: op, Err: err}
}

// NewConnectionError creates a new connection error
func NewConnectionError(uri string, err error) error {
	return &ConnectionError{URI: uri, Err: err}
}

// RedactURI hides the password of a connection URI for logs and errors.
// Unparseable input is replaced wholesale since it may still carry secrets.
func RedactURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "<invalid>"
	}
	return u.Redacted()
}

// IsTemporary checks if an error is temporary and retryable
func IsTemporary(err error) bool {
	var t interface{ Temporary() bool }
	if errors.As(err, &t) && t.Temporary() {
		return true
	}
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrNotConnected)
}

// IsTimeout checks if an error is a timeout
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsNotFound checks if an error reports an unknown job
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidState checks if an error reports a state conflict
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

package errors

import (
	"errors"
	"net/http"
)

// Kind classifies an error by how the sync core is expected to react to it.
type Kind int

const (
	KindInternal Kind = iota
	// KindTransient covers relay disconnects, peer drops and timeouts.
	KindTransient
	// KindPersistence covers local storage failures (quota, I/O).
	KindPersistence
	// KindDecrypt covers envelopes that failed to open.
	KindDecrypt
	// KindForbidden covers role, kick and ban authorization failures.
	KindForbidden
	// KindInvalid covers invariant violations and malformed input.
	KindInvalid
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPersistence:
		return "persistence"
	case KindDecrypt:
		return "decrypt"
	case KindForbidden:
		return "forbidden"
	case KindInvalid:
		return "invalid"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Status maps a kind to the HTTP status used by the relay surface.
func (k Kind) Status() int {
	switch k {
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindForbidden:
		return http.StatusForbidden
	case KindInvalid, KindDecrypt:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// AppError represents an application error
type AppError struct {
	Kind    Kind   `json:"-"`
	Message string `json:"error"`
	Err     error  `json:"-"`
}

// Error returns the error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the original error
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches another AppError of the same kind and message, so package level
// sentinels work with errors.Is even after WithCause.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == e.Message
}

// WithMessage returns a copy of the AppError with a custom message
func (e *AppError) WithMessage(msg string) *AppError {
	return &AppError{
		Kind:    e.Kind,
		Message: msg,
		Err:     e.Err,
	}
}

// WithCause returns a copy of the AppError wrapping err
func (e *AppError) WithCause(err error) *AppError {
	return &AppError{
		Kind:    e.Kind,
		Message: e.Message,
		Err:     err,
	}
}

// NewAppError creates a new application error
func NewAppError(kind Kind, message string, err error) *AppError {
	return &AppError{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

func Transient(message string, err error) *AppError {
	return NewAppError(KindTransient, message, err)
}

func Persistence(message string, err error) *AppError {
	return NewAppError(KindPersistence, message, err)
}

func Decrypt(message string, err error) *AppError {
	return NewAppError(KindDecrypt, message, err)
}

func Forbidden(message string, err error) *AppError {
	return NewAppError(KindForbidden, message, err)
}

func Invalid(message string, err error) *AppError {
	return NewAppError(KindInvalid, message, err)
}

func NotFound(message string, err error) *AppError {
	return NewAppError(KindNotFound, message, err)
}

func Internal(err error) *AppError {
	return NewAppError(KindInternal, "Internal error", err)
}

// KindOf reports the kind of the first AppError in err's chain.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries an AppError of kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

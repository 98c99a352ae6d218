package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies attachment failures so callers can pick a
// corrective action (re-authenticate, retry, give up).
type ErrorKind string

const (
	KindStorageUnavailable ErrorKind = "storage_unavailable"
	KindAuthRequired       ErrorKind = "auth_required"
	KindNotFound           ErrorKind = "not_found"
	KindRemoteError        ErrorKind = "remote_error"
	KindCorruptPayload     ErrorKind = "corrupt_payload"
	KindUnresolvable       ErrorKind = "unresolvable"
	KindUnsupported        ErrorKind = "unsupported"
	KindCanceled           ErrorKind = "canceled"
	KindUnknown            ErrorKind = "unknown"
)

// Retryable reports whether a fresh attempt may succeed without user
// intervention.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRemoteError, KindCorruptPayload, KindUnresolvable, KindCanceled:
		return true
	}
	return false
}

// AttachmentError is a classified failure of a single operation.
type AttachmentError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError wraps err with a kind and the operation that failed.
func NewError(kind ErrorKind, op string, err error) *AttachmentError {
	return &AttachmentError{Kind: kind, Op: op, Err: err}
}

// Errorf builds an AttachmentError from a format string.
func Errorf(kind ErrorKind, op string, format string, args ...any) *AttachmentError {
	return &AttachmentError{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *AttachmentError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *AttachmentError) Unwrap() error {
	return e.Err
}

// Attempt records the outcome of one source in the fallback chain.
type Attempt struct {
	Source SourceKind
	Err    error
}

// UnresolvableError is returned when every applicable source failed.
type UnresolvableError struct {
	Key      CacheKey
	Attempts []Attempt
}

func (e *UnresolvableError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("attachment %s unresolvable: no source available", e.Key)
	}

	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Source, a.Err))
	}
	return fmt.Sprintf(
		"attachment %s unresolvable: %s", e.Key, strings.Join(parts, "; "),
	)
}

// Unwrap exposes the individual attempt errors to errors.Is/As.
func (e *UnresolvableError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Err != nil {
			errs = append(errs, a.Err)
		}
	}
	return errs
}

// KindOf returns the kind of the outermost classified error in err's
// chain. Unclassified errors report KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var unresolvable *UnresolvableError
	var attErr *AttachmentError

	// The outermost classification wins, so check the direct value first.
	switch e := err.(type) {
	case *UnresolvableError:
		return KindUnresolvable
	case *AttachmentError:
		return e.Kind
	}

	if errors.Is(err, errCanceledSentinel) {
		return KindCanceled
	}
	if errors.As(err, &attErr) {
		return attErr.Kind
	}
	if errors.As(err, &unresolvable) {
		return KindUnresolvable
	}
	return KindUnknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsAuthRequired reports whether the caller should trigger
// re-authentication before retrying.
func IsAuthRequired(err error) bool {
	if IsKind(err, KindAuthRequired) {
		return true
	}

	var unresolvable *UnresolvableError
	if errors.As(err, &unresolvable) {
		for _, a := range unresolvable.Attempts {
			if KindOf(a.Err) == KindAuthRequired {
				return true
			}
		}
	}
	return false
}

var errCanceledSentinel = errors.New("canceled")

// Canceled wraps a context error so that KindOf reports KindCanceled.
func Canceled(op string, cause error) *AttachmentError {
	return &AttachmentError{
		Kind: KindCanceled,
		Op:   op,
		Err:  fmt.Errorf("%w: %w", errCanceledSentinel, cause),
	}
}

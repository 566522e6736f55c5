package locus

import (
	"errors"
	"fmt"
)

// Kind classifies a terminal failure of a request session.
type Kind int

const (
	KindNone Kind = iota
	KindPermissionDenied
	KindPermissionPermanentlyDenied
	KindSettingsResolutionDenied
	KindSettingsResolutionFailed
	KindNoBackendAvailable
	KindBackendFailure
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindPermissionDenied:
		return "permission_denied"
	case KindPermissionPermanentlyDenied:
		return "permission_permanently_denied"
	case KindSettingsResolutionDenied:
		return "settings_resolution_denied"
	case KindSettingsResolutionFailed:
		return "settings_resolution_failed"
	case KindNoBackendAvailable:
		return "no_backend_available"
	default:
		return "backend_failure"
	}
}

// Error is a failure from the taxonomy. Err carries the cause for
// KindBackendFailure and is optional for the other kinds.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("locus: %s: %v", e.Kind, e.Err)
	}
	return "locus: " + e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, &Error{Kind: k}) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Err == nil && t.Kind == e.Kind
}

var (
	ErrPermissionDenied            = &Error{Kind: KindPermissionDenied}
	ErrPermissionPermanentlyDenied = &Error{Kind: KindPermissionPermanentlyDenied}
	ErrSettingsResolutionDenied    = &Error{Kind: KindSettingsResolutionDenied}
	ErrSettingsResolutionFailed    = &Error{Kind: KindSettingsResolutionFailed}
	ErrNoBackendAvailable          = &Error{Kind: KindNoBackendAvailable}
)

// BackendFailure wraps a vendor error that could not be recovered locally.
func BackendFailure(cause error) error {
	return &Error{Kind: KindBackendFailure, Err: cause}
}

// KindOf reports the taxonomy kind of err. Errors outside the taxonomy are
// treated as backend failures.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindBackendFailure
}

func IsDenied(err error) bool {
	return KindOf(err) == KindPermissionDenied
}

func IsPermanentlyDenied(err error) bool {
	return KindOf(err) == KindPermissionPermanentlyDenied
}

func IsSettingsDenied(err error) bool {
	return KindOf(err) == KindSettingsResolutionDenied
}

func IsSettingsResolutionFailed(err error) bool {
	return KindOf(err) == KindSettingsResolutionFailed
}

func IsNoBackend(err error) bool {
	return KindOf(err) == KindNoBackendAvailable
}

// IsFatal is true for anything the user cannot fix by answering a prompt.
func IsFatal(err error) bool {
	k := KindOf(err)
	return k == KindBackendFailure || k == KindNoBackendAvailable
}

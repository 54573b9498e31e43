// Package apperr holds the error kinds shared by every engine. Kinds are
// cockroachdb/errors marks, so a wrapped cause still matches errors.Is
// against its kind after crossing package boundaries.
package apperr

import (
	"net/http"

	"github.com/cockroachdb/errors"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrValidation       = errors.New("validation failed")
	ErrRateLimited      = errors.New("rate limited")
	ErrRemote           = errors.New("remote store error")
	ErrDuplicate        = errors.New("duplicate request")
)

func NotAuthenticated(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrNotAuthenticated)
}

func NotFound(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrNotFound)
}

func PermissionDenied(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrPermissionDenied)
}

func Validation(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrValidation)
}

func Duplicate(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrDuplicate)
}

// Remote wraps a failed store call. Errors that already carry a kind keep it
// so a NotFound from an adapter is not reclassified.
func Remote(err error, op string) error {
	if err == nil {
		return nil
	}
	if Kind(err) != nil {
		return errors.Wrap(err, op)
	}
	return errors.Mark(errors.Wrap(err, op), ErrRemote)
}

// Kind returns the first kind err is marked with, or nil.
func Kind(err error) error {
	for _, k := range []error{
		ErrNotAuthenticated, ErrNotFound, ErrPermissionDenied,
		ErrValidation, ErrRateLimited, ErrDuplicate, ErrRemote,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// HTTPStatus maps an error kind to the response code used by the handlers.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case ErrNotAuthenticated:
		return http.StatusUnauthorized
	case ErrNotFound:
		return http.StatusNotFound
	case ErrPermissionDenied:
		return http.StatusForbidden
	case ErrValidation:
		return http.StatusBadRequest
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrDuplicate:
		return http.StatusConflict
	case ErrRemote:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Message is the text shown to users for err: the innermost message of a
// kinded error, and a generic one for remote and unclassified failures.
func Message(err error) string {
	switch Kind(err) {
	case nil:
		return "internal server error"
	case ErrRemote:
		return "remote store error"
	}
	return errors.UnwrapAll(err).Error()
}

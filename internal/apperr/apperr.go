package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into one of the response classes the API exposes.
type Kind int

const (
	KindAuthentication Kind = iota + 1
	KindAuthorization
	KindValidation
	KindNotFound
	KindConflict
	KindService
	KindInternal
)

// Error carries a stable machine-readable code next to the human message so
// clients can branch without string matching.
type Error struct {
	Kind   Kind
	Code   string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the error kind to its response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func Authentication(code, detail string) *Error {
	return &Error{Kind: KindAuthentication, Code: code, Detail: detail}
}

func Authorization(code, detail string) *Error {
	return &Error{Kind: KindAuthorization, Code: code, Detail: detail}
}

func Validation(code, detail string) *Error {
	return &Error{Kind: KindValidation, Code: code, Detail: detail}
}

func NotFound(code, detail string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Detail: detail}
}

func Conflict(code, detail string) *Error {
	return &Error{Kind: KindConflict, Code: code, Detail: detail}
}

func Service(code, detail string, err error) *Error {
	return &Error{Kind: KindService, Code: code, Detail: detail, Err: err}
}

func Internal(detail string, err error) *Error {
	return &Error{Kind: KindInternal, Code: "INTERNAL_ERROR", Detail: detail, Err: err}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	if appErr, ok := As(err); ok {
		return appErr.Kind == kind
	}
	return false
}

// CodeOf returns the machine code of err, or INTERNAL_ERROR for plain errors.
func CodeOf(err error) string {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return "INTERNAL_ERROR"
}

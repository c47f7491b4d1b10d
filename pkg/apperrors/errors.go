// Package apperrors classifies failures of the connector pipeline and maps
// them onto HTTP errors at the boundary.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
)

type Kind string

const (
	KindConfiguration Kind = "configuration_error"
	KindAuthorization Kind = "authorization_error"
	KindUnauthorized  Kind = "unauthorized"
	KindForbidden     Kind = "forbidden"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindValidation    Kind = "validation_error"
	KindTokenExchange Kind = "token_exchange_error"
	KindTokenRefresh  Kind = "token_refresh_error"
	KindDecryption    Kind = "decryption_error"
	KindInternal      Kind = "internal_error"
)

var statusByKind = map[Kind]int{
	KindConfiguration: http.StatusBadRequest,
	KindAuthorization: http.StatusBadRequest,
	KindUnauthorized:  http.StatusUnauthorized,
	KindForbidden:     http.StatusForbidden,
	KindNotFound:      http.StatusNotFound,
	KindConflict:      http.StatusConflict,
	KindValidation:    http.StatusBadRequest,
	KindTokenExchange: http.StatusBadGateway,
	KindTokenRefresh:  http.StatusBadGateway,
	KindDecryption:    http.StatusInternalServerError,
	KindInternal:      http.StatusInternalServerError,
}

// Error is a classified failure. Message is safe to show to callers and never
// contains secret material.
type Error struct {
	Kind    Kind
	Message string
	Meta    map[string]any
	Err     error
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// With attaches a meta value rendered in the error response.
func (e *Error) With(key string, value any) *Error {
	if e.Meta == nil {
		e.Meta = map[string]any{}
	}
	e.Meta[key] = value
	return e
}

func (e *Error) StatusCode() int {
	if code, ok := statusByKind[e.Kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

func (e *Error) ToHTTPError() *httperror.HTTPError {
	herr := httperror.NewHTTPError(e.StatusCode(), e.Message).AddMetaValue("code", string(e.Kind))
	for k, v := range e.Meta {
		herr = herr.AddMetaValue(k, v)
	}
	return herr
}

func Configuration(format string, args ...any) *Error {
	return New(KindConfiguration, format, args...)
}

func Authorization(format string, args ...any) *Error {
	return New(KindAuthorization, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return New(KindForbidden, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, format, args...)
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func TokenExchange(err error, format string, args ...any) *Error {
	return Wrap(KindTokenExchange, err, format, args...)
}

func TokenRefresh(err error, format string, args ...any) *Error {
	return Wrap(KindTokenRefresh, err, format, args...)
}

// KindOf returns the kind of the first classified error in the chain. Plain
// HTTP errors raised by repositories are classified by status.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	if httperror.IsHTTPError(err) {
		switch httperror.GetStatusCode(err) {
		case http.StatusNotFound:
			return KindNotFound
		case http.StatusConflict:
			return KindConflict
		case http.StatusForbidden:
			return KindForbidden
		case http.StatusUnauthorized:
			return KindUnauthorized
		case http.StatusBadRequest:
			return KindValidation
		}
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsNotFound reports whether err means the requested row does not exist.
func IsNotFound(err error) bool {
	return Is(err, KindNotFound)
}

// ToHTTP converts any error into the error handed to echo.
func ToHTTP(err error) error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.ToHTTPError()
	}
	if httperror.IsHTTPError(err) {
		return err
	}
	return httperror.NewHTTPError(http.StatusInternalServerError, "internal server error").
		AddMetaValue("code", string(KindInternal))
}

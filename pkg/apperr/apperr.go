// Package apperr defines the broker's error taxonomy and its mapping onto
// HTTP responses.
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for status mapping and logging policy.
type Kind string

const (
	KindDatabase             Kind = "database_error"
	KindInternal             Kind = "internal_error"
	KindSerialization        Kind = "serialization_error"
	KindAuthentication       Kind = "authentication_error"
	KindAuthorization        Kind = "authorization_error"
	KindValidation           Kind = "validation_error"
	KindNotFound             Kind = "not_found"
	KindConflict             Kind = "conflict"
	KindBadRequest           Kind = "bad_request"
	KindSchedulingImpossible Kind = "scheduling_impossible"
	KindParse                Kind = "parse_error"
)

// Error is a classified broker error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the status code for the error kind.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindValidation, KindBadRequest, KindParse:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindSchedulingImpossible:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ShouldLog reports whether the error is server-class and belongs in the log.
// Client mistakes (4xx, except conflicts) stay out of it.
func (e *Error) ShouldLog() bool {
	switch e.Kind {
	case KindAuthentication, KindAuthorization, KindValidation,
		KindNotFound, KindBadRequest, KindParse, KindSchedulingImpossible:
		return false
	}
	return true
}

func newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Constructors, one per kind.

func Database(err error) *Error {
	return &Error{Kind: KindDatabase, Message: "database error", Err: err}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

func Serialization(err error) *Error {
	return &Error{Kind: KindSerialization, Message: "serialization error", Err: err}
}

func Authentication(format string, args ...interface{}) *Error {
	return newf(KindAuthentication, format, args...)
}

func Authorization(format string, args ...interface{}) *Error {
	return newf(KindAuthorization, format, args...)
}

func Validation(format string, args ...interface{}) *Error {
	return newf(KindValidation, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return newf(KindNotFound, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return newf(KindConflict, format, args...)
}

func BadRequest(format string, args ...interface{}) *Error {
	return newf(KindBadRequest, format, args...)
}

func SchedulingImpossible(format string, args ...interface{}) *Error {
	return newf(KindSchedulingImpossible, format, args...)
}

func Parse(format string, args ...interface{}) *Error {
	return newf(KindParse, format, args...)
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// From coerces any error into an *Error, defaulting to Internal.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

type envelope struct {
	Error envelopeBody `json:"error"`
}

type envelopeBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// WriteJSON writes the standard error envelope for err.
func WriteJSON(w http.ResponseWriter, err error) {
	e := From(err)
	status := e.HTTPStatus()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: envelopeBody{
		Type:    string(e.Kind),
		Message: e.Error(),
		Status:  status,
	}})
}

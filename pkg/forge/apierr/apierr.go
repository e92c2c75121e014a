// Package apierr maps typed errors onto HTTP responses.
package apierr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Code is the machine readable kind of an API error.
type Code string

const (
	Unauthorized       Code = "UNAUTHORIZED"
	Forbidden          Code = "FORBIDDEN"
	NotFound           Code = "NOT_FOUND"
	PreconditionFailed Code = "PRECONDITION_FAILED"
	BadRequest         Code = "BAD_REQUEST"
	Conflict           Code = "CONFLICT"
	TooManyRequests    Code = "TOO_MANY_REQUESTS"
	Internal           Code = "INTERNAL_SERVER_ERROR"
)

// Status returns the HTTP status for the code.
func (c Code) Status() int {
	switch c {
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case PreconditionFailed:
		return http.StatusPreconditionFailed
	case BadRequest:
		return http.StatusBadRequest
	case Conflict:
		return http.StatusConflict
	case TooManyRequests:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is an error that should be shown to the caller.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an API error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap returns an API error that keeps err as its cause. The cause is logged but not shown.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Is reports whether err is an API error with the given code.
func Is(err error, code Code) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// From converts any error into an API error. Missing rows become NOT_FOUND and
// anything unknown becomes an internal error with a generic message.
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Wrap(NotFound, "Not found", err)
	}
	return Wrap(Internal, "Internal server error", err)
}

// Abort writes err as the response and stops the handler chain. Internal errors
// are attached to the gin context so the request logger records the cause.
func Abort(c *gin.Context, err error) {
	apiErr := From(err)
	if apiErr.Code == Internal || apiErr.Err != nil {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(apiErr.Code.Status(), gin.H{
		"error": apiErr.Message,
		"code":  apiErr.Code,
	})
}

// AbortWithBinding reports a request binding or validation error.
func AbortWithBinding(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error": err.Error(),
		"code":  BadRequest,
	})
}

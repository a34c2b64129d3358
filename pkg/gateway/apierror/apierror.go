/*
Copyright The OpenInfer Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package apierror defines the gateway error taxonomy. Every failure that
// crosses a component boundary is classified here; the class determines the
// HTTP status, retryability, and the suggested action on the wire payload.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Class is the wire-visible error type.
type Class string

const (
	ClassValidation          Class = "Validation"
	ClassAuthentication      Class = "Authentication"
	ClassAuthorization       Class = "Authorization"
	ClassQuota               Class = "Quota"
	ClassRateLimit           Class = "RateLimit"
	ClassNotFound            Class = "NotFound"
	ClassOverloaded          Class = "Overloaded"
	ClassTimeout             Class = "Timeout"
	ClassProviderUnavailable Class = "ProviderUnavailable"
	ClassContextTooLong      Class = "ContextTooLong"
	ClassUnsafeContent       Class = "UnsafeContent"
	ClassCacheExhausted      Class = "CacheExhausted"
	ClassCancelled           Class = "Cancelled"
	ClassInternal            Class = "Internal"
)

// SuggestedAction hints the caller's recovery strategy.
type SuggestedAction string

const (
	ActionRetry       SuggestedAction = "retry"
	ActionFallback    SuggestedAction = "fallback"
	ActionEscalate    SuggestedAction = "escalate"
	ActionHumanReview SuggestedAction = "human_review"
)

// Error is the typed gateway error. OriginNode and OriginRunID correlate
// failures across nodes in server logs.
type Error struct {
	Class       Class           `json:"type"`
	Message     string          `json:"message"`
	OriginNode  string          `json:"originNode,omitempty"`
	OriginRunID string          `json:"originRunId,omitempty"`
	Retryable   bool            `json:"retryable"`
	Action      SuggestedAction `json:"suggestedAction"`
	cause       error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches the underlying error for server-side logs. The cause
// is never serialized to the wire payload.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// WithOrigin stamps the emitting node and request id.
func (e *Error) WithOrigin(node, requestID string) *Error {
	e.OriginNode = node
	e.OriginRunID = requestID
	return e
}

// HTTPStatus maps the class to its REST status code.
func (e *Error) HTTPStatus() int {
	switch e.Class {
	case ClassValidation, ClassContextTooLong, ClassUnsafeContent:
		return http.StatusBadRequest
	case ClassAuthentication:
		return http.StatusUnauthorized
	case ClassAuthorization:
		return http.StatusForbidden
	case ClassNotFound:
		return http.StatusNotFound
	case ClassQuota, ClassRateLimit:
		return http.StatusTooManyRequests
	case ClassOverloaded, ClassProviderUnavailable:
		return http.StatusServiceUnavailable
	case ClassTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func newError(class Class, retryable bool, action SuggestedAction, format string, args ...interface{}) *Error {
	return &Error{
		Class:     class,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryable,
		Action:    action,
	}
}

func Validation(format string, args ...interface{}) *Error {
	return newError(ClassValidation, false, ActionEscalate, format, args...)
}

func Authentication(format string, args ...interface{}) *Error {
	return newError(ClassAuthentication, false, ActionEscalate, format, args...)
}

func Authorization(format string, args ...interface{}) *Error {
	return newError(ClassAuthorization, false, ActionEscalate, format, args...)
}

// Quota and RateLimit are rejected now but clear on their own once the
// window rolls or capacity frees, so the wire flag advertises retryable.
func Quota(format string, args ...interface{}) *Error {
	return newError(ClassQuota, true, ActionRetry, format, args...)
}

func RateLimit(format string, args ...interface{}) *Error {
	return newError(ClassRateLimit, true, ActionRetry, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return newError(ClassNotFound, false, ActionEscalate, format, args...)
}

func Overloaded(format string, args ...interface{}) *Error {
	return newError(ClassOverloaded, true, ActionRetry, format, args...)
}

func Timeout(format string, args ...interface{}) *Error {
	return newError(ClassTimeout, true, ActionRetry, format, args...)
}

func ProviderUnavailable(format string, args ...interface{}) *Error {
	return newError(ClassProviderUnavailable, true, ActionFallback, format, args...)
}

func ContextTooLong(format string, args ...interface{}) *Error {
	return newError(ClassContextTooLong, false, ActionEscalate, format, args...)
}

func UnsafeContent(format string, args ...interface{}) *Error {
	return newError(ClassUnsafeContent, false, ActionHumanReview, format, args...)
}

func CacheExhausted(format string, args ...interface{}) *Error {
	return newError(ClassCacheExhausted, true, ActionRetry, format, args...)
}

func Cancelled(format string, args ...interface{}) *Error {
	return newError(ClassCancelled, false, ActionEscalate, format, args...)
}

func Internal(format string, args ...interface{}) *Error {
	return newError(ClassInternal, false, ActionEscalate, format, args...)
}

// As extracts a gateway error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Wrap classifies an arbitrary error. Gateway errors pass through
// unchanged; anything else becomes Internal.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	return Internal("unexpected error").WithCause(err)
}

// IsRetryable reports whether the reliability envelope may retry the call.
func IsRetryable(err error) bool {
	if e, ok := As(err); ok {
		return e.Retryable
	}
	return false
}

// IsServerFault reports whether the error counts against the service's
// availability budget, as opposed to a caller mistake.
func IsServerFault(err error) bool {
	e, ok := As(err)
	if !ok {
		return true
	}
	return e.HTTPStatus() >= 500
}

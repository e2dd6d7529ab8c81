/*
Copyright 2023 The LocalGCP Authors.

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

// Package apierror defines the transport-independent error kinds used by
// every service in the emulator. The HTTP adapter renders them as
// googleapi.Error bodies; everything below the adapter deals in kinds and
// stable reason strings only.
package apierror

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
)

// Kind classifies an error independently of the wire protocol.
type Kind int

// The error kinds of the emulator core.
const (
	Unknown Kind = iota
	InvalidArgument
	NotFound
	AlreadyExists
	PreconditionFailed
	Aborted
	FailedPrecondition
	OutOfRange
	Unavailable
	Internal
	DeadlineExceeded
	Cancelled
)

// Stable reason strings surfaced in error bodies.
const (
	ReasonInvalid         = "invalid"
	ReasonRequired        = "required"
	ReasonNotFound        = "notFound"
	ReasonDuplicate       = "duplicate"
	ReasonConflict        = "conflict"
	ReasonConditionNotMet = "conditionNotMet"
	ReasonAborted         = "aborted"
	ReasonWrongState      = "failedPrecondition"
	ReasonRange           = "requestedRangeNotSatisfiable"
	ReasonSubnetOverlap   = "subnetOverlap"
	ReasonSubnetExhausted = "subnetExhausted"
	ReasonAutoModeSubnet  = "autoModeSubnet"
	ReasonBackend         = "backendError"
	ReasonDeadline        = "deadlineExceeded"
	ReasonCancelled       = "cancelled"
)

// Error carries a kind, a stable reason and a human-readable message.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
}

func (e *Error) Error() string { return e.Message }

// New returns an *Error with the given kind and reason.
func New(kind Kind, reason, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Invalid returns an InvalidArgument error with the "invalid" reason.
func Invalid(format string, args ...interface{}) *Error {
	return New(InvalidArgument, ReasonInvalid, format, args...)
}

// NotFoundf returns a NotFound error.
func NotFoundf(format string, args ...interface{}) *Error {
	return New(NotFound, ReasonNotFound, format, args...)
}

// AlreadyExistsf returns an AlreadyExists error with the "duplicate" reason.
func AlreadyExistsf(format string, args ...interface{}) *Error {
	return New(AlreadyExists, ReasonDuplicate, format, args...)
}

// PreconditionFailedf returns a PreconditionFailed error.
func PreconditionFailedf(format string, args ...interface{}) *Error {
	return New(PreconditionFailed, ReasonConditionNotMet, format, args...)
}

// Abortedf returns an Aborted error, used for etag and serialization
// conflicts.
func Abortedf(format string, args ...interface{}) *Error {
	return New(Aborted, ReasonAborted, format, args...)
}

// FailedPreconditionf returns a FailedPrecondition error, used for invalid
// state transitions.
func FailedPreconditionf(format string, args ...interface{}) *Error {
	return New(FailedPrecondition, ReasonWrongState, format, args...)
}

// Internalf returns an Internal error.
func Internalf(format string, args ...interface{}) *Error {
	return New(Internal, ReasonBackend, format, args...)
}

// Unavailablef returns an Unavailable error.
func Unavailablef(format string, args ...interface{}) *Error {
	return New(Unavailable, ReasonBackend, format, args...)
}

// KindOf reports the kind of err, unwrapping as needed. Context
// cancellation and deadline errors map to Cancelled and DeadlineExceeded.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	e := &Error{}
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Cancelled
	case errors.Is(err, context.DeadlineExceeded):
		return DeadlineExceeded
	}
	return Internal
}

// ReasonOf reports the stable reason string of err.
func ReasonOf(err error) string {
	e := &Error{}
	if errors.As(err, &e) {
		return e.Reason
	}
	switch KindOf(err) {
	case Cancelled:
		return ReasonCancelled
	case DeadlineExceeded:
		return ReasonDeadline
	}
	return ReasonBackend
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool { return KindOf(err) == NotFound }

// IsAlreadyExists reports whether err is an AlreadyExists error.
func IsAlreadyExists(err error) bool { return KindOf(err) == AlreadyExists }

// IsAborted reports whether err is an Aborted error.
func IsAborted(err error) bool { return KindOf(err) == Aborted }

// HTTPStatus maps an error kind to the status code the public APIs use.
func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidArgument:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case AlreadyExists, Aborted:
		return http.StatusConflict
	case PreconditionFailed:
		return http.StatusPreconditionFailed
	case FailedPrecondition:
		return http.StatusBadRequest
	case OutOfRange:
		return http.StatusRequestedRangeNotSatisfiable
	case Unavailable:
		return http.StatusServiceUnavailable
	case DeadlineExceeded:
		return http.StatusGatewayTimeout
	case Cancelled:
		// Client closed request, as popularized by nginx.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// GoogleAPI renders err as the googleapi.Error the real services return:
// {error: {code, message, errors: [{reason, message, domain}]}}.
func GoogleAPI(err error) *googleapi.Error {
	code := HTTPStatus(KindOf(err))
	return &googleapi.Error{
		Code:    code,
		Message: err.Error(),
		Errors: []googleapi.ErrorItem{{
			Reason:  ReasonOf(err),
			Message: err.Error(),
		}},
	}
}

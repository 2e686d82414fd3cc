/*
 * PretenderDB
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational/pretenderdb/lib/transact"
)

// exceptionPrefix namespaces exception names in the __type field, the
// shape AWS SDKs parse.
const exceptionPrefix = "com.amazonaws.dynamodb.v20120810#"

// AWS exception names rendered on the wire.
const (
	ExceptionValidation             = "ValidationException"
	ExceptionConditionalCheckFailed = "ConditionalCheckFailedException"
	ExceptionTransactionCanceled    = "TransactionCanceledException"
	ExceptionResourceNotFound       = "ResourceNotFoundException"
	ExceptionResourceInUse          = "ResourceInUseException"
	ExceptionLimitExceeded          = "LimitExceededException"
	ExceptionUnknownOperation       = "UnknownOperationException"
	ExceptionRequestTimeout         = "RequestTimeout"
	ExceptionInternalServerError    = "InternalServerError"
)

// CancellationReason is the wire shape of one transaction item outcome.
type CancellationReason struct {
	Code    string `json:"Code"`
	Message string `json:"Message,omitempty"`
}

// Error is the wire shape of a failed operation: the __type the SDKs
// dispatch on, a human message, and per-item reasons for canceled
// transactions.
type Error struct {
	Type                string               `json:"__type"`
	Message             string               `json:"message,omitempty"`
	CancellationReasons []CancellationReason `json:"CancellationReasons,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return e.ExceptionName()
	}
	return e.ExceptionName() + ": " + e.Message
}

// ExceptionName returns the exception name without its namespace.
func (e *Error) ExceptionName() string {
	if i := strings.IndexByte(e.Type, '#'); i >= 0 {
		return e.Type[i+1:]
	}
	return e.Type
}

// StatusCode returns the HTTP status the error is served with.
func (e *Error) StatusCode() int {
	switch e.ExceptionName() {
	case ExceptionInternalServerError:
		return http.StatusInternalServerError
	case ExceptionRequestTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusBadRequest
	}
}

// ToWire converts an internal error into its wire shape. Already
// converted errors pass through unchanged.
func ToWire(err error) *Error {
	if err == nil {
		return nil
	}
	var wireErr *Error
	if errors.As(err, &wireErr) {
		return wireErr
	}
	var canceled *transact.CanceledError
	if errors.As(err, &canceled) {
		reasons := make([]CancellationReason, 0, len(canceled.Reasons))
		for _, r := range canceled.Reasons {
			reasons = append(reasons, CancellationReason{Code: r.Code, Message: r.Message})
		}
		return &Error{
			Type:                exceptionPrefix + ExceptionTransactionCanceled,
			Message:             canceled.Error(),
			CancellationReasons: reasons,
		}
	}

	name := ExceptionInternalServerError
	switch {
	case trace.IsBadParameter(err):
		name = ExceptionValidation
	case trace.IsCompareFailed(err):
		name = ExceptionConditionalCheckFailed
	case trace.IsNotFound(err):
		name = ExceptionResourceNotFound
	case trace.IsAlreadyExists(err):
		name = ExceptionResourceInUse
	case trace.IsLimitExceeded(err):
		name = ExceptionLimitExceeded
	case trace.IsNotImplemented(err):
		name = ExceptionUnknownOperation
	case errors.Is(err, context.DeadlineExceeded):
		name = ExceptionRequestTimeout
	}
	return &Error{
		Type:    exceptionPrefix + name,
		Message: trace.UserMessage(err),
	}
}

// FromWire converts a received wire error back into the internal
// taxonomy, for clients speaking the HTTP protocol.
func FromWire(wireErr *Error) error {
	if wireErr == nil {
		return nil
	}
	switch wireErr.ExceptionName() {
	case ExceptionValidation:
		return trace.BadParameter("%s", wireErr.Message)
	case ExceptionConditionalCheckFailed:
		return trace.CompareFailed("%s", wireErr.Message)
	case ExceptionResourceNotFound:
		return trace.NotFound("%s", wireErr.Message)
	case ExceptionResourceInUse:
		return trace.AlreadyExists("%s", wireErr.Message)
	case ExceptionLimitExceeded:
		return trace.LimitExceeded("%s", wireErr.Message)
	case ExceptionUnknownOperation:
		return trace.NotImplemented("%s", wireErr.Message)
	case ExceptionTransactionCanceled:
		reasons := make([]transact.CancellationReason, 0, len(wireErr.CancellationReasons))
		for _, r := range wireErr.CancellationReasons {
			reasons = append(reasons, transact.CancellationReason{Code: r.Code, Message: r.Message})
		}
		return &transact.CanceledError{Reasons: reasons}
	default:
		return trace.Errorf("%s: %s", wireErr.ExceptionName(), wireErr.Message)
	}
}

// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"errors"
	"fmt"
)

// Error represents a structured error response from the upstream
// service. Callers can use errors.As to extract the structured
// information:
//
//	var upstreamErr *upstream.Error
//	if errors.As(err, &upstreamErr) {
//	    if upstreamErr.Unauthorized() { ... }
//	}
type Error struct {
	// Code is the application-level status code from the response body.
	Code int `json:"code"`
	// Message is the human-readable error description from the body.
	Message string `json:"message"`
	// StatusCode is the HTTP status code of the response.
	StatusCode int `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream: code %d (HTTP %d): %s", e.Code, e.StatusCode, e.Message)
}

// Unauthorized reports whether the error describes a credential
// rejection: an HTTP 401, or an application-level 401 in the body.
func (e *Error) Unauthorized() bool {
	return e.StatusCode == 401 || e.Code == 401
}

// IsUnauthorized checks whether err is an *Error describing a
// credential rejection.
func IsUnauthorized(err error) bool {
	var upstreamErr *Error
	if errors.As(err, &upstreamErr) {
		return upstreamErr.Unauthorized()
	}
	return false
}

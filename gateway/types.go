// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

// BodyKind discriminates the request body representation.
type BodyKind int

const (
	// BodyEmpty means the request carried no body bytes.
	BodyEmpty BodyKind = iota

	// BodyJSON means the body parsed as JSON; Value holds the parsed
	// document and Raw the original bytes.
	BodyJSON

	// BodyRaw means the body did not parse as JSON and is forwarded
	// byte-exact.
	BodyRaw
)

// Body is the request body after a best-effort JSON parse. A parse
// failure is not an error: the raw bytes are forwarded unmodified.
type Body struct {
	Kind  BodyKind
	Value any
	Raw   []byte
}

// ParseBody classifies raw body bytes. The original bytes are always
// retained so straightforward forwarding stays byte-exact regardless
// of the parse outcome.
func ParseBody(raw []byte) Body {
	if len(raw) == 0 {
		return Body{Kind: BodyEmpty}
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return Body{Kind: BodyRaw, Raw: raw}
	}
	return Body{Kind: BodyJSON, Value: value, Raw: raw}
}

// RequestContext is the per-request view handed through the pipeline:
// the verb, the sub-path below the mount prefix, the query in both
// parsed and raw form (straightforward forwarding needs the original
// encoding), the parsed-or-raw body, and the caller's headers with the
// identity header already stripped.
type RequestContext struct {
	Method   string
	SubPath  string
	RawQuery string
	Params   url.Values
	Body     Body
	Header   http.Header
}

// NewRequestContext builds the pipeline view of an inbound request.
// body is the fully read (and bounded) request body. The caller is
// responsible for stripping the identity header from r before calling.
func NewRequestContext(r *http.Request, subPath string, body []byte) *RequestContext {
	return &RequestContext{
		Method:   strings.ToUpper(r.Method),
		SubPath:  subPath,
		RawQuery: r.URL.RawQuery,
		Params:   r.URL.Query(),
		Body:     ParseBody(body),
		Header:   r.Header,
	}
}

// ContentType returns the caller's Content-Type header, empty when
// none was sent.
func (c *RequestContext) ContentType() string {
	return c.Header.Get("Content-Type")
}

// ForwardResult is a buffered upstream response: status, filtered
// headers, and the full body. Non-2xx upstream responses ride through
// unchanged — upstream failure semantics belong to the caller.
type ForwardResult struct {
	Status int
	Header http.Header
	Body   []byte
}

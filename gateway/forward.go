// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bureau-foundation/bureau/lib/netutil"
)

// ErrMethodNotSupported reports a structured-mode verb outside
// GET/POST/PUT/DELETE. The gateway answers 405 locally; the upstream
// is never contacted.
var ErrMethodNotSupported = errors.New("method not supported for structured forwarding")

// removedRequestHeaders are never forwarded upstream: connection
// metadata the next leg must own (host, content-length), the caller's
// authorization (the gateway injects its own), and the standard
// hop-by-hop set.
var removedRequestHeaders = map[string]bool{
	"host":                true,
	"content-length":      true,
	"authorization":       true,
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// hopByHopHeaders are stripped from upstream responses before they
// reach the caller.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

func isRemovedRequestHeader(name string) bool {
	return removedRequestHeaders[strings.ToLower(name)]
}

func isHopByHopHeader(name string) bool {
	return hopByHopHeaders[strings.ToLower(name)]
}

// Forwarder executes buffered (non-streaming) upstream calls.
type Forwarder struct {
	logger *slog.Logger
}

// NewForwarder returns a forwarder logging through logger.
func NewForwarder(logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{logger: logger}
}

// Forward executes the upstream call for a matched rule and returns
// the buffered response. Non-2xx upstream statuses are returned as
// results, not errors — upstream failure semantics pass through to
// the caller verbatim. An error return means the gateway itself could
// not complete the call.
func (f *Forwarder) Forward(ctx context.Context, rule *Rule, reqctx *RequestContext) (*ForwardResult, error) {
	u := rule.Upstream

	if !rule.Straightforward {
		switch reqctx.Method {
		case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
		default:
			return nil, fmt.Errorf("%w: %s", ErrMethodNotSupported, reqctx.Method)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, u.RequestTimeout)
	defer cancel()

	started := time.Now()
	response, err := u.Client.Do(ctx, func() (*http.Request, error) {
		return f.buildRequest(ctx, rule, reqctx)
	})
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", u.Name, err)
	}
	defer response.Body.Close()

	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("reading upstream %s response: %w", u.Name, err)
	}

	f.logger.Info("forwarded request",
		"upstream", u.Name,
		"method", reqctx.Method,
		"path", reqctx.SubPath,
		"status", response.StatusCode,
		"bytes", len(body),
		"duration", time.Since(started),
	)

	return &ForwardResult{
		Status: response.StatusCode,
		Header: filterResponseHeaders(response.Header),
		Body:   body,
	}, nil
}

// buildRequest constructs one upstream request. It is called once per
// attempt by the client (a reject-retry needs a fresh body), so it
// must not consume shared state.
func (f *Forwarder) buildRequest(ctx context.Context, rule *Rule, reqctx *RequestContext) (*http.Request, error) {
	u := rule.Upstream

	var query string
	if rule.Straightforward {
		// Byte-exact: the original encoding survives.
		query = reqctx.RawQuery
	} else {
		// Structured: the parsed parameter map, re-encoded.
		query = reqctx.Params.Encode()
	}
	target := resolveUpstreamURL(u, rule, reqctx.SubPath, query)

	body, contentType := f.requestBody(rule, reqctx)
	request, err := http.NewRequestWithContext(ctx, reqctx.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}

	if rule.Straightforward {
		copyRequestHeaders(request.Header, reqctx.Header)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	for header, value := range u.StaticHeaders {
		request.Header.Set(header, value)
	}

	return request, nil
}

// requestBody selects the forwarded body bytes and content type.
// Structured mode re-encodes a parsed JSON body (and labels it as
// such); raw bodies keep the caller's bytes and content type either
// way.
func (f *Forwarder) requestBody(rule *Rule, reqctx *RequestContext) (body []byte, contentType string) {
	switch reqctx.Body.Kind {
	case BodyEmpty:
		return nil, ""
	case BodyJSON:
		if rule.Straightforward {
			return reqctx.Body.Raw, reqctx.ContentType()
		}
		encoded, err := json.Marshal(reqctx.Body.Value)
		if err != nil {
			// The value came from json.Unmarshal; re-encoding cannot
			// fail. Fall back to the original bytes regardless.
			return reqctx.Body.Raw, reqctx.ContentType()
		}
		return encoded, "application/json"
	default:
		return reqctx.Body.Raw, reqctx.ContentType()
	}
}

// copyRequestHeaders copies caller headers onto an upstream request,
// skipping the removal set. Content-Type rides along here (it is not
// in the removal set) so multipart and other non-JSON bodies keep
// their framing.
func copyRequestHeaders(dst, src http.Header) {
	for name, values := range src {
		if isRemovedRequestHeader(name) {
			continue
		}
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

// filterResponseHeaders copies upstream response headers minus the
// hop-by-hop set.
func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for name, values := range src {
		if isHopByHopHeader(name) {
			continue
		}
		for _, value := range values {
			dst.Add(name, value)
		}
	}
	return dst
}

// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bureau-foundation/bureau/lib/netutil"
)

// Client issues requests to one upstream service. For managed-auth
// upstreams it injects the credential's token and handles rejection:
// invalidate, one re-login, one retry of the original call. The second
// response is returned as-is — success or failure — with no third
// attempt.
type Client struct {
	http       *http.Client
	credential *Credential
	logger     *slog.Logger
}

// NewClient wraps httpClient for calls to one upstream. credential may
// be nil for anonymous upstreams: requests then pass through without
// auth injection or rejection handling.
func NewClient(httpClient *http.Client, credential *Credential, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		http:       httpClient,
		credential: credential,
		logger:     logger,
	}
}

// Credential returns the managed credential, or nil for anonymous
// upstreams. The streaming relay uses it to handle rejection on
// stream open, where response bodies cannot be sniffed.
func (c *Client) Credential() *Credential {
	return c.credential
}

// Do executes the request produced by build. Because a retry needs a
// fresh request (the first one's body is consumed), the caller passes
// a builder instead of a request; it is invoked once per attempt and
// must return a request whose body can be produced again.
func (c *Client) Do(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	if c.credential == nil {
		request, err := build()
		if err != nil {
			return nil, err
		}
		return c.http.Do(request)
	}

	token, err := c.credential.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring upstream token: %w", err)
	}

	response, err := c.send(build, token)
	if err != nil {
		return nil, err
	}

	rejected, err := TokenRejected(response)
	if err != nil {
		response.Body.Close()
		return nil, err
	}
	if !rejected {
		return response, nil
	}
	response.Body.Close()

	c.logger.Info("upstream rejected token, re-authenticating",
		"identity", c.credential.Identity(),
	)
	c.credential.Invalidate(ctx, token)
	fresh, err := c.credential.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("re-login after token rejection: %w", err)
	}

	// Second attempt. Whatever comes back is the caller's answer.
	return c.send(build, fresh)
}

// send builds one request and issues it with the token injected. The
// upstream expects the raw token in the Authorization header, no
// Bearer prefix.
func (c *Client) send(build func() (*http.Request, error), token string) (*http.Response, error) {
	request, err := build()
	if err != nil {
		return nil, err
	}
	request.Header.Set("Authorization", token)
	return c.http.Do(request)
}

// TokenRejected reports whether the upstream rejected the token behind
// response. Two shapes count as rejection: an HTTP 401, and an HTTP
// 200 whose JSON body carries an application-level code 401 with a
// message containing "unauthorized" (some upstream routes wrap auth
// failures in 200s). For the 200 case the body is read and restored so
// the caller can still forward it verbatim.
func TokenRejected(response *http.Response) (bool, error) {
	if response.StatusCode == http.StatusUnauthorized {
		return true, nil
	}
	if response.StatusCode != http.StatusOK {
		return false, nil
	}

	body, err := netutil.ReadResponse(response.Body)
	response.Body.Close()
	if err != nil {
		return false, fmt.Errorf("reading upstream response: %w", err)
	}
	response.Body = io.NopCloser(bytes.NewReader(body))

	var probe Error
	if json.Unmarshal(body, &probe) != nil {
		return false, nil
	}
	return probe.Code == 401 && strings.Contains(strings.ToLower(probe.Message), "unauthorized"), nil
}

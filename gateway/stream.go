// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bureau-foundation/bureau/lib/clock"
	"github.com/bureau-foundation/bureau/lib/netutil"
)

const (
	// relayBufferSize is the per-read buffer. Small enough to keep
	// first-byte latency low, large enough for typical event frames.
	relayBufferSize = 4096

	// relayYield is the pause after each forwarded chunk. The yield
	// gives intermediaries a scheduling point to push the flushed
	// chunk through instead of coalescing it with the next one. It
	// carries no semantic value but must not be removed: without it
	// the first byte can sit in a buffer until the stream ends.
	relayYield = time.Millisecond

	// maxConsecutiveEmptyReads ends the stream when the upstream has
	// gone quiet without closing the connection. Upstreams do not
	// reliably close after their final frame, so the relay cannot
	// wait for EOF alone.
	maxConsecutiveEmptyReads = 5
)

// Relay executes streaming upstream calls: one persistent connection,
// each chunk forwarded and flushed as it arrives.
//
// Transport strategy: the primary is the upstream's pooled transport.
// When the primary fails before the first chunk was delivered, the
// same logical request is re-issued once over a fallback — a fresh
// direct-dial HTTP/1.1 connection with no pooling — because some
// failures are transport-implementation-specific rather than
// upstream-specific. A fallback failure is final; there is no third
// attempt.
type Relay struct {
	logger *slog.Logger
	clock  clock.Clock
}

// NewRelay returns a relay. A nil clock selects the real clock.
func NewRelay(logger *slog.Logger, clk clock.Clock) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Relay{logger: logger, clock: clk}
}

// streamWriter tracks what has reached the caller: once headers are
// sent they are never re-sent, and once a chunk is delivered the
// fallback transport is off the table.
type streamWriter struct {
	w          http.ResponseWriter
	flusher    http.Flusher
	headerSent bool
	delivered  bool
}

// begin sends the response status and headers: the upstream's
// (filtered) headers plus the streaming set that keeps intermediaries
// from buffering. Safe to call more than once.
func (sw *streamWriter) begin(status int, upstreamHeader http.Header) {
	if sw.headerSent {
		return
	}
	header := sw.w.Header()
	for name, values := range upstreamHeader {
		for _, value := range values {
			header.Add(name, value)
		}
	}
	// The relay re-chunks the body; an upstream length would lie.
	header.Del("Content-Length")
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	sw.w.WriteHeader(status)
	sw.flusher.Flush()
	sw.headerSent = true
}

// chunk forwards one substantive chunk and flushes it through.
func (sw *streamWriter) chunk(p []byte) error {
	if _, err := sw.w.Write(p); err != nil {
		return err
	}
	sw.flusher.Flush()
	sw.delivered = true
	return nil
}

// Stream relays a matched streaming rule. It returns an error only
// when nothing has been written to w (so the caller can still send an
// error response); failures after the response has begun are logged
// and terminate the stream quietly.
func (relay *Relay) Stream(ctx context.Context, rule *Rule, reqctx *RequestContext, w http.ResponseWriter) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming unsupported: response writer cannot flush")
	}
	u := rule.Upstream
	sw := &streamWriter{w: w, flusher: flusher}

	usedFallback := false
	response, err := relay.open(ctx, rule, reqctx, usedFallback)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("opening stream to %s: %w", u.Name, err)
		}
		relay.logger.Warn("primary stream transport failed, retrying on fallback transport",
			"upstream", u.Name,
			"error", err,
		)
		usedFallback = true
		response, err = relay.open(ctx, rule, reqctx, usedFallback)
		if err != nil {
			return fmt.Errorf("stream fallback transport to %s: %w", u.Name, err)
		}
	}

	// A non-2xx answer is the upstream speaking, not a transport
	// failure: pass it through buffered and stop.
	if response.StatusCode < 200 || response.StatusCode > 299 {
		relay.passthrough(w, response)
		return nil
	}

	sw.begin(response.StatusCode, filterResponseHeaders(response.Header))
	err = relay.run(ctx, response, sw, u)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		relay.logger.Info("stream canceled by caller", "upstream", u.Name)
		return nil
	}
	if usedFallback || sw.delivered {
		relay.logger.Warn("stream terminated",
			"upstream", u.Name,
			"error", err,
			"fallback", usedFallback,
			"delivered", sw.delivered,
		)
		return nil
	}

	// The primary transport failed before the first chunk: one retry
	// over the fallback. Headers have already been sent, so from here
	// every failure is logged, not surfaced.
	relay.logger.Warn("stream failed before first chunk, retrying on fallback transport",
		"upstream", u.Name,
		"error", err,
	)
	response, err = relay.open(ctx, rule, reqctx, true)
	if err != nil {
		relay.logger.Error("stream fallback transport failed",
			"upstream", u.Name,
			"error", err,
		)
		return nil
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		response.Body.Close()
		relay.logger.Error("stream fallback rejected by upstream",
			"upstream", u.Name,
			"status", response.StatusCode,
		)
		return nil
	}
	if err := relay.run(ctx, response, sw, u); err != nil {
		relay.logger.Warn("fallback stream terminated",
			"upstream", u.Name,
			"error", err,
		)
	}
	return nil
}

// open issues the stream request over the selected transport. For
// managed-auth upstreams a 401 on open triggers one invalidate,
// re-login, and a single reopen; whatever that returns is final. The
// response body cannot be sniffed here — an open-ended stream has no
// readable end — so only the status line counts as rejection.
func (relay *Relay) open(ctx context.Context, rule *Rule, reqctx *RequestContext, viaFallback bool) (*http.Response, error) {
	u := rule.Upstream

	token := ""
	credential := u.Client.Credential()
	if credential != nil {
		var err error
		token, err = credential.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquiring upstream token: %w", err)
		}
	}

	response, err := relay.issue(ctx, rule, reqctx, token, viaFallback)
	if err != nil {
		return nil, err
	}
	if response.StatusCode != http.StatusUnauthorized || credential == nil {
		return response, nil
	}

	response.Body.Close()
	relay.logger.Info("upstream rejected stream open, re-authenticating",
		"upstream", u.Name,
		"identity", credential.Identity(),
	)
	credential.Invalidate(ctx, token)
	fresh, err := credential.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("re-login after stream rejection: %w", err)
	}
	return relay.issue(ctx, rule, reqctx, fresh, viaFallback)
}

// issue builds and sends one stream request. The request is built
// fresh per attempt so retries carry a full body.
func (relay *Relay) issue(ctx context.Context, rule *Rule, reqctx *RequestContext, token string, viaFallback bool) (*http.Response, error) {
	u := rule.Upstream

	target := resolveUpstreamURL(u, rule, reqctx.SubPath, reqctx.RawQuery)
	request, err := http.NewRequestWithContext(ctx, reqctx.Method, target, bytes.NewReader(reqctx.Body.Raw))
	if err != nil {
		return nil, fmt.Errorf("building stream request: %w", err)
	}

	copyRequestHeaders(request.Header, reqctx.Header)
	if contentType := reqctx.ContentType(); contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	request.Header.Set("Accept", "text/event-stream")
	for header, value := range u.StaticHeaders {
		request.Header.Set(header, value)
	}
	if token != "" {
		request.Header.Set("Authorization", token)
	}

	if viaFallback {
		return directDial(ctx, request, u.ConnectTimeout)
	}
	return u.httpClient.Do(request)
}

// run pumps one opened stream to the caller. The upstream body is
// closed on every exit path; caller cancellation and the inactivity
// watchdog both close it to unblock the pending read.
func (relay *Relay) run(ctx context.Context, response *http.Response, sw *streamWriter, u *Upstream) error {
	body := response.Body
	defer body.Close()

	stop := context.AfterFunc(ctx, func() { body.Close() })
	defer stop()

	watchdog := relay.clock.AfterFunc(u.StreamIdleTimeout, func() {
		relay.logger.Warn("stream idle timeout, closing upstream connection",
			"upstream", u.Name,
			"timeout", u.StreamIdleTimeout,
		)
		body.Close()
	})
	defer watchdog.Stop()

	return relay.copyChunks(body, sw, u.Sentinel, func() {
		watchdog.Reset(u.StreamIdleTimeout)
	})
}

// copyChunks relays body to sw until end-of-stream. Three conditions
// end a healthy stream: EOF, a chunk carrying the upstream's sentinel
// marker (forwarded first, then closed), and five consecutive empty
// reads — upstreams do not reliably close after their final frame, so
// quiet is treated as done. Whitespace-only chunks are keep-alive
// padding: they count toward the empty-read limit and are not
// forwarded. activity is invoked on every read with data, feeding the
// inactivity watchdog.
func (relay *Relay) copyChunks(body io.Reader, sw *streamWriter, sentinel string, activity func()) error {
	buffer := make([]byte, relayBufferSize)
	sentinelBytes := []byte(sentinel)
	emptyReads := 0

	for {
		n, err := body.Read(buffer)
		if n > 0 {
			activity()
			chunk := buffer[:n]
			if len(bytes.TrimSpace(chunk)) == 0 {
				emptyReads++
			} else {
				emptyReads = 0
				if writeErr := sw.chunk(chunk); writeErr != nil {
					relay.logger.Warn("caller disconnected during stream", "error", writeErr)
					return nil
				}
				relay.clock.Sleep(relayYield)
				if len(sentinelBytes) > 0 && bytes.Contains(chunk, sentinelBytes) {
					return nil
				}
			}
		} else if err == nil {
			emptyReads++
		}

		if emptyReads >= maxConsecutiveEmptyReads {
			return nil
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if sw.delivered {
				if !netutil.IsExpectedCloseError(err) {
					relay.logger.Warn("stream interrupted after delivery", "error", err)
				}
				return nil
			}
			return err
		}
	}
}

// passthrough copies a non-2xx upstream answer to the caller
// verbatim: the upstream is speaking, not failing.
func (relay *Relay) passthrough(w http.ResponseWriter, response *http.Response) {
	defer response.Body.Close()

	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		relay.logger.Warn("reading upstream response", "error", err)
	}
	header := w.Header()
	for name, values := range filterResponseHeaders(response.Header) {
		for _, value := range values {
			header.Add(name, value)
		}
	}
	w.WriteHeader(response.StatusCode)
	if _, err := w.Write(body); err != nil {
		relay.logger.Warn("writing upstream response", "error", err)
	}
}

// directDial issues request over a fresh HTTP/1.1 connection: its own
// dial, no pooling, no HTTP/2 negotiation. This is the relay's
// fallback transport, deliberately implemented apart from the pooled
// client so a pooling- or protocol-specific failure cannot recur
// here.
func directDial(ctx context.Context, request *http.Request, connectTimeout time.Duration) (*http.Response, error) {
	address := request.URL.Host
	if request.URL.Port() == "" {
		port := "80"
		if request.URL.Scheme == "https" {
			port = "443"
		}
		address = net.JoinHostPort(request.URL.Hostname(), port)
	}

	dialer := &net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", address, err)
	}

	if request.URL.Scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: request.URL.Hostname()})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake with %s: %w", address, err)
		}
		conn = tlsConn
	}

	// One request per connection: the server closes after the final
	// frame, which doubles as an end-of-stream signal.
	request.Header.Set("Connection", "close")
	if err := request.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("writing request to %s: %w", address, err)
	}

	response, err := http.ReadResponse(bufio.NewReader(conn), request)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading response from %s: %w", address, err)
	}
	response.Body = &connBody{body: response.Body, conn: conn}
	return response, nil
}

// connBody ties a response body to its private connection so closing
// the body tears down the socket.
type connBody struct {
	body io.ReadCloser
	conn net.Conn
}

func (b *connBody) Read(p []byte) (int, error) { return b.body.Read(p) }

func (b *connBody) Close() error {
	b.body.Close()
	return b.conn.Close()
}

// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/bureau-foundation/bureau/lib/clock"
	"github.com/bureau-foundation/bureau/upstream"
)

// Upstream is one configured upstream service at runtime: the parsed
// base URL, the auth-injecting client, and the per-upstream forwarding
// parameters.
type Upstream struct {
	// Name is the configuration key rule files bind to.
	Name string

	// BaseURL is the parsed upstream root.
	BaseURL *url.URL

	// Client issues buffered calls. For managed auth it owns token
	// injection and the single reject-retry; for anonymous and static
	// upstreams it passes requests through.
	Client *upstream.Client

	// StaticHeaders are fixed header values injected on every call
	// (static auth mode). Empty otherwise.
	StaticHeaders map[string]string

	// Sentinel is the stream-complete marker for this upstream.
	Sentinel string

	// ScopeColumn is the column name data-scope predicates are built
	// against for rules bound to this upstream.
	ScopeColumn string

	// RequestTimeout bounds buffered calls; StreamIdleTimeout aborts
	// relays with no chunk activity.
	RequestTimeout    time.Duration
	StreamIdleTimeout time.Duration

	// ConnectTimeout bounds dialing, shared by the pooled transport
	// and the relay's direct-dial fallback.
	ConnectTimeout time.Duration

	// httpClient is the pooled transport behind Client, reused by the
	// relay as the primary streaming transport.
	httpClient *http.Client
}

// BuildUpstreams constructs the runtime upstream set from
// configuration. Managed upstreams read their public key from disk
// and their password from the credential source chain; static
// upstreams resolve their header values from the same chain. source
// may be nil when no upstream needs credentials.
func BuildUpstreams(ctx context.Context, cfg *Config, source upstream.CredentialSource, store *upstream.Store, logger *slog.Logger) (map[string]*Upstream, error) {
	upstreams := make(map[string]*Upstream, len(cfg.Upstreams))

	for name, uc := range cfg.Upstreams {
		built, err := buildUpstream(ctx, name, uc, source, store, logger)
		if err != nil {
			return nil, fmt.Errorf("upstream %q: %w", name, err)
		}
		upstreams[name] = built
	}

	return upstreams, nil
}

func buildUpstream(ctx context.Context, name string, uc UpstreamConfig, source upstream.CredentialSource, store *upstream.Store, logger *slog.Logger) (*Upstream, error) {
	baseURL, err := url.Parse(uc.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base_url: %w", err)
	}

	// No overall client timeout: streaming responses are long-lived.
	// Buffered calls are bounded per request with a context deadline,
	// streams by the relay's inactivity watchdog.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: uc.ConnectTimeout.Std(),
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	httpClient := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// Redirects pass through to the caller verbatim.
			return http.ErrUseLastResponse
		},
	}

	built := &Upstream{
		Name:              name,
		BaseURL:           baseURL,
		Sentinel:          uc.Sentinel,
		ScopeColumn:       uc.ScopeColumn,
		RequestTimeout:    uc.RequestTimeout.Std(),
		StreamIdleTimeout: uc.StreamIdleTimeout.Std(),
		ConnectTimeout:    uc.ConnectTimeout.Std(),
		httpClient:        httpClient,
	}

	switch uc.Auth {
	case "", "none":
		built.Client = upstream.NewClient(httpClient, nil, logger)

	case "managed":
		credential, err := buildCredential(ctx, uc, baseURL, source, store, logger)
		if err != nil {
			return nil, err
		}
		built.Client = upstream.NewClient(httpClient, credential, logger)

	case "static":
		headers := make(map[string]string, len(uc.InjectHeaders))
		for header, credentialName := range uc.InjectHeaders {
			value := source.Get(credentialName)
			if value == nil {
				return nil, fmt.Errorf("credential %q for header %q not found", credentialName, header)
			}
			headers[header] = value.String()
		}
		built.StaticHeaders = headers
		built.Client = upstream.NewClient(httpClient, nil, logger)

	default:
		return nil, fmt.Errorf("unknown auth mode %q", uc.Auth)
	}

	return built, nil
}

func buildCredential(ctx context.Context, uc UpstreamConfig, baseURL *url.URL, source upstream.CredentialSource, store *upstream.Store, logger *slog.Logger) (*upstream.Credential, error) {
	keyPEM, err := os.ReadFile(uc.PublicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	publicKey, err := upstream.ParsePublicKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing public key %s: %w", uc.PublicKeyFile, err)
	}

	password := source.Get(uc.PasswordCredential)
	if password == nil {
		return nil, fmt.Errorf("password credential %q not found", uc.PasswordCredential)
	}

	credentialConfig := upstream.CredentialConfig{
		Identity:         uc.Identity,
		Password:         password,
		PublicKey:        publicKey,
		LoginURL:         baseURL.JoinPath(uc.LoginPath).String(),
		RegisterNickname: uc.RegisterNickname,
		ExpiryWindow:     uc.ExpiryWindow.Std(),
		Clock:            clock.Real(),
		Logger:           logger,
	}
	if uc.RegisterPath != "" {
		credentialConfig.RegisterURL = baseURL.JoinPath(uc.RegisterPath).String()
	}
	if uc.PersistToken {
		credentialConfig.Store = store
	}

	credential, err := upstream.NewCredential(ctx, credentialConfig)
	if err != nil {
		return nil, err
	}
	return credential, nil
}

// resolveUpstreamURL builds the full upstream URL for a call: the
// base joined with the rule's override or the matched sub-path, plus
// the query string. The path is joined textually, not re-escaped, so
// straightforward forwarding stays byte-exact.
func resolveUpstreamURL(u *Upstream, rule *Rule, subPath, rawQuery string) string {
	path := subPath
	if rule.UpstreamPath != "" {
		path = rule.UpstreamPath
	}
	target := *u.BaseURL
	target.Path = singleJoiningSlash(u.BaseURL.Path, path)
	target.RawQuery = rawQuery
	return target.String()
}

// singleJoiningSlash joins two URL paths with exactly one slash.
func singleJoiningSlash(a, b string) string {
	aSlash := strings.HasSuffix(a, "/")
	bSlash := strings.HasPrefix(b, "/")
	switch {
	case aSlash && bSlash:
		return a + b[1:]
	case !aSlash && !bSlash:
		return a + "/" + b
	}
	return a + b
}

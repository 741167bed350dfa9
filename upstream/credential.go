// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bureau-foundation/bureau/lib/clock"
	"github.com/bureau-foundation/bureau/lib/netutil"
	"github.com/bureau-foundation/bureau/lib/secret"
)

// State describes where a credential is in its lifecycle.
type State int

const (
	// StateNoToken means no token has ever been acquired.
	StateNoToken State = iota

	// StateAuthenticating means the first login of the process is in
	// flight.
	StateAuthenticating

	// StateValid means the cached token is inside its expiry window.
	StateValid

	// StateExpired means the cached token aged out or was rejected by
	// the upstream.
	StateExpired

	// StateReauthenticating means a re-login after expiry or rejection
	// is in flight.
	StateReauthenticating

	// StateFailed means the last full login cycle (login, registration
	// fallback, login retry) failed. The next token request starts a
	// fresh cycle.
	StateFailed
)

// String returns the state name for logs and the admin surface.
func (s State) String() string {
	switch s {
	case StateNoToken:
		return "no_token"
	case StateAuthenticating:
		return "authenticating"
	case StateValid:
		return "valid"
	case StateExpired:
		return "expired"
	case StateReauthenticating:
		return "reauthenticating"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DefaultExpiryWindow is how long a token is trusted after a refresh
// when the configuration does not say otherwise.
const DefaultExpiryWindow = 24 * time.Hour

// DefaultRegisterNickname is the nickname field of the registration
// fallback payload.
const DefaultRegisterNickname = "service"

// CredentialConfig holds the parameters for a managed upstream
// credential.
type CredentialConfig struct {
	// Identity is the login email of the machine account. Required.
	Identity string

	// Password is the account password. Borrowed: the credential does
	// not close it. Required.
	Password *secret.Buffer

	// PublicKey is the upstream's published RSA key used to encrypt
	// the password on the wire. Required.
	PublicKey *rsa.PublicKey

	// LoginURL is the absolute URL of the upstream login endpoint.
	// Required.
	LoginURL string

	// RegisterURL is the absolute URL of the registration endpoint
	// used as a fallback when login is rejected. Empty disables the
	// fallback.
	RegisterURL string

	// RegisterNickname is the nickname field of the registration
	// payload. Defaults to DefaultRegisterNickname.
	RegisterNickname string

	// ExpiryWindow is how long a token is trusted after refresh.
	// Defaults to DefaultExpiryWindow.
	ExpiryWindow time.Duration

	// HTTPClient issues the login and registration calls. Defaults to
	// a client with a 30 second timeout.
	HTTPClient *http.Client

	// Clock provides the current time for expiry decisions. Defaults
	// to the real clock.
	Clock clock.Clock

	// Logger receives lifecycle messages. Defaults to a no-op logger.
	Logger *slog.Logger

	// Store persists tokens across restarts. Optional.
	Store *Store
}

// loginAttempt is one in-flight login cycle. Followers that observed
// the attempt wait on done and share its outcome; callers arriving
// after the attempt finished start a fresh one.
type loginAttempt struct {
	done  chan struct{}
	token string
	err   error
}

// Credential manages one machine account's token against an upstream.
// Safe for concurrent use; token acquisition is single-flight.
type Credential struct {
	identity         string
	password         *secret.Buffer
	publicKey        *rsa.PublicKey
	loginURL         string
	registerURL      string
	registerNickname string
	expiryWindow     time.Duration
	http             *http.Client
	clock            clock.Clock
	logger           *slog.Logger
	store            *Store

	mu          sync.Mutex
	state       State
	token       string
	refreshedAt time.Time
	attempt     *loginAttempt
	lastError   error
}

// NewCredential validates the configuration and, when a store is
// configured, loads any persisted token so a restart inside the expiry
// window does not re-login.
func NewCredential(ctx context.Context, cfg CredentialConfig) (*Credential, error) {
	if cfg.Identity == "" {
		return nil, fmt.Errorf("upstream credential: Identity is required")
	}
	if cfg.Password == nil || cfg.Password.Len() == 0 {
		return nil, fmt.Errorf("upstream credential %q: Password is required", cfg.Identity)
	}
	if cfg.PublicKey == nil {
		return nil, fmt.Errorf("upstream credential %q: PublicKey is required", cfg.Identity)
	}
	if cfg.LoginURL == "" {
		return nil, fmt.Errorf("upstream credential %q: LoginURL is required", cfg.Identity)
	}

	if cfg.RegisterNickname == "" {
		cfg.RegisterNickname = DefaultRegisterNickname
	}
	if cfg.ExpiryWindow <= 0 {
		cfg.ExpiryWindow = DefaultExpiryWindow
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	credential := &Credential{
		identity:         cfg.Identity,
		password:         cfg.Password,
		publicKey:        cfg.PublicKey,
		loginURL:         cfg.LoginURL,
		registerURL:      cfg.RegisterURL,
		registerNickname: cfg.RegisterNickname,
		expiryWindow:     cfg.ExpiryWindow,
		http:             cfg.HTTPClient,
		clock:            cfg.Clock,
		logger:           cfg.Logger,
		store:            cfg.Store,
		state:            StateNoToken,
	}

	if cfg.Store != nil {
		token, refreshedAt, found, err := cfg.Store.Load(ctx, cfg.Identity)
		if err != nil {
			return nil, fmt.Errorf("upstream credential %q: %w", cfg.Identity, err)
		}
		if found {
			credential.token = token
			credential.refreshedAt = refreshedAt
			if credential.fresh(cfg.Clock.Now()) {
				credential.state = StateValid
			} else {
				credential.state = StateExpired
			}
			credential.logger.Info("restored persisted upstream token",
				"identity", cfg.Identity,
				"state", credential.state.String(),
				"refreshed_at", refreshedAt,
			)
		}
	}

	return credential, nil
}

// fresh reports whether the cached token is inside the expiry window.
// Caller must hold mu.
func (c *Credential) fresh(now time.Time) bool {
	return c.token != "" && now.Sub(c.refreshedAt) < c.expiryWindow
}

// Identity returns the login identity of the credential.
func (c *Credential) Identity() string {
	return c.identity
}

// Token returns a token inside its expiry window, logging in first
// when necessary. Concurrent callers share a single in-flight login:
// the first caller to observe a stale token runs the cycle, the rest
// wait for its outcome. Waiters honor their own context.
func (c *Credential) Token(ctx context.Context) (string, error) {
	for {
		c.mu.Lock()
		if c.fresh(c.clock.Now()) {
			token := c.token
			c.mu.Unlock()
			return token, nil
		}

		if c.attempt != nil {
			attempt := c.attempt
			c.mu.Unlock()
			select {
			case <-attempt.done:
				if attempt.err != nil {
					return "", attempt.err
				}
				// Re-check freshness: the shared token may already be
				// within a hair of expiry, but normally this returns it.
				continue
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		attempt := &loginAttempt{done: make(chan struct{})}
		c.attempt = attempt
		if c.refreshedAt.IsZero() {
			c.state = StateAuthenticating
		} else {
			c.state = StateReauthenticating
		}
		c.mu.Unlock()

		token, err := c.runAttempt(ctx, attempt)
		if err != nil {
			return "", err
		}
		return token, nil
	}
}

// runAttempt executes one full login cycle as the single-flight leader
// and publishes the outcome to waiters.
func (c *Credential) runAttempt(ctx context.Context, attempt *loginAttempt) (string, error) {
	token, err := c.authenticate(ctx)
	now := c.clock.Now()

	c.mu.Lock()
	if err != nil {
		c.state = StateFailed
		c.lastError = err
	} else {
		c.token = token
		c.refreshedAt = now
		c.state = StateValid
		c.lastError = nil
	}
	c.attempt = nil
	c.mu.Unlock()

	attempt.token = token
	attempt.err = err
	close(attempt.done)

	if err != nil {
		c.logger.Error("upstream login cycle failed",
			"identity", c.identity,
			"error", err,
		)
		return "", err
	}

	c.logger.Info("upstream login succeeded", "identity", c.identity)
	if c.store != nil {
		if saveErr := c.store.Save(ctx, c.identity, token, now); saveErr != nil {
			c.logger.Warn("token store save failed",
				"identity", c.identity,
				"error", saveErr,
			)
		}
	}
	return token, nil
}

// Invalidate discards the cached token after the upstream rejected it.
// staleToken guards against discarding a token that was already
// refreshed by another request: only the matching token is cleared.
func (c *Credential) Invalidate(ctx context.Context, staleToken string) {
	c.mu.Lock()
	if c.token == "" || c.token != staleToken {
		c.mu.Unlock()
		return
	}
	c.token = ""
	c.state = StateExpired
	c.mu.Unlock()

	c.logger.Info("upstream token invalidated", "identity", c.identity)
	if c.store != nil {
		if err := c.store.Delete(ctx, c.identity); err != nil {
			c.logger.Warn("token store delete failed",
				"identity", c.identity,
				"error", err,
			)
		}
	}
}

// CredentialStatus is a point-in-time view of a credential for the
// admin surface.
type CredentialStatus struct {
	Identity    string `json:"identity"`
	State       string `json:"state"`
	RefreshedAt string `json:"refreshed_at,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

// Status returns the credential's current state. The token itself is
// never exposed.
func (c *Credential) Status() CredentialStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := CredentialStatus{
		Identity: c.identity,
		State:    c.state.String(),
	}
	if !c.refreshedAt.IsZero() {
		status.RefreshedAt = c.refreshedAt.UTC().Format(time.RFC3339)
	}
	if c.lastError != nil {
		status.LastError = c.lastError.Error()
	}
	return status
}

// loginRequest is the JSON body of the upstream login endpoint.
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// registerRequest is the JSON body of the registration fallback.
type registerRequest struct {
	Nickname string `json:"nickname"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// authenticate runs one full login cycle: login, and on a credential
// rejection a one-time registration followed by exactly one login
// retry. Any other failure is surfaced as-is.
func (c *Credential) authenticate(ctx context.Context) (string, error) {
	token, err := c.login(ctx)
	if err == nil {
		return token, nil
	}
	if !IsUnauthorized(err) || c.registerURL == "" {
		return "", err
	}

	c.logger.Info("login rejected, attempting registration",
		"identity", c.identity,
	)
	if registerErr := c.register(ctx); registerErr != nil {
		return "", fmt.Errorf("registration after rejected login: %w", registerErr)
	}
	return c.login(ctx)
}

// login performs one login call. The token comes from the response
// Authorization header, verbatim — the upstream does not use a Bearer
// prefix and the body carries no token.
func (c *Credential) login(ctx context.Context) (string, error) {
	encrypted, err := EncryptPassword(c.publicKey, c.password)
	if err != nil {
		return "", err
	}

	response, err := c.postJSON(ctx, c.loginURL, loginRequest{
		Email:    c.identity,
		Password: encrypted,
	})
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return "", decodeError(response)
	}

	token := response.Header.Get("Authorization")
	if token == "" {
		// A 2xx without the header still carries an application-level
		// error body on this upstream.
		if bodyErr := decodeBodyError(response); bodyErr != nil {
			return "", bodyErr
		}
		return "", fmt.Errorf("login: response missing authorization header")
	}
	return token, nil
}

// register performs the one-time registration fallback.
func (c *Credential) register(ctx context.Context) error {
	encrypted, err := EncryptPassword(c.publicKey, c.password)
	if err != nil {
		return err
	}

	response, err := c.postJSON(ctx, c.registerURL, registerRequest{
		Nickname: c.registerNickname,
		Email:    c.identity,
		Password: encrypted,
	})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return decodeError(response)
	}
	return nil
}

// postJSON issues one JSON POST with the credential's HTTP client.
func (c *Credential) postJSON(ctx context.Context, url string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	return c.http.Do(request)
}

// decodeError turns a non-2xx response into an *Error, preserving the
// upstream's code and message when the body parses.
func decodeError(response *http.Response) error {
	upstreamErr := &Error{StatusCode: response.StatusCode}
	body, err := netutil.ReadResponse(response.Body)
	if err == nil && json.Unmarshal(body, upstreamErr) == nil && upstreamErr.Message != "" {
		return upstreamErr
	}
	upstreamErr.Message = http.StatusText(response.StatusCode)
	if len(body) > 0 {
		upstreamErr.Message = string(body)
	}
	return upstreamErr
}

// decodeBodyError extracts an application-level error from a 2xx
// response body. Returns nil when the body is not a recognizable
// error document.
func decodeBodyError(response *http.Response) error {
	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil
	}
	var upstreamErr Error
	if json.Unmarshal(body, &upstreamErr) != nil {
		return nil
	}
	if upstreamErr.Code == 0 || upstreamErr.Code == 200 {
		return nil
	}
	upstreamErr.StatusCode = response.StatusCode
	return &upstreamErr
}

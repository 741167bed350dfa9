// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by LoadConfig when the file leaves a field empty.
const (
	DefaultListenAddress  = "127.0.0.1:8780"
	DefaultMountPrefix    = "/api/proxy"
	DefaultIdentityHeader = "X-Gatehouse-Identity"
	DefaultSentinel       = "[DONE]"
	DefaultScopeColumn    = "agent_id"
	DefaultMaxBodyBytes   = 32 << 20
)

// Config is the top-level configuration for the gateway daemon.
type Config struct {
	// ListenAddress is the TCP address of the public listener.
	// Defaults to 127.0.0.1:8780.
	ListenAddress string `yaml:"listen_address"`

	// AdminSocketPath is an optional Unix socket for the admin surface
	// (health, status, rule introspection). The fronting system
	// connects here; callers never see it. When empty, no admin
	// surface is exposed.
	AdminSocketPath string `yaml:"admin_socket_path"`

	// MountPrefix is the path prefix the gateway serves under. The
	// remainder of the path is the sub-path handed to rule matching.
	// Defaults to /api/proxy.
	MountPrefix string `yaml:"mount_prefix"`

	// IdentityHeader names the request header carrying the caller's
	// resolved identity as base64-encoded CBOR. The header is stripped
	// before forwarding. Defaults to X-Gatehouse-Identity.
	IdentityHeader string `yaml:"identity_header"`

	// MaxBodyBytes bounds inbound request bodies. Defaults to 32 MiB.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// TokenStorePath is the SQLite database for persisted upstream
	// tokens. When empty, tokens live only in memory and every restart
	// re-authenticates.
	TokenStorePath string `yaml:"token_store_path"`

	// Upstreams maps upstream names to their configuration. Rule files
	// bind to these names.
	Upstreams map[string]UpstreamConfig `yaml:"upstreams"`

	// RuleFiles lists JSONC rule files in registration order. Order
	// matters: equal-length rule matches resolve to the first
	// registered rule.
	RuleFiles []string `yaml:"rule_files"`
}

// UpstreamConfig defines one upstream service the gateway forwards to.
type UpstreamConfig struct {
	// BaseURL is the upstream root, e.g. "http://retrieval:9080".
	BaseURL string `yaml:"base_url"`

	// Auth selects the authentication mode: "none" (anonymous),
	// "managed" (gateway-owned machine credential with encrypted
	// login), or "static" (fixed headers drawn from the credential
	// source).
	Auth string `yaml:"auth"`

	// ---- managed auth fields ----

	// Identity is the machine account's login email.
	Identity string `yaml:"identity"`

	// PublicKeyFile is the PEM file holding the upstream's published
	// RSA key used to encrypt the login password.
	PublicKeyFile string `yaml:"public_key_file"`

	// PasswordCredential names the password entry in the credential
	// source chain.
	PasswordCredential string `yaml:"password_credential"`

	// LoginPath is the login endpoint path. Defaults to
	// /v1/user/login.
	LoginPath string `yaml:"login_path"`

	// RegisterPath is the registration fallback endpoint. Empty
	// disables the fallback.
	RegisterPath string `yaml:"register_path"`

	// RegisterNickname is the nickname field of the registration
	// payload. Defaults to "service".
	RegisterNickname string `yaml:"register_nickname"`

	// ExpiryWindow is how long a token is trusted after refresh.
	// Defaults to 24h.
	ExpiryWindow Duration `yaml:"expiry_window"`

	// PersistToken stores the token in the token store so a restart
	// inside the expiry window does not re-login. Requires
	// token_store_path.
	PersistToken bool `yaml:"persist_token"`

	// ---- static auth fields ----

	// InjectHeaders maps header names to credential names. The
	// credential value is injected verbatim as the header value.
	InjectHeaders map[string]string `yaml:"inject_headers"`

	// ---- common fields ----

	// Sentinel is the stream-complete marker; a streamed chunk
	// containing it is forwarded and then ends the relay. Defaults to
	// "[DONE]".
	Sentinel string `yaml:"sentinel"`

	// ScopeColumn is the storage column name data-scope predicates
	// are built against. Defaults to "agent_id".
	ScopeColumn string `yaml:"scope_column"`

	// ConnectTimeout bounds connection establishment. Defaults to 10s.
	ConnectTimeout Duration `yaml:"connect_timeout"`

	// RequestTimeout bounds buffered (non-streaming) calls end to
	// end. Defaults to 60s.
	RequestTimeout Duration `yaml:"request_timeout"`

	// StreamIdleTimeout aborts a streaming relay that has received no
	// chunk for this long. Defaults to 5m.
	StreamIdleTimeout Duration `yaml:"stream_idle_timeout"`
}

// Duration wraps time.Duration so YAML can carry scalars like "30s"
// or "24h".
type Duration time.Duration

// UnmarshalYAML parses a duration scalar.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar like \"30s\"")
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LoadConfig loads the gateway configuration from a YAML file and
// applies defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if config.ListenAddress == "" {
		config.ListenAddress = DefaultListenAddress
	}
	if config.MountPrefix == "" {
		config.MountPrefix = DefaultMountPrefix
	}
	if config.IdentityHeader == "" {
		config.IdentityHeader = DefaultIdentityHeader
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}

	for name, upstream := range config.Upstreams {
		if upstream.LoginPath == "" {
			upstream.LoginPath = "/v1/user/login"
		}
		if upstream.Sentinel == "" {
			upstream.Sentinel = DefaultSentinel
		}
		if upstream.ScopeColumn == "" {
			upstream.ScopeColumn = DefaultScopeColumn
		}
		if upstream.ConnectTimeout <= 0 {
			upstream.ConnectTimeout = Duration(10 * time.Second)
		}
		if upstream.RequestTimeout <= 0 {
			upstream.RequestTimeout = Duration(60 * time.Second)
		}
		if upstream.StreamIdleTimeout <= 0 {
			upstream.StreamIdleTimeout = Duration(5 * time.Minute)
		}
		config.Upstreams[name] = upstream
	}

	return &config, nil
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.MountPrefix, "/") {
		return fmt.Errorf("mount_prefix %q must start with /", c.MountPrefix)
	}
	if strings.HasSuffix(c.MountPrefix, "/") {
		return fmt.Errorf("mount_prefix %q must not end with /", c.MountPrefix)
	}
	if len(c.Upstreams) == 0 {
		return fmt.Errorf("at least one upstream is required")
	}
	if len(c.RuleFiles) == 0 {
		return fmt.Errorf("at least one rule file is required")
	}

	for name, upstream := range c.Upstreams {
		if upstream.BaseURL == "" {
			return fmt.Errorf("upstream %q: base_url is required", name)
		}
		parsed, err := url.Parse(upstream.BaseURL)
		if err != nil {
			return fmt.Errorf("upstream %q: invalid base_url: %w", name, err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("upstream %q: base_url scheme must be http or https, got %q", name, parsed.Scheme)
		}

		switch upstream.Auth {
		case "", "none":
			// Anonymous.
		case "managed":
			if upstream.Identity == "" {
				return fmt.Errorf("upstream %q: identity is required for managed auth", name)
			}
			if upstream.PublicKeyFile == "" {
				return fmt.Errorf("upstream %q: public_key_file is required for managed auth", name)
			}
			if upstream.PasswordCredential == "" {
				return fmt.Errorf("upstream %q: password_credential is required for managed auth", name)
			}
			if upstream.PersistToken && c.TokenStorePath == "" {
				return fmt.Errorf("upstream %q: persist_token requires token_store_path", name)
			}
		case "static":
			if len(upstream.InjectHeaders) == 0 {
				return fmt.Errorf("upstream %q: inject_headers is required for static auth", name)
			}
		default:
			return fmt.Errorf("upstream %q: unknown auth mode %q (supported: none, managed, static)", name, upstream.Auth)
		}
	}

	return nil
}

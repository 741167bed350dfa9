// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/base64"
	"fmt"

	"github.com/bureau-foundation/bureau/lib/authz"
	"github.com/bureau-foundation/bureau/lib/codec"
)

// The fronting authenticator resolves each caller and passes the
// result to the gateway as base64-encoded CBOR in the identity
// header. The gateway never authenticates callers itself; a request
// without a decodable identity is rejected with 401 before matching.
// The header is stripped before forwarding so upstreams never see it.

// EncodeIdentity renders an identity as a header value. Deterministic
// CBOR keeps the encoding stable for logging and test fixtures.
func EncodeIdentity(identity *authz.Identity) (string, error) {
	encoded, err := codec.Marshal(identity)
	if err != nil {
		return "", fmt.Errorf("encoding identity: %w", err)
	}
	return base64.StdEncoding.EncodeToString(encoded), nil
}

// DecodeIdentity parses an identity header value. An empty value
// means the header was absent.
func DecodeIdentity(value string) (*authz.Identity, error) {
	if value == "" {
		return nil, fmt.Errorf("missing identity header")
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("identity header is not base64: %w", err)
	}
	var identity authz.Identity
	if err := codec.Unmarshal(raw, &identity); err != nil {
		return nil, fmt.Errorf("decoding identity header: %w", err)
	}
	return &identity, nil
}

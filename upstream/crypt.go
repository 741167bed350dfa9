// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"

	"github.com/bureau-foundation/bureau/lib/secret"
)

// ParsePublicKey parses a PEM-encoded RSA public key as published by
// the upstream service. Accepts both PKIX ("PUBLIC KEY") and PKCS#1
// ("RSA PUBLIC KEY") encodings.
func ParsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("upstream: no PEM block in public key data")
	}

	switch block.Type {
	case "PUBLIC KEY":
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("upstream: parsing PKIX public key: %w", err)
		}
		rsaKey, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("upstream: public key is %T, want RSA", parsed)
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("upstream: parsing PKCS#1 public key: %w", err)
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("upstream: unexpected PEM block type %q", block.Type)
	}
}

// EncryptPassword produces the password field of upstream login and
// registration requests. The wire format is fixed by the upstream's
// protocol: the raw password is base64-encoded, that string is
// RSA-encrypted with PKCS#1 v1.5 padding under the upstream's public
// key, and the ciphertext is base64-encoded again.
//
// The intermediate plaintext copy is zeroed before returning. The
// password buffer is borrowed and left intact.
func EncryptPassword(publicKey *rsa.PublicKey, password *secret.Buffer) (string, error) {
	if publicKey == nil {
		return "", fmt.Errorf("upstream: no public key for password encryption")
	}
	if password == nil || password.Len() == 0 {
		return "", fmt.Errorf("upstream: empty password")
	}

	encoded := make([]byte, base64.StdEncoding.EncodedLen(password.Len()))
	base64.StdEncoding.Encode(encoded, password.Bytes())
	defer secret.Zero(encoded)

	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, publicKey, encoded)
	if err != nil {
		return "", fmt.Errorf("upstream: encrypting password: %w", err)
	}

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

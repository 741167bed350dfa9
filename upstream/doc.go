// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package upstream manages the gateway's machine credential against a
// protected upstream service and issues authenticated calls with it.
//
// The upstream authenticates machine accounts with an email/password
// login whose password field is RSA-encrypted against the upstream's
// published public key ([EncryptPassword]). A successful login returns
// a bearer token in the response Authorization header; the token is
// valid for a fixed window (24 h by default) from the moment it was
// refreshed. [Credential] owns that lifecycle:
//
//	NoToken → Authenticating → Valid → Expired → Reauthenticating → Valid
//
// with Failed marking a fully failed cycle (login, registration
// fallback, and the single login retry all failed). Failed is sticky
// only for the waiters of that cycle: the next [Credential.Token] call
// starts a fresh cycle, so a recovered upstream heals without a
// restart.
//
// Token acquisition is single-flight. Concurrent callers that observe
// a missing or expired token share one in-flight login; each waiter
// honors its own context. Tokens persist in a SQLite [Store] so a
// gateway restart inside the expiry window does not re-login.
//
// [Client] wraps an *http.Client for one upstream: it injects the
// credential's token, detects token rejection — an HTTP 401, or an
// HTTP 200 whose JSON body carries an application-level 401 with an
// "unauthorized" message — and on rejection invalidates the token,
// re-logs-in once, and retries the original call exactly once.
//
// Raw passwords and private keys ride in secret.Buffer and enter the
// process through a [CredentialSource] chain: systemd credentials
// directory, age-sealed files, plain files, prefixed environment
// variables, a CBOR pipe from a supervisor, or an in-memory map in
// tests.
package upstream

// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway implements the rule-matched forwarding core of the
// Gatehouse daemon.
//
// Every inbound request under the mount prefix travels one path:
// resolve the caller's identity from the identity header, match the
// sub-path and verb against the rule table, enforce the matched rule's
// role and permission requirements, build the caller's data-scope
// predicate, run the rule's pre processors, forward the request to the
// rule's upstream (buffered or streaming), then run the post
// processors. An unmapped path is a security failure, not a routing
// one: it answers Forbidden, never a bare 404.
//
// [Registry] holds the rule table, compiled from JSONC rule files at
// startup and immutable afterwards. Matching is longest-prefix over
// anchored regular expressions; equal-length matches resolve to
// registration order (file order in the configuration, rule order in
// the file) — a deliberate, documented tie-break.
//
// [Forwarder] executes buffered calls in two modes. Structured mode
// re-encodes the query as a parameter map and the body through a
// best-effort JSON parse, and restricts verbs to GET/POST/PUT/DELETE.
// Straightforward mode forwards the raw query string and body bytes
// untouched, copying headers minus a fixed removal set, so multipart
// uploads and other non-JSON payloads survive byte-exact.
//
// [Relay] handles open-ended event streams: per-chunk flushing with a
// short scheduler yield to defeat intermediary buffering, end-of-stream
// detection by consecutive empty reads and by the upstream's sentinel
// marker, an inactivity watchdog, and a fallback transport (a fresh
// direct-dial HTTP/1.1 connection) used only when the pooled transport
// fails before the first chunk was delivered.
//
// [Server] exposes the public TCP listener plus an admin Unix socket
// with health, status (rule fingerprint, per-upstream credential
// state), and rule-table introspection.
package gateway

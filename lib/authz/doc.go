// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package authz evaluates what an authenticated caller may do. It
// answers two questions per matched rule:
//
//   - Access: does the caller hold the permissions and roles the rule
//     requires? Permission and role requirements have the same shape —
//     a single key, or a list of keys combined with AND (strict) or OR
//     (any) — and are evaluated over the caller's sets by
//     [CheckPermissions] and [CheckRoles].
//   - Visibility: which rows of an upstream query may the caller see?
//     [BuildScope] compiles the caller's scoped resource ids into a
//     [ScopePredicate] that downstream components apply in-process
//     (element filtering) or hand to a storage layer (SQL rendering).
//
// Administrators short-circuit every check: both access checks pass
// and the scope predicate matches all rows. The wildcard permission
// key "*:*:*" (the admin-grant convention of the fronting identity
// system) passes permission checks only — role requirements still
// apply to its holder.
//
// Callers with an empty scope set receive a predicate that matches
// nothing. Collapsing that case to "no filter" would expose every row
// to a caller who was granted none, so the distinction between "no
// restriction" and "no access" is load-bearing throughout.
//
// The package has no HTTP or rule-file awareness: the gateway resolves
// identities and parses rules, then calls in with plain values.
package authz

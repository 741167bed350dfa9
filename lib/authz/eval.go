// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package authz

import (
	"encoding/json"
	"fmt"
)

// WildcardPermission passes every permission check when present in a
// caller's permission set. It is the admin-grant convention of the
// fronting identity system. Role checks are unaffected.
const WildcardPermission = "*:*:*"

// Decision is the outcome of an access check.
type Decision int

const (
	// Deny means the request is not permitted.
	Deny Decision = iota

	// Allow means the request is permitted.
	Allow
)

// String returns "allow" or "deny".
func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// DenyReason describes why an access check was denied.
type DenyReason int

const (
	// ReasonPermissionMissing means a required permission key is not in
	// the caller's permission set.
	ReasonPermissionMissing DenyReason = iota

	// ReasonRoleMissing means a required role key is not in the
	// caller's role set.
	ReasonRoleMissing
)

// String returns a human-readable reason for logs.
func (r DenyReason) String() string {
	switch r {
	case ReasonPermissionMissing:
		return "required permission not held"
	case ReasonRoleMissing:
		return "required role not held"
	default:
		return "unknown"
	}
}

// Token returns the stable machine-readable reason served in deny
// responses. Responses carry the token, never the missing keys.
func (r DenyReason) Token() string {
	switch r {
	case ReasonPermissionMissing:
		return "permission_missing"
	case ReasonRoleMissing:
		return "role_missing"
	default:
		return "denied"
	}
}

// Identity is the resolved caller identity the fronting authenticator
// passes with each request. The gateway treats it as read-only.
type Identity struct {
	// ID is the caller's unique id in the fronting identity system.
	ID int64 `json:"id"`

	// Name is a human-readable label for logs.
	Name string `json:"name,omitempty"`

	// Admin short-circuits every permission, role, and scope check.
	Admin bool `json:"admin,omitempty"`

	// Permissions is the set of permission keys the caller holds.
	Permissions []string `json:"permissions,omitempty"`

	// Roles is the set of role keys the caller holds.
	Roles []string `json:"roles,omitempty"`

	// ScopeIDs are the resource ids the caller may act on. An empty
	// set means the caller sees nothing, not everything.
	ScopeIDs []int64 `json:"scope_ids,omitempty"`
}

// HasPermission reports whether key is in the caller's permission set.
func (id Identity) HasPermission(key string) bool {
	for _, held := range id.Permissions {
		if held == key {
			return true
		}
	}
	return false
}

// HasRole reports whether key is in the caller's role set.
func (id Identity) HasRole(key string) bool {
	for _, held := range id.Roles {
		if held == key {
			return true
		}
	}
	return false
}

// Keys is a list of permission or role keys. It deserializes from
// either a single JSON string or an array of strings, so rule authors
// can write "permission": "kb:doc:list" for the common one-key case.
type Keys []string

// UnmarshalJSON accepts a JSON string or array of strings.
func (k *Keys) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*k = Keys{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("authz: keys must be a string or array of strings: %w", err)
	}
	*k = Keys(list)
	return nil
}

// Requirement is a permission or role requirement attached to a rule.
// The zero value requires nothing and always allows.
type Requirement struct {
	// Keys are the required keys. Empty means no requirement.
	Keys Keys

	// All selects AND semantics: every key must be held. When false,
	// holding any one key suffices.
	All bool
}

// Empty reports whether the requirement requires nothing.
func (r Requirement) Empty() bool {
	return len(r.Keys) == 0
}

// Result describes the outcome of an access check. Reason and Missing
// are only meaningful when Decision is Deny; Missing supports log
// visibility and must not be exposed to callers.
type Result struct {
	Decision Decision
	Reason   DenyReason
	Missing  []string
}

// CheckPermissions checks the caller's permission set against a rule's
// permission requirement. Administrators and holders of
// WildcardPermission always pass.
func CheckPermissions(identity Identity, requirement Requirement) Result {
	if requirement.Empty() || identity.Admin || identity.HasPermission(WildcardPermission) {
		return Result{Decision: Allow}
	}
	return check(requirement, identity.HasPermission, ReasonPermissionMissing)
}

// CheckRoles checks the caller's role set against a rule's role
// requirement. Administrators always pass; WildcardPermission grants
// permissions, not roles.
func CheckRoles(identity Identity, requirement Requirement) Result {
	if requirement.Empty() || identity.Admin {
		return Result{Decision: Allow}
	}
	return check(requirement, identity.HasRole, ReasonRoleMissing)
}

// check evaluates a requirement over a membership predicate. All=true
// requires every key (missing keys are reported); All=false requires
// at least one (all keys are reported as missing on deny).
func check(requirement Requirement, holds func(string) bool, reason DenyReason) Result {
	if requirement.All {
		var missing []string
		for _, key := range requirement.Keys {
			if !holds(key) {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 {
			return Result{Decision: Deny, Reason: reason, Missing: missing}
		}
		return Result{Decision: Allow}
	}

	for _, key := range requirement.Keys {
		if holds(key) {
			return Result{Decision: Allow}
		}
	}
	return Result{Decision: Deny, Reason: reason, Missing: requirement.Keys}
}

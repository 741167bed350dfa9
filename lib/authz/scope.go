// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package authz

import (
	"strconv"
	"strings"
)

// ScopeKind describes the shape of a data-scope predicate.
type ScopeKind int

const (
	// ScopeNone matches no rows. Callers with an empty scope set
	// receive this. It must never degrade to "no filter" — that would
	// hand every row to a caller who was granted none.
	ScopeNone ScopeKind = iota

	// ScopeAll matches every row. Administrators receive this.
	ScopeAll

	// ScopeIDs matches rows whose scope column equals one of the
	// caller's scoped ids.
	ScopeIDs
)

// String returns the kind for logs.
func (k ScopeKind) String() string {
	switch k {
	case ScopeAll:
		return "all"
	case ScopeIDs:
		return "ids"
	default:
		return "none"
	}
}

// ScopePredicate restricts which rows of an upstream query the caller
// may see. It is applied in two places: in-process element filtering
// via Allows, and the external storage layer via SQL.
type ScopePredicate struct {
	Kind   ScopeKind
	Column string
	IDs    []int64
}

// BuildScope returns the data-scope predicate for identity over the
// given column. Administrators see everything; other callers see rows
// matching their scoped ids; a caller with no scoped ids sees nothing.
func BuildScope(identity Identity, column string) ScopePredicate {
	if identity.Admin {
		return ScopePredicate{Kind: ScopeAll, Column: column}
	}
	if len(identity.ScopeIDs) == 0 {
		return ScopePredicate{Kind: ScopeNone, Column: column}
	}
	ids := make([]int64, len(identity.ScopeIDs))
	copy(ids, identity.ScopeIDs)
	return ScopePredicate{Kind: ScopeIDs, Column: column, IDs: ids}
}

// Allows reports whether a row with the given scope id satisfies the
// predicate.
func (p ScopePredicate) Allows(id int64) bool {
	switch p.Kind {
	case ScopeAll:
		return true
	case ScopeIDs:
		for _, permitted := range p.IDs {
			if permitted == id {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// SQL renders the predicate as a SQL boolean expression for the
// external storage layer. ScopeAll renders "1 = 1" and ScopeNone
// "1 = 0" so the expression composes under AND without special cases.
func (p ScopePredicate) SQL() string {
	switch p.Kind {
	case ScopeAll:
		return "1 = 1"
	case ScopeIDs:
		var b strings.Builder
		b.WriteString(p.Column)
		b.WriteString(" IN (")
		for i, id := range p.IDs {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(strconv.FormatInt(id, 10))
		}
		b.WriteString(")")
		return b.String()
	default:
		return "1 = 0"
	}
}

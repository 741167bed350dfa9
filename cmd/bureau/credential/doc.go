// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package credential implements the "bureau credential" command group
// for managing Bureau credential bundles. The commands wrap the library
// functions in lib/credential/, providing CLI flag parsing, session
// management, and output formatting.
package credential

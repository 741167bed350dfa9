// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Bureau-sandbox runs commands in isolated bubblewrap (bwrap) sandboxes.
// It provides three subcommands: run (execute a command in a sandbox),
// validate (check a sandbox configuration), and test (verify the sandbox
// environment works correctly).
package main

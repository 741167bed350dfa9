// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Bureau is the unified CLI for interacting with a Bureau deployment.
// It provides subcommands for operator authentication (login, whoami),
// live terminal observation (observe, dashboard, list), fleet management
// (machine, workspace, template, environment), and Matrix homeserver
// administration (matrix).
package main

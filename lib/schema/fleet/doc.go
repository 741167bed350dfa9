// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fleet defines the Bureau fleet management protocol types:
// service definitions, machine definitions, placement constraints,
// scheduling, HA leases, service status, fleet alerts, and fleet
// configuration. These are the content structs for the fleet-related
// state events in #bureau/fleet rooms.
package fleet

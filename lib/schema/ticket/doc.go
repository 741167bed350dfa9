// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ticket defines the Bureau ticket protocol types: ticket
// content, gates, notes, attachments, origins, and room configuration.
// These are the content structs for EventTypeTicket and
// EventTypeTicketConfig state events.
package ticket

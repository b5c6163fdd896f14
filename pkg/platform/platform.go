// Copyright 2024-2026 Aiku AI

// Package platform defines the contract between the synchronization core
// and the per-platform connection code.
package platform

import (
	"context"

	"github.com/aiku/chatbridge/pkg/bridge"
)

// EventSink receives normalized events from adapters. The engine implements
// it; adapters push, the core never polls.
type EventSink interface {
	OnEvent(ctx context.Context, evt bridge.NormalizedEvent)
}

// Adapter is one platform connection: the outbound Sender surface plus the
// inbound listener lifecycle.
type Adapter interface {
	bridge.Sender

	// Platform returns the stable platform name used in routes, identity
	// mappings and correlation records.
	Platform() string

	// Start connects and begins pushing events into sink. It returns after
	// the connection is established; the listen loop runs until ctx is
	// cancelled or Stop is called.
	Start(ctx context.Context, sink EventSink) error

	// Stop tears the connection down. Idempotent.
	Stop()
}

// Package transport defines the contract between the coordination engine
// and the component that owns the raw session to the coordination service.
//
// The engine never touches the wire protocol, it consumes connectivity as
// discrete raw events and executes operations through the Execute method.
package transport

import (
	"context"
)

// Transport owns the physical connection to the coordination service.
//
// Implementations must deliver raw events asynchronously on the Events
// channel and must never block on engine-side processing. The instance
// index has to change every time the transport replaces the physical
// connection, the engine uses it to detect silent session replacement.
type Transport interface {
	// Connect ensures a connection attempt is in progress.
	// It must not block on the full handshake.
	Connect(ctx context.Context) error
	// IsConnected reports whether a live session exists right now.
	IsConnected() bool
	// InstanceIndex identifies the current physical connection.
	InstanceIndex() int64
	// Execute runs the operation against the service.
	// Logical failures are reported via the package sentinel errors.
	Execute(ctx context.Context, op Op) (Result, error)
	// Events returns the raw event stream. The channel is closed by Close.
	Events() <-chan RawEvent
	// AddWatch arms a watch on the path. One-shot or persistent behavior is
	// owned by the implementation, the engine re-arms after reconnection.
	AddWatch(ctx context.Context, path string, kind WatchKind, recursive bool) error
	// SupportsRecursiveWatch reports whether AddWatch honors the recursive flag.
	SupportsRecursiveWatch() bool
	// Close tears the session down and closes the Events channel.
	Close() error
}

package coordination

import (
	"context"

	"github.com/keboola/go-coordclient/pkg/coordination/transport"
)

// Event is the uniform record delivered to event listeners, node mutations
// and connection changes alike.
type Event struct {
	Type  transport.EventType
	State transport.RawState
	Path  string
	Data  []byte
}

// EventListener receives watch and connection events, in arrival order.
type EventListener func(event Event)

// UnhandledErrorListener receives engine-level faults that have no
// operation callback to deliver to.
type UnhandledErrorListener func(reason string, err error)

// runEventRouter consumes the raw transport stream. Connection-type events
// are first routed through the state machine, then every event is fanned out
// to the registered listeners in registration order.
func (c *Client) runEventRouter(ctx context.Context) {
	for raw := range c.transport.Events() {
		c.processEvent(ctx, Event{
			Type:  raw.Type,
			State: raw.State,
			Path:  raw.Path,
			Data:  raw.Data,
		})
	}
}

func (c *Client) processEvent(ctx context.Context, event Event) {
	if event.State != transport.StateUnknown && event.State != transport.StateClosed {
		c.validateConnection(ctx, event.State)
	}
	c.eventListeners.ForEach(func(fn EventListener) {
		c.safeCall(ctx, "event listener", func() {
			fn(event)
		})
	})
}

// validateConnection applies the transition table for raw transport states.
func (c *Client) validateConnection(ctx context.Context, state transport.RawState) {
	switch state {
	case transport.StateDisconnected:
		c.states.setToSuspended(ctx)
	case transport.StateExpired:
		c.states.addStateChange(ctx, StateLost)
	case transport.StateSyncConnected:
		c.checkInstanceIndex(ctx)
		c.states.addStateChange(ctx, StateReconnected)
		c.unsleepOperations(ctx)
	case transport.StateConnectedReadOnly:
		c.checkInstanceIndex(ctx)
		c.states.addStateChange(ctx, StateReadOnly)
	default:
		// StateUnknown, StateClosed - nothing to validate
	}
}

// checkInstanceIndex detects silent replacement of the physical connection.
// An index change while connected synthesizes LOST even though the transport
// reported no expiration. This is a documented heuristic, not a protocol
// guarantee of the underlying service.
func (c *Client) checkInstanceIndex(ctx context.Context) {
	index := c.transport.InstanceIndex()
	previous := c.instanceIndex.Swap(index)
	// The initial value is -1, the first connection is not a replacement.
	if previous >= 0 && previous != index {
		c.logger.Debugf(ctx, "instance index changed %d -> %d, session was replaced", previous, index)
		c.states.addStateChange(ctx, StateLost)
	}
}

// rawStateForError maps a terminal transport failure to the raw state fed
// back into the state machine.
func rawStateForError(err error) transport.RawState {
	switch {
	case transport.IsRetryable(err):
		return transport.StateDisconnected
	case transport.IsSessionTerminal(err):
		return transport.StateExpired
	default:
		return transport.StateUnknown
	}
}

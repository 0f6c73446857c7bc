package coordination

import (
	"context"
	"path"
	"strings"

	"go.uber.org/atomic"

	"github.com/keboola/go-coordclient/internal/pkg/idgenerator"
	"github.com/keboola/go-coordclient/internal/pkg/listeners"
	"github.com/keboola/go-coordclient/internal/pkg/log"
	"github.com/keboola/go-coordclient/internal/pkg/utils/errors"
	"github.com/keboola/go-coordclient/pkg/coordination/transport"
)

// PersistentWatcher keeps a watch registration alive across reconnections.
// The underlying watch is re-armed on the initial CONNECTED and on every
// RECONNECTED transition. After Close, the listeners receive exactly one
// synthetic terminal event and nothing else.
type PersistentWatcher struct {
	id        string
	client    *Client
	logger    log.Logger
	watchPath string
	kind      transport.WatchKind
	recursive bool
	// unfix rewrites event paths for namespace facades, nil means identity.
	unfix func(p string) string

	listeners *listeners.Manager[EventListener]
	closed    *atomic.Bool

	registryID uint64
	stateSubID uint64
	eventSubID uint64
}

// NewPersistentWatcher creates a watcher for the path. Call Start to arm it.
func (c *Client) NewPersistentWatcher(watchPath string, kind transport.WatchKind, recursive bool) *PersistentWatcher {
	return c.newPersistentWatcher(watchPath, kind, recursive, nil)
}

func (c *Client) newPersistentWatcher(watchPath string, kind transport.WatchKind, recursive bool, unfix func(p string) string) *PersistentWatcher {
	w := &PersistentWatcher{
		id:        idgenerator.WatcherID(),
		client:    c,
		logger:    c.logger.WithComponent("watcher"),
		watchPath: watchPath,
		kind:      kind,
		recursive: recursive,
		unfix:     unfix,
		listeners: listeners.New[EventListener](),
		closed:    atomic.NewBool(false),
	}
	w.registryID = c.watchers.Add(w)
	return w
}

// Start subscribes the watcher to connection state transitions and arms the
// watch if the transport is already connected.
func (w *PersistentWatcher) Start(ctx context.Context) {
	w.eventSubID = w.client.eventListeners.Add(w.routeEvent)
	w.stateSubID = w.client.SubscribeConnectionState(func(state ConnectionState) {
		if state == StateConnected || state == StateReconnected {
			// Re-arming performs I/O, it must not block the delivery goroutine.
			go w.rearm(context.WithoutCancel(ctx))
		}
	})
	if w.client.transport.IsConnected() {
		go w.rearm(context.WithoutCancel(ctx))
	}
}

// Listen registers a listener, events arrive in registration order.
func (w *PersistentWatcher) Listen(fn EventListener) uint64 {
	return w.listeners.Add(fn)
}

func (w *PersistentWatcher) Unlisten(id uint64) bool {
	return w.listeners.Remove(id)
}

// rearm registers the watch against the current physical connection.
// For recursive watchers it uses the recursive capability if the transport
// advertises it, otherwise it falls back to watching the node and each of
// its current children.
func (w *PersistentWatcher) rearm(ctx context.Context) {
	if w.closed.Load() {
		return
	}

	t := w.client.transport
	if !w.recursive || t.SupportsRecursiveWatch() {
		if err := t.AddWatch(ctx, w.watchPath, w.kind, w.recursive); err != nil {
			w.logger.Warnf(ctx, `cannot arm watch on "%s": %s`, w.watchPath, err)
		}
		return
	}

	// Fallback: track children manually.
	if err := t.AddWatch(ctx, w.watchPath, w.kind, false); err != nil {
		w.logger.Warnf(ctx, `cannot arm watch on "%s": %s`, w.watchPath, err)
		return
	}
	res, err := t.Execute(ctx, transport.Op{Kind: transport.OpChildren, Path: w.watchPath})
	if err != nil {
		w.logger.Warnf(ctx, `cannot list children of "%s": %s`, w.watchPath, err)
		return
	}
	errs := errors.NewMultiError()
	for _, child := range res.Children {
		childPath := path.Join(w.watchPath, child)
		if err := t.AddWatch(ctx, childPath, w.kind, false); err != nil {
			errs.Append(errors.Wrapf(err, `cannot arm watch on "%s"`, childPath))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		w.logger.Warnf(ctx, `cannot arm child watches under "%s": %s`, w.watchPath, err)
	}
}

// routeEvent filters the client event stream down to this registration.
func (w *PersistentWatcher) routeEvent(event Event) {
	if w.closed.Load() {
		return
	}
	if event.Type == transport.EventConnection || event.Type == transport.EventNone {
		return
	}
	if !w.matches(event.Path) {
		return
	}
	if w.unfix != nil {
		event.Path = w.unfix(event.Path)
	}
	w.deliver(event)
}

func (w *PersistentWatcher) matches(eventPath string) bool {
	if eventPath == w.watchPath {
		return true
	}
	return w.recursive && strings.HasPrefix(eventPath, w.watchPath+"/")
}

func (w *PersistentWatcher) deliver(event Event) {
	ctx := context.Background()
	w.listeners.ForEach(func(fn EventListener) {
		w.client.safeCall(ctx, "watch listener", func() {
			fn(event)
		})
	})
}

// Close is idempotent. The first call emits exactly one synthetic terminal
// event to the listeners, afterwards nothing is delivered.
func (w *PersistentWatcher) Close() {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	w.client.eventListeners.Remove(w.eventSubID)
	w.client.UnsubscribeConnectionState(w.stateSubID)
	w.client.watchers.Remove(w.registryID)

	terminal := Event{Type: transport.EventNone, State: transport.StateClosed, Path: w.watchPath}
	if w.unfix != nil {
		terminal.Path = w.unfix(terminal.Path)
	}
	w.deliver(terminal)
	w.listeners.Clear()
}

package coordination

import (
	"context"
	"path"
	"strings"

	"github.com/keboola/go-coordclient/pkg/coordination/transport"
)

// Facade is a view of the client under a fixed path prefix. All paths going
// out are prefixed, all paths coming back are stripped, so consumers of a
// facade never see the prefix. Facades are cached by prefix, two requests
// for the same prefix return the same instance.
type Facade struct {
	client    *Client
	namespace string
}

// UsingNamespace returns the facade for the prefix, idempotent per prefix.
func (c *Client) UsingNamespace(namespace string) *Facade {
	ns := normalizeNamespace(namespace)
	c.facadeLock.Lock()
	defer c.facadeLock.Unlock()
	if f, ok := c.facades[ns]; ok {
		return f
	}
	f := &Facade{client: c, namespace: ns}
	c.facades[ns] = f
	return f
}

// UsingNamespace composes the prefixes by concatenation, a facade built from
// a facade is never re-derived from the root.
func (f *Facade) UsingNamespace(namespace string) *Facade {
	child := normalizeNamespace(namespace)
	switch {
	case child == "":
		return f
	case f.namespace == "":
		return f.client.UsingNamespace(child)
	default:
		return f.client.UsingNamespace(f.namespace + "/" + child)
	}
}

// Namespace returns the composed prefix of this facade, without slashes
// around it, empty for the root view.
func (f *Facade) Namespace() string {
	return f.namespace
}

// Submit queues the operation with the prefix applied.
// The callback receives paths with the prefix stripped.
func (f *Facade) Submit(op Operation) bool {
	return f.client.Submit(f.fixOperation(op))
}

// Do executes the operation in the foreground with the prefix applied.
func (f *Facade) Do(ctx context.Context, op Operation) (Result, error) {
	result, err := f.client.Do(ctx, f.fixOperation(op))
	result.Path = f.unfixPath(result.Path)
	return result, err
}

// NewPersistentWatcher creates a watcher under the prefix, event paths are
// reported with the prefix stripped.
func (f *Facade) NewPersistentWatcher(watchPath string, kind transport.WatchKind, recursive bool) *PersistentWatcher {
	return f.client.newPersistentWatcher(f.fixPath(watchPath), kind, recursive, f.unfixPath)
}

// WaitConnected blocks until the session is connected or the context ends.
func (f *Facade) WaitConnected(ctx context.Context) error {
	return f.client.WaitConnected(ctx)
}

// SubscribeConnectionState delegates to the underlying client, connection
// state is a property of the session, not of the view.
func (f *Facade) SubscribeConnectionState(fn StateListener) uint64 {
	return f.client.SubscribeConnectionState(fn)
}

func (f *Facade) UnsubscribeConnectionState(id uint64) bool {
	return f.client.UnsubscribeConnectionState(id)
}

func (f *Facade) fixOperation(op Operation) Operation {
	op.Path = f.fixPath(op.Path)
	if userCallback := op.Callback; userCallback != nil {
		op.Callback = func(result Result) {
			result.Path = f.unfixPath(result.Path)
			userCallback(result)
		}
	}
	return op
}

// fixPath prepends the prefix before the path reaches the queue.
func (f *Facade) fixPath(p string) string {
	if f.namespace == "" {
		return canonicalPath(p)
	}
	p = canonicalPath(p)
	if p == "/" {
		return "/" + f.namespace
	}
	return "/" + f.namespace + p
}

// unfixPath strips the prefix from a path reported back to the caller.
func (f *Facade) unfixPath(p string) string {
	if f.namespace == "" || p == "" {
		return p
	}
	prefix := "/" + f.namespace
	switch {
	case p == prefix:
		return "/"
	case strings.HasPrefix(p, prefix+"/"):
		return p[len(prefix):]
	default:
		return p
	}
}

func normalizeNamespace(namespace string) string {
	return strings.Trim(path.Clean("/"+namespace), "/")
}

func canonicalPath(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}

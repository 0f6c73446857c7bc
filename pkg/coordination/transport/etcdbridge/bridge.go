package etcdbridge

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	etcd "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	grpcBackoff "google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/keboola/go-coordclient/internal/pkg/log"
	"github.com/keboola/go-coordclient/internal/pkg/utils/errors"
	"github.com/keboola/go-coordclient/pkg/coordination/transport"
)

const eventsBufferSize = 64

// Bridge is an etcd backed transport. The logical session is an etcd lease
// kept alive by the client, every re-created lease bumps the instance index.
type Bridge struct {
	config Config
	logger log.Logger
	client *etcd.Client
	clock  clockwork.Clock

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	events        chan transport.RawEvent
	connected     *atomic.Bool
	instanceIndex *atomic.Int64
	closed        *atomic.Bool
	connectOnce   *atomic.Bool

	watchLock    sync.Mutex
	watchCancels []context.CancelFunc

	closeErr error
}

// Option customizes the bridge.
type Option func(b *Bridge)

// WithClock replaces the real clock, for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(b *Bridge) {
		b.clock = clock
	}
}

// New dials the etcd cluster. The dial itself does not wait for a live
// connection, the session loop started by Connect owns connectivity.
func New(config Config, logger log.Logger, opts ...Option) (*Bridge, error) {
	config = config.Normalize()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	client, err := etcd.New(etcd.Config{
		// The client must outlive every request context.
		Context:              context.Background(),
		Endpoints:            []string{config.Endpoint},
		DialTimeout:          config.ConnectTimeout,
		DialKeepAliveTimeout: config.KeepAliveTimeout,
		DialKeepAliveTime:    config.KeepAliveInterval,
		Username:             config.Username,
		Password:             config.Password,
		Logger:               newEtcdLogger(),
		PermitWithoutStream:  true,
		DialOptions: []grpc.DialOption{
			grpc.WithConnectParams(grpc.ConnectParams{
				Backoff: grpcBackoff.Config{
					BaseDelay:  100 * time.Millisecond,
					Multiplier: 1.5,
					Jitter:     0.2,
					MaxDelay:   15 * time.Second,
				},
			}),
		},
	})
	if err != nil {
		return nil, errors.Errorf("cannot create etcd client: %w", err)
	}

	b := &Bridge{
		config:        config,
		logger:        logger.WithComponent("etcd-bridge"),
		client:        client,
		clock:         clockwork.NewRealClock(),
		events:        make(chan transport.RawEvent, eventsBufferSize),
		connected:     atomic.NewBool(false),
		instanceIndex: atomic.NewInt64(-1),
		closed:        atomic.NewBool(false),
		connectOnce:   atomic.NewBool(false),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.ctx, b.cancel = context.WithCancelCause(context.Background())
	return b, nil
}

func (b *Bridge) Connect(_ context.Context) error {
	if b.closed.Load() {
		return transport.ErrClosed
	}
	if b.connectOnce.CompareAndSwap(false, true) {
		b.wg.Add(1)
		go b.sessionLoop()
	}
	return nil
}

func (b *Bridge) IsConnected() bool {
	return b.connected.Load()
}

func (b *Bridge) InstanceIndex() int64 {
	return b.instanceIndex.Load()
}

func (b *Bridge) Events() <-chan transport.RawEvent {
	return b.events
}

func (b *Bridge) SupportsRecursiveWatch() bool {
	return true
}

func (b *Bridge) Execute(ctx context.Context, op transport.Op) (transport.Result, error) {
	if b.closed.Load() {
		return transport.Result{}, transport.ErrClosed
	}

	var result transport.Result
	var err error
	switch op.Kind {
	case transport.OpCreate:
		result, err = b.create(ctx, op)
	case transport.OpGet:
		result, err = b.get(ctx, op)
	case transport.OpSet:
		result, err = b.set(ctx, op)
	case transport.OpDelete:
		err = b.delete(ctx, op)
	case transport.OpChildren:
		result, err = b.children(ctx, op)
	case transport.OpExists:
		result, err = b.exists(ctx, op)
	case transport.OpSync:
		err = b.sync(ctx, op)
	default:
		err = errors.Errorf(`unexpected operation kind "%s"`, op.Kind)
	}
	if err != nil {
		return transport.Result{}, mapError(err)
	}

	result.Path = op.Path
	return result, nil
}

func (b *Bridge) AddWatch(_ context.Context, watchPath string, kind transport.WatchKind, recursive bool) error {
	if b.closed.Load() {
		return transport.ErrClosed
	}
	if !b.connected.Load() {
		return transport.ErrConnectionLoss
	}

	watchCtx, cancel := context.WithCancel(b.ctx)
	b.watchLock.Lock()
	b.watchCancels = append(b.watchCancels, cancel)
	b.watchLock.Unlock()

	var ch etcd.WatchChan
	switch {
	case recursive:
		// The prefix also matches sibling paths such as "/a-b" for "/a",
		// the forwarding goroutine filters them out.
		ch = b.client.Watch(watchCtx, watchPath, etcd.WithPrefix())
	case kind == transport.WatchChildren:
		ch = b.client.Watch(watchCtx, childPrefix(watchPath), etcd.WithPrefix())
	default:
		ch = b.client.Watch(watchCtx, watchPath)
	}

	b.wg.Add(1)
	go b.forwardWatch(watchCtx, ch, kind, watchPath, recursive)
	return nil
}

func (b *Bridge) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return b.closeErr
	}
	b.cancel(errors.New("etcd bridge closed"))
	b.cancelWatches()
	b.connected.Store(false)
	b.closeErr = b.client.Close()
	b.wg.Wait()
	close(b.events)
	return b.closeErr
}

// sessionLoop keeps exactly one live session. A new session is created after
// each loss until the bridge is closed, with exponential backoff between
// attempts.
func (b *Bridge) sessionLoop() {
	defer b.wg.Done()
	bo := newSessionBackoff()
	attempt := 0
	for {
		if b.ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			delay := bo.NextBackOff()
			b.logger.Infof(b.ctx, "re-creating etcd session, backoff delay %s", delay)
			select {
			case <-b.ctx.Done():
				return
			case <-b.clock.After(delay):
			}
		}
		attempt++

		session, err := concurrency.NewSession(b.client, concurrency.WithTTL(b.config.SessionTTLSeconds), concurrency.WithContext(b.ctx))
		if err != nil {
			b.logger.Errorf(b.ctx, "cannot create etcd session: %s", err)
			continue
		}

		bo.Reset()
		index := b.instanceIndex.Inc()
		b.connected.Store(true)
		b.logger.Infof(b.ctx, `created etcd session, instance index "%d"`, index)
		b.emit(transport.RawEvent{Type: transport.EventConnection, State: transport.StateSyncConnected})

		select {
		case <-b.ctx.Done():
			_ = session.Close()
			return
		case <-session.Done():
			b.connected.Store(false)
			b.cancelWatches()
			b.logger.Warn(b.ctx, "etcd session lost")
			b.emit(transport.RawEvent{Type: transport.EventConnection, State: transport.StateDisconnected})
			if b.sessionExpired(session.Lease()) {
				b.logger.Warn(b.ctx, "etcd session expired")
				b.emit(transport.RawEvent{Type: transport.EventConnection, State: transport.StateExpired})
			}
		}
	}
}

// sessionExpired asks the cluster whether the session lease still exists.
// When the cluster is unreachable the loss stays a plain disconnect, expiry
// must be proven, not assumed.
func (b *Bridge) sessionExpired(lease etcd.LeaseID) bool {
	ctx, cancel := context.WithTimeout(b.ctx, b.config.ConnectTimeout)
	defer cancel()
	resp, err := b.client.TimeToLive(ctx, lease)
	return leaseExpired(resp, err)
}

// leaseExpired interprets a lease TTL response, a negative TTL means the
// lease no longer exists on the cluster.
func leaseExpired(resp *etcd.LeaseTimeToLiveResponse, err error) bool {
	if errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return true
	}
	return err == nil && resp != nil && resp.TTL < 0
}

func (b *Bridge) forwardWatch(ctx context.Context, ch etcd.WatchChan, kind transport.WatchKind, watchPath string, recursive bool) {
	defer b.wg.Done()
	for resp := range ch {
		if err := resp.Err(); err != nil {
			if ctx.Err() == nil {
				b.logger.Warnf(ctx, `watch on "%s" failed: %s`, watchPath, err)
			}
			return
		}
		for _, ev := range resp.Events {
			key := string(ev.Kv.Key)
			if recursive && key != watchPath && !strings.HasPrefix(key, childPrefix(watchPath)) {
				continue
			}
			if raw, ok := translateWatchEvent(kind, watchPath, ev.Type, ev.Kv); ok {
				b.emit(raw)
			}
		}
	}
}

func (b *Bridge) emit(ev transport.RawEvent) {
	select {
	case b.events <- ev:
	case <-b.ctx.Done():
	}
}

func (b *Bridge) cancelWatches() {
	b.watchLock.Lock()
	defer b.watchLock.Unlock()
	for _, cancel := range b.watchCancels {
		cancel()
	}
	b.watchCancels = nil
}

func (b *Bridge) create(ctx context.Context, op transport.Op) (transport.Result, error) {
	if op.Path == "/" {
		return transport.Result{}, transport.ErrNodeExists
	}

	cmps := []etcd.Cmp{etcd.Compare(etcd.CreateRevision(op.Path), "=", 0)}
	if parent := parentPath(op.Path); parent != "/" {
		cmps = append(cmps, etcd.Compare(etcd.CreateRevision(parent), ">", 0))
	}

	resp, err := b.client.Txn(ctx).If(cmps...).Then(etcd.OpPut(op.Path, string(op.Data))).Commit()
	if err != nil {
		return transport.Result{}, err
	}
	if !resp.Succeeded {
		// Distinguish an existing node from a missing parent.
		get, err := b.client.Get(ctx, op.Path, etcd.WithKeysOnly())
		if err != nil {
			return transport.Result{}, err
		}
		if get.Count > 0 {
			return transport.Result{}, transport.ErrNodeExists
		}
		return transport.Result{}, transport.ErrNoNode
	}
	return transport.Result{Exists: true, Version: 0}, nil
}

func (b *Bridge) get(ctx context.Context, op transport.Op) (transport.Result, error) {
	if op.Path == "/" {
		return transport.Result{Exists: true, Version: 0}, nil
	}
	resp, err := b.client.Get(ctx, op.Path)
	if err != nil {
		return transport.Result{}, err
	}
	if resp.Count == 0 {
		return transport.Result{}, transport.ErrNoNode
	}
	kv := resp.Kvs[0]
	return transport.Result{Exists: true, Data: kv.Value, Version: logicalVersion(kv.Version)}, nil
}

func (b *Bridge) set(ctx context.Context, op transport.Op) (transport.Result, error) {
	if op.Path == "/" {
		return transport.Result{}, errors.New("the root path cannot be modified")
	}

	cmps := []etcd.Cmp{etcd.Compare(etcd.CreateRevision(op.Path), ">", 0)}
	if op.Version >= 0 {
		cmps = append(cmps, etcd.Compare(etcd.Version(op.Path), "=", guardVersion(op.Version)))
	}

	resp, err := b.client.Txn(ctx).
		If(cmps...).
		Then(etcd.OpPut(op.Path, string(op.Data)), etcd.OpGet(op.Path, etcd.WithKeysOnly())).
		Commit()
	if err != nil {
		return transport.Result{}, err
	}
	if !resp.Succeeded {
		get, err := b.client.Get(ctx, op.Path, etcd.WithKeysOnly())
		if err != nil {
			return transport.Result{}, err
		}
		if get.Count == 0 {
			return transport.Result{}, transport.ErrNoNode
		}
		return transport.Result{}, transport.ErrBadVersion
	}

	kvs := resp.Responses[1].GetResponseRange().Kvs
	return transport.Result{Exists: true, Version: logicalVersion(kvs[0].Version)}, nil
}

func (b *Bridge) delete(ctx context.Context, op transport.Op) error {
	if op.Path == "/" {
		return transport.ErrNotEmpty
	}

	// The membership check and the delete are two steps, a child created in
	// between can survive under a deleted parent.
	childrenResp, err := b.client.Get(ctx, childPrefix(op.Path), etcd.WithPrefix(), etcd.WithKeysOnly(), etcd.WithLimit(1))
	if err != nil {
		return err
	}
	if childrenResp.Count > 0 {
		return transport.ErrNotEmpty
	}

	cmps := []etcd.Cmp{etcd.Compare(etcd.CreateRevision(op.Path), ">", 0)}
	if op.Version >= 0 {
		cmps = append(cmps, etcd.Compare(etcd.Version(op.Path), "=", guardVersion(op.Version)))
	}

	resp, err := b.client.Txn(ctx).If(cmps...).Then(etcd.OpDelete(op.Path)).Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		get, err := b.client.Get(ctx, op.Path, etcd.WithKeysOnly())
		if err != nil {
			return err
		}
		if get.Count == 0 {
			return transport.ErrNoNode
		}
		return transport.ErrBadVersion
	}
	return nil
}

func (b *Bridge) children(ctx context.Context, op transport.Op) (transport.Result, error) {
	prefix := childPrefix(op.Path)

	var kvs []*mvccpb.KeyValue
	if op.Path == "/" {
		resp, err := b.client.Get(ctx, prefix, etcd.WithPrefix(), etcd.WithKeysOnly())
		if err != nil {
			return transport.Result{}, err
		}
		kvs = resp.Kvs
	} else {
		resp, err := b.client.Txn(ctx).
			If(etcd.Compare(etcd.CreateRevision(op.Path), ">", 0)).
			Then(etcd.OpGet(prefix, etcd.WithPrefix(), etcd.WithKeysOnly())).
			Commit()
		if err != nil {
			return transport.Result{}, err
		}
		if !resp.Succeeded {
			return transport.Result{}, transport.ErrNoNode
		}
		kvs = resp.Responses[0].GetResponseRange().Kvs
	}

	names := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		if key := string(kv.Key); isDirectChild(op.Path, key) {
			names = append(names, childName(op.Path, key))
		}
	}
	sort.Strings(names)
	return transport.Result{Exists: true, Children: names}, nil
}

func (b *Bridge) exists(ctx context.Context, op transport.Op) (transport.Result, error) {
	if op.Path == "/" {
		return transport.Result{Exists: true, Version: 0}, nil
	}
	resp, err := b.client.Get(ctx, op.Path, etcd.WithKeysOnly())
	if err != nil {
		return transport.Result{}, err
	}
	if resp.Count == 0 {
		return transport.Result{Exists: false}, nil
	}
	return transport.Result{Exists: true, Version: logicalVersion(resp.Kvs[0].Version)}, nil
}

// sync issues a linearizable read as a barrier, reads in etcd are
// linearizable by default so there is no state to flush.
func (b *Bridge) sync(ctx context.Context, op transport.Op) error {
	_, err := b.client.Get(ctx, op.Path, etcd.WithKeysOnly())
	return err
}

// mapError translates etcd client failures to the transport sentinels.
// Logical sentinels produced by the operation mapping pass through unchanged.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, transport.ErrNoNode),
		errors.Is(err, transport.ErrNodeExists),
		errors.Is(err, transport.ErrBadVersion),
		errors.Is(err, transport.ErrNotEmpty),
		errors.Is(err, transport.ErrConnectionLoss),
		errors.Is(err, transport.ErrSessionExpired),
		errors.Is(err, transport.ErrClosed):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, rpctypes.ErrNoLeader), errors.Is(err, rpctypes.ErrLeaderChanged):
		return errors.Errorf("%w: %s", transport.ErrConnectionLoss, err)
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
			return errors.Errorf("%w: %s", transport.ErrConnectionLoss, err)
		}
	}
	return err
}

func newSessionBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0.2
	b.InitialInterval = 50 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 1 * time.Minute
	b.MaxElapsedTime = 0 // never stop
	b.Reset()
	return b
}

func newEtcdLogger() *zap.Logger {
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(os.Stderr),
		zapcore.WarnLevel,
	)
	return zap.New(core).With(zap.String("component", "etcd-client"))
}

package etcdbridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.etcd.io/etcd/api/v3/mvccpb"

	"github.com/keboola/go-coordclient/pkg/coordination/transport"
)

func TestChildPrefix(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "/", childPrefix("/"))
	assert.Equal(t, "/a/", childPrefix("/a"))
	assert.Equal(t, "/a/b/", childPrefix("/a/b"))
}

func TestIsDirectChild(t *testing.T) {
	t.Parallel()
	assert.True(t, isDirectChild("/a", "/a/b"))
	assert.True(t, isDirectChild("/", "/a"))
	assert.False(t, isDirectChild("/a", "/a"))
	assert.False(t, isDirectChild("/a", "/a/b/c"))
	assert.False(t, isDirectChild("/a", "/ab"))
	assert.False(t, isDirectChild("/a", "/b/c"))
}

func TestChildName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "b", childName("/a", "/a/b"))
	assert.Equal(t, "a", childName("/", "/a"))
}

func TestParentPath(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "/", parentPath("/a"))
	assert.Equal(t, "/a", parentPath("/a/b"))
}

func TestVersionMapping(t *testing.T) {
	t.Parallel()
	// A key created in etcd has version 1, the logical version starts at 0.
	assert.Equal(t, int64(0), logicalVersion(1))
	assert.Equal(t, int64(2), logicalVersion(3))
	assert.Equal(t, int64(1), guardVersion(0))
	assert.Equal(t, int64(4), guardVersion(3))
}

func TestTranslateWatchEvent_Data(t *testing.T) {
	t.Parallel()

	created, ok := translateWatchEvent(transport.WatchData, "/a", mvccpb.PUT, &mvccpb.KeyValue{Key: []byte("/a"), Value: []byte("v"), Version: 1})
	assert.True(t, ok)
	assert.Equal(t, transport.EventNodeCreated, created.Type)
	assert.Equal(t, "/a", created.Path)
	assert.Equal(t, []byte("v"), created.Data)

	changed, ok := translateWatchEvent(transport.WatchData, "/a", mvccpb.PUT, &mvccpb.KeyValue{Key: []byte("/a"), Value: []byte("v2"), Version: 2})
	assert.True(t, ok)
	assert.Equal(t, transport.EventNodeDataChanged, changed.Type)

	deleted, ok := translateWatchEvent(transport.WatchData, "/a", mvccpb.DELETE, &mvccpb.KeyValue{Key: []byte("/a")})
	assert.True(t, ok)
	assert.Equal(t, transport.EventNodeDeleted, deleted.Type)
	assert.Equal(t, "/a", deleted.Path)
}

func TestTranslateWatchEvent_Children(t *testing.T) {
	t.Parallel()

	// Membership changes of direct children are reported against the parent.
	added, ok := translateWatchEvent(transport.WatchChildren, "/a", mvccpb.PUT, &mvccpb.KeyValue{Key: []byte("/a/b"), Version: 1})
	assert.True(t, ok)
	assert.Equal(t, transport.EventNodeChildrenChanged, added.Type)
	assert.Equal(t, "/a", added.Path)

	removed, ok := translateWatchEvent(transport.WatchChildren, "/a", mvccpb.DELETE, &mvccpb.KeyValue{Key: []byte("/a/b")})
	assert.True(t, ok)
	assert.Equal(t, transport.EventNodeChildrenChanged, removed.Type)

	// A data change of an existing child is not a membership change.
	_, ok = translateWatchEvent(transport.WatchChildren, "/a", mvccpb.PUT, &mvccpb.KeyValue{Key: []byte("/a/b"), Version: 2})
	assert.False(t, ok)

	// A grandchild is not a direct child.
	_, ok = translateWatchEvent(transport.WatchChildren, "/a", mvccpb.PUT, &mvccpb.KeyValue{Key: []byte("/a/b/c"), Version: 1})
	assert.False(t, ok)
}

package etcdbridge

import (
	"path"
	"strings"

	"go.etcd.io/etcd/api/v3/mvccpb"

	"github.com/keboola/go-coordclient/pkg/coordination/transport"
)

// Tree paths map onto flat etcd keys one to one, "/a/b" is the key "/a/b".
// Children of a path are the keys under its prefix that contain no further
// separator. The root path "/" is virtual, it always exists and holds no data.

func childPrefix(p string) string {
	if p == "/" {
		return "/"
	}
	return p + "/"
}

func isDirectChild(parent, key string) bool {
	prefix := childPrefix(parent)
	if !strings.HasPrefix(key, prefix) || key == prefix {
		return false
	}
	return !strings.Contains(key[len(prefix):], "/")
}

func childName(parent, key string) string {
	return key[len(childPrefix(parent)):]
}

func parentPath(p string) string {
	return path.Dir(p)
}

// logicalVersion converts the etcd per-key version, which starts at 1 on
// creation, to the zero-based version of the transport contract.
func logicalVersion(etcdVersion int64) int64 {
	return etcdVersion - 1
}

// guardVersion converts a zero-based version back to the etcd per-key
// version for use in transaction comparisons.
func guardVersion(version int64) int64 {
	return version + 1
}

// translateWatchEvent converts one etcd watch event to a raw transport event.
// The second return value is false when the event is filtered out, for
// example a data change under a children watch that only reports membership.
func translateWatchEvent(kind transport.WatchKind, watchPath string, eventType mvccpb.Event_EventType, kv *mvccpb.KeyValue) (transport.RawEvent, bool) {
	key := string(kv.Key)
	if kind == transport.WatchChildren {
		if !isDirectChild(watchPath, key) {
			return transport.RawEvent{}, false
		}
		// A data change of an existing child does not change the membership.
		if eventType == mvccpb.PUT && kv.Version > 1 {
			return transport.RawEvent{}, false
		}
		return transport.RawEvent{Type: transport.EventNodeChildrenChanged, Path: watchPath}, true
	}

	switch {
	case eventType == mvccpb.DELETE:
		return transport.RawEvent{Type: transport.EventNodeDeleted, Path: key}, true
	case kv.Version == 1:
		return transport.RawEvent{Type: transport.EventNodeCreated, Path: key, Data: kv.Value}, true
	default:
		return transport.RawEvent{Type: transport.EventNodeDataChanged, Path: key, Data: kv.Value}, true
	}
}

package transport

// RawState is the connectivity state reported by the transport.
type RawState int32

const (
	StateUnknown RawState = iota
	// StateDisconnected - the physical connection was lost, the session may survive.
	StateDisconnected
	// StateExpired - the service declared the session expired.
	StateExpired
	// StateSyncConnected - a connection is established and in sync.
	StateSyncConnected
	// StateConnectedReadOnly - connected to a read-only replica.
	StateConnectedReadOnly
	// StateClosed - synthetic state, emitted exactly once when a watcher or client is closed.
	StateClosed
)

func (v RawState) String() string {
	switch v {
	case StateDisconnected:
		return "Disconnected"
	case StateExpired:
		return "Expired"
	case StateSyncConnected:
		return "SyncConnected"
	case StateConnectedReadOnly:
		return "ConnectedReadOnly"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// EventType describes what happened to a node, or that the event carries
// only a connectivity change.
type EventType int32

const (
	EventNone EventType = iota
	EventNodeCreated
	EventNodeDataChanged
	EventNodeDeleted
	EventNodeChildrenChanged
	// EventConnection carries no path, only a RawState transition.
	EventConnection
)

func (v EventType) String() string {
	switch v {
	case EventNodeCreated:
		return "NodeCreated"
	case EventNodeDataChanged:
		return "NodeDataChanged"
	case EventNodeDeleted:
		return "NodeDeleted"
	case EventNodeChildrenChanged:
		return "NodeChildrenChanged"
	case EventConnection:
		return "Connection"
	default:
		return "None"
	}
}

// RawEvent is a single asynchronous notification from the transport.
type RawEvent struct {
	Type  EventType
	State RawState
	Path  string
	Data  []byte
}

// WatchKind selects which mutations of a path fire events.
type WatchKind int32

const (
	WatchData WatchKind = iota
	WatchExist
	WatchChildren
)

func (v WatchKind) String() string {
	switch v {
	case WatchExist:
		return "exist"
	case WatchChildren:
		return "children"
	default:
		return "data"
	}
}

// OpKind selects the operation executed against the service.
type OpKind int32

const (
	OpCreate OpKind = iota
	OpGet
	OpSet
	OpDelete
	OpChildren
	OpExists
	OpSync
)

func (v OpKind) String() string {
	switch v {
	case OpCreate:
		return "create"
	case OpGet:
		return "get"
	case OpSet:
		return "set"
	case OpDelete:
		return "delete"
	case OpChildren:
		return "children"
	case OpExists:
		return "exists"
	case OpSync:
		return "sync"
	default:
		return "unknown"
	}
}

// Op is one operation against the coordination service.
// Version is honored by OpSet and OpDelete, -1 disables the version check.
type Op struct {
	Kind    OpKind
	Path    string
	Data    []byte
	Version int64
}

// Result is the outcome of a successfully executed Op.
type Result struct {
	Path     string
	Data     []byte
	Children []string
	Version  int64
	Exists   bool
}

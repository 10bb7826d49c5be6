package replset

import (
	"context"
	"time"

	"github.com/couchbase/replset-gateway/replset/ismaster"
	"github.com/couchbase/replset-gateway/replset/opstore"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.uber.org/zap"
)

type NodeEventType string

const (
	NodeEventClose                    NodeEventType = "close"
	NodeEventTimeout                  NodeEventType = "timeout"
	NodeEventError                    NodeEventType = "error"
	NodeEventParseError               NodeEventType = "parseError"
	NodeEventServerOpening            NodeEventType = "serverOpening"
	NodeEventServerDescriptionChanged NodeEventType = "serverDescriptionChanged"
	NodeEventServerClosed             NodeEventType = "serverClosed"
)

// isFailure reports whether the event means the node is no longer usable.
func (t NodeEventType) isFailure() bool {
	switch t {
	case NodeEventClose, NodeEventTimeout, NodeEventError, NodeEventParseError:
		return true
	}
	return false
}

type NodeEvent struct {
	Type    NodeEventType
	Address string
	Err     error
}

type NodeEventHandler func(node Node, evt *NodeEvent)

type CommandOptions struct {
	ReadPreference *readpref.ReadPref

	// Monitoring marks heartbeat commands, which nodes must not count as
	// application traffic.
	Monitoring bool

	// SocketTimeout bounds this command independently of the node's default.
	SocketTimeout time.Duration
}

type WriteOptions struct {
	Ordered      *bool
	WriteConcern *writeconcern.WriteConcern
}

type WriteResult struct {
	N         int64
	NModified int64
	Raw       bson.Raw
}

type ConnectionInfo struct {
	ID      uint64
	Address string
}

type Credentials struct {
	Username string
	Password string
}

// AuthContext is a recorded Auth call, replayed against every node which
// joins after it was issued.
type AuthContext struct {
	Mechanism   string
	DB          string
	Credentials Credentials
}

// Node is a single server connection.  Implementations must be safe for
// concurrent use, and must deliver events from their own goroutines.
type Node interface {
	Name() string

	// Connect performs the handshake.  On success LastIsMaster returns the
	// handshake reply.
	Connect(ctx context.Context) error
	IsConnected() bool
	LastIsMaster() *ismaster.Result

	Command(ctx context.Context, ns string, cmd bson.D, opts *CommandOptions) (bson.Raw, error)
	Insert(ctx context.Context, ns string, docs []interface{}, opts *WriteOptions) (*WriteResult, error)
	Update(ctx context.Context, ns string, updates []interface{}, opts *WriteOptions) (*WriteResult, error)
	Remove(ctx context.Context, ns string, deletes []interface{}, opts *WriteOptions) (*WriteResult, error)

	Auth(ctx context.Context, authCtx *AuthContext) error
	Logout(ctx context.Context, db string) error

	Connections() []ConnectionInfo
	GetConnection() *ConnectionInfo

	SetEventHandler(handler NodeEventHandler)
	Destroy(force bool)
	Unref()
}

type NodeOptions struct {
	Logger            *zap.Logger
	Host              string
	Port              int
	SetName           string
	SocketTimeout     time.Duration
	ConnectionTimeout time.Duration
}

type NodeFactory interface {
	NewNode(opts *NodeOptions) (Node, error)
}

type NodeFactoryFunc func(opts *NodeOptions) (Node, error)

func (f NodeFactoryFunc) NewNode(opts *NodeOptions) (Node, error) {
	return f(opts)
}

// DisconnectHandler holds operations issued while no suitable member is
// available.  opstore.Store is the standard implementation.
type DisconnectHandler interface {
	Add(op *opstore.Operation) error
	Execute(opts opstore.ExecuteOptions)
	Flush(err error)
}

var _ DisconnectHandler = (*opstore.Store)(nil)

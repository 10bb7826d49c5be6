// Package mongonode implements replset.Node on top of a direct connection
// made with the official MongoDB Go driver.
package mongonode

import (
	"cmp"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/couchbase/replset-gateway/replset"
	"github.com/couchbase/replset-gateway/replset/ismaster"
	"github.com/couchbase/replset-gateway/utils/hostutils"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

var ErrNotConnected = errors.New("node is not connected")

// mechanismNames maps the topology's lowercase mechanism names onto the
// names understood by the driver.
var mechanismNames = map[string]string{
	"default":       "",
	"mongocr":       "MONGODB-CR",
	"x509":          "MONGODB-X509",
	"plain":         "PLAIN",
	"scram-sha-1":   "SCRAM-SHA-1",
	"scram-sha-256": "SCRAM-SHA-256",
}

type Options struct {
	Logger  *zap.Logger
	AppName string
}

// Factory builds Nodes for a replset topology.
type Factory struct {
	logger  *zap.Logger
	appName string
}

var _ replset.NodeFactory = (*Factory)(nil)

func NewFactory(opts *Options) *Factory {
	if opts == nil {
		opts = &Options{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Factory{
		logger:  logger,
		appName: opts.AppName,
	}
}

func (f *Factory) NewNode(opts *replset.NodeOptions) (replset.Node, error) {
	if opts.Host == "" || opts.Port <= 0 {
		return nil, errors.New("node requires a host and port")
	}

	logger := opts.Logger
	if logger == nil {
		logger = f.logger
	}

	address := hostutils.JoinHostPort(opts.Host, opts.Port)

	return &Node{
		logger:            logger.With(zap.String("address", address)),
		appName:           f.appName,
		address:           address,
		socketTimeout:     opts.SocketTimeout,
		connectionTimeout: opts.ConnectionTimeout,
		connections:       make(map[connKey]replset.ConnectionInfo),
	}, nil
}

// connKey identifies a pooled connection across client generations, since
// each rebuilt client numbers its connections from one again.
type connKey struct {
	generation uint64
	id         uint64
}

// Node owns one single-host driver client.  Authentication is applied by
// rebuilding the client with the new credentials, since the driver binds
// credentials to a client for its whole lifetime.
type Node struct {
	logger            *zap.Logger
	appName           string
	address           string
	socketTimeout     time.Duration
	connectionTimeout time.Duration

	lock        sync.Mutex
	client      *mongo.Client
	generation  uint64
	nextGen     uint64
	credential  *options.Credential
	lastReply   *ismaster.Result
	handler     replset.NodeEventHandler
	connections map[connKey]replset.ConnectionInfo
	destroyed   bool
	unrefed     bool
}

var _ replset.Node = (*Node)(nil)

func (n *Node) Name() string {
	return n.address
}

func (n *Node) emit(evtType replset.NodeEventType, err error) {
	n.lock.Lock()
	handler := n.handler
	destroyed := n.destroyed
	n.lock.Unlock()

	if handler == nil || (destroyed && evtType != replset.NodeEventServerClosed) {
		return
	}

	go handler(n, &replset.NodeEvent{
		Type:    evtType,
		Address: n.address,
		Err:     err,
	})
}

// emitFrom forwards a driver server event unless it comes from a client
// which has since been replaced.
func (n *Node) emitFrom(generation uint64, evtType replset.NodeEventType) {
	n.lock.Lock()
	stale := generation < n.generation
	n.lock.Unlock()

	if !stale {
		n.emit(evtType, nil)
	}
}

func (n *Node) handlePoolEvent(generation uint64, evt *event.PoolEvent) {
	key := connKey{generation: generation, id: evt.ConnectionID}

	switch evt.Type {
	case event.ConnectionReady:
		n.lock.Lock()
		n.connections[key] = replset.ConnectionInfo{
			ID:      evt.ConnectionID,
			Address: evt.Address,
		}
		n.lock.Unlock()

	case event.ConnectionClosed:
		n.lock.Lock()
		delete(n.connections, key)
		current := generation == n.generation
		n.lock.Unlock()

		if !current {
			return
		}

		switch evt.Reason {
		case event.ReasonConnectionErrored:
			n.emit(replset.NodeEventClose, evt.Error)
		case event.ReasonTimedOut:
			n.emit(replset.NodeEventTimeout, evt.Error)
		case event.ReasonError:
			n.emit(replset.NodeEventError, evt.Error)
		}

	case event.PoolCleared:
		n.logger.Debug("connection pool cleared", zap.Error(evt.Error))
	}
}

func (n *Node) clientOptions(generation uint64, credential *options.Credential) *options.ClientOptions {
	opts := options.Client().
		SetHosts([]string{n.address}).
		SetDirect(true).
		SetReadPreference(readpref.PrimaryPreferred()).
		SetPoolMonitor(&event.PoolMonitor{
			Event: func(evt *event.PoolEvent) {
				n.handlePoolEvent(generation, evt)
			},
		}).
		SetServerMonitor(&event.ServerMonitor{
			ServerOpening: func(*event.ServerOpeningEvent) {
				n.emitFrom(generation, replset.NodeEventServerOpening)
			},
			ServerClosed: func(*event.ServerClosedEvent) {
				n.emitFrom(generation, replset.NodeEventServerClosed)
			},
			ServerDescriptionChanged: func(*event.ServerDescriptionChangedEvent) {
				n.emitFrom(generation, replset.NodeEventServerDescriptionChanged)
			},
		})

	if n.appName != "" {
		opts.SetAppName(n.appName)
	}
	if n.connectionTimeout > 0 {
		opts.SetConnectTimeout(n.connectionTimeout)
		opts.SetServerSelectionTimeout(n.connectionTimeout)
	}
	if n.socketTimeout > 0 {
		opts.SetSocketTimeout(n.socketTimeout)
	}
	if credential != nil {
		opts.SetAuth(*credential)
	}

	return opts
}

// dial builds and verifies a client, returning it together with the ismaster
// reply of the server.
func (n *Node) dial(ctx context.Context, credential *options.Credential) (*mongo.Client, uint64, *ismaster.Result, error) {
	n.lock.Lock()
	n.nextGen++
	generation := n.nextGen
	n.lock.Unlock()

	client, err := mongo.Connect(ctx, n.clientOptions(generation, credential))
	if err != nil {
		return nil, 0, nil, errors.Wrap(err, "failed to create client")
	}

	raw, err := client.Database("admin").RunCommand(ctx, ismaster.Command).Raw()
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, 0, nil, errors.Wrap(err, "failed to run ismaster")
	}

	res, err := ismaster.Parse(raw)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, 0, nil, err
	}

	return client, generation, res, nil
}

func (n *Node) swapClient(client *mongo.Client, generation uint64, credential *options.Credential, res *ismaster.Result) error {
	n.lock.Lock()
	if n.destroyed {
		n.lock.Unlock()
		_ = client.Disconnect(context.Background())
		return replset.ErrTopologyDestroyed
	}

	oldClient := n.client
	n.client = client
	n.generation = generation
	n.credential = credential
	n.lastReply = res

	for key := range n.connections {
		if key.generation != generation {
			delete(n.connections, key)
		}
	}
	n.lock.Unlock()

	if oldClient != nil {
		go func() {
			_ = oldClient.Disconnect(context.Background())
		}()
	}

	return nil
}

func (n *Node) Connect(ctx context.Context) error {
	n.lock.Lock()
	credential := n.credential
	n.lock.Unlock()

	client, generation, res, err := n.dial(ctx, credential)
	if err != nil {
		return err
	}

	n.logger.Debug("node connected",
		zap.Bool("isMaster", res.IsMaster),
		zap.Bool("secondary", res.Secondary))

	return n.swapClient(client, generation, credential, res)
}

func (n *Node) IsConnected() bool {
	n.lock.Lock()
	defer n.lock.Unlock()

	return n.client != nil && !n.destroyed
}

func (n *Node) LastIsMaster() *ismaster.Result {
	n.lock.Lock()
	defer n.lock.Unlock()

	return n.lastReply
}

func (n *Node) getClient() (*mongo.Client, error) {
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.client == nil || n.destroyed {
		return nil, ErrNotConnected
	}
	return n.client, nil
}

func splitNamespace(ns string) (string, string) {
	db, coll, _ := strings.Cut(ns, ".")
	return db, coll
}

func (n *Node) Command(ctx context.Context, ns string, cmd bson.D, opts *replset.CommandOptions) (bson.Raw, error) {
	client, err := n.getClient()
	if err != nil {
		return nil, err
	}

	if opts != nil && opts.SocketTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.SocketTimeout)
		defer cancel()
	}

	runOpts := options.RunCmd()
	if opts != nil && opts.ReadPreference != nil {
		runOpts.SetReadPreference(opts.ReadPreference)
	}

	db, _ := splitNamespace(ns)
	raw, err := client.Database(db).RunCommand(ctx, cmd, runOpts).Raw()
	if err != nil {
		return nil, err
	}

	if opts != nil && opts.Monitoring {
		if res, err := ismaster.Parse(raw); err == nil {
			n.lock.Lock()
			n.lastReply = res
			n.lock.Unlock()
		}
	}

	return raw, nil
}

func writeConcernDoc(wc *writeconcern.WriteConcern) bson.D {
	var doc bson.D
	if wc.W != nil {
		doc = append(doc, bson.E{Key: "w", Value: wc.W})
	}
	if wc.Journal != nil {
		doc = append(doc, bson.E{Key: "j", Value: *wc.Journal})
	}
	if wc.WTimeout > 0 {
		doc = append(doc, bson.E{Key: "wtimeout", Value: wc.WTimeout.Milliseconds()})
	}
	return doc
}

type writeReply struct {
	N           int64 `bson:"n"`
	NModified   int64 `bson:"nModified"`
	WriteErrors []struct {
		Index  int    `bson:"index"`
		Code   int    `bson:"code"`
		ErrMsg string `bson:"errmsg"`
	} `bson:"writeErrors"`
}

// buildWriteCommand assembles an insert, update or delete command in its
// server form.
func buildWriteCommand(command, coll, field string, ops []interface{}, opts *replset.WriteOptions) bson.D {
	cmd := bson.D{
		{Key: command, Value: coll},
		{Key: field, Value: ops},
	}

	if opts != nil && opts.Ordered != nil {
		cmd = append(cmd, bson.E{Key: "ordered", Value: *opts.Ordered})
	}
	if opts != nil && opts.WriteConcern != nil {
		if wc := writeConcernDoc(opts.WriteConcern); len(wc) > 0 {
			cmd = append(cmd, bson.E{Key: "writeConcern", Value: wc})
		}
	}

	return cmd
}

func (n *Node) write(ctx context.Context, command, field, ns string, ops []interface{}, opts *replset.WriteOptions) (*replset.WriteResult, error) {
	db, coll := splitNamespace(ns)
	if coll == "" {
		return nil, errors.Errorf("invalid namespace %s", ns)
	}

	raw, err := n.Command(ctx, db+".$cmd", buildWriteCommand(command, coll, field, ops, opts), nil)
	if err != nil {
		return nil, err
	}

	var reply writeReply
	if err := bson.Unmarshal(raw, &reply); err != nil {
		return nil, errors.Wrap(err, "failed to parse write reply")
	}

	res := &replset.WriteResult{
		N:         reply.N,
		NModified: reply.NModified,
		Raw:       raw,
	}

	if len(reply.WriteErrors) > 0 {
		first := reply.WriteErrors[0]
		return res, errors.Errorf("write error at index %d (code %d): %s", first.Index, first.Code, first.ErrMsg)
	}

	return res, nil
}

func (n *Node) Insert(ctx context.Context, ns string, docs []interface{}, opts *replset.WriteOptions) (*replset.WriteResult, error) {
	return n.write(ctx, "insert", "documents", ns, docs, opts)
}

func (n *Node) Update(ctx context.Context, ns string, updates []interface{}, opts *replset.WriteOptions) (*replset.WriteResult, error) {
	return n.write(ctx, "update", "updates", ns, updates, opts)
}

func (n *Node) Remove(ctx context.Context, ns string, deletes []interface{}, opts *replset.WriteOptions) (*replset.WriteResult, error) {
	return n.write(ctx, "delete", "deletes", ns, deletes, opts)
}

func credentialFor(authCtx *replset.AuthContext) (*options.Credential, error) {
	mechanism, ok := mechanismNames[strings.ToLower(authCtx.Mechanism)]
	if !ok {
		return nil, &replset.UnknownAuthProviderError{Mechanism: authCtx.Mechanism}
	}

	return &options.Credential{
		AuthMechanism: mechanism,
		AuthSource:    authCtx.DB,
		Username:      authCtx.Credentials.Username,
		Password:      authCtx.Credentials.Password,
		PasswordSet:   authCtx.Credentials.Password != "",
	}, nil
}

func (n *Node) Auth(ctx context.Context, authCtx *replset.AuthContext) error {
	credential, err := credentialFor(authCtx)
	if err != nil {
		return err
	}

	client, generation, res, err := n.dial(ctx, credential)
	if err != nil {
		return errors.Wrapf(err, "failed to authenticate against %s", authCtx.DB)
	}

	n.logger.Debug("node authenticated",
		zap.String("db", authCtx.DB),
		zap.String("mechanism", authCtx.Mechanism))

	return n.swapClient(client, generation, credential, res)
}

func (n *Node) Logout(ctx context.Context, db string) error {
	n.lock.Lock()
	credential := n.credential
	n.lock.Unlock()

	if credential == nil || credential.AuthSource != db {
		return nil
	}

	client, generation, res, err := n.dial(ctx, nil)
	if err != nil {
		return err
	}

	return n.swapClient(client, generation, nil, res)
}

func (n *Node) Connections() []replset.ConnectionInfo {
	n.lock.Lock()
	defer n.lock.Unlock()

	conns := make([]replset.ConnectionInfo, 0, len(n.connections))
	for _, conn := range n.connections {
		conns = append(conns, conn)
	}
	slices.SortFunc(conns, func(a, b replset.ConnectionInfo) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return conns
}

func (n *Node) GetConnection() *replset.ConnectionInfo {
	conns := n.Connections()
	if len(conns) == 0 {
		return nil
	}
	return &conns[0]
}

func (n *Node) SetEventHandler(handler replset.NodeEventHandler) {
	n.lock.Lock()
	n.handler = handler
	n.lock.Unlock()
}

// Destroy disconnects the client in the background.  A forced destroy does
// not wait for in-flight operations.
func (n *Node) Destroy(force bool) {
	n.lock.Lock()
	if n.destroyed {
		n.lock.Unlock()
		return
	}
	n.destroyed = true
	client := n.client
	n.client = nil
	n.lock.Unlock()

	if client == nil {
		return
	}

	go func() {
		ctx := context.Background()
		if force {
			var cancel context.CancelFunc
			ctx, cancel = context.WithCancel(ctx)
			cancel()
		}

		if err := client.Disconnect(ctx); err != nil && !errors.Is(err, context.Canceled) {
			n.logger.Debug("failed to disconnect node", zap.Error(err))
		}
	}()
}

// Unref marks the node as no longer keeping the process alive.  The driver
// has no notion of this, so the node only stops reporting events.
func (n *Node) Unref() {
	n.lock.Lock()
	n.unrefed = true
	n.handler = nil
	n.lock.Unlock()
}

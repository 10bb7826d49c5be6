package testutils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/couchbase/replset-gateway/replset"
	"github.com/couchbase/replset-gateway/replset/ismaster"
	"github.com/couchbase/replset-gateway/utils/hostutils"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/exp/slices"
)

type FakeRole string

const (
	FakePrimary   FakeRole = "primary"
	FakeSecondary FakeRole = "secondary"
	FakeArbiter   FakeRole = "arbiter"
)

var (
	ErrFakeHostDown   = errors.New("connection refused")
	ErrFakeNotPrimary = errors.New("not master")
	ErrFakeDestroyed  = errors.New("node was destroyed")
)

// FakeHost is one scripted member of a FakeReplSet.
type FakeHost struct {
	cluster *FakeReplSet
	address string

	lock      sync.Mutex
	role      FakeRole
	setName   string
	down      bool
	latency   time.Duration
	authErr   error
	authDelay time.Duration
	documents []bson.D
	unlisted  bool
}

func (h *FakeHost) Address() string {
	return h.address
}

func (h *FakeHost) SetRole(role FakeRole) {
	h.lock.Lock()
	h.role = role
	h.lock.Unlock()
}

func (h *FakeHost) Role() FakeRole {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.role
}

// SetDown makes every connect and command against the host fail.
func (h *FakeHost) SetDown(down bool) {
	h.lock.Lock()
	h.down = down
	h.lock.Unlock()
}

func (h *FakeHost) SetLatency(latency time.Duration) {
	h.lock.Lock()
	h.latency = latency
	h.lock.Unlock()
}

// SetSetName overrides the replica set name this host reports.
func (h *FakeHost) SetSetName(setName string) {
	h.lock.Lock()
	h.setName = setName
	h.lock.Unlock()
}

func (h *FakeHost) SetAuthError(err error) {
	h.lock.Lock()
	h.authErr = err
	h.lock.Unlock()
}

func (h *FakeHost) SetAuthDelay(delay time.Duration) {
	h.lock.Lock()
	h.authDelay = delay
	h.lock.Unlock()
}

// SetUnlisted leaves the host out of the hosts list every member reports, as
// happens while a reconfig has not reached the rest of the set.
func (h *FakeHost) SetUnlisted(unlisted bool) {
	h.lock.Lock()
	h.unlisted = unlisted
	h.lock.Unlock()
}

func (h *FakeHost) isUnlisted() bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.unlisted
}

// SetDocuments sets the documents returned by find commands.
func (h *FakeHost) SetDocuments(docs []bson.D) {
	h.lock.Lock()
	h.documents = docs
	h.lock.Unlock()
}

func (h *FakeHost) wait(ctx context.Context) error {
	h.lock.Lock()
	latency := h.latency
	down := h.down
	h.lock.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if down {
		return ErrFakeHostDown
	}
	return nil
}

// FakeReplSet is an in-memory replica set whose members are driven by the
// test.  Its NodeFactory produces FakeNodes connected to it.
type FakeReplSet struct {
	lock    sync.Mutex
	setName string
	hosts   []*FakeHost
	nodes   []*FakeNode
}

func NewFakeReplSet(setName string) *FakeReplSet {
	return &FakeReplSet{
		setName: setName,
	}
}

func (c *FakeReplSet) AddHost(address string, role FakeRole) *FakeHost {
	host := &FakeHost{
		cluster: c,
		address: address,
		role:    role,
		setName: c.setName,
	}

	c.lock.Lock()
	c.hosts = append(c.hosts, host)
	c.lock.Unlock()

	return host
}

func (c *FakeReplSet) Host(address string) *FakeHost {
	c.lock.Lock()
	defer c.lock.Unlock()

	for _, host := range c.hosts {
		if hostutils.Equal(host.address, address) {
			return host
		}
	}
	return nil
}

// Seeds returns a seed for every host added so far.
func (c *FakeReplSet) Seeds() []replset.Seed {
	c.lock.Lock()
	defer c.lock.Unlock()

	var seeds []replset.Seed
	for _, host := range c.hosts {
		h, port, _ := hostutils.SplitHostPort(host.address, 27017)
		seeds = append(seeds, replset.Seed{Host: h, Port: port})
	}
	return seeds
}

// Nodes returns every node created for address, oldest first.
func (c *FakeReplSet) Nodes(address string) []*FakeNode {
	c.lock.Lock()
	defer c.lock.Unlock()

	var nodes []*FakeNode
	for _, node := range c.nodes {
		if hostutils.Equal(node.name, address) {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// HeartbeatCount returns the number of ismaster commands served so far.
func (c *FakeReplSet) HeartbeatCount() int {
	c.lock.Lock()
	nodes := slices.Clone(c.nodes)
	c.lock.Unlock()

	count := 0
	for _, node := range nodes {
		count += node.countCommands("ismaster")
	}
	return count
}

func (c *FakeReplSet) NodeFactory() replset.NodeFactory {
	return replset.NodeFactoryFunc(func(opts *replset.NodeOptions) (replset.Node, error) {
		node := &FakeNode{
			cluster: c,
			name:    hostutils.JoinHostPort(opts.Host, opts.Port),
		}

		c.lock.Lock()
		c.nodes = append(c.nodes, node)
		c.lock.Unlock()

		return node, nil
	})
}

func (c *FakeReplSet) reply(host *FakeHost) *ismaster.Result {
	c.lock.Lock()
	hosts := slices.Clone(c.hosts)
	c.lock.Unlock()

	host.lock.Lock()
	role := host.role
	setName := host.setName
	host.lock.Unlock()

	res := &ismaster.Result{
		IsMaster:       role == FakePrimary,
		Secondary:      role == FakeSecondary,
		ArbiterOnly:    role == FakeArbiter,
		SetName:        setName,
		Me:             host.address,
		MinWireVersion: 0,
		MaxWireVersion: 8,
		OK:             1,
	}

	for _, other := range hosts {
		if other.isUnlisted() {
			continue
		}

		switch other.Role() {
		case FakeArbiter:
			res.Arbiters = append(res.Arbiters, other.address)
		case FakePrimary:
			res.Primary = other.address
			res.Hosts = append(res.Hosts, other.address)
		default:
			res.Hosts = append(res.Hosts, other.address)
		}
	}

	return res
}

// FakeNode implements replset.Node against a FakeHost.
type FakeNode struct {
	cluster *FakeReplSet
	name    string

	lock      sync.Mutex
	connected bool
	destroyed bool
	unrefed   bool
	lastReply *ismaster.Result
	handler   replset.NodeEventHandler
	auths     []*replset.AuthContext
	commands  []string
	pending   []bson.D
}

var _ replset.Node = (*FakeNode)(nil)

func (n *FakeNode) host() (*FakeHost, error) {
	host := n.cluster.Host(n.name)
	if host == nil {
		return nil, ErrFakeHostDown
	}
	return host, nil
}

func (n *FakeNode) emit(evtType replset.NodeEventType, err error) {
	n.lock.Lock()
	handler := n.handler
	n.lock.Unlock()

	if handler == nil {
		return
	}

	go handler(n, &replset.NodeEvent{
		Type:    evtType,
		Address: n.name,
		Err:     err,
	})
}

func (n *FakeNode) record(command string) {
	n.lock.Lock()
	n.commands = append(n.commands, command)
	n.lock.Unlock()
}

func (n *FakeNode) countCommands(command string) int {
	n.lock.Lock()
	defer n.lock.Unlock()

	count := 0
	for _, cmd := range n.commands {
		if cmd == command {
			count++
		}
	}
	return count
}

// Commands returns the names of every command run through this node.
func (n *FakeNode) Commands() []string {
	n.lock.Lock()
	defer n.lock.Unlock()
	return slices.Clone(n.commands)
}

func (n *FakeNode) Auths() []*replset.AuthContext {
	n.lock.Lock()
	defer n.lock.Unlock()
	return slices.Clone(n.auths)
}

func (n *FakeNode) IsDestroyed() bool {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.destroyed
}

func (n *FakeNode) IsUnrefed() bool {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.unrefed
}

// Drop simulates the connection being closed by the remote end.
func (n *FakeNode) Drop() {
	n.lock.Lock()
	n.connected = false
	n.lock.Unlock()

	n.emit(replset.NodeEventClose, errors.New("connection closed"))
}

func (n *FakeNode) Name() string {
	return n.name
}

func (n *FakeNode) Connect(ctx context.Context) error {
	host, err := n.host()
	if err != nil {
		return err
	}

	n.emit(replset.NodeEventServerOpening, nil)

	if err := host.wait(ctx); err != nil {
		return err
	}

	reply := n.cluster.reply(host)

	n.lock.Lock()
	defer n.lock.Unlock()

	if n.destroyed {
		return ErrFakeDestroyed
	}

	n.connected = true
	n.lastReply = reply
	return nil
}

func (n *FakeNode) IsConnected() bool {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.connected
}

func (n *FakeNode) LastIsMaster() *ismaster.Result {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.lastReply
}

func (n *FakeNode) checkUsable(ctx context.Context) (*FakeHost, error) {
	n.lock.Lock()
	destroyed := n.destroyed
	n.lock.Unlock()

	if destroyed {
		return nil, ErrFakeDestroyed
	}

	host, err := n.host()
	if err != nil {
		return nil, err
	}

	if err := host.wait(ctx); err != nil {
		return nil, err
	}

	return host, nil
}

func (n *FakeNode) Command(ctx context.Context, ns string, cmd bson.D, opts *replset.CommandOptions) (bson.Raw, error) {
	name := ""
	if len(cmd) > 0 {
		name = cmd[0].Key
	}
	n.record(name)

	host, err := n.checkUsable(ctx)
	if err != nil {
		return nil, err
	}

	switch name {
	case "ismaster":
		reply := n.cluster.reply(host)

		n.lock.Lock()
		n.lastReply = reply
		n.lock.Unlock()

		return reply.Marshal()

	case "find":
		host.lock.Lock()
		docs := slices.Clone(host.documents)
		host.lock.Unlock()

		first, rest := docs, []bson.D(nil)
		if len(docs) > 2 {
			first, rest = docs[:2], docs[2:]
		}

		cursorID := int64(0)
		if len(rest) > 0 {
			cursorID = 42
		}

		n.lock.Lock()
		n.pending = rest
		n.lock.Unlock()

		return bson.Marshal(bson.D{
			{Key: "cursor", Value: bson.D{
				{Key: "id", Value: cursorID},
				{Key: "ns", Value: fmt.Sprintf("%s.%v", dbName(ns), cmd[0].Value)},
				{Key: "firstBatch", Value: docs2array(first)},
			}},
			{Key: "ok", Value: 1},
		})

	case "getMore":
		n.lock.Lock()
		rest := n.pending
		n.pending = nil
		n.lock.Unlock()

		return bson.Marshal(bson.D{
			{Key: "cursor", Value: bson.D{
				{Key: "id", Value: int64(0)},
				{Key: "nextBatch", Value: docs2array(rest)},
			}},
			{Key: "ok", Value: 1},
		})
	}

	return bson.Marshal(bson.D{
		{Key: "servedBy", Value: n.name},
		{Key: "ok", Value: 1},
	})
}

func dbName(ns string) string {
	db, _, _ := strings.Cut(ns, ".")
	return db
}

func docs2array(docs []bson.D) bson.A {
	arr := bson.A{}
	for _, doc := range docs {
		arr = append(arr, doc)
	}
	return arr
}

func (n *FakeNode) write(ctx context.Context, op string, ops []interface{}) (*replset.WriteResult, error) {
	n.record(op)

	host, err := n.checkUsable(ctx)
	if err != nil {
		return nil, err
	}

	if host.Role() != FakePrimary {
		return nil, ErrFakeNotPrimary
	}

	return &replset.WriteResult{N: int64(len(ops))}, nil
}

func (n *FakeNode) Insert(ctx context.Context, ns string, docs []interface{}, opts *replset.WriteOptions) (*replset.WriteResult, error) {
	return n.write(ctx, "insert", docs)
}

func (n *FakeNode) Update(ctx context.Context, ns string, updates []interface{}, opts *replset.WriteOptions) (*replset.WriteResult, error) {
	return n.write(ctx, "update", updates)
}

func (n *FakeNode) Remove(ctx context.Context, ns string, deletes []interface{}, opts *replset.WriteOptions) (*replset.WriteResult, error) {
	return n.write(ctx, "delete", deletes)
}

func (n *FakeNode) Auth(ctx context.Context, authCtx *replset.AuthContext) error {
	host, err := n.checkUsable(ctx)
	if err != nil {
		return err
	}

	host.lock.Lock()
	authErr := host.authErr
	authDelay := host.authDelay
	host.lock.Unlock()

	if authDelay > 0 {
		select {
		case <-time.After(authDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if authErr != nil {
		return authErr
	}

	n.lock.Lock()
	n.auths = append(n.auths, authCtx)
	n.lock.Unlock()
	return nil
}

func (n *FakeNode) Logout(ctx context.Context, db string) error {
	n.lock.Lock()
	defer n.lock.Unlock()

	n.auths = slices.DeleteFunc(n.auths, func(authCtx *replset.AuthContext) bool {
		return authCtx.DB == db
	})
	return nil
}

func (n *FakeNode) Connections() []replset.ConnectionInfo {
	if !n.IsConnected() {
		return nil
	}
	return []replset.ConnectionInfo{{ID: 1, Address: n.name}}
}

func (n *FakeNode) GetConnection() *replset.ConnectionInfo {
	conns := n.Connections()
	if len(conns) == 0 {
		return nil
	}
	return &conns[0]
}

func (n *FakeNode) SetEventHandler(handler replset.NodeEventHandler) {
	n.lock.Lock()
	n.handler = handler
	n.lock.Unlock()
}

func (n *FakeNode) Destroy(force bool) {
	n.lock.Lock()
	wasDestroyed := n.destroyed
	n.destroyed = true
	n.connected = false
	n.lock.Unlock()

	if !wasDestroyed {
		n.emit(replset.NodeEventServerClosed, nil)
	}
}

func (n *FakeNode) Unref() {
	n.lock.Lock()
	n.unrefed = true
	n.lock.Unlock()
}

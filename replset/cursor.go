package replset

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// Cursor iterates over the documents produced by a cursor returning
// command.
type Cursor interface {
	Next(ctx context.Context) bool
	Current() bson.Raw
	Decode(val interface{}) error
	All(ctx context.Context) ([]bson.Raw, error)
	Err() error
	ID() int64
	Close(ctx context.Context) error
}

type CursorFactory interface {
	NewCursor(topology *ReplSet, ns string, cmd bson.D, opts *CursorOptions) Cursor
}

type CursorFactoryFunc func(topology *ReplSet, ns string, cmd bson.D, opts *CursorOptions) Cursor

func (f CursorFactoryFunc) NewCursor(topology *ReplSet, ns string, cmd bson.D, opts *CursorOptions) Cursor {
	return f(topology, ns, cmd, opts)
}

type cursorReply struct {
	Cursor struct {
		ID         int64      `bson:"id"`
		NS         string     `bson:"ns"`
		FirstBatch []bson.Raw `bson:"firstBatch"`
		NextBatch  []bson.Raw `bson:"nextBatch"`
	} `bson:"cursor"`
}

// commandCursor runs a find or aggregate style command and follows up with
// getMore against the same member until the cursor is exhausted.
type commandCursor struct {
	topology *ReplSet
	ns       string
	cmd      bson.D
	opts     CursorOptions

	node    Node
	id      int64
	batch   []bson.Raw
	current bson.Raw
	err     error
	started bool
	closed  bool
}

func newCommandCursor(topology *ReplSet, ns string, cmd bson.D, opts *CursorOptions) Cursor {
	c := &commandCursor{
		topology: topology,
		ns:       ns,
		cmd:      cmd,
	}
	if opts != nil {
		c.opts = *opts
	}
	return c
}

func splitNamespace(ns string) (string, string) {
	db, coll, _ := strings.Cut(ns, ".")
	return db, coll
}

func (c *commandCursor) commandNs() string {
	db, _ := splitNamespace(c.ns)
	return db + ".$cmd"
}

func (c *commandCursor) run(ctx context.Context, cmd bson.D) (*cursorReply, error) {
	raw, err := c.node.Command(ctx, c.commandNs(), cmd, &CommandOptions{
		ReadPreference: c.opts.ReadPreference,
	})
	if err != nil {
		return nil, err
	}

	var reply cursorReply
	if err := bson.Unmarshal(raw, &reply); err != nil {
		return nil, errors.Wrap(err, "failed to decode cursor reply")
	}

	if reply.Cursor.NS != "" {
		c.ns = reply.Cursor.NS
	}
	c.id = reply.Cursor.ID
	return &reply, nil
}

func (c *commandCursor) firstBatch(ctx context.Context) error {
	node, err := c.topology.SelectServer(ctx, c.opts.ReadPreference)
	if err != nil {
		return err
	}
	c.node = node

	reply, err := c.run(ctx, c.cmd)
	if err != nil {
		return err
	}

	c.batch = reply.Cursor.FirstBatch
	return nil
}

func (c *commandCursor) getMore(ctx context.Context) error {
	_, coll := splitNamespace(c.ns)

	cmd := bson.D{
		{Key: "getMore", Value: c.id},
		{Key: "collection", Value: coll},
	}
	if c.opts.BatchSize > 0 {
		cmd = append(cmd, bson.E{Key: "batchSize", Value: c.opts.BatchSize})
	}

	reply, err := c.run(ctx, cmd)
	if err != nil {
		return err
	}

	c.batch = reply.Cursor.NextBatch
	return nil
}

func (c *commandCursor) Next(ctx context.Context) bool {
	if c.closed || c.err != nil {
		return false
	}

	for len(c.batch) == 0 {
		if !c.started {
			c.started = true
			c.err = c.firstBatch(ctx)
		} else if c.id != 0 {
			c.err = c.getMore(ctx)
		} else {
			return false
		}

		if c.err != nil {
			return false
		}
	}

	c.current = c.batch[0]
	c.batch = c.batch[1:]
	return true
}

func (c *commandCursor) Current() bson.Raw {
	return c.current
}

func (c *commandCursor) Decode(val interface{}) error {
	if c.current == nil {
		return errors.New("cursor has no current document")
	}
	return bson.Unmarshal(c.current, val)
}

func (c *commandCursor) All(ctx context.Context) ([]bson.Raw, error) {
	defer func() {
		_ = c.Close(ctx)
	}()

	var docs []bson.Raw
	for c.Next(ctx) {
		docs = append(docs, c.current)
	}
	return docs, c.err
}

func (c *commandCursor) Err() error {
	return c.err
}

func (c *commandCursor) ID() int64 {
	return c.id
}

// Close kills the server side cursor if it is still open.
func (c *commandCursor) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.batch = nil

	if c.id == 0 || c.node == nil {
		return nil
	}

	_, coll := splitNamespace(c.ns)
	_, err := c.node.Command(ctx, c.commandNs(), bson.D{
		{Key: "killCursors", Value: coll},
		{Key: "cursors", Value: bson.A{c.id}},
	}, nil)
	if err != nil {
		c.topology.logger.Debug("failed to kill cursor",
			zap.Int64("cursorId", c.id),
			zap.Error(err))
		return err
	}

	c.id = 0
	return nil
}

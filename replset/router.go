package replset

import (
	"context"
	"strings"

	"github.com/couchbase/replset-gateway/replset/membership"
	"github.com/couchbase/replset-gateway/replset/opstore"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type writeOp string

const (
	writeInsert writeOp = "insert"
	writeUpdate writeOp = "update"
	writeRemove writeOp = "remove"
)

func readPrefMode(rp *readpref.ReadPref) string {
	if rp == nil {
		return readpref.PrimaryMode.String()
	}
	return rp.Mode().String()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (rs *ReplSet) emitPickedServer(rp *readpref.ReadPref, m *membership.Member) {
	evt := &DiagnosticEvent{
		Type:           DiagnosticPickedServer,
		ReadPreference: rp,
	}
	if m != nil {
		evt.Address = m.Name()
	}
	rs.emitDiagnostic(evt)
}

// deferLocked queues op on the disconnect handler.  It must be called with
// the lock held so a concurrent replay cannot miss the operation.
func (rs *ReplSet) deferLocked(op *opstore.Operation) error {
	rs.logger.Debug("deferring operation until a suitable member is available",
		zap.String("operation", op.Name),
		zap.String("namespace", op.Namespace),
		zap.Stringer("requirement", op.Requirement))

	rs.metrics.DeferredOperations.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("operation", op.Name)))

	return rs.opts.DisconnectHandler.Add(op)
}

func waitDeferred[T any](op *opstore.Operation) (T, error) {
	var zero T

	val, err := op.Wait()
	if err != nil {
		return zero, err
	}

	typed, _ := val.(T)
	return typed, nil
}

func (rs *ReplSet) Insert(ctx context.Context, ns string, docs []interface{}, opts *WriteOptions) (*WriteResult, error) {
	return rs.executeWrite(ctx, writeInsert, ns, docs, opts)
}

func (rs *ReplSet) Update(ctx context.Context, ns string, updates []interface{}, opts *WriteOptions) (*WriteResult, error) {
	return rs.executeWrite(ctx, writeUpdate, ns, updates, opts)
}

func (rs *ReplSet) Remove(ctx context.Context, ns string, deletes []interface{}, opts *WriteOptions) (*WriteResult, error) {
	return rs.executeWrite(ctx, writeRemove, ns, deletes, opts)
}

func (rs *ReplSet) executeWrite(
	ctx context.Context,
	op writeOp,
	ns string,
	ops []interface{},
	opts *WriteOptions,
) (res *WriteResult, err error) {
	ctx, span := rs.tracer.Start(ctx, string(op),
		trace.WithAttributes(attribute.String("db.namespace", ns)))
	defer func() {
		endSpan(span, err)
	}()

	rs.lock.Lock()

	if rs.state == StateDestroyed {
		rs.lock.Unlock()
		return nil, ErrTopologyDestroyed
	}

	primary := rs.members.Primary()

	if primary == nil && rs.opts.DisconnectHandler != nil {
		deferred := opstore.NewOperation(ctx, string(op), ns, opstore.RequirePrimary,
			func(ctx context.Context) (any, error) {
				return rs.executeWrite(ctx, op, ns, ops, opts)
			})
		err := rs.deferLocked(deferred)
		rs.lock.Unlock()
		if err != nil {
			return nil, err
		}

		return waitDeferred[*WriteResult](deferred)
	}

	if primary == nil {
		rs.lock.Unlock()
		return nil, ErrNoPrimaryServer
	}

	node := primary.Node().(Node)
	rs.lock.Unlock()

	rs.metrics.RoutedOperations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", string(op))))

	switch op {
	case writeInsert:
		return node.Insert(ctx, ns, ops, opts)
	case writeUpdate:
		return node.Update(ctx, ns, ops, opts)
	default:
		return node.Remove(ctx, ns, ops, opts)
	}
}

// deferRequirementLocked decides whether an operation with the given read
// preference must wait for membership to change.
func (rs *ReplSet) deferRequirementLocked(rp *readpref.ReadPref) (opstore.Requirement, bool) {
	mode := rp.Mode()

	switch {
	case mode == readpref.PrimaryMode && !rs.members.HasPrimary():
		return opstore.RequirePrimary, true
	case mode == readpref.SecondaryMode && !rs.members.HasSecondary():
		return opstore.RequireSecondary, true
	case mode != readpref.PrimaryMode && !rs.members.HasPrimaryOrSecondary():
		return opstore.RequireAny, true
	}

	return opstore.RequireAny, false
}

// SelectServer picks the member which should serve the read preference,
// waiting on the disconnect handler when no member currently can.
func (rs *ReplSet) SelectServer(ctx context.Context, rp *readpref.ReadPref) (Node, error) {
	return rs.selectServer(ctx, "select", "", rp)
}

func (rs *ReplSet) selectServer(ctx context.Context, name, ns string, rp *readpref.ReadPref) (Node, error) {
	if rp == nil {
		rp = readpref.Primary()
	}

	rs.lock.Lock()

	if rs.state == StateDestroyed {
		rs.lock.Unlock()
		return nil, ErrTopologyDestroyed
	}

	if rs.opts.DisconnectHandler != nil {
		if requirement, ok := rs.deferRequirementLocked(rp); ok {
			deferred := opstore.NewOperation(ctx, name, ns, requirement,
				func(ctx context.Context) (any, error) {
					return rs.selectServer(ctx, name, ns, rp)
				})
			err := rs.deferLocked(deferred)
			rs.lock.Unlock()
			if err != nil {
				return nil, err
			}

			return waitDeferred[Node](deferred)
		}
	}

	m, err := rs.members.PickServer(rp)
	if err != nil {
		rs.lock.Unlock()
		return nil, err
	}

	if rs.opts.Debug {
		rs.emitPickedServer(rp, m)
	}

	if m == nil {
		rs.lock.Unlock()
		return nil, &NoServerForReadPreferenceError{ReadPreference: rp}
	}

	node := m.Node().(Node)
	rs.lock.Unlock()

	return node, nil
}

// Command runs cmd against the member selected by the read preference in
// opts, the primary by default.
func (rs *ReplSet) Command(ctx context.Context, ns string, cmd bson.D, opts *CommandOptions) (raw bson.Raw, err error) {
	var rp *readpref.ReadPref
	if opts != nil {
		rp = opts.ReadPreference
	}

	ctx, span := rs.tracer.Start(ctx, "command",
		trace.WithAttributes(
			attribute.String("db.namespace", ns),
			attribute.String("db.read_preference", readPrefMode(rp))))
	defer func() {
		endSpan(span, err)
	}()

	commandName := "command"
	if len(cmd) > 0 {
		commandName = strings.ToLower(cmd[0].Key)
	}

	node, err := rs.selectServer(ctx, commandName, ns, rp)
	if err != nil {
		return nil, err
	}

	rs.metrics.RoutedOperations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", "command")))

	return node.Command(ctx, ns, cmd, opts)
}

type CursorOptions struct {
	ReadPreference *readpref.ReadPref
	BatchSize      int32

	// CursorFactory overrides Options.CursorFactory for this cursor.
	CursorFactory CursorFactory
}

// Cursor builds a cursor for cmd without performing any I/O.  The first call
// to Next or All selects the member and runs the command.
func (rs *ReplSet) Cursor(ns string, cmd bson.D, opts *CursorOptions) Cursor {
	if opts == nil {
		opts = &CursorOptions{}
	}

	factory := rs.opts.CursorFactory
	if opts.CursorFactory != nil {
		factory = opts.CursorFactory
	}

	return factory.NewCursor(rs, ns, cmd, opts)
}

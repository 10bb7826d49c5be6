// Package opstore implements the disconnect handler used by the replica set
// topology to hold operations issued while no suitable member is available,
// and to replay them once one becomes available again.
package opstore

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrStoreFull = errors.New("no connection available for operation and number of stored operation > bufferMaxEntries")

// Requirement describes which member role an operation is waiting for.
type Requirement int

const (
	RequireAny Requirement = iota
	RequirePrimary
	RequireSecondary
)

func (r Requirement) String() string {
	switch r {
	case RequirePrimary:
		return "primary"
	case RequireSecondary:
		return "secondary"
	}
	return "any"
}

type result struct {
	value any
	err   error
}

// Operation is a deferred call.  Run re-issues the call against the
// topology, which may choose to defer it again.
type Operation struct {
	Name        string
	Namespace   string
	Requirement Requirement

	ctx      context.Context
	run      func(ctx context.Context) (any, error)
	settled  atomic.Bool
	resultCh chan result
}

func NewOperation(
	ctx context.Context,
	name, namespace string,
	requirement Requirement,
	run func(ctx context.Context) (any, error),
) *Operation {
	return &Operation{
		Name:        name,
		Namespace:   namespace,
		Requirement: requirement,
		ctx:         ctx,
		run:         run,
		resultCh:    make(chan result, 1),
	}
}

func (o *Operation) complete(value any, err error) bool {
	if !o.settled.CompareAndSwap(false, true) {
		return false
	}

	o.resultCh <- result{value: value, err: err}
	return true
}

// Settled reports whether the operation already has an outcome.
func (o *Operation) Settled() bool {
	return o.settled.Load()
}

// Wait blocks until the operation has been executed, failed, or its context
// has ended.
func (o *Operation) Wait() (any, error) {
	select {
	case res := <-o.resultCh:
		return res.value, res.err
	case <-o.ctx.Done():
		o.complete(nil, o.ctx.Err())
		res := <-o.resultCh
		return res.value, res.err
	}
}

func (o *Operation) execute() {
	if o.Settled() {
		return
	}

	if err := o.ctx.Err(); err != nil {
		o.complete(nil, err)
		return
	}

	value, err := o.run(o.ctx)
	o.complete(value, err)
}

type ExecuteOptions struct {
	ExecutePrimary   bool
	ExecuteSecondary bool
}

func (opts ExecuteOptions) matches(op *Operation) bool {
	switch {
	case opts.ExecutePrimary && !opts.ExecuteSecondary:
		return op.Requirement != RequireSecondary
	case opts.ExecuteSecondary && !opts.ExecutePrimary:
		return op.Requirement != RequirePrimary
	}
	return true
}

type Options struct {
	Logger *zap.Logger

	// MaxEntries bounds the number of queued operations, zero or less means
	// unbounded.
	MaxEntries int
}

type Store struct {
	logger     *zap.Logger
	maxEntries int

	lock sync.Mutex
	ops  []*Operation
}

func New(opts *Options) *Store {
	if opts == nil {
		opts = &Options{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{
		logger:     logger,
		maxEntries: opts.MaxEntries,
	}
}

// Add queues an operation.  When the store is full the operation is failed
// with ErrStoreFull immediately.
func (s *Store) Add(op *Operation) error {
	s.lock.Lock()
	if s.maxEntries > 0 && len(s.ops) >= s.maxEntries {
		s.lock.Unlock()

		op.complete(nil, ErrStoreFull)
		return ErrStoreFull
	}
	s.ops = append(s.ops, op)
	s.lock.Unlock()

	s.logger.Debug("deferred operation",
		zap.String("name", op.Name),
		zap.String("namespace", op.Namespace),
		zap.Stringer("requirement", op.Requirement))

	return nil
}

// Execute replays every queued operation matching opts.  Operations are
// re-issued from their own goroutines.
func (s *Store) Execute(opts ExecuteOptions) {
	s.lock.Lock()
	var runnable []*Operation
	remaining := s.ops[:0]
	for _, op := range s.ops {
		if op.Settled() {
			continue
		}
		if opts.matches(op) {
			runnable = append(runnable, op)
		} else {
			remaining = append(remaining, op)
		}
	}
	s.ops = remaining
	s.lock.Unlock()

	if len(runnable) > 0 {
		s.logger.Debug("replaying deferred operations",
			zap.Int("count", len(runnable)),
			zap.Bool("primary", opts.ExecutePrimary),
			zap.Bool("secondary", opts.ExecuteSecondary))
	}

	for _, op := range runnable {
		go op.execute()
	}
}

// Flush fails every queued operation with err.
func (s *Store) Flush(err error) {
	s.lock.Lock()
	ops := s.ops
	s.ops = nil
	s.lock.Unlock()

	for _, op := range ops {
		op.complete(nil, err)
	}
}

// Len returns the number of queued operations.
func (s *Store) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	n := 0
	for _, op := range s.ops {
		if !op.Settled() {
			n++
		}
	}
	return n
}

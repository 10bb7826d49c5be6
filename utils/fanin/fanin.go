/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package fanin implements a small join primitive which waits for a fixed
// set of independent asynchronous tasks and reports every failure they
// produced, rather than only the first one.
package fanin

import (
	"sync"

	"go.uber.org/multierr"
)

// Result is the outcome of a batch once every task has settled.
type Result struct {
	Total     int
	Succeeded int
	Errors    []error
}

// Failed returns the number of tasks which reported an error.
func (r *Result) Failed() int {
	return len(r.Errors)
}

// LastError returns the error reported by the task which completed last
// among the failed ones, or nil if every task succeeded.
func (r *Result) LastError() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[len(r.Errors)-1]
}

// Err combines every failure into a single error.
func (r *Result) Err() error {
	return multierr.Combine(r.Errors...)
}

type Group struct {
	wg    sync.WaitGroup
	lock  sync.Mutex
	total int
	okCnt int
	errs  error
}

func (g *Group) record(err error) {
	g.lock.Lock()
	if err != nil {
		g.errs = multierr.Append(g.errs, err)
	} else {
		g.okCnt++
	}
	g.lock.Unlock()
}

// Go runs fn in its own goroutine as a member of the group.
func (g *Group) Go(fn func() error) {
	g.lock.Lock()
	g.total++
	g.lock.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.record(fn())
	}()
}

// Add registers n tasks which will report through Done.
func (g *Group) Add(n int) {
	g.lock.Lock()
	g.total += n
	g.lock.Unlock()

	g.wg.Add(n)
}

// Done reports the completion of one task registered through Add.
func (g *Group) Done(err error) {
	g.record(err)
	g.wg.Done()
}

// Wait blocks until every task has settled.
func (g *Group) Wait() *Result {
	g.wg.Wait()

	g.lock.Lock()
	defer g.lock.Unlock()

	return &Result{
		Total:     g.total,
		Succeeded: g.okCnt,
		Errors:    multierr.Errors(g.errs),
	}
}

// Then invokes fn from a new goroutine once every task has settled.  It
// must only be called once all tasks have been registered.
func (g *Group) Then(fn func(*Result)) {
	go func() {
		fn(g.Wait())
	}()
}

/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package latestonlychannel

import "context"

// Wrap returns a channel which only ever holds the most recent value sent on
// inputCh.  Sends on inputCh never wait for the reader; values the reader has
// not yet picked up are replaced by newer ones.  The output is closed once
// inputCh is closed or ctx ends.
func Wrap[T any](ctx context.Context, inputCh <-chan T) <-chan T {
	outputCh := make(chan T)

	go func() {
		defer close(outputCh)

		for {
			var pending T
			select {
			case val, ok := <-inputCh:
				if !ok {
					return
				}
				pending = val
			case <-ctx.Done():
				return
			}

			// hold the value until it is delivered, swapping in anything newer
			// which arrives in the meantime.
		deliver:
			for {
				select {
				case outputCh <- pending:
					break deliver
				case val, ok := <-inputCh:
					if !ok {
						return
					}
					pending = val
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return outputCh
}

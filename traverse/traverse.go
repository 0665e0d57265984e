// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package traverse provides bounded parallel traversal of index
// ranges. The batch note operations use it to seal or open many
// independent notes at once.
package traverse

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/grailbio/notecrypt/errors"
)

// A T is a traverser: it provides facilities for concurrently
// invoking functions that traverse collections of data.
type T struct {
	// Limit is the traverser's concurrency limit: there will be no more
	// than Limit concurrent invocations per traversal. A limit value of
	// zero (the default value) denotes no limit.
	Limit int
}

// Limit returns a traverser with limit n.
func Limit(n int) T {
	if n <= 0 {
		panic(fmt.Sprintf("traverse.Limit: invalid limit: %d", n))
	}
	return T{Limit: n}
}

// Parallel is the default traverser for CPU-intensive work. It limits
// the number of concurrent invocations to the runtime's available
// processors.
var Parallel = T{Limit: runtime.GOMAXPROCS(0)}

// Each invokes fn(i) for 0 <= i < n, managing concurrency and error
// propagation. Each returns when all invocations have completed, or
// after the first invocation fails, in which case the first
// invocation error is returned and no further invocations are
// started. Each also propagates panics from underlying invocations
// to the caller.
func (t T) Each(n int, fn func(i int) error) error {
	if n <= 0 {
		return nil
	}
	workers := n
	if t.Limit > 0 && t.Limit < n {
		workers = t.Limit
	}
	var (
		once errors.Once
		wg   sync.WaitGroup
		next int64
	)
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for once.Err() == nil {
				i := int(atomic.AddInt64(&next, 1) - 1)
				if i >= n {
					return
				}
				if err := apply(fn, i); err != nil {
					once.Set(err)
				}
			}
		}()
	}
	wg.Wait()
	err := once.Err()
	if err, ok := err.(panicErr); ok {
		panic(fmt.Sprintf("traverse child: %v\n%s", err.v, string(err.stack)))
	}
	return err
}

// Each performs concurrent traversal over n elements. It is a
// shorthand for (T{}).Each.
func Each(n int, fn func(i int) error) error {
	return T{}.Each(n, fn)
}

func apply(fn func(i int) error, i int) (err error) {
	defer func() {
		if perr := recover(); perr != nil {
			err = panicErr{perr, debug.Stack()}
		}
	}()
	return fn(i)
}

type panicErr struct {
	v     interface{}
	stack []byte
}

func (p panicErr) Error() string { return fmt.Sprint(p.v) }

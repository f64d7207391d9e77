// Package flight coalesces concurrent requests for the same key into one execution and
// collapses bursts of requests with a trailing debounce.
//
// For a key that is idle, Do starts fn at once. Requests made while that execution is
// in flight join its Call. Once an execution settles the key cools down for one window:
// requests made during the cooldown share a single trailing Call, and every further
// request re-arms the timer. When the timer fires and nothing is in flight, exactly one
// trailing execution runs with the latest fn and settles that Call; if an execution is
// still in flight, its result settles the Call instead. A key is forgotten after a
// quiet window. There is never more than one execution per key at a time.
package flight

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrClosed settles calls that were still waiting on a timer when the group closed.
var ErrClosed = errors.New("flight: group closed")

// Call is the shared result handle of a coalesced request.
type Call[V any] struct {
	done chan struct{}
	val  V
	err  error
}

func newCall[V any]() *Call[V] {
	return &Call[V]{done: make(chan struct{})}
}

// Done is closed once the call has settled.
func (c *Call[V]) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call settles or ctx is done.
func (c *Call[V]) Wait(ctx context.Context) (V, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

type entry[V any] struct {
	// call is the unsettled Call requests join; nil while cooling down.
	call    *Call[V]
	running bool
	timer   *time.Timer
	gen     uint64
	fn      func() (V, error)
}

// Group coalesces executions per key.
type Group[K comparable, V any] struct {
	window time.Duration

	// OnJoin, if set, is called whenever a request joins an existing call.
	OnJoin func(key K)

	mu      sync.Mutex
	entries map[K]*entry[V]
	closed  bool
}

// New returns a group with the given debounce window.
func New[K comparable, V any](window time.Duration) *Group[K, V] {
	return &Group[K, V]{
		window:  window,
		entries: make(map[K]*entry[V]),
	}
}

// Do requests an execution of fn for key and returns the call every concurrent
// requester of key shares.
func (g *Group[K, V]) Do(key K, fn func() (V, error)) *Call[V] {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		c := newCall[V]()
		c.err = ErrClosed
		close(c.done)
		return c
	}

	if e, ok := g.entries[key]; ok {
		joined := e.call != nil
		if !joined {
			e.call = newCall[V]()
		}
		e.fn = fn
		g.armLocked(key, e)
		call, onJoin := e.call, g.OnJoin
		g.mu.Unlock()
		if joined && onJoin != nil {
			onJoin(key)
		}
		return call
	}

	e := &entry[V]{call: newCall[V](), running: true}
	g.entries[key] = e
	g.mu.Unlock()

	go g.run(key, e, fn)
	return e.call
}

func (g *Group[K, V]) armLocked(key K, e *entry[V]) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.timer = time.AfterFunc(g.window, func() { g.fire(key, e, gen) })
}

func (g *Group[K, V]) fire(key K, e *entry[V], gen uint64) {
	g.mu.Lock()
	if g.entries[key] != e || e.timer == nil || e.gen != gen {
		g.mu.Unlock()
		return
	}
	e.timer = nil
	switch {
	case e.running:
		// The in-flight execution settles the call when it returns.
		g.mu.Unlock()
		return
	case e.call == nil:
		// Quiet for a full window after the last execution.
		delete(g.entries, key)
		g.mu.Unlock()
		return
	}
	e.running = true
	fn := e.fn
	g.mu.Unlock()

	g.run(key, e, fn)
}

func (g *Group[K, V]) run(key K, e *entry[V], fn func() (V, error)) {
	val, err := invoke(fn)

	g.mu.Lock()
	e.running = false
	if e.timer != nil && !g.closed {
		// Requests arrived during the run; the trailing execution settles the call.
		g.mu.Unlock()
		return
	}
	call := e.call
	e.call = nil
	if g.closed {
		if g.entries[key] == e {
			delete(g.entries, key)
		}
	} else {
		g.armLocked(key, e)
	}
	g.mu.Unlock()

	call.val, call.err = val, err
	close(call.done)
}

func invoke[V any](fn func() (V, error)) (val V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("flight: panic: %v", r)
		}
	}()
	return fn()
}

// Pending reports whether key has an execution in flight or an unsettled call.
func (g *Group[K, V]) Pending(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[key]
	return ok && (e.running || e.call != nil)
}

// Len returns the number of keys with pending work. Keys that are only cooling down
// are not counted.
func (g *Group[K, V]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, e := range g.entries {
		if e.running || e.call != nil {
			n++
		}
	}
	return n
}

// Close stops all armed timers. Calls waiting only on a timer settle with ErrClosed;
// in-flight executions still settle their calls. Later calls to Do fail with ErrClosed.
func (g *Group[K, V]) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true

	var idle []*Call[V]
	for key, e := range g.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		if !e.running {
			if e.call != nil {
				idle = append(idle, e.call)
			}
			delete(g.entries, key)
		}
	}
	g.mu.Unlock()

	for _, c := range idle {
		c.err = ErrClosed
		close(c.done)
	}
}

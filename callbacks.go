package rmqlink

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Event selects a callback channel of a Connection.
type Event int

const (
	// OnOpen callbacks run after every successful open, including reconnects.
	OnOpen Event = iota
	// OnLost callbacks run when the connection drops unexpectedly.
	OnLost
	// OnClose callbacks run when the connection is closed deliberately.
	OnClose

	eventCount
)

func (e Event) String() string {
	switch e {
	case OnOpen:
		return "on_open"
	case OnLost:
		return "on_lost"
	case OnClose:
		return "on_close"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

func (e Event) valid() bool {
	return e >= OnOpen && e < eventCount
}

// Callback is invoked on a connection event. The context is cancelled when
// the callback is removed with cancellation or the connection is closed.
type Callback func(ctx context.Context) error

type namedCallback struct {
	name string
	fn   Callback
}

type callbackTask struct {
	cancel context.CancelCauseFunc
}

// callbackSet is an insertion-ordered set of named callbacks.
type callbackSet struct {
	order []string
	fns   map[string]Callback
	tasks map[string]*callbackTask
}

func (s *callbackSet) init() {
	s.order = nil
	s.fns = make(map[string]Callback)
	s.tasks = make(map[string]*callbackTask)
}

type callbacks struct {
	mu   sync.Mutex
	sets [eventCount]callbackSet
}

func newCallbacks() *callbacks {
	cb := &callbacks{}
	for i := range cb.sets {
		cb.sets[i].init()
	}
	return cb
}

func (cb *callbacks) set(e Event, name string, fn Callback) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := &cb.sets[e]
	if _, ok := s.fns[name]; !ok {
		s.order = append(s.order, name)
	}
	s.fns[name] = fn
}

func (cb *callbacks) remove(e Event, name string, cancel bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := &cb.sets[e]
	if _, ok := s.fns[name]; ok {
		delete(s.fns, name)
		for i, n := range s.order {
			if n == name {
				s.order = append(s.order[:i:i], s.order[i+1:]...)
				break
			}
		}
	}
	if t, ok := s.tasks[name]; ok && cancel {
		t.cancel(nil)
		delete(s.tasks, name)
	}
}

// reset clears every channel, optionally cancelling running callbacks.
func (cb *callbacks) reset(cancel bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	for i := range cb.sets {
		if cancel {
			for _, t := range cb.sets[i].tasks {
				t.cancel(nil)
			}
		}
		cb.sets[i].init()
	}
}

func (cb *callbacks) snapshot(e Event) []namedCallback {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := &cb.sets[e]
	out := make([]namedCallback, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, namedCallback{name: name, fn: s.fns[name]})
	}
	return out
}

func (cb *callbacks) names(e Event) []string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return append([]string(nil), cb.sets[e].order...)
}

func (cb *callbacks) has(e Event, name string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	_, ok := cb.sets[e].fns[name]
	return ok
}

// interrupt cancels the running callbacks of e with cause, leaving them registered.
func (cb *callbacks) interrupt(e Event, cause error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	for _, t := range cb.sets[e].tasks {
		t.cancel(cause)
	}
}

func (cb *callbacks) track(e Event, name string, cancel context.CancelCauseFunc) *callbackTask {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	t := &callbackTask{cancel: cancel}
	cb.sets[e].tasks[name] = t
	return t
}

func (cb *callbacks) untrack(e Event, name string, t *callbackTask) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.sets[e].tasks[name] == t {
		delete(cb.sets[e].tasks, name)
	}
}

// runCallback runs fn on its own goroutine so that cancelling its task
// releases the caller even if fn ignores ctx.
func runCallback(ctx context.Context, fn Callback) (err error) {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in callback: %v", r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err = <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

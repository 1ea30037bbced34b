// Package failover provides the endpoint rotation used when connecting.
package failover

import "errors"

// ErrExhausted is returned by Next once a full cycle has been handed out
// since the last Reset.
var ErrExhausted = errors.New("failover: endpoints exhausted")

// Cursor cycles over a fixed, non-empty list of items.
//
// Next hands out items in order, wrapping around at the end. After len(items)
// calls without a Reset, the following call returns ErrExhausted and re-arms
// the cursor, so a caller that keeps going starts a new cycle from the item
// after the last one returned.
//
// Reset counts the most recently returned item as the first of a new cycle:
// the item currently in use is not handed out again before ErrExhausted.
//
// A Cursor is not safe for concurrent use.
type Cursor[T any] struct {
	items   []T
	pos     int
	yielded int
}

// NewCursor creates a cursor over items. It panics if items is empty.
func NewCursor[T any](items []T) *Cursor[T] {
	if len(items) == 0 {
		panic("failover: cursor needs at least one item")
	}
	return &Cursor[T]{
		items: append([]T(nil), items...),
		pos:   -1,
	}
}

// Next returns the next item in the cycle.
func (c *Cursor[T]) Next() (T, error) {
	if c.yielded == len(c.items) {
		c.yielded = 0
		var zero T
		return zero, ErrExhausted
	}
	c.pos = (c.pos + 1) % len(c.items)
	c.yielded++
	return c.items[c.pos], nil
}

// Reset re-arms a full cycle starting from the current item.
func (c *Cursor[T]) Reset() {
	if c.pos < 0 {
		c.yielded = 0
		return
	}
	c.yielded = 1
}

// Current returns the most recently returned item. Before the first call to
// Next it returns the first item.
func (c *Cursor[T]) Current() T {
	if c.pos < 0 {
		return c.items[0]
	}
	return c.items[c.pos]
}

// Len returns the number of items in the cycle.
func (c *Cursor[T]) Len() int {
	return len(c.items)
}

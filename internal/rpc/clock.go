package rpc

import "sync/atomic"

// Clock hands out request correlation ids.
//
// Ids are strictly increasing and never reused. They say nothing about the
// order in which concurrent calls reach the server; they only pair a
// response with its request.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0. The first id is 1.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next id.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last id handed out without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

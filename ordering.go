// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipflow

import (
	"errors"
	"sync"
)

var errBufferClosed = errors.New("ordering buffer closed")

// orderingBuffer lets producers finish out of order while a single consumer
// takes items strictly by ordinal. At most capacity ordinals past the next
// one to be consumed are admitted; producers further ahead block.
//
// The producer holding the next ordinal is never blocked, so the buffer
// cannot deadlock as long as every admitted ordinal is eventually Put.
type orderingBuffer[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	next     int
	capacity int
	total    int // -1 until sealed
	pending  map[int]T
	closed   bool
}

func newOrderingBuffer[T any](capacity int) *orderingBuffer[T] {
	b := &orderingBuffer[T]{
		capacity: max(1, capacity),
		total:    -1,
		pending:  make(map[int]T),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Put stores the item for ordinal, blocking while ordinal is capacity or
// more ahead of the consumer.
func (b *orderingBuffer[T]) Put(ordinal int, v T) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for !b.closed && ordinal >= b.next+b.capacity {
		b.cond.Wait()
	}
	if b.closed {
		return errBufferClosed
	}
	b.pending[ordinal] = v
	b.cond.Broadcast()
	return nil
}

// Next blocks until the item with the next ordinal is available and returns
// it. It returns false once all sealed ordinals were consumed or the
// buffer was closed.
func (b *orderingBuffer[T]) Next() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if b.closed {
			var zero T
			return zero, false
		}
		if v, ok := b.pending[b.next]; ok {
			delete(b.pending, b.next)
			b.next++
			b.cond.Broadcast()
			return v, true
		}
		if b.total >= 0 && b.next >= b.total {
			var zero T
			return zero, false
		}
		b.cond.Wait()
	}
}

// Seal records how many ordinals will be Put in total.
func (b *orderingBuffer[T]) Seal(total int) {
	b.mu.Lock()
	b.total = total
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Close wakes every waiter and returns the items that were never consumed
// so the caller can release them.
func (b *orderingBuffer[T]) Close() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.cond.Broadcast()

	left := make([]T, 0, len(b.pending))
	for _, v := range b.pending {
		left = append(left, v)
	}
	clear(b.pending)
	return left
}

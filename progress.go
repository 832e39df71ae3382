// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipflow

import (
	"sync"
	"time"
)

// ProgressEvent reports bytes processed for one entry. Within an entry,
// BytesProcessed never decreases and the last event has Final set and
// carries the entry's result.
type ProgressEvent struct {
	Ordinal        int
	Name           string
	BytesProcessed int64
	TotalBytes     int64
	Elapsed        time.Duration // since the operation started
	Final          bool
	Result         *OperationResult
}

// Subscriber receives progress events. Events are delivered from a single
// goroutine; a slow subscriber delays later events but never the pipeline.
type Subscriber interface {
	OnProgress(ProgressEvent)
}

// SubscriberFunc adapts a function to [Subscriber].
type SubscriberFunc func(ProgressEvent)

func (f SubscriberFunc) OnProgress(ev ProgressEvent) { f(ev) }

// ChannelSubscriber sends every delivered event on the channel. The
// receiver must keep draining it until the operation returns.
type ChannelSubscriber chan<- ProgressEvent

func (c ChannelSubscriber) OnProgress(ev ProgressEvent) { c <- ev }

// progressHub decouples publishers from subscribers. Pending non-final
// events are coalesced per entry; final events are queued and never dropped.
type progressHub struct {
	subs  []Subscriber
	start time.Time

	mu        sync.Mutex
	pending   map[int]ProgressEvent
	order     []int
	finals    []ProgressEvent
	finalized map[int]struct{}
	highest   map[int]int64 // largest BytesProcessed published per entry
	closed    bool

	wake chan struct{}
	done chan struct{}
}

func newProgressHub(subs []Subscriber, start time.Time) *progressHub {
	h := &progressHub{
		subs:      subs,
		start:     start,
		pending:   make(map[int]ProgressEvent),
		finalized: make(map[int]struct{}),
		highest:   make(map[int]int64),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	if len(subs) == 0 {
		close(h.done)
		return h
	}
	go h.dispatch()
	return h
}

// progress publishes a non-final event.
func (h *progressHub) progress(ordinal int, name string, processed, total int64) {
	if len(h.subs) == 0 {
		return
	}
	ev := ProgressEvent{
		Ordinal:        ordinal,
		Name:           name,
		BytesProcessed: processed,
		TotalBytes:     total,
		Elapsed:        time.Since(h.start),
	}

	h.mu.Lock()
	if _, ok := h.finalized[ordinal]; ok || h.closed {
		h.mu.Unlock()
		return
	}
	if processed < h.highest[ordinal] {
		h.mu.Unlock()
		return
	}
	h.highest[ordinal] = processed
	if _, ok := h.pending[ordinal]; !ok {
		h.order = append(h.order, ordinal)
	}
	h.pending[ordinal] = ev
	h.mu.Unlock()
	h.signal()
}

// final publishes the terminal event for an entry.
func (h *progressHub) final(res OperationResult, total int64) {
	if len(h.subs) == 0 {
		return
	}
	r := res
	ev := ProgressEvent{
		Ordinal:        res.Ordinal,
		Name:           res.Name,
		BytesProcessed: res.BytesRead,
		TotalBytes:     total,
		Elapsed:        time.Since(h.start),
		Final:          true,
		Result:         &r,
	}

	h.mu.Lock()
	if _, ok := h.finalized[res.Ordinal]; ok {
		h.mu.Unlock()
		return
	}
	h.finalized[res.Ordinal] = struct{}{}
	// The final event supersedes anything pending for the entry.
	delete(h.pending, res.Ordinal)
	ev.BytesProcessed = max(ev.BytesProcessed, h.highest[res.Ordinal])
	delete(h.highest, res.Ordinal)
	h.finals = append(h.finals, ev)
	h.mu.Unlock()
	h.signal()
}

func (h *progressHub) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *progressHub) dispatch() {
	defer close(h.done)
	for {
		<-h.wake
		for {
			batch, closed := h.take()
			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}
			for _, ev := range batch {
				for _, sub := range h.subs {
					sub.OnProgress(ev)
				}
			}
		}
	}
}

// take removes everything queued. Pending events go first so that, for any
// entry, they precede its final event.
func (h *progressHub) take() ([]ProgressEvent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	batch := make([]ProgressEvent, 0, len(h.order)+len(h.finals))
	for _, ordinal := range h.order {
		if ev, ok := h.pending[ordinal]; ok {
			batch = append(batch, ev)
			delete(h.pending, ordinal)
		}
	}
	h.order = h.order[:0]
	batch = append(batch, h.finals...)
	h.finals = nil
	return batch, h.closed
}

// close stops accepting events and waits until everything queued has been
// delivered.
func (h *progressHub) close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.signal()
	<-h.done
}

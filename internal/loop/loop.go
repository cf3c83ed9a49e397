// go-cardpay
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-cardpay.
//
// go-cardpay is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-cardpay is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-cardpay; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

// Package loop provides the single-goroutine event loop that owns all link
// and transaction state. Handlers posted to a Loop run one at a time and to
// completion, so the state they touch needs no locking.
package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrStopped is returned when work is posted to a loop that is not running
var ErrStopped = errors.New("event loop stopped")

// DefaultQueueSize is the buffer size of each lane
const DefaultQueueSize = 64

// Loop runs posted closures sequentially on a single goroutine.
//
// Two lanes exist: urgent and normal. Whenever both hold work, every urgent
// closure runs before the next normal one, including a normal closure that
// was dequeued in the same select.
//
// A closure accepted by Post or PostUrgent always runs, either on the loop
// or while Run drains the lanes on its way out.
type Loop struct {
	urgent  chan func()
	events  chan func()
	stop    chan struct{}
	done    chan struct{}
	mu      sync.Mutex
	started atomic.Bool
	stopped bool
}

// New creates a loop with the given lane buffer size
func New(queueSize int) *Loop {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Loop{
		urgent: make(chan func(), queueSize),
		events: make(chan func(), queueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run processes events until ctx is cancelled. It may only be called once.
func (l *Loop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return errors.New("event loop already started")
	}
	defer l.finish()

	for {
		l.drainUrgent()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.urgent:
			fn()
		case fn := <-l.events:
			l.drainUrgent()
			fn()
		}
	}
}

func (l *Loop) drainUrgent() {
	for {
		select {
		case fn := <-l.urgent:
			fn()
		default:
			return
		}
	}
}

// finish rejects new work and runs whatever was accepted before that.
// Closing stop first releases posters blocked on a full lane.
func (l *Loop) finish() {
	close(l.stop)
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	for {
		l.drainUrgent()
		select {
		case fn := <-l.events:
			fn()
		default:
			close(l.done)
			return
		}
	}
}

// Done is closed once Run has returned
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post queues fn on the normal lane. It returns false if the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	return l.post(l.events, fn)
}

// PostUrgent queues fn on the urgent lane
func (l *Loop) PostUrgent(fn func()) bool {
	return l.post(l.urgent, fn)
}

func (l *Loop) post(lane chan func(), fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	select {
	case lane <- fn:
		return true
	case <-l.stop:
		return false
	}
}

// Call runs fn on the loop and waits for its result.
// It must not be called from a closure that is itself running on the loop.
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !l.Post(func() { result <- fn() }) {
		return ErrStopped
	}

	select {
	case err := <-result:
		return err
	case <-l.done:
		// The closure may have run while the lanes were drained
		select {
		case err := <-result:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

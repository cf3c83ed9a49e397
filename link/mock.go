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

package link

import (
	"context"
	"sync"

	"github.com/ZaparooProject/go-cardpay/channel"
)

// MockDialer is an in-memory Dialer for tests and the simulator.
// Failures can be scripted and dials can be made to hang until cancelled.
type MockDialer struct {
	err           error
	packetSizeErr error
	discoverErr   error
	conns         []*MockConn
	failures      int
	packetSize    int
	mu            sync.Mutex
	block         bool
}

// NewMockDialer creates a dialer whose connections negotiate packetSize
func NewMockDialer(packetSize int) *MockDialer {
	return &MockDialer{packetSize: packetSize}
}

// Dial implements Dialer
func (d *MockDialer) Dial(ctx context.Context, identity string) (Conn, error) {
	d.mu.Lock()
	block := d.block
	var err error
	switch {
	case d.failures > 0:
		d.failures--
		err = d.err
	case d.failures < 0:
		err = d.err
	}
	conn := &MockConn{
		Identity:      identity,
		packetSize:    d.packetSize,
		packetSizeErr: d.packetSizeErr,
		discoverErr:   d.discoverErr,
	}
	if err == nil && !block {
		d.conns = append(d.conns, conn)
	}
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// FailTimes makes the next n dials fail with err. A negative n fails every dial.
func (d *MockDialer) FailTimes(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = n
	d.err = err
}

// Block makes dials hang until their context ends
func (d *MockDialer) Block(block bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.block = block
}

// SetPacketSizeError makes packet size negotiation fail on new connections
func (d *MockDialer) SetPacketSizeError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.packetSizeErr = err
}

// SetDiscoverError makes data channel discovery fail on new connections
func (d *MockDialer) SetDiscoverError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.discoverErr = err
}

// Dials returns the number of connections handed out
func (d *MockDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Last returns the most recent connection, or nil
func (d *MockDialer) Last() *MockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// MockConn is an in-memory Conn driven by the test
type MockConn struct {
	packetSizeErr error
	discoverErr   error
	notify        func([]byte)
	onDisconnect  func(error)
	Identity      string
	packetSize    int
	mu            sync.Mutex
	closed        bool
}

// RequestPacketSize implements Conn
func (c *MockConn) RequestPacketSize(_ context.Context, _ int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.packetSizeErr != nil {
		return 0, c.packetSizeErr
	}
	return c.packetSize, nil
}

// DiscoverDataChannel implements Conn
func (c *MockConn) DiscoverDataChannel(_ context.Context, fn func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discoverErr != nil {
		return c.discoverErr
	}
	c.notify = fn
	return nil
}

// OnDisconnect implements Conn
func (c *MockConn) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

// Close implements Conn
func (c *MockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called
func (c *MockConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Push delivers a raw payload as if the reader sent it.
// It reports false when the connection is closed or has no data channel.
func (c *MockConn) Push(payload []byte) bool {
	c.mu.Lock()
	fn := c.notify
	closed := c.closed
	c.mu.Unlock()

	if closed || fn == nil {
		return false
	}
	fn(payload)
	return true
}

// PushUID delivers a card notification for uid
func (c *MockConn) PushUID(uid string) bool {
	payload, err := channel.Encode(channel.Notification{Kind: channel.KindCard, UID: uid})
	if err != nil {
		return false
	}
	return c.Push(payload)
}

// Drop simulates the reader going away
func (c *MockConn) Drop(err error) {
	c.mu.Lock()
	fn := c.onDisconnect
	c.mu.Unlock()

	if fn != nil {
		fn(err)
	}
}

// MemoryStore is an IdentityStore kept in memory
type MemoryStore struct {
	err      error
	identity string
	mu       sync.Mutex
}

// NewMemoryStore creates a store holding identity
func NewMemoryStore(identity string) *MemoryStore {
	return &MemoryStore{identity: identity}
}

// Load implements IdentityStore
func (s *MemoryStore) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.err
}

// Save implements IdentityStore
func (s *MemoryStore) Save(identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.identity = identity
	return nil
}

// SetError makes every call fail with err
func (s *MemoryStore) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

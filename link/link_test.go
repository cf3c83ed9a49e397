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
	"testing"
	"time"

	"github.com/ZaparooProject/go-cardpay/internal/loop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func testConfig() *Config {
	config := DefaultConfig()
	config.RetryDelay = 5 * time.Millisecond
	config.ConnectTimeout = 200 * time.Millisecond
	return config
}

type harness struct {
	loop   *loop.Loop
	m      *Manager
	dialer *MockDialer
	store  *MemoryStore
}

func newHarness(t *testing.T, identity string, config *Config) *harness {
	t.Helper()

	l := loop.New(0)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()

	h := &harness{
		loop:   l,
		dialer: NewMockDialer(512),
		store:  NewMemoryStore(identity),
	}
	m, err := NewManager(l, h.dialer, h.store, WithConfig(config))
	require.NoError(t, err)
	h.m = m

	t.Cleanup(func() {
		_ = l.Call(context.Background(), func() error {
			m.Close()
			return nil
		})
		cancel()
		<-l.Done()
	})
	return h
}

// do runs fn on the event loop and waits for it
func (h *harness) do(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, h.loop.Call(context.Background(), func() error {
		fn()
		return nil
	}))
}

func (h *harness) connect(t *testing.T) error {
	t.Helper()
	var err error
	h.do(t, func() { err = h.m.Connect() })
	return err
}

func (h *harness) waitStatus(t *testing.T, status Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.m.Info().Status == status
	}, waitFor, tick, "link never reached %s", status)
}

func TestNewManager_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewManager(nil, NewMockDialer(20), NewMemoryStore(""))
	require.Error(t, err)

	config := DefaultConfig()
	config.MaxAttempts = 0
	_, err = NewManager(loop.New(0), NewMockDialer(20), NewMemoryStore(""), WithConfig(config))
	require.Error(t, err)
}

func TestManager_Connect(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "AA:BB:CC", testConfig())

	require.NoError(t, h.connect(t))
	h.waitStatus(t, StatusConnected)

	info := h.m.Info()
	assert.Equal(t, "AA:BB:CC", info.Identity)
	assert.Equal(t, 512, info.PacketSize)
	assert.Zero(t, info.Attempts)
	assert.Equal(t, int64(1), h.m.GetMetrics().Connects)
	assert.Equal(t, "AA:BB:CC", h.dialer.Last().Identity)

	assert.ErrorIs(t, h.connect(t), ErrAlreadyConnected)
}

func TestManager_NoIdentity(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "", testConfig())

	require.ErrorIs(t, h.connect(t), ErrNoPeripheralAssigned)
	assert.Equal(t, StatusDisconnected, h.m.Info().Status)
	assert.Zero(t, h.dialer.Dials())

	// Manual reconnect with nothing stored stays disconnected
	var err error
	h.do(t, func() { err = h.m.ManualReconnect() })
	require.ErrorIs(t, err, ErrNoPeripheralAssigned)
	assert.Equal(t, StatusDisconnected, h.m.Info().Status)
}

func TestManager_RetryExhaustedThenManualReconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "AA:BB:CC", testConfig())
	h.dialer.FailTimes(-1, ErrPeripheralNotFound)

	require.NoError(t, h.connect(t))
	h.waitStatus(t, StatusError)

	info := h.m.Info()
	assert.Equal(t, 3, info.Attempts)
	assert.Contains(t, info.LastError, "reconnect attempts exhausted")
	assert.Equal(t, int64(3), h.m.GetMetrics().FailedAttempts)

	h.dialer.FailTimes(0, nil)
	var err error
	h.do(t, func() { err = h.m.ManualReconnect() })
	require.NoError(t, err)
	h.waitStatus(t, StatusConnected)
	assert.Zero(t, h.m.Info().Attempts)
}

func TestManager_RecoversWithinBudget(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "AA:BB:CC", testConfig())
	h.dialer.FailTimes(2, ErrRadioUnavailable)

	require.NoError(t, h.connect(t))
	h.waitStatus(t, StatusConnected)
	assert.Equal(t, int64(2), h.m.GetMetrics().FailedAttempts)
}

func TestManager_ReconnectInProgress(t *testing.T) {
	t.Parallel()
	config := testConfig()
	config.ConnectTimeout = time.Minute
	h := newHarness(t, "AA:BB:CC", config)
	h.dialer.Block(true)

	require.NoError(t, h.connect(t))
	assert.Equal(t, StatusConnecting, h.m.Info().Status)

	var err error
	h.do(t, func() { err = h.m.ManualReconnect() })
	require.ErrorIs(t, err, ErrReconnectInProgress)

	h.do(t, func() { h.m.Disconnect() })
	assert.Equal(t, StatusDisconnected, h.m.Info().Status)
}

func TestManager_PacketSizeFallback(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "AA:BB:CC", testConfig())
	h.dialer.SetPacketSizeError(ErrRadioUnavailable)

	require.NoError(t, h.connect(t))
	h.waitStatus(t, StatusConnected)
	assert.Equal(t, 20, h.m.Info().PacketSize)
}

func TestManager_DataChannelMissing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "AA:BB:CC", testConfig())
	h.dialer.SetDiscoverError(ErrDataChannelNotFound)

	require.NoError(t, h.connect(t))
	h.waitStatus(t, StatusError)
	assert.Contains(t, h.m.Info().LastError, "card data channel not found")
	assert.True(t, h.dialer.Last().Closed())
}

func TestManager_DispatchesToSubscriber(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "AA:BB:CC", testConfig())
	require.NoError(t, h.connect(t))
	h.waitStatus(t, StatusConnected)

	received := make(chan []byte, 1)
	var cancel func()
	h.do(t, func() {
		cancel = h.m.Subscribe(func(p []byte) { received <- p })
	})

	require.True(t, h.dialer.Last().Push([]byte("payload")))
	select {
	case p := <-received:
		assert.Equal(t, "payload", string(p))
	case <-time.After(waitFor):
		t.Fatal("payload not delivered")
	}

	h.do(t, func() {
		cancel()
		cancel()
		assert.False(t, h.m.Subscribed())
	})
}

func TestManager_DropClearsSubscriptionFirst(t *testing.T) {
	t.Parallel()
	config := testConfig()
	config.AutoReconnect = false
	h := newHarness(t, "AA:BB:CC", config)
	require.NoError(t, h.connect(t))
	h.waitStatus(t, StatusConnected)

	var order []string
	var events []DropEvent
	h.do(t, func() {
		h.m.Subscribe(func([]byte) {})
		h.m.ObserveDrops(func(DropEvent) { order = append(order, "observer") })
		h.m.OnDrop(func(ev DropEvent) {
			order = append(order, "priority")
			events = append(events, ev)
			assert.False(t, h.m.Subscribed(), "subscription must be cleared before observers run")
		})
	})

	conn := h.dialer.Last()
	conn.Drop(nil)
	conn.Drop(nil)
	h.waitStatus(t, StatusDisconnected)

	h.do(t, func() {
		assert.Equal(t, []string{"priority", "observer"}, order)
		if assert.Len(t, events, 1) {
			assert.ErrorIs(t, events[0].Err, ErrLinkLost)
			assert.False(t, events[0].UserInitiated)
		}
	})
	assert.Equal(t, int64(1), h.m.GetMetrics().Drops)
	assert.True(t, conn.Closed())
	assert.Equal(t, 1, h.dialer.Dials())
}

func TestManager_AutoReconnectAfterDrop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "AA:BB:CC", testConfig())
	require.NoError(t, h.connect(t))
	h.waitStatus(t, StatusConnected)

	first := h.dialer.Last()
	first.Drop(ErrRadioUnavailable)

	require.Eventually(t, func() bool {
		return h.dialer.Dials() == 2 && h.m.Info().Status == StatusConnected
	}, waitFor, tick)
	assert.NotSame(t, first, h.dialer.Last())

	// Payloads from the dead connection never arrive
	assert.False(t, first.Push([]byte("late")))
}

func TestManager_UserDisconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "AA:BB:CC", testConfig())
	require.NoError(t, h.connect(t))
	h.waitStatus(t, StatusConnected)

	var events []DropEvent
	h.do(t, func() {
		h.m.OnDrop(func(ev DropEvent) { events = append(events, ev) })
		h.m.Disconnect()
	})

	h.do(t, func() {
		if assert.Len(t, events, 1) {
			assert.True(t, events[0].UserInitiated)
		}
	})
	assert.Equal(t, StatusDisconnected, h.m.Info().Status)

	// A late drop callback from the closed connection is ignored
	h.dialer.Last().Drop(nil)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.Dials())
	assert.Equal(t, StatusDisconnected, h.m.Info().Status)
}

func TestManager_ObserveChanges(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "AA:BB:CC", testConfig())

	var statuses []Status
	h.do(t, func() {
		h.m.ObserveChanges(func(info Info) { statuses = append(statuses, info.Status) })
	})
	require.NoError(t, h.connect(t))
	h.waitStatus(t, StatusConnected)

	h.do(t, func() {
		assert.Equal(t, []Status{StatusConnecting, StatusConnected}, statuses)
	})
}

func TestManager_Closed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "AA:BB:CC", testConfig())
	h.do(t, func() { h.m.Close() })
	assert.ErrorIs(t, h.connect(t), ErrManagerClosed)
}

func TestStatus_MarshalText(t *testing.T) {
	t.Parallel()
	text, err := StatusConnecting.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "connecting", string(text))
	assert.Equal(t, "unknown", Status(42).String())
}

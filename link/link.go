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

// Package link maintains the wireless link between the terminal and its
// assigned card reader: connecting, negotiating, watching for drops and
// reconnecting with a fixed-delay retry policy.
package link

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ZaparooProject/go-cardpay/internal/loop"
	"github.com/ZaparooProject/go-cardpay/internal/retry"
	"github.com/sirupsen/logrus"
)

// Status is the connectivity state of the link
type Status int

const (
	// StatusDisconnected means no link and no attempt running
	StatusDisconnected Status = iota
	// StatusConnecting means a connection sequence is running
	StatusConnecting
	// StatusConnected means the data channel is live
	StatusConnected
	// StatusError means automatic attempts are exhausted
	StatusError
)

// String returns the status name
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Conn is an open connection to a card reader.
//
// The context passed to each method bounds that call only. Notifications and
// the disconnect callback outlive it and run on backend goroutines.
type Conn interface {
	// RequestPacketSize asks for a larger transfer unit and returns the size in effect
	RequestPacketSize(ctx context.Context, size int) (int, error)

	// DiscoverDataChannel locates the card data channel and starts delivering
	// its payloads to fn
	DiscoverDataChannel(ctx context.Context, fn func(payload []byte)) error

	// OnDisconnect registers fn to be called when the link drops for any reason
	OnDisconnect(fn func(err error))

	// Close tears the connection down
	Close() error
}

// Dialer opens connections to a reader identified by its persisted address
type Dialer interface {
	Dial(ctx context.Context, identity string) (Conn, error)
}

// IdentityStore persists the address of the reader assigned to this terminal.
// Load returns an empty identity, not an error, when none is stored.
type IdentityStore interface {
	Load() (string, error)
	Save(identity string) error
}

// Info is a snapshot of the link state
type Info struct {
	Identity   string `json:"identity"`
	LastError  string `json:"lastError,omitempty"`
	Status     Status `json:"status"`
	PacketSize int    `json:"packetSize"`
	Attempts   int    `json:"reconnectAttempts"`
}

// DropEvent describes a link drop
type DropEvent struct {
	Err           error
	Identity      string
	UserInitiated bool
}

// Metrics tracks link counters
type Metrics struct {
	Connects       int64 // Successful connections
	Drops          int64 // Drop events delivered to observers
	FailedAttempts int64 // Failed connection attempts
}

// Config configures the link manager
type Config struct {
	// RetryDelay is the fixed delay between automatic attempts
	RetryDelay time.Duration
	// ConnectTimeout bounds a single attempt
	ConnectTimeout time.Duration
	// MaxAttempts caps one automatic connection sequence
	MaxAttempts int
	// PacketSize is the transfer unit requested after connecting
	PacketSize int
	// DefaultPacketSize is used when negotiation fails
	DefaultPacketSize int
	// AutoReconnect starts a new sequence after an unexpected drop
	AutoReconnect bool
}

// DefaultConfig returns the default link configuration
func DefaultConfig() *Config {
	return &Config{
		RetryDelay:        2 * time.Second,
		ConnectTimeout:    10 * time.Second,
		MaxAttempts:       3,
		PacketSize:        512,
		DefaultPacketSize: 20,
		AutoReconnect:     true,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.MaxAttempts < 1 {
		return errors.New("max attempts must be at least 1")
	}
	if c.RetryDelay < 0 {
		return errors.New("retry delay must not be negative")
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("connect timeout must be positive")
	}
	if c.DefaultPacketSize <= 0 || c.PacketSize < c.DefaultPacketSize {
		return fmt.Errorf("invalid packet sizes %d/%d", c.PacketSize, c.DefaultPacketSize)
	}
	return nil
}

// Option is a functional option for configuring a Manager
type Option func(*Manager) error

// WithConfig replaces the link configuration
func WithConfig(config *Config) Option {
	return func(m *Manager) error {
		if config == nil {
			return errors.New("link config cannot be nil")
		}
		if err := config.Validate(); err != nil {
			return fmt.Errorf("invalid link config: %w", err)
		}
		clone := *config
		m.config = &clone
		return nil
	}
}

// WithLogger sets the logger
func WithLogger(logger *logrus.Entry) Option {
	return func(m *Manager) error {
		if logger != nil {
			m.logger = logger
		}
		return nil
	}
}

// session is one adopted (or about to be adopted) connection
type session struct {
	conn       Conn
	packetSize int
	dropped    atomic.Bool
}

type sink struct {
	fn func(payload []byte)
}

// Manager owns the single link to the assigned reader.
//
// Apart from Info and GetMetrics, every method must be called on the event
// loop the manager was created with. All state below is loop-owned.
type Manager struct {
	loop   *loop.Loop
	dialer Dialer
	store  IdentityStore
	config *Config
	logger *logrus.Entry
	ctx    context.Context
	cancel context.CancelFunc

	current      *session
	sink         *sink
	dialCancel   context.CancelFunc
	priorityDrop func(DropEvent)
	dropHandlers []func(DropEvent)
	changeHooks  []func(Info)
	identity     string
	lastErr      error
	status       Status
	attempts     int
	connecting   bool
	closed       bool

	info           atomic.Pointer[Info]
	connects       atomic.Int64
	drops          atomic.Int64
	failedAttempts atomic.Int64
}

// NewManager creates a link manager bound to the event loop l
func NewManager(l *loop.Loop, dialer Dialer, store IdentityStore, opts ...Option) (*Manager, error) {
	if l == nil || dialer == nil || store == nil {
		return nil, errors.New("loop, dialer and identity store are required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		loop:   l,
		dialer: dialer,
		store:  store,
		config: DefaultConfig(),
		logger: logrus.WithField("component", "link"),
		ctx:    ctx,
		cancel: cancel,
	}

	for _, opt := range opts {
		if err := opt(m); err != nil {
			cancel()
			return nil, err
		}
	}

	m.publish()
	return m, nil
}

// Info returns the latest link snapshot. Safe from any goroutine.
func (m *Manager) Info() Info {
	if info := m.info.Load(); info != nil {
		return *info
	}
	return Info{}
}

// GetMetrics returns current counters. Safe from any goroutine.
func (m *Manager) GetMetrics() Metrics {
	return Metrics{
		Connects:       m.connects.Load(),
		Drops:          m.drops.Load(),
		FailedAttempts: m.failedAttempts.Load(),
	}
}

// Status returns the current status
func (m *Manager) Status() Status {
	return m.status
}

// OnDrop sets the priority drop observer. It runs before every other
// observer, after the data channel subscription has been cleared.
func (m *Manager) OnDrop(fn func(DropEvent)) {
	m.priorityDrop = fn
}

// ObserveDrops adds a drop observer
func (m *Manager) ObserveDrops(fn func(DropEvent)) {
	m.dropHandlers = append(m.dropHandlers, fn)
}

// ObserveChanges adds an observer for link state changes
func (m *Manager) ObserveChanges(fn func(Info)) {
	m.changeHooks = append(m.changeHooks, fn)
}

// Subscribe registers the single data channel sink.
// The returned cancel is idempotent and only removes this sink.
func (m *Manager) Subscribe(fn func(payload []byte)) (cancel func()) {
	if m.sink != nil {
		m.logger.Warn("replacing active data channel subscription")
	}
	s := &sink{fn: fn}
	m.sink = s
	return func() {
		if m.sink == s {
			m.sink = nil
		}
	}
}

// Subscribed reports whether a data channel sink is registered
func (m *Manager) Subscribed() bool {
	return m.sink != nil
}

// Connect loads the stored identity and starts a connection sequence.
// The result arrives asynchronously through the status.
func (m *Manager) Connect() error {
	switch {
	case m.closed:
		return ErrManagerClosed
	case m.connecting:
		return ErrReconnectInProgress
	case m.status == StatusConnected:
		return ErrAlreadyConnected
	}

	identity, err := m.store.Load()
	if err != nil {
		m.fail(StatusDisconnected, fmt.Errorf("failed to load reader identity: %w", err))
		return m.lastErr
	}
	if identity == "" {
		m.identity = ""
		m.fail(StatusDisconnected, ErrNoPeripheralAssigned)
		return ErrNoPeripheralAssigned
	}

	m.identity = identity
	m.startSequence()
	return nil
}

// ManualReconnect is the user-triggered retry, valid while Disconnected or in
// Error. It never overlaps a running sequence.
func (m *Manager) ManualReconnect() error {
	m.logger.Info("manual reconnect requested")
	return m.Connect()
}

// Disconnect drops the link on user request. Observers fire; no automatic
// reconnect follows.
func (m *Manager) Disconnect() {
	m.stopSequence()

	if s := m.current; s != nil {
		s.dropped.Store(true)
		m.handleDrop(s, nil, true)
		return
	}
	if m.status != StatusDisconnected {
		m.status = StatusDisconnected
		m.publish()
	}
}

// Close disconnects and stops all background work for good
func (m *Manager) Close() {
	if m.closed {
		return
	}
	m.Disconnect()
	m.closed = true
	m.cancel()
}

func (m *Manager) stopSequence() {
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	m.connecting = false
}

func (m *Manager) startSequence() {
	ctx, cancel := context.WithCancel(m.ctx)
	m.dialCancel = cancel
	m.connecting = true
	m.lastErr = nil
	m.status = StatusConnecting
	m.publish()

	identity := m.identity
	m.logger.WithField("reader", identity).Info("connecting to card reader")
	go m.runSequence(ctx, identity)
}

// runSequence executes the attempts off the loop and reports back through it
func (m *Manager) runSequence(ctx context.Context, identity string) {
	config := retry.Config{
		Description: "connect",
		MaxAttempts: m.config.MaxAttempts,
		Delay:       m.config.RetryDelay,
		OnRetry: func(attempt int, err error) {
			m.loop.Post(func() { m.attemptFailed(ctx, attempt, err) })
		},
	}

	s, err := retry.Do(ctx, config, func(ctx context.Context, _ int) (*session, bool, error) {
		s, err := m.dialOnce(ctx, identity)
		if err != nil {
			return nil, IsRetryable(err), err
		}
		return s, false, nil
	})

	if !m.loop.Post(func() { m.sequenceDone(ctx, s, err) }) && s != nil {
		_ = s.conn.Close()
	}
}

// dialOnce performs a single attempt. Runs off the loop.
func (m *Manager) dialOnce(ctx context.Context, identity string) (*session, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, m.config.ConnectTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(attemptCtx, identity)
	if err != nil {
		return nil, classifyConnectError("dial", identity, err)
	}

	s := &session{conn: conn, packetSize: m.config.DefaultPacketSize}
	conn.OnDisconnect(func(err error) {
		if !s.dropped.CompareAndSwap(false, true) {
			return
		}
		if err == nil {
			err = ErrLinkLost
		}
		m.loop.PostUrgent(func() { m.handleDrop(s, err, false) })
	})

	size, err := conn.RequestPacketSize(attemptCtx, m.config.PacketSize)
	switch {
	case err != nil:
		m.logger.WithError(err).Warnf("packet size negotiation failed, using %d", s.packetSize)
	case size > 0:
		s.packetSize = size
	}

	err = conn.DiscoverDataChannel(attemptCtx, func(payload []byte) {
		m.loop.Post(func() { m.dispatch(s, payload) })
	})
	if err != nil {
		s.dropped.Store(true)
		_ = conn.Close()
		return nil, classifyConnectError("discover", identity, err)
	}

	return s, nil
}

func (m *Manager) attemptFailed(ctx context.Context, attempt int, err error) {
	if ctx.Err() != nil {
		return
	}
	m.attempts++
	m.lastErr = err
	m.failedAttempts.Add(1)
	m.logger.WithError(err).Warnf("connection attempt %d/%d failed", attempt, m.config.MaxAttempts)
	m.publish()
}

func (m *Manager) sequenceDone(ctx context.Context, s *session, err error) {
	if ctx.Err() != nil {
		// Cancelled by Disconnect or Close; whoever cancelled owns the status
		if s != nil {
			s.dropped.Store(true)
			_ = s.conn.Close()
		}
		return
	}
	m.dialCancel = nil
	m.connecting = false

	if err != nil {
		m.fail(StatusError, fmt.Errorf("%w: %w", ErrReconnectExhausted, err))
		m.logger.WithError(err).Error("card reader unreachable, waiting for manual reconnect")
		return
	}

	m.current = s
	m.status = StatusConnected
	m.attempts = 0
	m.lastErr = nil
	m.connects.Add(1)
	m.logger.WithField("reader", m.identity).Infof("card reader connected (packet size %d)", s.packetSize)
	m.publish()

	// The reader may have dropped between the attempt and adoption
	if s.dropped.Load() {
		m.handleDrop(s, ErrLinkLost, false)
	}
}

// handleDrop processes a link drop exactly once per adopted session
func (m *Manager) handleDrop(s *session, err error, userInitiated bool) {
	if m.current != s || m.status != StatusConnected {
		return
	}

	// Clear the subscription before anyone else hears about the drop
	m.sink = nil
	m.current = nil
	m.status = StatusDisconnected
	m.lastErr = err
	_ = s.conn.Close()
	m.drops.Add(1)

	event := DropEvent{Err: err, Identity: m.identity, UserInitiated: userInitiated}
	if userInitiated {
		m.logger.Info("card reader disconnected by user")
	} else {
		m.logger.WithError(err).Warn("card reader link dropped")
	}

	if m.priorityDrop != nil {
		m.priorityDrop(event)
	}
	for _, fn := range m.dropHandlers {
		fn(event)
	}
	m.publish()

	if !userInitiated && m.config.AutoReconnect && !m.closed {
		m.startSequence()
	}
}

// dispatch forwards a payload if it belongs to the live connection
func (m *Manager) dispatch(s *session, payload []byte) {
	if m.current != s || m.sink == nil {
		return
	}
	m.sink.fn(payload)
}

func (m *Manager) fail(status Status, err error) {
	m.status = status
	m.lastErr = err
	m.publish()
}

// publish stores a fresh snapshot and notifies change observers
func (m *Manager) publish() {
	info := Info{
		Identity: m.identity,
		Status:   m.status,
		Attempts: m.attempts,
	}
	if m.current != nil {
		info.PacketSize = m.current.packetSize
	}
	if m.lastErr != nil {
		info.LastError = m.lastErr.Error()
	}
	m.info.Store(&info)

	for _, fn := range m.changeHooks {
		fn(info)
	}
}

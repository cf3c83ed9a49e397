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

// Package presentation exposes a terminal to a browser or kiosk UI over a
// websocket. The UI receives every lifecycle event and sends keypad and
// button commands back.
package presentation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	cardpay "github.com/ZaparooProject/go-cardpay"
	"github.com/ZaparooProject/go-cardpay/link"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendBuffer     = 32
	commandTimeout = 5 * time.Second
)

// Message types sent by the UI
const (
	TypeAmountKey  = "amount_key"
	TypePinKey     = "pin_key"
	TypeBackspace  = "backspace"
	TypeProceed    = "proceed"
	TypeSubmitPin  = "submit_pin"
	TypeCancel     = "cancel"
	TypeReset      = "reset"
	TypeReconnect  = "reconnect"
	TypeDisconnect = "disconnect"
	TypeStatus     = "status"
)

// Message types sent to the UI
const (
	TypeEvent  = "event"
	TypeResult = "result"
	TypeError  = "error"
)

// Error codes reported in results
const (
	CodeInvalidMessage  = "INVALID_MESSAGE"
	CodeUnknownCommand  = "UNKNOWN_COMMAND"
	CodeInvalidState    = "INVALID_STATE"
	CodeInvalidAmount   = "INVALID_AMOUNT"
	CodeAmountTooLow    = "AMOUNT_TOO_LOW"
	CodeInvalidPin      = "INVALID_PIN"
	CodeNotConnected    = "LINK_NOT_CONNECTED"
	CodeReconnecting    = "RECONNECT_IN_PROGRESS"
	CodeAuthPending     = "AUTHORIZATION_PENDING"
	CodeNoReader        = "NO_READER_ASSIGNED"
	CodeTerminalStopped = "TERMINAL_STOPPED"
	CodeCommandFailed   = "COMMAND_FAILED"
)

// Commander is the terminal surface the bridge drives. *cardpay.Terminal
// implements it.
type Commander interface {
	Snapshot() cardpay.Snapshot
	PressAmountKey(ctx context.Context, key rune) error
	PressPinKey(ctx context.Context, key rune) error
	Backspace(ctx context.Context) error
	Proceed(ctx context.Context, amount string) error
	SubmitPin(ctx context.Context, pin string) error
	Cancel(ctx context.Context) error
	Reset(ctx context.Context) error
	ManualReconnect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Envelope is the websocket frame in both directions
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Result answers a command envelope with the same id
type Result struct {
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
	OK    bool   `json:"ok"`
}

type keyPayload struct {
	Key string `json:"key"`
}

type proceedPayload struct {
	Amount string `json:"amount"`
}

type pinPayload struct {
	Pin string `json:"pin"`
}

// Bridge fans terminal events out to websocket clients and forwards their
// commands to the terminal
type Bridge struct {
	cmd      Commander
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *logrus.Entry
	clients  map[string]*client
	upgrader websocket.Upgrader
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
}

// BridgeOption configures a Bridge
type BridgeOption func(*Bridge)

// WithLogger sets the bridge logger
func WithLogger(logger *logrus.Entry) BridgeOption {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithCheckOrigin restricts which origins may open the websocket
func WithCheckOrigin(fn func(r *http.Request) bool) BridgeOption {
	return func(b *Bridge) {
		if fn != nil {
			b.upgrader.CheckOrigin = fn
		}
	}
}

// NewBridge creates a bridge for cmd. Register Handle as a terminal observer.
func NewBridge(cmd Commander, opts ...BridgeOption) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cmd:     cmd,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logrus.WithField("component", "presentation"),
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	id   string
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Handle broadcasts ev to every client. It never blocks; a client too slow to
// keep up is disconnected.
func (b *Bridge) Handle(ev cardpay.Event) {
	data, err := encode(Envelope{Type: TypeEvent}, ev)
	if err != nil {
		b.logger.WithError(err).Error("failed to encode event")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.clients {
		b.enqueue(c, data)
	}
}

// Clients returns the number of connected clients
func (b *Bridge) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// enqueue must be called with b.mu held
func (b *Bridge) enqueue(c *client, data []byte) {
	select {
	case c.send <- data:
	default:
		b.logger.WithField("client", c.id).Warn("client send buffer full, disconnecting")
		c.close()
	}
}

// ServeHTTP upgrades the request and serves the client until it leaves
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.WithError(err).Warn("failed to upgrade websocket")
		return
	}

	c := &client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = conn.Close()
		return
	}
	b.clients[c.id] = c
	b.wg.Add(1)
	b.mu.Unlock()

	log := b.logger.WithField("client", c.id)
	log.Info("ui client connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		b.writePump(c)
	}()

	b.sendStatus(c, "")
	b.readPump(c, log)

	c.close()
	<-writerDone
	b.mu.Lock()
	delete(b.clients, c.id)
	b.mu.Unlock()
	b.wg.Done()
	log.Info("ui client disconnected")
}

func (b *Bridge) readPump(c *client, log *logrus.Entry) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Warn("ui client closed unexpectedly")
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
			b.reply(c, Envelope{Type: TypeError}, Result{Code: CodeInvalidMessage, Error: "invalid message format"})
			continue
		}
		log.WithField("type", env.Type).Debug("ui command")
		b.dispatch(c, env)
	}
}

func (b *Bridge) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (b *Bridge) dispatch(c *client, env Envelope) {
	if env.Type == TypeStatus {
		b.sendStatus(c, env.ID)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	err := b.run(ctx, env)
	reply := Envelope{ID: env.ID, Type: TypeResult}
	if err != nil {
		b.reply(c, reply, Result{Code: errorCode(err), Error: err.Error()})
		return
	}
	b.reply(c, reply, Result{OK: true})
}

var errUnknownCommand = errors.New("unknown command")

func (b *Bridge) run(ctx context.Context, env Envelope) error {
	switch env.Type {
	case TypeAmountKey, TypePinKey:
		var p keyPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return err
		}
		key, size := utf8.DecodeRuneInString(p.Key)
		if size == 0 || size != len(p.Key) {
			return errInvalidPayload
		}
		if env.Type == TypeAmountKey {
			return b.cmd.PressAmountKey(ctx, key)
		}
		return b.cmd.PressPinKey(ctx, key)
	case TypeBackspace:
		return b.cmd.Backspace(ctx)
	case TypeProceed:
		var p proceedPayload
		if len(env.Payload) > 0 {
			if err := decodePayload(env.Payload, &p); err != nil {
				return err
			}
		}
		return b.cmd.Proceed(ctx, p.Amount)
	case TypeSubmitPin:
		var p pinPayload
		if len(env.Payload) > 0 {
			if err := decodePayload(env.Payload, &p); err != nil {
				return err
			}
		}
		return b.cmd.SubmitPin(ctx, p.Pin)
	case TypeCancel:
		return b.cmd.Cancel(ctx)
	case TypeReset:
		return b.cmd.Reset(ctx)
	case TypeReconnect:
		return b.cmd.ManualReconnect(ctx)
	case TypeDisconnect:
		return b.cmd.Disconnect(ctx)
	default:
		return errUnknownCommand
	}
}

var errInvalidPayload = errors.New("invalid payload")

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errInvalidPayload
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errInvalidPayload
	}
	return nil
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, errInvalidPayload):
		return CodeInvalidMessage
	case errors.Is(err, errUnknownCommand):
		return CodeUnknownCommand
	case errors.Is(err, cardpay.ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, cardpay.ErrAmountTooLow):
		return CodeAmountTooLow
	case errors.Is(err, cardpay.ErrInvalidAmount):
		return CodeInvalidAmount
	case errors.Is(err, cardpay.ErrInvalidPin), errors.Is(err, cardpay.ErrPinIncomplete):
		return CodeInvalidPin
	case errors.Is(err, cardpay.ErrLinkNotConnected):
		return CodeNotConnected
	case errors.Is(err, cardpay.ErrAuthorizationPending):
		return CodeAuthPending
	case errors.Is(err, link.ErrReconnectInProgress):
		return CodeReconnecting
	case errors.Is(err, link.ErrNoPeripheralAssigned):
		return CodeNoReader
	case errors.Is(err, cardpay.ErrTerminalClosed):
		return CodeTerminalStopped
	default:
		return CodeCommandFailed
	}
}

func (b *Bridge) sendStatus(c *client, id string) {
	b.reply(c, Envelope{ID: id, Type: TypeStatus}, b.cmd.Snapshot())
}

func (b *Bridge) reply(c *client, env Envelope, payload any) {
	data, err := encode(env, payload)
	if err != nil {
		b.logger.WithError(err).Error("failed to encode reply")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueue(c, data)
}

func encode(env Envelope, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	env.Payload = raw
	return json.Marshal(env)
}

// Close disconnects every client and waits for their handlers to finish
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.cancel()
	for _, c := range b.clients {
		c.close()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

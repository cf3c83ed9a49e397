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

// Package events forwards terminal lifecycle events to a NATS subject tree
// so back-office services can follow payments as they happen.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	cardpay "github.com/ZaparooProject/go-cardpay"
	"github.com/ZaparooProject/go-cardpay/link"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// DefaultSubjectPrefix roots every published subject
const DefaultSubjectPrefix = "cardpay"

// Publisher is the part of *nats.Conn the forwarder uses
type Publisher interface {
	Publish(subject string, data []byte) error
}

// ConnectConfig holds the NATS connection settings
type ConnectConfig struct {
	URL   string
	Token string
	Name  string
}

// Connect opens a NATS connection that keeps reconnecting in the background
func Connect(cfg ConnectConfig) (*nats.Conn, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url is required")
	}
	name := cfg.Name
	if name == "" {
		name = "cardpay terminal"
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", cfg.URL, err)
	}
	return conn, nil
}

// Message is the published document
type Message struct {
	cardpay.Snapshot
	Late     *cardpay.LateResult `json:"late,omitempty"`
	At       time.Time           `json:"at"`
	Type     cardpay.EventType   `json:"type"`
	Terminal string              `json:"terminal,omitempty"`
}

// TypeLinkDropped is the subject suffix for reader link drops
const TypeLinkDropped cardpay.EventType = "link_dropped"

// DropMessage is published when the reader link goes down
type DropMessage struct {
	At            time.Time         `json:"at"`
	Type          cardpay.EventType `json:"type"`
	Terminal      string            `json:"terminal,omitempty"`
	Identity      string            `json:"identity"`
	Error         string            `json:"error,omitempty"`
	UserInitiated bool              `json:"userInitiated"`
}

// NATSPublisher publishes each terminal event to <prefix>.<event type>
type NATSPublisher struct {
	pub      Publisher
	logger   *logrus.Entry
	prefix   string
	terminal string
	failures atomic.Uint64
}

// PublisherOption configures a NATSPublisher
type PublisherOption func(*NATSPublisher)

// WithSubjectPrefix changes the subject root
func WithSubjectPrefix(prefix string) PublisherOption {
	return func(p *NATSPublisher) {
		if prefix = strings.Trim(prefix, ". "); prefix != "" {
			p.prefix = prefix
		}
	}
}

// WithTerminalID tags every message with the terminal that produced it
func WithTerminalID(id string) PublisherOption {
	return func(p *NATSPublisher) {
		p.terminal = id
	}
}

// WithLogger sets the publisher logger
func WithLogger(logger *logrus.Entry) PublisherOption {
	return func(p *NATSPublisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewNATSPublisher creates a publisher over pub
func NewNATSPublisher(pub Publisher, opts ...PublisherOption) *NATSPublisher {
	p := &NATSPublisher{
		pub:    pub,
		prefix: DefaultSubjectPrefix,
		logger: logrus.WithField("component", "events"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subject returns the subject an event type is published on
func (p *NATSPublisher) Subject(t cardpay.EventType) string {
	return p.prefix + "." + string(t)
}

// Handle publishes ev. It is a terminal observer and never blocks on the
// network; failures are logged and counted.
func (p *NATSPublisher) Handle(ev cardpay.Event) {
	p.publish(ev.Type, Message{
		Snapshot: ev.Snapshot,
		Late:     ev.Late,
		At:       ev.At,
		Type:     ev.Type,
		Terminal: p.terminal,
	})
}

// HandleDrop publishes a reader link drop on <prefix>.link_dropped. It is a
// link drop observer and runs after the terminal has settled the drop.
func (p *NATSPublisher) HandleDrop(ev link.DropEvent) {
	msg := DropMessage{
		At:            time.Now(),
		Type:          TypeLinkDropped,
		Terminal:      p.terminal,
		Identity:      ev.Identity,
		UserInitiated: ev.UserInitiated,
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	p.publish(TypeLinkDropped, msg)
}

func (p *NATSPublisher) publish(t cardpay.EventType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.failures.Add(1)
		p.logger.WithError(err).Error("failed to encode event")
		return
	}

	if err := p.pub.Publish(p.Subject(t), data); err != nil {
		p.failures.Add(1)
		p.logger.WithError(err).WithField("type", t).Warn("failed to publish event")
	}
}

// Failures returns how many events could not be published
func (p *NATSPublisher) Failures() uint64 {
	return p.failures.Load()
}

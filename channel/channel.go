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

// Package channel implements the card data channel protocol: decoding the
// notifications a card reader pushes over its wireless link and turning them
// into de-duplicated, one-shot card events.
package channel

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// Protocol errors
var (
	ErrMalformedPayload = errors.New("malformed data channel payload")
	ErrUnknownShape     = errors.New("unrecognized data channel payload")
)

// DefaultDedupeWindow is how long a repeated read of the same UID is ignored
const DefaultDedupeWindow = 2 * time.Second

// Kind identifies the type of a decoded notification
type Kind int

const (
	// KindCard is a card-present event carrying a UID
	KindCard Kind = iota + 1
	// KindStatus is peripheral housekeeping and carries no card
	KindStatus
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindCard:
		return "card"
	case KindStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Notification is a decoded data channel payload
type Notification struct {
	UID    string
	Status string
	Kind   Kind
}

type wirePayload struct {
	UID    *string `json:"uid"`
	Status *string `json:"status"`
}

// Decode parses a transport-encoded payload.
//
// The payload is base64 text wrapping a UTF-8 JSON object of the form
// {"uid": "..."} or {"status": "..."}. Padding is optional.
func Decode(payload []byte) (Notification, error) {
	text := bytes.TrimSpace(payload)
	if len(text) == 0 {
		return Notification{}, fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}

	raw, err := decodeBase64(text)
	if err != nil {
		return Notification{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if !utf8.Valid(raw) {
		return Notification{}, fmt.Errorf("%w: payload is not valid UTF-8", ErrMalformedPayload)
	}

	var wire wirePayload
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Notification{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}

	switch {
	case wire.UID != nil && strings.TrimSpace(*wire.UID) != "":
		return Notification{Kind: KindCard, UID: strings.TrimSpace(*wire.UID)}, nil
	case wire.Status != nil:
		return Notification{Kind: KindStatus, Status: *wire.Status}, nil
	default:
		return Notification{}, ErrUnknownShape
	}
}

func decodeBase64(text []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.DecodedLen(len(text)))
	n, err := base64.StdEncoding.Decode(out, text)
	if err == nil {
		return out[:n], nil
	}
	// Some reader firmwares strip the padding
	rawOut := make([]byte, base64.RawStdEncoding.DecodedLen(len(text)))
	n, rawErr := base64.RawStdEncoding.Decode(rawOut, text)
	if rawErr != nil {
		return nil, err
	}
	return rawOut[:n], nil
}

// Encode wraps a notification for the wire. Readers and test doubles use it
// to produce payloads Decode accepts.
func Encode(n Notification) ([]byte, error) {
	var wire wirePayload
	switch n.Kind {
	case KindCard:
		wire.UID = &n.UID
	case KindStatus:
		wire.Status = &n.Status
	default:
		return nil, ErrUnknownShape
	}

	raw, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notification: %w", err)
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out, nil
}

// MaskUID hides all but the last four characters of a card UID for logging
func MaskUID(uid string) string {
	if len(uid) <= 4 {
		return strings.Repeat("*", len(uid))
	}
	return strings.Repeat("*", len(uid)-4) + uid[len(uid)-4:]
}

// Deduper drops repeated reads of the same UID inside a fixed window.
// The window is measured from the last accepted read of that UID.
//
// Deduper is not safe for concurrent use; it lives on the event loop.
type Deduper struct {
	seen   map[string]time.Time
	window time.Duration
}

// NewDeduper creates a deduper with the given window
func NewDeduper(window time.Duration) *Deduper {
	if window < 0 {
		window = 0
	}
	return &Deduper{
		seen:   make(map[string]time.Time),
		window: window,
	}
}

// Accept reports whether a read of uid at the given time is a new detection
func (d *Deduper) Accept(uid string, at time.Time) bool {
	if last, ok := d.seen[uid]; ok && at.Sub(last) < d.window {
		return false
	}
	d.prune(at)
	d.seen[uid] = at
	return true
}

func (d *Deduper) prune(now time.Time) {
	for uid, last := range d.seen {
		if now.Sub(last) >= d.window {
			delete(d.seen, uid)
		}
	}
}

// Reset forgets every UID seen so far
func (d *Deduper) Reset() {
	clear(d.seen)
}

// Source delivers raw data channel payloads to a single subscriber
type Source interface {
	// Subscribe registers fn and returns a function that unregisters it
	Subscribe(fn func(payload []byte)) (cancel func())
}

// CardEvent is a qualifying card detection
type CardEvent struct {
	DetectedAt time.Time
	UID        string
}

// Listener turns a Source into one-shot card events
type Listener struct {
	dedupe *Deduper
	now    func() time.Time
	logger *logrus.Entry
}

// NewListener creates a listener sharing the given deduper across
// subscriptions. A nil deduper uses DefaultDedupeWindow.
func NewListener(dedupe *Deduper, logger *logrus.Entry) *Listener {
	if dedupe == nil {
		dedupe = NewDeduper(DefaultDedupeWindow)
	}
	if logger == nil {
		logger = logrus.WithField("component", "channel")
	}
	return &Listener{
		dedupe: dedupe,
		now:    time.Now,
		logger: logger,
	}
}

// Subscription is an active one-shot listen on a Source
type Subscription struct {
	cancel    func()
	delivered bool
	closed    bool
}

// Close unsubscribes from the source. Only the first call unsubscribes; it
// reports whether this call did.
func (s *Subscription) Close() bool {
	if s == nil || s.closed {
		return false
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	return true
}

// Closed reports whether the subscription has been closed
func (s *Subscription) Closed() bool {
	return s.closed
}

// Delivered reports whether a card event was delivered
func (s *Subscription) Delivered() bool {
	return s.delivered
}

// Listen subscribes to src and delivers at most one card event to onCard.
//
// Malformed and housekeeping payloads are dropped. The subscription is closed
// before onCard runs so a second tap can never reach the handler.
// Payload processing happens on whatever goroutine src calls from; callers
// must route src through the event loop.
func (l *Listener) Listen(src Source, onCard func(CardEvent)) *Subscription {
	sub := &Subscription{}
	sub.cancel = src.Subscribe(func(payload []byte) {
		l.handle(sub, payload, onCard)
	})
	return sub
}

func (l *Listener) handle(sub *Subscription, payload []byte, onCard func(CardEvent)) {
	if sub.closed {
		return
	}

	n, err := Decode(payload)
	if err != nil {
		l.logger.WithError(err).Debug("dropping data channel payload")
		return
	}
	if n.Kind != KindCard {
		l.logger.Debugf("peripheral status: %s", n.Status)
		return
	}

	at := l.now()
	if !l.dedupe.Accept(n.UID, at) {
		l.logger.Debugf("duplicate read of card %s ignored", MaskUID(n.UID))
		return
	}

	sub.delivered = true
	sub.Close()
	onCard(CardEvent{UID: n.UID, DetectedAt: at})
}

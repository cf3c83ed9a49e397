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

package events

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	cardpay "github.com/ZaparooProject/go-cardpay"
	"github.com/ZaparooProject/go-cardpay/link"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Publisher = (*nats.Conn)(nil)

type recorder struct {
	err      error
	subjects []string
	payloads [][]byte
	mu       sync.Mutex
}

func (r *recorder) Publish(subject string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.subjects = append(r.subjects, subject)
	r.payloads = append(r.payloads, data)
	return nil
}

func quietLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func TestNATSPublisher_Handle(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	p := NewNATSPublisher(rec,
		WithSubjectPrefix("shop.cardpay."),
		WithTerminalID("till-1"),
		WithLogger(quietLogger()),
	)

	at := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	p.Handle(cardpay.Event{
		At:   at,
		Type: cardpay.EventApproved,
		Snapshot: cardpay.Snapshot{
			State:     cardpay.StateSuccess,
			Reference: "TX-1",
			Link:      link.Info{Status: link.StatusConnected, Identity: "/dev/rfcomm0"},
		},
	})

	require.Len(t, rec.subjects, 1)
	assert.Equal(t, "shop.cardpay.approved", rec.subjects[0])

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.payloads[0], &doc))
	assert.Equal(t, "approved", doc["type"])
	assert.Equal(t, "till-1", doc["terminal"])
	assert.Equal(t, "success", doc["state"])
	assert.Equal(t, "TX-1", doc["reference"])
	assert.Equal(t, "2026-10-16T12:00:00Z", doc["at"])
	assert.Zero(t, p.Failures())
}

func TestNATSPublisher_Failure(t *testing.T) {
	t.Parallel()
	rec := &recorder{err: errors.New("nats: connection closed")}
	p := NewNATSPublisher(rec, WithLogger(quietLogger()))

	p.Handle(cardpay.Event{Type: cardpay.EventFailed})
	p.Handle(cardpay.Event{Type: cardpay.EventReset})
	assert.Equal(t, uint64(2), p.Failures())
	assert.Equal(t, "cardpay.reset", p.Subject(cardpay.EventReset))
}

func TestNATSPublisher_HandleDrop(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	p := NewNATSPublisher(rec, WithTerminalID("till-1"), WithLogger(quietLogger()))

	p.HandleDrop(link.DropEvent{Identity: "/dev/rfcomm0", Err: link.ErrLinkLost})

	require.Len(t, rec.subjects, 1)
	assert.Equal(t, "cardpay.link_dropped", rec.subjects[0])

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.payloads[0], &doc))
	assert.Equal(t, "link_dropped", doc["type"])
	assert.Equal(t, "/dev/rfcomm0", doc["identity"])
	assert.Equal(t, false, doc["userInitiated"])
	assert.Contains(t, doc["error"], "lost")
}

func TestConnect_RequiresURL(t *testing.T) {
	t.Parallel()
	_, err := Connect(ConnectConfig{})
	require.Error(t, err)
}

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

package cardpay

import (
	"time"

	"github.com/ZaparooProject/go-cardpay/link"
)

// EventType identifies a transaction lifecycle event
type EventType string

// Lifecycle events
const (
	EventReady         EventType = "ready"
	EventAmountChanged EventType = "amount_changed"
	EventArmed         EventType = "armed"
	EventCardDetected  EventType = "card_detected"
	EventPinRequired   EventType = "pin_required"
	EventPinChanged    EventType = "pin_changed"
	EventPinRejected   EventType = "pin_rejected"
	EventAuthorizing   EventType = "authorizing"
	EventApproved      EventType = "approved"
	EventFailed        EventType = "failed"
	EventCancelled     EventType = "cancelled"
	EventReset         EventType = "reset"
	EventLinkChanged   EventType = "link_changed"
	// EventLateResult reports an authorization that settled after its
	// transaction was cancelled, reset or lost. Event.Late is set.
	EventLateResult EventType = "late_result"
)

// Event is delivered to observers after every state or link change
type Event struct {
	At       time.Time   `json:"at"`
	Late     *LateResult `json:"late,omitempty"`
	Type     EventType   `json:"type"`
	Snapshot Snapshot    `json:"snapshot"`
}

// LateResult is an authorization outcome for a transaction that had already
// ended. An approved late result means the card was charged.
type LateResult struct {
	TransactionID string `json:"transactionId"`
	Amount        string `json:"amount"`
	Reference     string `json:"reference,omitempty"`
	Error         string `json:"error,omitempty"`
	Approved      bool   `json:"approved"`
}

// Snapshot is the observable terminal state offered to the presentation layer
type Snapshot struct {
	Link            link.Info `json:"link"`
	State           State     `json:"state"`
	TransactionID   string    `json:"transactionId,omitempty"`
	Amount          string    `json:"amount"`
	Card            string    `json:"card,omitempty"`
	Pin             string    `json:"pin,omitempty"`
	Message         string    `json:"message,omitempty"`
	Reference       string    `json:"reference,omitempty"`
	MerchantBalance string    `json:"merchantBalance,omitempty"`
	Reason          Reason    `json:"reason,omitempty"`
	PinLength       int       `json:"pinLength"`
	PinAttempts     int       `json:"pinAttempts"`
	MaxPinAttempts  int       `json:"maxPinAttempts"`
	// AuthorizationPending is set while an abandoned authorization has not
	// settled; no new transaction can start until it does
	AuthorizationPending bool `json:"authorizationPending"`
	// CanRetry offers "Try Again" after a terminal state. It is false when the
	// link is down, so the UI offers "Go Back" instead.
	CanRetry bool `json:"canRetry"`
}

// Metrics tracks terminal counters
type Metrics struct {
	Arms          int64 // Transitions into Armed
	Unsubscribes  int64 // Data channel subscriptions released
	TimerClears   int64 // Card timers stopped or expired
	Approvals     int64 // Approved payments
	Failures      int64 // Transactions ending in Failed
	LinkLost      int64 // Transactions failed by a link drop
	LateResponses int64 // Authorization results after the transaction ended
}

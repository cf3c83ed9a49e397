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
	"context"
	"time"

	"github.com/ZaparooProject/go-cardpay/channel"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// State is the transaction state
type State int

const (
	// StateAmountEntry collects the amount; no transaction exists yet
	StateAmountEntry State = iota
	// StateArmed waits for a card and then verifies it
	StateArmed
	// StatePinEntry collects the cardholder PIN
	StatePinEntry
	// StateAuthorizing waits for the payment service
	StateAuthorizing
	// StateSuccess is the terminal approved state
	StateSuccess
	// StateFailed is the terminal failed state
	StateFailed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateAmountEntry:
		return "amount_entry"
	case StateArmed:
		return "armed"
	case StatePinEntry:
		return "pin_entry"
	case StateAuthorizing:
		return "authorizing"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal reports whether s is Success or Failed
func (s State) IsTerminal() bool {
	return s == StateSuccess || s == StateFailed
}

// Transaction is one payment attempt. Amount never changes after creation.
type Transaction struct {
	CreatedAt   time.Time
	Amount      decimal.Decimal
	Description string
	Reference   string
	ID          uuid.UUID
	Reason      Reason
	PinAttempts int
}

func newTransaction(amount decimal.Decimal, description string) *Transaction {
	return &Transaction{
		ID:          uuid.New(),
		Amount:      amount,
		Description: description,
		CreatedAt:   time.Now(),
	}
}

// CardSession is the card detected for the current transaction
type CardSession struct {
	DetectedAt   time.Time
	Balance      decimal.Decimal
	UID          string
	Verification VerificationStatus
}

// phase is the tagged union of transaction states. Timers, subscriptions and
// in-flight calls live only inside the phase value that owns them, so leaving
// a phase is what tears them down.
type phase interface {
	state() State
}

type amountEntry struct{}

type armed struct {
	tx    *Transaction
	card  *CardSession
	sub   *channel.Subscription
	timer *time.Timer
	// verify is set while the detected card is being verified
	verify context.CancelFunc
}

type pinEntry struct {
	tx      *Transaction
	card    *CardSession
	pin     *PinBuffer
	timer   *time.Timer
	message string
}

type authorizing struct {
	tx   *Transaction
	card *CardSession
}

type succeeded struct {
	tx            *Transaction
	card          *CardSession
	authorization Authorization
}

type failed struct {
	tx      *Transaction
	card    *CardSession
	outcome Outcome
}

func (*amountEntry) state() State { return StateAmountEntry }
func (*armed) state() State       { return StateArmed }
func (*pinEntry) state() State    { return StatePinEntry }
func (*authorizing) state() State { return StateAuthorizing }
func (*succeeded) state() State   { return StateSuccess }
func (*failed) state() State      { return StateFailed }

// stopTimer stops t and reports whether there was a timer to clear
func stopTimer(t **time.Timer) bool {
	if *t == nil {
		return false
	}
	(*t).Stop()
	*t = nil
	return true
}

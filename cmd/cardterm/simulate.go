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

package main

import (
	"context"
	"strings"
	"sync"
	"time"

	cardpay "github.com/ZaparooProject/go-cardpay"
	"github.com/ZaparooProject/go-cardpay/link"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const simulatedLatency = 300 * time.Millisecond

type demoCard struct {
	balance   decimal.Decimal
	pin       string
	status    cardpay.VerificationStatus
	remaining int
}

// simulator is an in-memory reader and payment service for demos
type simulator struct {
	dialer   *link.MockDialer
	cards    map[string]*demoCard
	merchant decimal.Decimal
	latency  time.Duration
	mu       sync.Mutex
}

func newSimulator() *simulator {
	return &simulator{
		dialer:  link.NewMockDialer(185),
		latency: simulatedLatency,
		cards: map[string]*demoCard{
			"04A1B2C3": {pin: "1234", balance: decimal.NewFromInt(250), status: cardpay.VerificationActive, remaining: 3},
			"04C0FFEE": {pin: "0000", balance: decimal.NewFromInt(5), status: cardpay.VerificationActive, remaining: 3},
			"04DEAD01": {status: cardpay.VerificationExpired},
			"04BEEF02": {status: cardpay.VerificationRequiresPinChange},
		},
	}
}

// Tap presents uid to the simulated reader
func (s *simulator) Tap(uid string) bool {
	conn := s.dialer.Last()
	if conn == nil {
		return false
	}
	return conn.PushUID(strings.ToUpper(uid))
}

func (s *simulator) wait(ctx context.Context) error {
	select {
	case <-time.After(s.latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Verify implements cardpay.CardVerifier
func (s *simulator) Verify(ctx context.Context, uid string) (cardpay.Verification, error) {
	if err := s.wait(ctx); err != nil {
		return cardpay.Verification{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	card, ok := s.cards[uid]
	if !ok {
		return cardpay.Verification{}, cardpay.ErrCardNotFound
	}
	return cardpay.Verification{
		Status:            card.status,
		Balance:           card.balance,
		RequiresPinChange: card.status == cardpay.VerificationRequiresPinChange,
		ExpiryDate:        time.Now().AddDate(2, 0, 0),
	}, nil
}

// Authorize implements cardpay.PaymentAuthorizer
func (s *simulator) Authorize(ctx context.Context, req cardpay.AuthorizationRequest) (cardpay.Authorization, error) {
	if err := s.wait(ctx); err != nil {
		return cardpay.Authorization{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	card, ok := s.cards[req.UID]
	if !ok {
		return cardpay.Authorization{}, cardpay.ErrCardNotFound
	}
	if card.status == cardpay.VerificationLocked {
		return cardpay.Authorization{}, cardpay.NewAuthorizationError(cardpay.FailureCardLocked, "Card is locked", nil)
	}
	if req.PIN != card.pin {
		card.remaining--
		if card.remaining <= 0 {
			card.status = cardpay.VerificationLocked
		}
		remaining := max(card.remaining, 0)
		return cardpay.Authorization{}, cardpay.NewAuthorizationError(cardpay.FailureInvalidPin, "Invalid PIN", &remaining)
	}
	if card.balance.LessThan(req.Amount) {
		return cardpay.Authorization{}, cardpay.NewAuthorizationError(cardpay.FailureInsufficientFunds,
			"Insufficient balance", nil)
	}

	card.remaining = 3
	card.balance = card.balance.Sub(req.Amount)
	s.merchant = s.merchant.Add(req.Amount)
	return cardpay.Authorization{
		Reference:       "SIM-" + strings.ToUpper(uuid.NewString()[:8]),
		Amount:          req.Amount,
		CustomerBalance: card.balance,
		MerchantBalance: s.merchant,
	}, nil
}

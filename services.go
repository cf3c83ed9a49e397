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
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// VerificationStatus is the card status reported by the verification service
type VerificationStatus int

const (
	// VerificationUnverified is a detected card that has not been checked yet
	VerificationUnverified VerificationStatus = iota
	// VerificationActive cards may pay
	VerificationActive
	// VerificationExpired cards are past their expiry date
	VerificationExpired
	// VerificationLocked cards are locked by the issuer
	VerificationLocked
	// VerificationRequiresPinChange cards must change their PIN first
	VerificationRequiresPinChange
	// VerificationInactive covers every other non-active status
	VerificationInactive
)

// String returns the status name
func (s VerificationStatus) String() string {
	switch s {
	case VerificationUnverified:
		return "unverified"
	case VerificationActive:
		return "active"
	case VerificationExpired:
		return "expired"
	case VerificationLocked:
		return "locked"
	case VerificationRequiresPinChange:
		return "requires_pin_change"
	default:
		return "inactive"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s VerificationStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseVerificationStatus maps a service card status string. Unrecognized
// values are treated as inactive, never as active.
func ParseVerificationStatus(s string) VerificationStatus {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)
	switch normalized {
	case "active":
		return VerificationActive
	case "expired":
		return VerificationExpired
	case "locked", "blocked":
		return VerificationLocked
	case "requires_pin_change", "pin_change_required":
		return VerificationRequiresPinChange
	default:
		return VerificationInactive
	}
}

// Verification is the result of a card verification
type Verification struct {
	ExpiryDate        time.Time
	LastUsed          time.Time
	Balance           decimal.Decimal
	Status            VerificationStatus
	RequiresPinChange bool
}

// CardVerifier checks a card before PIN entry
type CardVerifier interface {
	// Verify looks up uid. Errors are ErrCardNotFound, ErrServiceUnavailable
	// or ErrServiceFailure, possibly wrapped.
	Verify(ctx context.Context, uid string) (Verification, error)
}

// AuthorizationRequest is a card-present payment request
type AuthorizationRequest struct {
	UID         string
	PIN         string
	Description string
	Amount      decimal.Decimal
}

// Authorization is an approved payment
type Authorization struct {
	Reference       string
	Amount          decimal.Decimal
	CustomerBalance decimal.Decimal
	MerchantBalance decimal.Decimal
}

// PaymentAuthorizer charges a card. Declines are returned as
// *AuthorizationError.
type PaymentAuthorizer interface {
	Authorize(ctx context.Context, req AuthorizationRequest) (Authorization, error)
}

// CardVerifierFunc adapts a function to CardVerifier
type CardVerifierFunc func(ctx context.Context, uid string) (Verification, error)

// Verify implements CardVerifier
func (f CardVerifierFunc) Verify(ctx context.Context, uid string) (Verification, error) {
	return f(ctx, uid)
}

// PaymentAuthorizerFunc adapts a function to PaymentAuthorizer
type PaymentAuthorizerFunc func(ctx context.Context, req AuthorizationRequest) (Authorization, error)

// Authorize implements PaymentAuthorizer
func (f PaymentAuthorizerFunc) Authorize(ctx context.Context, req AuthorizationRequest) (Authorization, error) {
	return f(ctx, req)
}

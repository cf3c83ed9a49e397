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
	"errors"
	"fmt"
	"strings"
)

// Reason is why a transaction failed
type Reason int

const (
	// ReasonNone is the zero value for transactions that have not failed
	ReasonNone Reason = iota
	// ReasonNoCardPresented means the card timeout expired while armed
	ReasonNoCardPresented
	// ReasonLinkLost means the reader link dropped mid-transaction
	ReasonLinkLost
	// ReasonCardNotFound means verification did not know the card
	ReasonCardNotFound
	// ReasonCardExpired means the card is expired
	ReasonCardExpired
	// ReasonCardLocked means the issuer locked the card
	ReasonCardLocked
	// ReasonRequiresPinChange means the cardholder must change the PIN first
	ReasonRequiresPinChange
	// ReasonCardInactive covers any other non-active card status
	ReasonCardInactive
	// ReasonInsufficientFunds means the card balance is too low
	ReasonInsufficientFunds
	// ReasonNetwork means a service could not be reached
	ReasonNetwork
	// ReasonServer means a service failed internally
	ReasonServer
	// ReasonValidation means a service rejected the request
	ReasonValidation
	// ReasonPinLocked means the PIN attempt budget is used up
	ReasonPinLocked
	// ReasonPinTimeout means PIN entry took too long
	ReasonPinTimeout
	// ReasonDeclined is an unclassified decline
	ReasonDeclined
)

var reasonNames = map[Reason]string{
	ReasonNone:              "none",
	ReasonNoCardPresented:   "no_card_presented",
	ReasonLinkLost:          "link_lost",
	ReasonCardNotFound:      "card_not_found",
	ReasonCardExpired:       "card_expired",
	ReasonCardLocked:        "card_locked",
	ReasonRequiresPinChange: "requires_pin_change",
	ReasonCardInactive:      "card_inactive",
	ReasonInsufficientFunds: "insufficient_funds",
	ReasonNetwork:           "network_error",
	ReasonServer:            "server_error",
	ReasonValidation:        "validation_error",
	ReasonPinLocked:         "pin_locked",
	ReasonPinTimeout:        "pin_timeout",
	ReasonDeclined:          "declined",
}

var reasonMessages = map[Reason]string{
	ReasonNoCardPresented:   "No card presented",
	ReasonLinkLost:          "Card reader disconnected",
	ReasonCardNotFound:      "Card not recognized",
	ReasonCardExpired:       "Card expired",
	ReasonCardLocked:        "Card locked",
	ReasonRequiresPinChange: "PIN change required before paying",
	ReasonCardInactive:      "Card is not active",
	ReasonInsufficientFunds: "Insufficient funds",
	ReasonNetwork:           "Network error, please try again",
	ReasonServer:            "Payment service error, please try again",
	ReasonValidation:        "Payment request rejected",
	ReasonPinLocked:         "Card locked: too many invalid PIN attempts",
	ReasonPinTimeout:        "PIN entry timed out",
	ReasonDeclined:          "Payment declined",
}

// String returns the reason code
func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler
func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Message returns the default merchant-facing message
func (r Reason) Message() string {
	return reasonMessages[r]
}

// Outcome is the classification of a failed step
type Outcome struct {
	Message string
	Reason  Reason
	// RetryPin is set when the flow goes back to PIN entry
	RetryPin bool
}

func failWith(reason Reason, message string) Outcome {
	if message == "" {
		message = reason.Message()
	}
	return Outcome{Reason: reason, Message: message}
}

// Classify maps an authorization failure to an outcome.
//
// attempts is the number of invalid PINs entered for the card so far,
// including the one that produced err. An invalid PIN loops back to PIN entry
// only while both the local budget and the service's remaining attempts allow
// it; otherwise the card is treated as locked.
func Classify(err error, attempts, maxAttempts int) Outcome {
	var authErr *AuthorizationError
	if !errors.As(err, &authErr) {
		return classifyServiceError(err)
	}

	switch authErr.Kind {
	case FailureInvalidPin:
		remaining := maxAttempts - attempts
		if authErr.RemainingAttempts != nil && *authErr.RemainingAttempts < remaining {
			remaining = *authErr.RemainingAttempts
		}
		if remaining <= 0 {
			return failWith(ReasonPinLocked, "")
		}
		return Outcome{
			Reason:   ReasonNone,
			RetryPin: true,
			Message:  fmt.Sprintf("Incorrect PIN, %d %s remaining", remaining, plural(remaining, "attempt", "attempts")),
		}
	case FailureInsufficientFunds:
		return failWith(ReasonInsufficientFunds, authErr.Message)
	case FailureCardLocked:
		return failWith(ReasonCardLocked, lockedMessage(authErr.Message))
	case FailureNetwork:
		return failWith(ReasonNetwork, authErr.Message)
	case FailureServer:
		return failWith(ReasonServer, authErr.Message)
	case FailureValidation:
		return failWith(ReasonValidation, authErr.Message)
	default:
		return failWith(ReasonDeclined, authErr.Message)
	}
}

// classifyVerification decides whether a verified card may proceed to PIN
// entry. ok is false when the transaction must fail with the returned outcome.
func classifyVerification(v Verification, err error) (outcome Outcome, ok bool) {
	if err != nil {
		return classifyServiceError(err), false
	}

	switch {
	case v.RequiresPinChange || v.Status == VerificationRequiresPinChange:
		return failWith(ReasonRequiresPinChange, ""), false
	case v.Status == VerificationActive:
		return Outcome{}, true
	case v.Status == VerificationExpired:
		return failWith(ReasonCardExpired, ""), false
	case v.Status == VerificationLocked:
		return failWith(ReasonCardLocked, ""), false
	default:
		return failWith(ReasonCardInactive, ""), false
	}
}

func classifyServiceError(err error) Outcome {
	switch {
	case errors.Is(err, ErrCardNotFound):
		return failWith(ReasonCardNotFound, "")
	case errors.Is(err, ErrServiceFailure):
		return failWith(ReasonServer, "")
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return failWith(ReasonNetwork, "")
	default:
		return failWith(ReasonServer, "")
	}
}

// lockedMessage keeps the server text but guarantees the merchant sees that
// the card is locked
func lockedMessage(message string) string {
	if message == "" {
		return ReasonCardLocked.Message()
	}
	if !strings.Contains(strings.ToLower(message), "locked") {
		return ReasonCardLocked.Message() + ": " + message
	}
	return message
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

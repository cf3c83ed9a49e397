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
	"errors"
	"fmt"
)

// Terminal command errors
var (
	ErrTerminalClosed   = errors.New("terminal closed")
	ErrTerminalRunning  = errors.New("terminal already running")
	ErrInvalidState     = errors.New("command not valid in current state")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrAmountTooLow     = errors.New("amount must be greater than the minimum")
	ErrLinkNotConnected = errors.New("card reader not connected")
	ErrInvalidPin       = errors.New("PIN must contain digits only")
	ErrPinIncomplete    = errors.New("PIN incomplete")
	// ErrAuthorizationPending blocks a new transaction while an abandoned
	// authorization has not settled
	ErrAuthorizationPending = errors.New("previous authorization still pending")
)

// Service errors returned by CardVerifier and PaymentAuthorizer implementations
var (
	// ErrCardNotFound means the verification service does not know the card
	ErrCardNotFound = errors.New("card not found")
	// ErrServiceUnavailable means the service could not be reached
	ErrServiceUnavailable = errors.New("service unavailable")
	// ErrServiceFailure means the service answered with a server error
	ErrServiceFailure = errors.New("service failure")
)

// FailureKind is the structured classification of an authorization decline
type FailureKind int

const (
	// FailureUnknown is a decline the service did not classify
	FailureUnknown FailureKind = iota
	// FailureInvalidPin is a wrong PIN; may be retried while attempts remain
	FailureInvalidPin
	// FailureInsufficientFunds means the card balance does not cover the amount
	FailureInsufficientFunds
	// FailureCardLocked means the issuer locked the card
	FailureCardLocked
	// FailureNetwork means the request did not reach the service
	FailureNetwork
	// FailureServer means the service failed internally
	FailureServer
	// FailureValidation means the service rejected the request fields
	FailureValidation
)

// String returns the failure kind name
func (k FailureKind) String() string {
	switch k {
	case FailureInvalidPin:
		return "invalid_pin"
	case FailureInsufficientFunds:
		return "insufficient_funds"
	case FailureCardLocked:
		return "card_locked"
	case FailureNetwork:
		return "network"
	case FailureServer:
		return "server"
	case FailureValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// AuthorizationError is a declined or failed authorization
type AuthorizationError struct {
	Err error
	// RemainingAttempts is the service's PIN attempt budget, when reported
	RemainingAttempts *int
	Message           string
	Kind              FailureKind
}

// Error implements the error interface
func (e *AuthorizationError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		return fmt.Sprintf("authorization declined (%s)", e.Kind)
	}
	return fmt.Sprintf("authorization declined (%s): %s", e.Kind, msg)
}

// Unwrap returns the underlying error
func (e *AuthorizationError) Unwrap() error {
	return e.Err
}

// NewAuthorizationError creates an authorization error
func NewAuthorizationError(kind FailureKind, message string, remaining *int) *AuthorizationError {
	return &AuthorizationError{Kind: kind, Message: message, RemainingAttempts: remaining}
}

// IsInvalidPin reports whether err is an invalid PIN decline
func IsInvalidPin(err error) bool {
	var authErr *AuthorizationError
	return errors.As(err, &authErr) && authErr.Kind == FailureInvalidPin
}

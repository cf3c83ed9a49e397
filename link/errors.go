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

package link

import (
	"context"
	"errors"
	"fmt"
)

// Link errors
var (
	// ErrNoPeripheralAssigned means no card reader identity has been stored
	ErrNoPeripheralAssigned = errors.New("no card reader assigned")
	// ErrPeripheralNotFound means the reader did not answer at its address
	ErrPeripheralNotFound = errors.New("card reader not found")
	// ErrRadioUnavailable means the local radio or port is not usable
	ErrRadioUnavailable = errors.New("radio unavailable")
	// ErrConnectTimeout means a connection attempt did not complete in time
	ErrConnectTimeout = errors.New("connect timeout")
	// ErrDataChannelNotFound means the reader exposes no card data channel
	ErrDataChannelNotFound = errors.New("card data channel not found")
	// ErrReconnectExhausted means automatic attempts are used up until a
	// manual reconnect
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrReconnectInProgress means a connection sequence is already running
	ErrReconnectInProgress = errors.New("reconnect already in progress")
	// ErrAlreadyConnected means the link is up
	ErrAlreadyConnected = errors.New("already connected")
	// ErrLinkLost is reported to drop observers for peripheral or radio loss
	ErrLinkLost = errors.New("link lost")
	// ErrManagerClosed means the manager was shut down
	ErrManagerClosed = errors.New("link manager closed")
)

// ErrorType classifies link failures
type ErrorType int

const (
	// ErrorTypePermanent errors need user action
	ErrorTypePermanent ErrorType = iota
	// ErrorTypeTransient errors may clear on the next attempt
	ErrorTypeTransient
	// ErrorTypeTimeout errors are attempts that ran out of time
	ErrorTypeTimeout
)

// String returns the error type name
func (t ErrorType) String() string {
	switch t {
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeTimeout:
		return "timeout"
	default:
		return "permanent"
	}
}

// Error is a classified link failure
type Error struct {
	Err       error
	Op        string
	Identity  string
	Type      ErrorType
	Retryable bool
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Identity != "" {
		return fmt.Sprintf("link %s %s: %v", e.Op, e.Identity, e.Err)
	}
	return fmt.Sprintf("link %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified link error. Everything except permanent
// errors is retryable.
func NewError(op, identity string, err error, errType ErrorType) *Error {
	return &Error{
		Op:        op,
		Identity:  identity,
		Err:       err,
		Type:      errType,
		Retryable: errType != ErrorTypePermanent,
	}
}

// NewTimeoutError creates a retryable timeout error
func NewTimeoutError(op, identity string) *Error {
	return NewError(op, identity, ErrConnectTimeout, ErrorTypeTimeout)
}

// IsRetryable reports whether err may clear on another connection attempt
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var linkErr *Error
	if errors.As(err, &linkErr) {
		return linkErr.Retryable
	}

	switch {
	case errors.Is(err, ErrConnectTimeout),
		errors.Is(err, ErrPeripheralNotFound),
		errors.Is(err, ErrRadioUnavailable),
		errors.Is(err, ErrDataChannelNotFound),
		errors.Is(err, ErrLinkLost),
		errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}

// GetErrorType returns the classification of err
func GetErrorType(err error) ErrorType {
	if err == nil {
		return ErrorTypePermanent
	}

	var linkErr *Error
	if errors.As(err, &linkErr) {
		return linkErr.Type
	}

	switch {
	case errors.Is(err, ErrConnectTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	case IsRetryable(err):
		return ErrorTypeTransient
	default:
		return ErrorTypePermanent
	}
}

// classifyConnectError wraps a failure from one connection attempt.
// Every attempt failure is retryable until the caller's context is cancelled.
func classifyConnectError(op, identity string, err error) *Error {
	var linkErr *Error
	if errors.As(err, &linkErr) {
		return linkErr
	}

	switch {
	case errors.Is(err, context.Canceled):
		return NewError(op, identity, err, ErrorTypePermanent)
	case errors.Is(err, ErrConnectTimeout):
		return NewError(op, identity, err, ErrorTypeTimeout)
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(op, identity, fmt.Errorf("%w: %w", ErrConnectTimeout, err), ErrorTypeTimeout)
	default:
		return NewError(op, identity, err, ErrorTypeTransient)
	}
}

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
	"time"

	"github.com/ZaparooProject/go-cardpay/channel"
	"github.com/ZaparooProject/go-cardpay/link"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Config holds the terminal configuration
type Config struct {
	// Link configures the reader link manager
	Link *link.Config
	// MinimumAmount is the exclusive lower bound for a payment
	MinimumAmount decimal.Decimal
	// Description is sent with every authorization
	Description string
	// CardTimeout bounds the wait for a card while armed
	CardTimeout time.Duration
	// PinTimeout bounds PIN entry; zero disables it
	PinTimeout time.Duration
	// ServiceTimeout bounds each verification and authorization call
	ServiceTimeout time.Duration
	// DedupeWindow drops repeated reads of the same card
	DedupeWindow time.Duration
	// MaxPinAttempts is the local invalid PIN budget per card
	MaxPinAttempts int
	// PinLength is the required PIN length
	PinLength int
	// MaxAmountDigits bounds the integer part of the amount
	MaxAmountDigits int
}

// DefaultConfig returns the default terminal configuration
func DefaultConfig() *Config {
	return &Config{
		Link:            link.DefaultConfig(),
		MinimumAmount:   decimal.Zero,
		Description:     "Card payment",
		CardTimeout:     60 * time.Second,
		ServiceTimeout:  30 * time.Second,
		DedupeWindow:    channel.DefaultDedupeWindow,
		MaxPinAttempts:  3,
		PinLength:       DefaultPinLength,
		MaxAmountDigits: DefaultMaxAmountDigits,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Link == nil {
		return errors.New("link config is required")
	}
	if err := c.Link.Validate(); err != nil {
		return fmt.Errorf("link: %w", err)
	}
	if c.CardTimeout <= 0 {
		return errors.New("card timeout must be positive")
	}
	if c.PinTimeout < 0 {
		return errors.New("PIN timeout must not be negative")
	}
	if c.ServiceTimeout <= 0 {
		return errors.New("service timeout must be positive")
	}
	if c.DedupeWindow < 0 {
		return errors.New("dedupe window must not be negative")
	}
	if c.MaxPinAttempts < 1 {
		return errors.New("max PIN attempts must be at least 1")
	}
	if c.PinLength < 1 {
		return errors.New("PIN length must be at least 1")
	}
	if c.MaxAmountDigits < 1 {
		return errors.New("max amount digits must be at least 1")
	}
	if c.MinimumAmount.IsNegative() {
		return errors.New("minimum amount must not be negative")
	}
	return nil
}

// Option is a functional option for configuring a Terminal
type Option func(*Terminal) error

// WithConfig replaces the whole configuration
func WithConfig(config *Config) Option {
	return func(t *Terminal) error {
		if config == nil {
			return errors.New("config cannot be nil")
		}
		clone := *config
		if config.Link != nil {
			linkConfig := *config.Link
			clone.Link = &linkConfig
		}
		t.config = &clone
		return nil
	}
}

// WithLinkConfig sets the reader link configuration
func WithLinkConfig(config *link.Config) Option {
	return func(t *Terminal) error {
		if config == nil {
			return errors.New("link config cannot be nil")
		}
		clone := *config
		t.config.Link = &clone
		return nil
	}
}

// WithLogger sets the logger used by the terminal and its link
func WithLogger(logger *logrus.Entry) Option {
	return func(t *Terminal) error {
		if logger != nil {
			t.logger = logger
		}
		return nil
	}
}

// WithCardTimeout sets how long the terminal waits for a card
func WithCardTimeout(timeout time.Duration) Option {
	return func(t *Terminal) error {
		t.config.CardTimeout = timeout
		return nil
	}
}

// WithPinTimeout enables a PIN entry timeout
func WithPinTimeout(timeout time.Duration) Option {
	return func(t *Terminal) error {
		t.config.PinTimeout = timeout
		return nil
	}
}

// WithServiceTimeout bounds verification and authorization calls
func WithServiceTimeout(timeout time.Duration) Option {
	return func(t *Terminal) error {
		t.config.ServiceTimeout = timeout
		return nil
	}
}

// WithDedupeWindow sets the duplicate read window
func WithDedupeWindow(window time.Duration) Option {
	return func(t *Terminal) error {
		t.config.DedupeWindow = window
		return nil
	}
}

// WithMaxPinAttempts sets the invalid PIN budget per card
func WithMaxPinAttempts(attempts int) Option {
	return func(t *Terminal) error {
		t.config.MaxPinAttempts = attempts
		return nil
	}
}

// WithPinLength sets the required PIN length
func WithPinLength(length int) Option {
	return func(t *Terminal) error {
		t.config.PinLength = length
		return nil
	}
}

// WithMinimumAmount sets the exclusive minimum payment amount
func WithMinimumAmount(amount decimal.Decimal) Option {
	return func(t *Terminal) error {
		t.config.MinimumAmount = amount
		return nil
	}
}

// WithDescription sets the authorization description
func WithDescription(description string) Option {
	return func(t *Terminal) error {
		t.config.Description = description
		return nil
	}
}

// WithObserver registers an event observer. Observers run on the terminal's
// event loop and must not block.
func WithObserver(fn func(Event)) Option {
	return func(t *Terminal) error {
		if fn == nil {
			return errors.New("observer cannot be nil")
		}
		t.observers = append(t.observers, fn)
		return nil
	}
}

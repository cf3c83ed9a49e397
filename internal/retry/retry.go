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

// Package retry provides the fixed-delay retry helper used by the link layer
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned when every attempt failed with a retryable error
var ErrExhausted = errors.New("retries exhausted")

// Operation is a single attempt.
// Returns: data, shouldRetry, error
//   - data: the result if successful
//   - shouldRetry: true if the attempt failed in a way worth repeating
//   - error: the failure of this attempt (permanent when shouldRetry is false)
type Operation[T any] func(ctx context.Context, attempt int) (T, bool, error)

// Config configures retry behavior
type Config struct {
	// OnRetry runs after a failed attempt, before the delay
	OnRetry     func(attempt int, err error)
	Description string
	MaxAttempts int
	Delay       time.Duration
}

// Do executes op up to MaxAttempts times with a fixed delay in between.
// The last attempt's error is wrapped together with ErrExhausted.
func Do[T any](ctx context.Context, config Config, op Operation[T]) (T, error) {
	var zero T
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, shouldRetry, err := op(ctx, attempt)
		if err == nil {
			return result, nil
		}
		if !shouldRetry {
			return zero, err
		}
		lastErr = err

		if config.OnRetry != nil {
			config.OnRetry(attempt, err)
		}

		if attempt >= config.MaxAttempts {
			break
		}

		if err := sleep(ctx, config.Delay); err != nil {
			return zero, err
		}
	}

	return zero, exhausted(config.Description, config.MaxAttempts, lastErr)
}

func exhausted(description string, attempts int, lastErr error) error {
	if description == "" {
		description = "operation"
	}
	return fmt.Errorf("%s failed after %d attempts: %w", description, attempts,
		errors.Join(ErrExhausted, lastErr))
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

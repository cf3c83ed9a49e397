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

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func TestDo_SucceedsAfterRetries(t *testing.T) {
	t.Parallel()

	var retried []int
	config := Config{
		MaxAttempts: 3,
		Delay:       time.Millisecond,
		OnRetry: func(attempt int, _ error) {
			retried = append(retried, attempt)
		},
	}

	result, err := Do(context.Background(), config, func(_ context.Context, attempt int) (string, bool, error) {
		if attempt < 3 {
			return "", true, errFlaky
		}
		return "ok", false, nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_Exhausted(t *testing.T) {
	t.Parallel()

	calls := 0
	config := Config{MaxAttempts: 3, Delay: time.Millisecond, Description: "connect"}
	_, err := Do(context.Background(), config, func(context.Context, int) (int, bool, error) {
		calls++
		return 0, true, errFlaky
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, errFlaky)
	assert.Contains(t, err.Error(), "connect failed after 3 attempts")
}

func TestDo_PermanentErrorStops(t *testing.T) {
	t.Parallel()

	permanent := errors.New("permanent")
	calls := 0
	_, err := Do(context.Background(), Config{MaxAttempts: 5}, func(context.Context, int) (int, bool, error) {
		calls++
		return 0, false, permanent
	})

	require.ErrorIs(t, err, permanent)
	assert.NotErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringDelay(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	config := Config{
		MaxAttempts: 3,
		Delay:       time.Hour,
		OnRetry:     func(int, error) { cancel() },
	}

	_, err := Do(ctx, config, func(context.Context, int) (int, bool, error) {
		return 0, true, errFlaky
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := Do(context.Background(), Config{}, func(context.Context, int) (int, bool, error) {
		calls++
		return 0, true, errFlaky
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

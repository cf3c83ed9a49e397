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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		name string
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "timeout", err: ErrConnectTimeout, want: true},
		{name: "not found", err: ErrPeripheralNotFound, want: true},
		{name: "radio", err: fmt.Errorf("scan: %w", ErrRadioUnavailable), want: true},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "cancelled", err: context.Canceled, want: false},
		{name: "no identity", err: ErrNoPeripheralAssigned, want: false},
		{name: "permanent link error", err: NewError("dial", "AA:BB", ErrPeripheralNotFound, ErrorTypePermanent), want: false},
		{name: "transient link error", err: NewError("dial", "AA:BB", errors.New("boom"), ErrorTypeTransient), want: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestGetErrorType(t *testing.T) {
	t.Parallel()
	assert.Equal(t, ErrorTypeTimeout, GetErrorType(NewTimeoutError("dial", "x")))
	assert.Equal(t, ErrorTypeTimeout, GetErrorType(context.DeadlineExceeded))
	assert.Equal(t, ErrorTypeTransient, GetErrorType(ErrLinkLost))
	assert.Equal(t, ErrorTypePermanent, GetErrorType(errors.New("unknown")))
	assert.Equal(t, ErrorTypePermanent, GetErrorType(nil))
}

func TestClassifyConnectError(t *testing.T) {
	t.Parallel()

	err := classifyConnectError("dial", "AA:BB", context.Canceled)
	assert.Equal(t, ErrorTypePermanent, err.Type)
	assert.False(t, err.Retryable)

	err = classifyConnectError("dial", "AA:BB", context.DeadlineExceeded)
	assert.Equal(t, ErrorTypeTimeout, err.Type)
	assert.ErrorIs(t, err, ErrConnectTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	err = classifyConnectError("dial", "AA:BB", ErrConnectTimeout)
	assert.Equal(t, "link dial AA:BB: connect timeout", err.Error())

	err = classifyConnectError("discover", "AA:BB", errors.New("gatt failure"))
	assert.Equal(t, ErrorTypeTransient, err.Type)
	assert.True(t, err.Retryable)

	inner := NewError("dial", "", ErrPeripheralNotFound, ErrorTypePermanent)
	assert.Same(t, inner, classifyConnectError("dial", "AA:BB", inner))
	assert.Equal(t, "link dial: card reader not found", inner.Error())
}

func TestErrorTypeString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "permanent", ErrorTypePermanent.String())
	assert.Equal(t, "transient", ErrorTypeTransient.String())
	assert.Equal(t, "timeout", ErrorTypeTimeout.String())
}

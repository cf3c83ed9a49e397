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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func typeAmount(b *AmountBuffer, keys string) {
	for _, k := range keys {
		b.Press(k)
	}
}

func TestAmountBuffer(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		keys string
		want string
	}{
		{name: "plain", keys: "150", want: "150"},
		{name: "decimals", keys: "150.00", want: "150.00"},
		{name: "third decimal ignored", keys: "1.999", want: "1.99"},
		{name: "leading zero collapses", keys: "05", want: "5"},
		{name: "repeated zero stays single", keys: "000", want: "0"},
		{name: "point on empty", keys: ".5", want: "0.5"},
		{name: "second point ignored", keys: "1..2.", want: "1.2"},
		{name: "zero then point", keys: "0.05", want: "0.05"},
		{name: "integer digits bounded", keys: "123456789", want: "1234567"},
		{name: "decimals allowed at max digits", keys: "1234567.89", want: "1234567.89"},
		{name: "non digits ignored", keys: "1a2-", want: "12"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := NewAmountBuffer(7)
			typeAmount(b, tt.keys)
			assert.Equal(t, tt.want, b.String())
		})
	}
}

func TestAmountBuffer_BackspaceAndValue(t *testing.T) {
	t.Parallel()
	b := NewAmountBuffer(0)
	typeAmount(b, "12.5")

	v, err := b.Value()
	require.NoError(t, err)
	assert.Equal(t, "12.50", v.StringFixed(2))

	assert.True(t, b.Backspace())
	assert.True(t, b.Backspace())
	assert.Equal(t, "12", b.String())

	b.Clear()
	assert.False(t, b.Backspace())
	v, err = b.Value()
	require.NoError(t, err)
	assert.True(t, v.IsZero())
}

func TestParseAmount(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "fixed", input: "150.00", want: "150.00"},
		{name: "integer", input: "7", want: "7.00"},
		{name: "trailing point", input: "5.", want: "5.00"},
		{name: "leading point", input: ".25", want: "0.25"},
		{name: "leading zeros", input: "0009", want: "9.00"},
		{name: "too many decimals", input: "1.001", wantErr: true},
		{name: "too many digits", input: "12345678", wantErr: true},
		{name: "negative", input: "-5", wantErr: true},
		{name: "letters", input: "12a", wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "point only", input: ".", want: "0.00"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseAmount(tt.input, 7)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.StringFixed(2))
		})
	}
}

func TestPinBuffer(t *testing.T) {
	t.Parallel()
	b := NewPinBuffer(4)

	assert.False(t, b.Press('x'), "non-digits are rejected")
	for _, k := range "12345" {
		b.Press(k)
	}
	assert.Equal(t, 4, b.Len())
	assert.True(t, b.Complete())
	assert.Equal(t, "1234", b.value(), "digits past the length are ignored")
	assert.Equal(t, "****", b.Masked())

	assert.True(t, b.Backspace())
	assert.False(t, b.Complete())

	require.ErrorIs(t, b.Set("12a4"), ErrInvalidPin)
	require.NoError(t, b.Set("987654"))
	assert.Equal(t, "9876", b.value())

	b.Clear()
	assert.Zero(t, b.Len())
	assert.False(t, b.Backspace())
}

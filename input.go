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
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Input limits
const (
	// AmountDecimals is the number of minor unit digits accepted
	AmountDecimals = 2
	// DefaultMaxAmountDigits bounds the integer part of an amount
	DefaultMaxAmountDigits = 7
	// DefaultPinLength is the required PIN length
	DefaultPinLength = 4
)

// AmountBuffer is the keypad amount entry buffer.
//
// It accepts at most two decimals and a bounded number of integer digits. A
// leading zero collapses on the first non-zero digit, and a decimal point on
// empty input becomes "0.".
type AmountBuffer struct {
	text      string
	maxDigits int
}

// NewAmountBuffer creates an amount buffer allowing maxDigits integer digits
func NewAmountBuffer(maxDigits int) *AmountBuffer {
	if maxDigits <= 0 {
		maxDigits = DefaultMaxAmountDigits
	}
	return &AmountBuffer{maxDigits: maxDigits}
}

// Press applies a keypad key and reports whether the buffer changed
func (b *AmountBuffer) Press(key rune) bool {
	intPart, frac, hasPoint := strings.Cut(b.text, ".")

	switch {
	case key == '.':
		if hasPoint {
			return false
		}
		if b.text == "" {
			b.text = "0."
		} else {
			b.text += "."
		}
		return true
	case key < '0' || key > '9':
		return false
	case hasPoint:
		if len(frac) >= AmountDecimals {
			return false
		}
	case intPart == "0":
		if key == '0' {
			return false
		}
		b.text = string(key)
		return true
	case len(intPart) >= b.maxDigits:
		return false
	}

	b.text += string(key)
	return true
}

// Backspace removes the last character
func (b *AmountBuffer) Backspace() bool {
	if b.text == "" {
		return false
	}
	b.text = b.text[:len(b.text)-1]
	return true
}

// Clear empties the buffer
func (b *AmountBuffer) Clear() {
	b.text = ""
}

// String returns the buffer as typed
func (b *AmountBuffer) String() string {
	return b.text
}

// Value parses the buffer. An empty buffer is zero.
func (b *AmountBuffer) Value() (decimal.Decimal, error) {
	if b.text == "" {
		return decimal.Zero, nil
	}
	return ParseAmount(b.text, b.maxDigits)
}

// ParseAmount validates a complete amount string under the keypad rules
func ParseAmount(s string, maxDigits int) (decimal.Decimal, error) {
	if maxDigits <= 0 {
		maxDigits = DefaultMaxAmountDigits
	}

	text := strings.TrimSpace(s)
	intPart, frac, hasPoint := strings.Cut(text, ".")
	if intPart == "" && hasPoint {
		intPart = "0"
	}
	if intPart == "" || !isDigits(intPart) || (frac != "" && !isDigits(frac)) {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if len(frac) > AmountDecimals {
		return decimal.Zero, fmt.Errorf("%w: at most %d decimal places", ErrInvalidAmount, AmountDecimals)
	}
	if trimmed := strings.TrimLeft(intPart, "0"); len(trimmed) > maxDigits {
		return decimal.Zero, fmt.Errorf("%w: at most %d integer digits", ErrInvalidAmount, maxDigits)
	}

	value, err := decimal.NewFromString(intPart + "." + frac + strings.Repeat("0", AmountDecimals-len(frac)))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}
	return value, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// PinBuffer collects PIN digits. Non-digits are rejected and digits past the
// required length are ignored.
type PinBuffer struct {
	digits []byte
	length int
}

// NewPinBuffer creates a buffer for PINs of the given length
func NewPinBuffer(length int) *PinBuffer {
	if length <= 0 {
		length = DefaultPinLength
	}
	return &PinBuffer{digits: make([]byte, 0, length), length: length}
}

// Press appends a digit and reports whether it was accepted
func (b *PinBuffer) Press(key rune) bool {
	if key < '0' || key > '9' || len(b.digits) >= b.length {
		return false
	}
	b.digits = append(b.digits, byte(key))
	return true
}

// Set replaces the buffer with pin. Extra digits are dropped.
func (b *PinBuffer) Set(pin string) error {
	if !isDigits(pin) {
		return ErrInvalidPin
	}
	b.Clear()
	for _, r := range pin {
		b.Press(r)
	}
	return nil
}

// Backspace removes the last digit
func (b *PinBuffer) Backspace() bool {
	if len(b.digits) == 0 {
		return false
	}
	b.digits = b.digits[:len(b.digits)-1]
	return true
}

// Clear wipes the entered digits
func (b *PinBuffer) Clear() {
	for i := range b.digits {
		b.digits[i] = 0
	}
	b.digits = b.digits[:0]
}

// Len returns the number of digits entered
func (b *PinBuffer) Len() int {
	return len(b.digits)
}

// Complete reports whether the PIN has the required length
func (b *PinBuffer) Complete() bool {
	return len(b.digits) == b.length
}

// Masked returns one asterisk per entered digit
func (b *PinBuffer) Masked() string {
	return strings.Repeat("*", len(b.digits))
}

// value returns the PIN. It never leaves the package except in an
// AuthorizationRequest.
func (b *PinBuffer) value() string {
	return string(b.digits)
}

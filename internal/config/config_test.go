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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupMap(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestParse_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := Parse(lookupMap(nil))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 115200, cfg.BaudRate)
	assert.Equal(t, 60*time.Second, cfg.Terminal.CardTimeout)
	assert.Equal(t, 3, cfg.Terminal.Link.MaxAttempts)
	assert.True(t, cfg.Terminal.Link.AutoReconnect)
}

func TestParse_Overrides(t *testing.T) {
	t.Parallel()
	cfg, err := Parse(lookupMap(map[string]string{
		"CARDPAY_LOG_FORMAT":       "json",
		"CARDPAY_READER_PORT":      "/dev/rfcomm0",
		"CARDPAY_API_URL":          "https://pay.example.com/api",
		"CARDPAY_ALLOWED_ORIGINS":  "http://localhost:5173, https://kiosk.example.com,",
		"CARDPAY_MINIMUM_AMOUNT":   "0.50",
		"CARDPAY_PIN_TIMEOUT":      "45s",
		"CARDPAY_MAX_PIN_ATTEMPTS": "5",
		"CARDPAY_AUTO_RECONNECT":   "false",
		"CARDPAY_RECONNECT_DELAY":  "500ms",
		"CARDPAY_DESCRIPTION":      "   ",
	}))
	require.NoError(t, err)

	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "/dev/rfcomm0", cfg.ReaderPort)
	assert.Equal(t, "https://pay.example.com/api", cfg.APIBaseURL)
	assert.Equal(t, []string{"http://localhost:5173", "https://kiosk.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, "0.5", cfg.Terminal.MinimumAmount.String())
	assert.Equal(t, 45*time.Second, cfg.Terminal.PinTimeout)
	assert.Equal(t, 5, cfg.Terminal.MaxPinAttempts)
	assert.False(t, cfg.Terminal.Link.AutoReconnect)
	assert.Equal(t, 500*time.Millisecond, cfg.Terminal.Link.RetryDelay)
	assert.Equal(t, "Card payment", cfg.Terminal.Description, "blank values keep the default")
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()
	_, err := Parse(lookupMap(map[string]string{
		"CARDPAY_BAUD_RATE":      "fast",
		"CARDPAY_CARD_TIMEOUT":   "1 minute",
		"CARDPAY_MINIMUM_AMOUNT": "-1",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CARDPAY_BAUD_RATE")
	assert.Contains(t, err.Error(), "CARDPAY_CARD_TIMEOUT")
	assert.Contains(t, err.Error(), "CARDPAY_MINIMUM_AMOUNT")

	_, err = Parse(lookupMap(map[string]string{"CARDPAY_MAX_PIN_ATTEMPTS": "0"}))
	require.Error(t, err)

	_, err = Parse(lookupMap(map[string]string{"CARDPAY_LOG_FORMAT": "xml"}))
	require.Error(t, err)
}

// Not parallel: t.Setenv
func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(
		"CARDPAY_LISTEN_ADDR=:9000\nCARDPAY_TERMINAL_ID=till-7\n",
	), 0o600))
	t.Setenv("CARDPAY_TERMINAL_ID", "till-9")

	cfg, err := Load(path, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "till-9", cfg.TerminalID)
}

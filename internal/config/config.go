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

// Package config loads the cardterm settings from a .env file and the
// process environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	cardpay "github.com/ZaparooProject/go-cardpay"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Prefix is prepended to every variable name
const Prefix = "CARDPAY_"

// Config holds the process settings
type Config struct {
	Terminal *cardpay.Config

	LogLevel  string
	LogFormat string

	// ReaderPort overrides the stored reader identity when set
	ReaderPort   string
	IdentityFile string
	BaudRate     int

	APIBaseURL        string
	APIToken          string
	LegacyPinMessages bool

	NATSURL           string
	NATSToken         string
	NATSSubjectPrefix string
	TerminalID        string

	ListenAddr     string
	AllowedOrigins []string
	RateLimit      int
}

// Default returns the settings used when nothing is configured
func Default() *Config {
	return &Config{
		Terminal:          cardpay.DefaultConfig(),
		LogLevel:          "info",
		LogFormat:         "text",
		IdentityFile:      "cardpay-reader.json",
		BaudRate:          115200,
		NATSSubjectPrefix: "cardpay",
		ListenAddr:        ":8080",
		RateLimit:         120,
	}
}

// Load reads envFiles (missing files are skipped) and then the environment
func Load(envFiles ...string) (*Config, error) {
	fileValues := make(map[string]string)
	for _, name := range envFiles {
		values, err := godotenv.Read(name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		for k, v := range values {
			fileValues[k] = v
		}
	}

	return Parse(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileValues[key]
		return v, ok
	})
}

// Parse builds a Config from lookup, which reports the value of a variable
func Parse(lookup func(key string) (string, bool)) (*Config, error) {
	cfg := Default()
	p := parser{lookup: lookup}

	p.str("LOG_LEVEL", &cfg.LogLevel)
	p.str("LOG_FORMAT", &cfg.LogFormat)
	p.str("READER_PORT", &cfg.ReaderPort)
	p.str("IDENTITY_FILE", &cfg.IdentityFile)
	p.integer("BAUD_RATE", &cfg.BaudRate)

	p.str("API_URL", &cfg.APIBaseURL)
	p.str("API_TOKEN", &cfg.APIToken)
	p.boolean("LEGACY_PIN_MESSAGES", &cfg.LegacyPinMessages)

	p.str("NATS_URL", &cfg.NATSURL)
	p.str("NATS_TOKEN", &cfg.NATSToken)
	p.str("NATS_SUBJECT", &cfg.NATSSubjectPrefix)
	p.str("TERMINAL_ID", &cfg.TerminalID)

	p.str("LISTEN_ADDR", &cfg.ListenAddr)
	p.list("ALLOWED_ORIGINS", &cfg.AllowedOrigins)
	p.integer("RATE_LIMIT", &cfg.RateLimit)

	t := cfg.Terminal
	p.amount("MINIMUM_AMOUNT", &t.MinimumAmount)
	p.str("DESCRIPTION", &t.Description)
	p.duration("CARD_TIMEOUT", &t.CardTimeout)
	p.duration("PIN_TIMEOUT", &t.PinTimeout)
	p.duration("SERVICE_TIMEOUT", &t.ServiceTimeout)
	p.duration("DEDUPE_WINDOW", &t.DedupeWindow)
	p.integer("MAX_PIN_ATTEMPTS", &t.MaxPinAttempts)
	p.integer("PIN_LENGTH", &t.PinLength)

	p.duration("RECONNECT_DELAY", &t.Link.RetryDelay)
	p.duration("CONNECT_TIMEOUT", &t.Link.ConnectTimeout)
	p.integer("RECONNECT_ATTEMPTS", &t.Link.MaxAttempts)
	p.integer("PACKET_SIZE", &t.Link.PacketSize)
	p.boolean("AUTO_RECONNECT", &t.Link.AutoReconnect)

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that cardpay does not validate itself
func (c *Config) Validate() error {
	if err := c.Terminal.Validate(); err != nil {
		return fmt.Errorf("terminal: %w", err)
	}
	if c.BaudRate <= 0 {
		return errors.New("baud rate must be positive")
	}
	if c.RateLimit < 0 {
		return errors.New("rate limit must not be negative")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) value(key string) (string, bool) {
	v, ok := p.lookup(Prefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (p *parser) fail(key string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%s%s: %w", Prefix, key, err))
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.value(key); ok {
		*dst = v
	}
}

func (p *parser) list(key string, dst *[]string) {
	v, ok := p.value(key)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func (p *parser) integer(key string, dst *int) {
	v, ok := p.value(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, err)
		return
	}
	*dst = n
}

func (p *parser) boolean(key string, dst *bool) {
	v, ok := p.value(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, err)
		return
	}
	*dst = b
}

func (p *parser) duration(key string, dst *time.Duration) {
	v, ok := p.value(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, err)
		return
	}
	*dst = d
}

func (p *parser) amount(key string, dst *decimal.Decimal) {
	v, ok := p.value(key)
	if !ok {
		return
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.fail(key, err)
		return
	}
	if d.IsNegative() {
		p.fail(key, errors.New("must not be negative"))
		return
	}
	*dst = d
}

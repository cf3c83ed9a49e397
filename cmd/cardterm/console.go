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

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ZaparooProject/go-cardpay/presentation"
)

const consoleCommandTimeout = 5 * time.Second

var errUnknownConsoleCommand = errors.New("unknown command, type 'help'")

// tapper presents a card to a simulated reader
type tapper interface {
	Tap(uid string) bool
}

// Console drives a terminal from text commands
type Console struct {
	term presentation.Commander
	out  *Output
	tap  tapper
}

// NewConsole creates a console; tap may be nil when no simulator is running
func NewConsole(term presentation.Commander, out *Output, tap tapper) *Console {
	return &Console{term: term, out: out, tap: tap}
}

const consoleHelp = `commands:
  amount <value>   start a payment for value
  keys <chars>     press amount keys, e.g. keys 12.50
  pin <digits>     submit the PIN
  back             delete the last key
  cancel           cancel the transaction
  reset            return to amount entry
  reconnect        reconnect to the reader
  disconnect       disconnect from the reader
  status           show the terminal state
  card <uid>       tap a card (simulator only)
  quit             stop the terminal`

// Run reads commands from r until EOF, quit or ctx ends
func (c *Console) Run(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "quit" || fields[0] == "exit" {
			return
		}
		if err := c.Exec(ctx, fields[0], fields[1:]); err != nil {
			c.out.Error("%v", err)
		}
	}
}

// Exec runs one command
func (c *Console) Exec(ctx context.Context, cmd string, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, consoleCommandTimeout)
	defer cancel()

	switch cmd {
	case "help":
		c.out.printf("%s\n", consoleHelp)
		return nil
	case "amount":
		return c.term.Proceed(ctx, joinArgs(args))
	case "keys":
		for _, key := range joinArgs(args) {
			if err := c.term.PressAmountKey(ctx, key); err != nil {
				return err
			}
		}
		return nil
	case "pin":
		return c.term.SubmitPin(ctx, joinArgs(args))
	case "back":
		return c.term.Backspace(ctx)
	case "cancel":
		return c.term.Cancel(ctx)
	case "reset":
		return c.term.Reset(ctx)
	case "reconnect":
		return c.term.ManualReconnect(ctx)
	case "disconnect":
		return c.term.Disconnect(ctx)
	case "status":
		c.out.Status(c.term.Snapshot())
		return nil
	case "card":
		if c.tap == nil {
			return errors.New("card taps need -simulate")
		}
		uid := joinArgs(args)
		if uid == "" {
			return errors.New("usage: card <uid>")
		}
		if !c.tap.Tap(uid) {
			return fmt.Errorf("reader is not listening for %s", uid)
		}
		return nil
	default:
		return errUnknownConsoleCommand
	}
}

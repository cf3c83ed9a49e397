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
	"fmt"
	"io"
	"sync"

	cardpay "github.com/ZaparooProject/go-cardpay"
	"github.com/ZaparooProject/go-cardpay/link"
	"github.com/ZaparooProject/go-cardpay/transport/serial"
)

// Output handles consistent formatting of console messages
type Output struct {
	w       io.Writer
	mu      sync.Mutex
	verbose bool
}

// NewOutput creates a new output handler
func NewOutput(w io.Writer, verbose bool) *Output {
	return &Output{w: w, verbose: verbose}
}

func (o *Output) printf(format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, _ = fmt.Fprintf(o.w, format, args...)
}

// OK prints a success message
func (o *Output) OK(format string, args ...any) {
	o.printf("OK: "+format+"\n", args...)
}

// Info prints an informational message
func (o *Output) Info(format string, args ...any) {
	o.printf("INFO: "+format+"\n", args...)
}

// Error prints an error message
func (o *Output) Error(format string, args ...any) {
	o.printf("ERROR: "+format+"\n", args...)
}

// Ports prints detected serial ports
func (o *Output) Ports(ports []serial.PortInfo) {
	if len(ports) == 0 {
		o.Info("no serial ports found")
		return
	}
	o.Info("found %d serial port(s)", len(ports))
	for _, p := range ports {
		line := "   " + p.Name
		if id := p.VIDPID(); id != "" {
			line += " [" + id + "]"
		}
		if p.Product != "" {
			line += " " + p.Product
		}
		if o.verbose && p.SerialNumber != "" {
			line += " serial=" + p.SerialNumber
		}
		o.printf("%s\n", line)
	}
}

// Event prints a terminal event. It is registered as a terminal observer.
func (o *Output) Event(ev cardpay.Event) {
	s := ev.Snapshot
	switch ev.Type {
	case cardpay.EventApproved:
		o.OK("approved %s, reference %s", s.Amount, s.Reference)
	case cardpay.EventFailed:
		o.Error("%s (%s)", s.Message, s.Reason)
	case cardpay.EventLateResult:
		if l := ev.Late; l != nil && l.Approved {
			o.Error("transaction %s was charged %s after it ended, reference %s", l.TransactionID, l.Amount, l.Reference)
		} else if l != nil {
			o.Info("late result for transaction %s: %s", l.TransactionID, l.Error)
		}
	case cardpay.EventLinkChanged:
		o.Info("reader %s", s.Link.Status)
	case cardpay.EventPinChanged:
		if o.verbose {
			o.Info("PIN %s", s.Pin)
		}
	default:
		if s.Message != "" {
			o.Info("%s: %s", s.State, s.Message)
		} else if o.verbose {
			o.Info("%s", ev.Type)
		}
	}
}

// Drop prints a reader link drop
func (o *Output) Drop(ev link.DropEvent) {
	if ev.UserInitiated {
		o.Info("reader %s disconnected", ev.Identity)
		return
	}
	o.Error("reader %s dropped: %v", ev.Identity, ev.Err)
}

// Status prints a full snapshot
func (o *Output) Status(s cardpay.Snapshot) {
	o.Info("state=%s link=%s attempts=%d", s.State, s.Link.Status, s.Link.Attempts)
	if s.TransactionID != "" {
		o.Info("transaction=%s amount=%s card=%s", s.TransactionID, s.Amount, s.Card)
	}
	if s.Message != "" {
		o.Info("message=%q", s.Message)
	}
	if s.State.IsTerminal() {
		if s.CanRetry {
			o.Info("type 'reset' to try again")
		} else {
			o.Info("type 'reset' to go back")
		}
	}
}

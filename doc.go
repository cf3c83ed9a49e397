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

/*
Package cardpay drives the card-present payment flow of a merchant terminal
paired with a wireless card reader.

A Terminal owns three cooperating pieces:

  - the reader link (package link), which connects to the assigned reader,
    negotiates the transfer unit and reconnects with a fixed delay
  - the card data channel (package channel), which decodes reader
    notifications into de-duplicated card events
  - the transaction state machine, which moves a payment through
    amount entry, card detection, PIN entry and authorization

Basic Usage:

	terminal, err := cardpay.New(dialer, identityStore, verifier, authorizer,
	    cardpay.WithCardTimeout(60*time.Second),
	    cardpay.WithMaxPinAttempts(3),
	)
	if err != nil {
	    log.Fatal(err)
	}

	go func() {
	    if err := terminal.Run(ctx); err != nil {
	        log.Fatal(err)
	    }
	}()

	// Arm the terminal for 150.00 and wait for a card
	if err := terminal.Proceed(ctx, "150.00"); err != nil {
	    log.Fatal(err)
	}

	// Once the snapshot reports PIN entry
	if err := terminal.SubmitPin(ctx, "1234"); err != nil {
	    log.Fatal(err)
	}

States:

	AmountEntry -> Armed -> PinEntry -> Authorizing -> Success
	                  \          \            \
	                   +----------+------------+--> Failed

An invalid PIN returns to PinEntry while attempts remain. The last allowed
invalid PIN fails the transaction with ReasonPinLocked. A reader link drop
while Armed, in PinEntry or Authorizing fails the transaction with
ReasonLinkLost before any other link observer runs.

Services:

Card verification and payment authorization are injected as CardVerifier and
PaymentAuthorizer. The services/rest package provides HTTP clients for both.

Concurrency:

Every state change happens on the terminal's event loop. Commands may be
called from any goroutine and block until applied. Snapshot, LinkInfo and
GetMetrics never block.

Error Handling:

Commands return sentinel errors that can be inspected:

	if errors.Is(err, cardpay.ErrLinkNotConnected) {
	    // Offer a reconnect instead of arming
	}
*/
package cardpay

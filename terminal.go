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
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ZaparooProject/go-cardpay/channel"
	"github.com/ZaparooProject/go-cardpay/internal/loop"
	"github.com/ZaparooProject/go-cardpay/link"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Terminal drives card-present payments over a wireless card reader.
//
// All state is owned by a single event loop started by Run. Commands may be
// called from any goroutine; they are executed on the loop and return once
// applied. Observers are invoked on the loop.
type Terminal struct {
	ctx        context.Context
	loop       *loop.Loop
	link       *link.Manager
	listener   *channel.Listener
	verifier   CardVerifier
	authorizer PaymentAuthorizer
	config     *Config
	logger     *logrus.Entry
	phase      phase
	amount     *AmountBuffer
	observers  []func(Event)
	snapshot   atomic.Pointer[Snapshot]
	running    atomic.Bool

	// inflight outlives the authorizing phase until the service answers
	inflight *authorizing

	arms          atomic.Int64
	unsubscribes  atomic.Int64
	timerClears   atomic.Int64
	approvals     atomic.Int64
	failures      atomic.Int64
	linkLost      atomic.Int64
	lateResponses atomic.Int64
}

// New creates a terminal. The reader link is opened with dialer using the
// identity in store once Run starts.
func New(
	dialer link.Dialer,
	store link.IdentityStore,
	verifier CardVerifier,
	authorizer PaymentAuthorizer,
	opts ...Option,
) (*Terminal, error) {
	if verifier == nil || authorizer == nil {
		return nil, errors.New("card verifier and payment authorizer are required")
	}

	t := &Terminal{
		ctx:        context.Background(),
		loop:       loop.New(loop.DefaultQueueSize),
		verifier:   verifier,
		authorizer: authorizer,
		config:     DefaultConfig(),
		logger:     logrus.WithField("component", "terminal"),
		phase:      &amountEntry{},
	}

	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	if err := t.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid terminal config: %w", err)
	}

	manager, err := link.NewManager(t.loop, dialer, store,
		link.WithConfig(t.config.Link),
		link.WithLogger(t.logger.WithField("component", "link")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create link manager: %w", err)
	}
	t.link = manager
	t.link.OnDrop(t.onLinkDrop)
	t.link.ObserveChanges(func(link.Info) { t.emit(EventLinkChanged) })

	t.amount = NewAmountBuffer(t.config.MaxAmountDigits)
	t.listener = channel.NewListener(
		channel.NewDeduper(t.config.DedupeWindow),
		t.logger.WithField("component", "channel"),
	)
	t.publish()
	return t, nil
}

// Observe registers an event observer. It must be called before Run.
func (t *Terminal) Observe(fn func(Event)) error {
	if fn == nil {
		return errors.New("observer cannot be nil")
	}
	if t.running.Load() {
		return ErrTerminalRunning
	}
	t.observers = append(t.observers, fn)
	return nil
}

// ObserveLinkDrops registers a reader link drop observer. It runs after the
// terminal has already failed any transaction the drop interrupted. It must
// be called before Run.
func (t *Terminal) ObserveLinkDrops(fn func(link.DropEvent)) error {
	if fn == nil {
		return errors.New("observer cannot be nil")
	}
	if t.running.Load() {
		return ErrTerminalRunning
	}
	t.link.ObserveDrops(fn)
	return nil
}

// Run connects to the card reader and processes events until ctx is
// cancelled. On return every timer and subscription is released and the link
// is closed.
func (t *Terminal) Run(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return ErrTerminalRunning
	}
	t.ctx = ctx
	t.loop.Post(t.start)

	err := t.loop.Run(ctx)
	t.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (t *Terminal) start() {
	t.logger.Info("terminal started")
	if err := t.link.Connect(); err != nil {
		t.logger.WithError(err).Warn("card reader not connected")
	}
	t.emit(EventReady)
}

// shutdown runs after the loop has stopped, on the goroutine that ran it
func (t *Terminal) shutdown() {
	t.teardown()
	t.amount.Clear()
	t.phase = &amountEntry{}
	t.link.Close()
	t.publish()
	t.logger.Info("terminal stopped")
}

// Snapshot returns the latest observable state. Safe from any goroutine.
func (t *Terminal) Snapshot() Snapshot {
	if s := t.snapshot.Load(); s != nil {
		return *s
	}
	return Snapshot{}
}

// LinkInfo returns the reader link state. Safe from any goroutine.
func (t *Terminal) LinkInfo() link.Info {
	return t.link.Info()
}

// GetMetrics returns current counters. Safe from any goroutine.
func (t *Terminal) GetMetrics() Metrics {
	return Metrics{
		Arms:          t.arms.Load(),
		Unsubscribes:  t.unsubscribes.Load(),
		TimerClears:   t.timerClears.Load(),
		Approvals:     t.approvals.Load(),
		Failures:      t.failures.Load(),
		LinkLost:      t.linkLost.Load(),
		LateResponses: t.lateResponses.Load(),
	}
}

func (t *Terminal) call(ctx context.Context, fn func() error) error {
	err := t.loop.Call(ctx, fn)
	if errors.Is(err, loop.ErrStopped) {
		return ErrTerminalClosed
	}
	return err
}

// PressAmountKey applies a keypad key to the amount. Keys the amount policy
// rejects are ignored.
func (t *Terminal) PressAmountKey(ctx context.Context, key rune) error {
	return t.call(ctx, func() error {
		if _, ok := t.phase.(*amountEntry); !ok {
			return ErrInvalidState
		}
		if t.amount.Press(key) {
			t.emit(EventAmountChanged)
		}
		return nil
	})
}

// PressPinKey appends a PIN digit. Non-digits and digits past the PIN length
// are ignored.
func (t *Terminal) PressPinKey(ctx context.Context, key rune) error {
	return t.call(ctx, func() error {
		p, ok := t.phase.(*pinEntry)
		if !ok {
			return ErrInvalidState
		}
		if p.pin.Press(key) {
			t.emit(EventPinChanged)
		}
		return nil
	})
}

// Backspace deletes the last amount or PIN character
func (t *Terminal) Backspace(ctx context.Context) error {
	return t.call(ctx, func() error {
		switch p := t.phase.(type) {
		case *amountEntry:
			if t.amount.Backspace() {
				t.emit(EventAmountChanged)
			}
		case *pinEntry:
			if p.pin.Backspace() {
				t.emit(EventPinChanged)
			}
		default:
			return ErrInvalidState
		}
		return nil
	})
}

// Proceed starts a transaction and waits for a card. amount overrides the
// keypad buffer when not empty.
func (t *Terminal) Proceed(ctx context.Context, amount string) error {
	return t.call(ctx, func() error {
		return t.proceed(amount)
	})
}

// SubmitPin confirms the PIN and authorizes the payment. pin overrides the
// keypad buffer when not empty.
func (t *Terminal) SubmitPin(ctx context.Context, pin string) error {
	return t.call(ctx, func() error {
		return t.submitPin(pin)
	})
}

// Cancel abandons the current transaction and returns to amount entry. The
// reader link stays connected.
func (t *Terminal) Cancel(ctx context.Context) error {
	return t.call(ctx, func() error {
		if _, ok := t.phase.(*amountEntry); !ok {
			t.logger.Info("transaction cancelled")
		}
		t.reset(EventCancelled)
		return nil
	})
}

// Reset returns to an empty amount entry from any state
func (t *Terminal) Reset(ctx context.Context) error {
	return t.call(ctx, func() error {
		t.reset(EventReset)
		return nil
	})
}

// ManualReconnect retries the reader link after it gave up
func (t *Terminal) ManualReconnect(ctx context.Context) error {
	return t.call(ctx, func() error {
		return t.link.ManualReconnect()
	})
}

// Disconnect closes the reader link on user request
func (t *Terminal) Disconnect(ctx context.Context) error {
	return t.call(ctx, func() error {
		t.link.Disconnect()
		return nil
	})
}

func (t *Terminal) proceed(text string) error {
	if _, ok := t.phase.(*amountEntry); !ok {
		return ErrInvalidState
	}
	if t.inflight != nil {
		return ErrAuthorizationPending
	}

	var (
		value decimal.Decimal
		err   error
	)
	if text != "" {
		value, err = ParseAmount(text, t.config.MaxAmountDigits)
	} else {
		value, err = t.amount.Value()
	}
	if err != nil {
		return err
	}
	if !value.GreaterThan(t.config.MinimumAmount) {
		return fmt.Errorf("%w (%s)", ErrAmountTooLow, t.config.MinimumAmount.StringFixed(AmountDecimals))
	}
	if t.link.Status() != link.StatusConnected {
		return ErrLinkNotConnected
	}

	t.arm(newTransaction(value, t.config.Description))
	return nil
}

func (t *Terminal) arm(tx *Transaction) {
	a := &armed{tx: tx}
	a.sub = t.listener.Listen(countedSource{t}, func(ev channel.CardEvent) {
		t.onCard(a, ev)
	})
	a.timer = time.AfterFunc(t.config.CardTimeout, func() {
		t.loop.Post(func() { t.onCardTimeout(a) })
	})
	t.arms.Add(1)
	t.phase = a

	t.txLogger(tx).WithField("amount", tx.Amount.StringFixed(AmountDecimals)).Info("waiting for card")
	t.emit(EventArmed)
}

// disarm stops listening for cards. The subscription and the card timer are
// always released together.
func (t *Terminal) disarm(a *armed) {
	a.sub.Close()
	if stopTimer(&a.timer) {
		t.timerClears.Add(1)
	}
}

func (t *Terminal) onCard(a *armed, ev channel.CardEvent) {
	if t.phase != a {
		return
	}
	t.disarm(a)

	a.card = &CardSession{
		UID:          ev.UID,
		DetectedAt:   ev.DetectedAt,
		Verification: VerificationUnverified,
	}
	ctx, cancel := context.WithTimeout(t.ctx, t.config.ServiceTimeout)
	a.verify = cancel

	t.txLogger(a.tx).WithField("card", channel.MaskUID(ev.UID)).Info("card detected")
	t.emit(EventCardDetected)

	uid := ev.UID
	go func() {
		v, err := t.verifier.Verify(ctx, uid)
		t.loop.Post(func() { t.onVerified(a, v, err) })
	}()
}

func (t *Terminal) onCardTimeout(a *armed) {
	if t.phase != a || a.timer == nil {
		return
	}
	a.timer = nil
	t.timerClears.Add(1)
	t.disarm(a)
	t.fail(a.tx, a.card, failWith(ReasonNoCardPresented, ""))
}

func (t *Terminal) onVerified(a *armed, v Verification, err error) {
	if a.verify != nil {
		a.verify()
		a.verify = nil
	}
	if t.phase != a {
		t.logger.Debug("dropping verification for a finished transaction")
		return
	}

	a.card.Verification = v.Status
	a.card.Balance = v.Balance

	outcome, ok := classifyVerification(v, err)
	if !ok {
		entry := t.txLogger(a.tx).WithField("card", channel.MaskUID(a.card.UID))
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Warnf("card rejected: %s", outcome.Reason)
		t.fail(a.tx, a.card, outcome)
		return
	}
	t.enterPin(a.tx, a.card, "")
}

func (t *Terminal) enterPin(tx *Transaction, card *CardSession, message string) {
	p := &pinEntry{
		tx:      tx,
		card:    card,
		pin:     NewPinBuffer(t.config.PinLength),
		message: message,
	}
	if t.config.PinTimeout > 0 {
		p.timer = time.AfterFunc(t.config.PinTimeout, func() {
			t.loop.Post(func() { t.onPinTimeout(p) })
		})
	}
	t.phase = p

	if message != "" {
		t.emit(EventPinRejected)
		return
	}
	t.emit(EventPinRequired)
}

func (t *Terminal) onPinTimeout(p *pinEntry) {
	if t.phase != p || p.timer == nil {
		return
	}
	p.timer = nil
	p.pin.Clear()
	t.fail(p.tx, p.card, failWith(ReasonPinTimeout, ""))
}

func (t *Terminal) submitPin(pin string) error {
	p, ok := t.phase.(*pinEntry)
	if !ok {
		return ErrInvalidState
	}
	if pin != "" {
		if err := p.pin.Set(pin); err != nil {
			return err
		}
	}
	if !p.pin.Complete() {
		return ErrPinIncomplete
	}

	stopTimer(&p.timer)
	req := AuthorizationRequest{
		UID:         p.card.UID,
		PIN:         p.pin.value(),
		Amount:      p.tx.Amount,
		Description: p.tx.Description,
	}
	p.pin.Clear()

	z := &authorizing{tx: p.tx, card: p.card}
	t.phase = z
	t.inflight = z
	t.txLogger(z.tx).Info("authorizing payment")
	t.emit(EventAuthorizing)

	// An authorization is never abandoned mid-flight; a result that arrives
	// after the transaction ended is reported instead
	ctx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), t.config.ServiceTimeout)
	go func() {
		defer cancel()
		res, err := t.authorizer.Authorize(ctx, req)
		if !t.loop.Post(func() { t.onAuthorized(z, res, err) }) {
			t.reportLate(z.tx, res, err)
		}
	}()
	return nil
}

func (t *Terminal) onAuthorized(z *authorizing, res Authorization, err error) {
	if t.inflight == z {
		t.inflight = nil
	}
	if t.phase != z {
		t.reportLate(z.tx, res, err)
		t.notify(Event{Type: EventLateResult, Late: lateResult(z.tx, res, err)})
		return
	}

	if err == nil {
		z.tx.Reference = res.Reference
		t.phase = &succeeded{tx: z.tx, card: z.card, authorization: res}
		t.approvals.Add(1)
		t.txLogger(z.tx).WithField("reference", res.Reference).Info("payment approved")
		t.emit(EventApproved)
		return
	}

	if IsInvalidPin(err) {
		z.tx.PinAttempts++
	}
	outcome := Classify(err, z.tx.PinAttempts, t.config.MaxPinAttempts)
	if outcome.RetryPin {
		t.txLogger(z.tx).Warnf("invalid PIN (%d/%d)", z.tx.PinAttempts, t.config.MaxPinAttempts)
		t.enterPin(z.tx, z.card, outcome.Message)
		return
	}

	t.txLogger(z.tx).WithError(err).Warnf("authorization failed: %s", outcome.Reason)
	t.fail(z.tx, z.card, outcome)
}

// reportLate logs an authorization result for a transaction that already
// ended. May run off the loop.
func (t *Terminal) reportLate(tx *Transaction, res Authorization, err error) {
	t.lateResponses.Add(1)
	entry := t.txLogger(tx)
	if err == nil {
		entry.WithField("reference", res.Reference).
			Error("payment approved after the transaction ended, reconciliation required")
		return
	}
	entry.WithError(err).Info("authorization result arrived after the transaction ended")
}

func lateResult(tx *Transaction, res Authorization, err error) *LateResult {
	late := &LateResult{
		TransactionID: tx.ID.String(),
		Amount:        tx.Amount.StringFixed(AmountDecimals),
		Approved:      err == nil,
	}
	if err != nil {
		late.Error = err.Error()
		return late
	}
	late.Reference = res.Reference
	return late
}

func (t *Terminal) onLinkDrop(link.DropEvent) {
	switch t.phase.(type) {
	case *armed, *pinEntry, *authorizing:
	default:
		return
	}

	tx, card := t.current()
	t.teardown()
	t.fail(tx, card, failWith(ReasonLinkLost, ""))
}

func (t *Terminal) fail(tx *Transaction, card *CardSession, outcome Outcome) {
	tx.Reason = outcome.Reason
	t.phase = &failed{tx: tx, card: card, outcome: outcome}
	t.failures.Add(1)
	if outcome.Reason == ReasonLinkLost {
		t.linkLost.Add(1)
	}
	t.txLogger(tx).WithField("reason", outcome.Reason).Warn("transaction failed")
	t.emit(EventFailed)
}

func (t *Terminal) reset(event EventType) {
	t.teardown()
	t.amount.Clear()
	t.phase = &amountEntry{}
	t.emit(event)
}

// teardown releases whatever the current phase holds
func (t *Terminal) teardown() {
	switch p := t.phase.(type) {
	case *armed:
		t.disarm(p)
		if p.verify != nil {
			p.verify()
			p.verify = nil
		}
	case *pinEntry:
		stopTimer(&p.timer)
		p.pin.Clear()
	case *authorizing:
		t.txLogger(p.tx).Warn("leaving transaction with authorization in flight")
	}
}

func (t *Terminal) current() (*Transaction, *CardSession) {
	switch p := t.phase.(type) {
	case *armed:
		return p.tx, p.card
	case *pinEntry:
		return p.tx, p.card
	case *authorizing:
		return p.tx, p.card
	case *succeeded:
		return p.tx, p.card
	case *failed:
		return p.tx, p.card
	default:
		return nil, nil
	}
}

func (t *Terminal) txLogger(tx *Transaction) *logrus.Entry {
	return t.logger.WithField("transaction", tx.ID.String())
}

// emit publishes a new snapshot and notifies observers
func (t *Terminal) emit(eventType EventType) {
	t.notify(Event{Type: eventType})
}

func (t *Terminal) notify(ev Event) {
	ev.At = time.Now()
	ev.Snapshot = t.publish()
	for _, fn := range t.observers {
		fn(ev)
	}
}

func (t *Terminal) publish() Snapshot {
	s := Snapshot{
		Link:           t.link.Info(),
		State:          t.phase.state(),
		MaxPinAttempts: t.config.MaxPinAttempts,
	}

	switch p := t.phase.(type) {
	case *amountEntry:
		s.Amount = t.amount.String()
		switch {
		case t.inflight != nil:
			s.Message = "Previous payment still processing"
		case s.Link.Status != link.StatusConnected:
			s.Message = "Card reader not connected"
		}
	case *armed:
		s.Message = "Tap card"
		if p.card != nil {
			s.Message = "Verifying card"
		}
	case *pinEntry:
		s.PinLength = p.pin.Len()
		s.Pin = p.pin.Masked()
		s.Message = "Enter PIN"
		if p.message != "" {
			s.Message = p.message
		}
	case *authorizing:
		s.Message = "Processing payment"
	case *succeeded:
		s.Message = "Payment approved"
		s.Reference = p.authorization.Reference
		s.MerchantBalance = p.authorization.MerchantBalance.StringFixed(AmountDecimals)
	case *failed:
		s.Message = p.outcome.Message
		s.Reason = p.outcome.Reason
	}

	if tx, card := t.current(); tx != nil {
		s.TransactionID = tx.ID.String()
		s.Amount = tx.Amount.StringFixed(AmountDecimals)
		s.PinAttempts = tx.PinAttempts
		if card != nil {
			s.Card = channel.MaskUID(card.UID)
		}
	}
	s.AuthorizationPending = t.inflight != nil
	s.CanRetry = s.State.IsTerminal() && s.Link.Status == link.StatusConnected && t.inflight == nil

	t.snapshot.Store(&s)
	return s
}

// countedSource hands the link's data channel to the listener and counts
// every released subscription
type countedSource struct {
	t *Terminal
}

func (s countedSource) Subscribe(fn func(payload []byte)) func() {
	cancel := s.t.link.Subscribe(fn)
	return func() {
		s.t.unsubscribes.Add(1)
		cancel()
	}
}

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

// Package serial connects to card readers that expose their radio link as a
// serial bridge (RFCOMM, BLE-UART adapters or a USB dongle).
//
// The bridge speaks a line protocol. Commands are sent as AT lines and each is
// answered by exactly one response line:
//
//	AT+MTU=<n>    ->  +MTU:<n>   (negotiated packet size)
//	AT+NOTIFY=1   ->  OK         (card data channel enabled)
//	              ->  ERROR[:msg]
//
// Every other line is a base64 data channel notification.
package serial

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZaparooProject/go-cardpay/link"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the bridge firmware default
	DefaultBaudRate = 115200
	// DefaultCommandTimeout bounds a command when the caller sets no deadline
	DefaultCommandTimeout = 3 * time.Second

	respMTU    = "+MTU:"
	respOK     = "OK"
	respError  = "ERROR"
	maxLineLen = 4096

	// closeWait bounds how long Close waits for the read loop. The loop may
	// be blocked handing a payload to the goroutine that is calling Close.
	closeWait = 250 * time.Millisecond
)

var (
	// ErrCommandFailed means the bridge answered a command with ERROR
	ErrCommandFailed = errors.New("bridge command failed")
	// ErrUnexpectedResponse means the bridge answered with an unknown line
	ErrUnexpectedResponse = errors.New("unexpected bridge response")
	// ErrConnClosed means the connection was closed locally
	ErrConnClosed = errors.New("serial connection closed")
)

// Port is the subset of serial.Port the bridge needs
type Port interface {
	io.ReadWriteCloser
}

// OpenFunc opens the named port
type OpenFunc func(name string, mode *serial.Mode) (Port, error)

func openSerial(name string, mode *serial.Mode) (Port, error) {
	return serial.Open(name, mode)
}

// Dialer implements link.Dialer for serial bridges. The link identity is the
// port name, e.g. /dev/rfcomm0 or COM4.
type Dialer struct {
	open           OpenFunc
	logger         *logrus.Entry
	baudRate       int
	commandTimeout time.Duration
}

// DialerOption configures a Dialer
type DialerOption func(*Dialer)

// WithBaudRate sets the port speed
func WithBaudRate(baud int) DialerOption {
	return func(d *Dialer) {
		if baud > 0 {
			d.baudRate = baud
		}
	}
}

// WithCommandTimeout bounds each AT command
func WithCommandTimeout(timeout time.Duration) DialerOption {
	return func(d *Dialer) {
		if timeout > 0 {
			d.commandTimeout = timeout
		}
	}
}

// WithLogger sets the dialer logger
func WithLogger(logger *logrus.Entry) DialerOption {
	return func(d *Dialer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithOpenFunc replaces the port opener, used to run the bridge over pipes
func WithOpenFunc(open OpenFunc) DialerOption {
	return func(d *Dialer) {
		if open != nil {
			d.open = open
		}
	}
}

// NewDialer creates a serial bridge dialer
func NewDialer(opts ...DialerOption) *Dialer {
	d := &Dialer{
		open:           openSerial,
		logger:         logrus.WithField("component", "serial"),
		baudRate:       DefaultBaudRate,
		commandTimeout: DefaultCommandTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial implements link.Dialer
func (d *Dialer) Dial(ctx context.Context, identity string) (link.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: d.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := d.open(identity, mode)
	if err != nil {
		return nil, classifyOpenError(err)
	}

	c := &Conn{
		port:           port,
		name:           identity,
		logger:         d.logger.WithField("port", identity),
		commandTimeout: d.commandTimeout,
		responses:      make(chan string, 1),
		done:           make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func classifyOpenError(err error) error {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound, serial.InvalidSerialPort:
			return fmt.Errorf("%w: %w", link.ErrPeripheralNotFound, err)
		case serial.PortBusy, serial.PermissionDenied:
			return fmt.Errorf("%w: %w", link.ErrRadioUnavailable, err)
		default:
		}
	}
	return fmt.Errorf("failed to open port: %w", err)
}

// Conn is one open bridge connection
type Conn struct {
	port         Port
	onDisconnect func(error)
	onPayload    func([]byte)
	logger       *logrus.Entry
	responses    chan string
	done         chan struct{}
	name         string
	// cmdMu serialises commands so each response line has one waiter
	cmdMu          sync.Mutex
	mu             sync.Mutex
	commandTimeout time.Duration
	closed         atomic.Bool
	dropOnce       sync.Once
}

// RequestPacketSize implements link.Conn
func (c *Conn) RequestPacketSize(ctx context.Context, size int) (int, error) {
	resp, err := c.command(ctx, fmt.Sprintf("AT+MTU=%d", size))
	if err != nil {
		return 0, err
	}
	if !strings.HasPrefix(resp, respMTU) {
		return 0, fmt.Errorf("%w: %q", ErrUnexpectedResponse, resp)
	}
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(resp, respMTU)))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnexpectedResponse, resp)
	}
	return n, nil
}

// DiscoverDataChannel implements link.Conn. Notifications that arrive before
// the channel is enabled are discarded.
func (c *Conn) DiscoverDataChannel(ctx context.Context, fn func(payload []byte)) error {
	c.mu.Lock()
	c.onPayload = fn
	c.mu.Unlock()

	resp, err := c.command(ctx, "AT+NOTIFY=1")
	if err != nil {
		c.mu.Lock()
		c.onPayload = nil
		c.mu.Unlock()
		if errors.Is(err, ErrCommandFailed) {
			return fmt.Errorf("%w: %w", link.ErrDataChannelNotFound, err)
		}
		return err
	}
	if resp != respOK {
		c.mu.Lock()
		c.onPayload = nil
		c.mu.Unlock()
		return fmt.Errorf("%w: %w: %q", link.ErrDataChannelNotFound, ErrUnexpectedResponse, resp)
	}
	return nil
}

// OnDisconnect implements link.Conn
func (c *Conn) OnDisconnect(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

// Close implements link.Conn. A local close does not report a disconnect.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	c.onPayload = nil
	c.mu.Unlock()

	err := c.port.Close()
	timer := time.NewTimer(closeWait)
	defer timer.Stop()
	select {
	case <-c.done:
	case <-timer.C:
		c.logger.Debug("read loop still busy after close, not waiting")
	}
	if err != nil {
		return fmt.Errorf("failed to close port %s: %w", c.name, err)
	}
	return nil
}

func (c *Conn) command(ctx context.Context, line string) (string, error) {
	if c.closed.Load() {
		return "", ErrConnClosed
	}

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.commandTimeout)
		defer cancel()
	}

	// Drop a response left over from a command that timed out
	select {
	case <-c.responses:
	default:
	}

	if _, err := io.WriteString(c.port, line+"\r\n"); err != nil {
		return "", fmt.Errorf("failed to write %q: %w", line, err)
	}

	select {
	case resp := <-c.responses:
		if strings.HasPrefix(resp, respError) {
			msg := strings.TrimPrefix(strings.TrimPrefix(resp, respError), ":")
			return "", fmt.Errorf("%w: %s", ErrCommandFailed, strings.TrimSpace(msg))
		}
		return resp, nil
	case <-c.done:
		return "", fmt.Errorf("%s: %w", line, link.ErrLinkLost)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", link.NewTimeoutError(line, c.name)
		}
		return "", ctx.Err()
	}
}

func (c *Conn) readLoop() {
	defer close(c.done)

	scanner := bufio.NewScanner(c.port)
	scanner.Buffer(make([]byte, 0, 256), maxLineLen)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.handleLine(line)
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.drop(err)
}

func (c *Conn) handleLine(line string) {
	if isResponse(line) {
		select {
		case c.responses <- line:
		default:
			c.logger.Warnf("discarding unsolicited response %q", line)
		}
		return
	}

	c.mu.Lock()
	fn := c.onPayload
	c.mu.Unlock()
	if c.closed.Load() {
		return
	}
	if fn == nil {
		c.logger.Debug("discarding notification before data channel is enabled")
		return
	}
	fn([]byte(line))
}

func isResponse(line string) bool {
	return line == respOK ||
		strings.HasPrefix(line, respError) ||
		strings.HasPrefix(line, respMTU)
}

func (c *Conn) drop(err error) {
	if c.closed.Load() {
		return
	}
	c.dropOnce.Do(func() {
		c.mu.Lock()
		fn := c.onDisconnect
		c.mu.Unlock()
		c.logger.WithError(err).Warn("serial bridge disconnected")
		if fn != nil {
			fn(fmt.Errorf("%w: %w", link.ErrLinkLost, err))
		}
	})
}

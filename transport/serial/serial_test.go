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

package serial

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ZaparooProject/go-cardpay/channel"
	"github.com/ZaparooProject/go-cardpay/link"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// bridge plays the reader firmware on the far end of a pipe
type bridge struct {
	conn      net.Conn
	lines     []string
	mtu       int
	mu        sync.Mutex
	silent    bool
	notifyErr bool
}

func (b *bridge) serve() {
	scanner := bufio.NewScanner(b.conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		b.mu.Lock()
		b.lines = append(b.lines, line)
		silent, notifyErr, mtu := b.silent, b.notifyErr, b.mtu
		b.mu.Unlock()
		if silent {
			continue
		}

		switch {
		case strings.HasPrefix(line, "AT+MTU="):
			b.send(fmt.Sprintf("+MTU:%d", mtu))
		case line == "AT+NOTIFY=1" && notifyErr:
			b.send("ERROR:no characteristic")
		case line == "AT+NOTIFY=1":
			b.send("OK")
		default:
			b.send("ERROR")
		}
	}
}

func (b *bridge) send(line string) {
	_, _ = io.WriteString(b.conn, line+"\r\n")
}

func (b *bridge) received() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lines...)
}

func newBridge(t *testing.T, mtu int) (*Dialer, *bridge) {
	t.Helper()
	b := &bridge{mtu: mtu}
	open := func(name string, mode *serial.Mode) (Port, error) {
		assert.Equal(t, "/dev/rfcomm0", name)
		assert.Equal(t, DefaultBaudRate, mode.BaudRate)
		local, remote := net.Pipe()
		b.conn = remote
		go b.serve()
		t.Cleanup(func() { _ = remote.Close() })
		return local, nil
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	d := NewDialer(
		WithOpenFunc(open),
		WithLogger(logrus.NewEntry(logger)),
		WithCommandTimeout(200*time.Millisecond),
	)
	return d, b
}

func dial(t *testing.T, d *Dialer) *Conn {
	t.Helper()
	conn, err := d.Dial(context.Background(), "/dev/rfcomm0")
	require.NoError(t, err)
	c, ok := conn.(*Conn)
	require.True(t, ok)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConn_RequestPacketSize(t *testing.T) {
	t.Parallel()
	d, b := newBridge(t, 185)
	c := dial(t, d)

	size, err := c.RequestPacketSize(context.Background(), 512)
	require.NoError(t, err)
	assert.Equal(t, 185, size)
	assert.Equal(t, []string{"AT+MTU=512"}, b.received())
}

func TestConn_DataChannel(t *testing.T) {
	t.Parallel()
	d, b := newBridge(t, 512)
	c := dial(t, d)

	payload, err := channel.Encode(channel.Notification{Kind: channel.KindCard, UID: "04A1B2C3"})
	require.NoError(t, err)

	// Not delivered: the channel is not enabled yet. The command round trip
	// guarantees the line was handled before the channel is enabled.
	b.send(string(payload))
	_, err = c.RequestPacketSize(context.Background(), 512)
	require.NoError(t, err)

	got := make(chan []byte, 4)
	require.NoError(t, c.DiscoverDataChannel(context.Background(), func(p []byte) { got <- p }))
	b.send(string(payload))

	select {
	case p := <-got:
		n, err := channel.Decode(p)
		require.NoError(t, err)
		assert.Equal(t, "04A1B2C3", n.UID)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
	assert.Empty(t, got)
}

func TestConn_DataChannelMissing(t *testing.T) {
	t.Parallel()
	d, b := newBridge(t, 512)
	b.notifyErr = true
	c := dial(t, d)

	err := c.DiscoverDataChannel(context.Background(), func([]byte) {})
	require.ErrorIs(t, err, link.ErrDataChannelNotFound)
	require.ErrorIs(t, err, ErrCommandFailed)
	assert.Contains(t, err.Error(), "no characteristic")
}

func TestConn_CommandTimeout(t *testing.T) {
	t.Parallel()
	d, b := newBridge(t, 512)
	b.silent = true
	c := dial(t, d)

	_, err := c.RequestPacketSize(context.Background(), 512)
	require.ErrorIs(t, err, link.ErrConnectTimeout)
	assert.True(t, link.IsRetryable(err))
}

func TestConn_RemoteHangup(t *testing.T) {
	t.Parallel()
	d, b := newBridge(t, 512)
	c := dial(t, d)

	drops := make(chan error, 2)
	c.OnDisconnect(func(err error) { drops <- err })

	require.NoError(t, b.conn.Close())

	select {
	case err := <-drops:
		require.ErrorIs(t, err, link.ErrLinkLost)
	case <-time.After(time.Second):
		t.Fatal("disconnect not reported")
	}

	_, err := c.RequestPacketSize(context.Background(), 512)
	require.Error(t, err)
	assert.Empty(t, drops, "disconnect is reported once")
}

func TestConn_LocalCloseIsSilent(t *testing.T) {
	t.Parallel()
	d, _ := newBridge(t, 512)
	c := dial(t, d)

	dropped := make(chan struct{}, 1)
	c.OnDisconnect(func(error) { dropped <- struct{}{} })

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Empty(t, dropped)

	_, err := c.RequestPacketSize(context.Background(), 512)
	require.ErrorIs(t, err, ErrConnClosed)
}

func TestConn_CloseDoesNotWaitOnBusyDelivery(t *testing.T) {
	t.Parallel()
	d, b := newBridge(t, 512)
	c := dial(t, d)

	entered := make(chan struct{})
	release := make(chan struct{})
	var delivered int
	require.NoError(t, c.DiscoverDataChannel(context.Background(), func([]byte) {
		delivered++
		if delivered == 1 {
			close(entered)
		}
		<-release
	}))

	payload, err := channel.Encode(channel.Notification{Kind: channel.KindCard, UID: "04A1"})
	require.NoError(t, err)
	b.send(string(payload))
	<-entered

	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("Close blocked behind the payload callback")
	}

	close(release)
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit after close")
	}
	assert.Equal(t, 1, delivered)
}

func TestDialer_OpenFailure(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	d := NewDialer(WithOpenFunc(func(string, *serial.Mode) (Port, error) { return nil, boom }))

	_, err := d.Dial(context.Background(), "/dev/missing")
	require.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Dial(ctx, "/dev/missing")
	require.ErrorIs(t, err, context.Canceled)
}

func TestFilterPorts(t *testing.T) {
	t.Parallel()
	details := []*enumerator.PortDetails{
		{Name: "/dev/ttyUSB1", IsUSB: true, VID: "1a86", PID: "7523"},
		{Name: "/dev/ttyUSB0", IsUSB: true, VID: "10c4", PID: "ea60", Product: "CP2102"},
		{Name: "/dev/ttyS0"},
		{Name: "/dev/cu.debug-console"},
		nil,
	}

	tests := []struct {
		name string
		opts DetectOptions
		want []string
	}{
		{name: "all but system ports", want: []string{"/dev/ttyS0", "/dev/ttyUSB0", "/dev/ttyUSB1"}},
		{name: "usb only", opts: DetectOptions{USBOnly: true}, want: []string{"/dev/ttyUSB0", "/dev/ttyUSB1"}},
		{name: "allow list", opts: DetectOptions{Allow: []string{"10C4:EA60"}}, want: []string{"/dev/ttyUSB0"}},
		{name: "block list", opts: DetectOptions{Block: []string{" 1a86:7523 "}}, want: []string{"/dev/ttyS0", "/dev/ttyUSB0"}},
		{name: "default bridge ids", opts: DetectOptions{Allow: DefaultBridgeIDs()}, want: []string{"/dev/ttyUSB0", "/dev/ttyUSB1"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ports := filterPorts(details, tt.opts)
			names := make([]string, 0, len(ports))
			for _, p := range ports {
				names = append(names, p.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}

	ports := filterPorts(details[1:2], DetectOptions{})
	require.Len(t, ports, 1)
	assert.Equal(t, "10C4:EA60", ports[0].VIDPID())
	assert.Equal(t, "CP2102", ports[0].Product)
}

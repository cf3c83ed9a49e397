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

// Command cardterm runs a card payment terminal: it connects to the card
// reader, drives the payment flow and serves the websocket UI bridge.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	cardpay "github.com/ZaparooProject/go-cardpay"
	"github.com/ZaparooProject/go-cardpay/events"
	"github.com/ZaparooProject/go-cardpay/identity"
	"github.com/ZaparooProject/go-cardpay/internal/config"
	"github.com/ZaparooProject/go-cardpay/link"
	"github.com/ZaparooProject/go-cardpay/presentation"
	"github.com/ZaparooProject/go-cardpay/services/rest"
	"github.com/ZaparooProject/go-cardpay/transport/serial"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

type flags struct {
	envFile   *string
	assign    *string
	listPorts *bool
	usbOnly   *bool
	console   *bool
	simulate  *bool
	verbose   *bool
}

func parseFlags() *flags {
	f := &flags{
		envFile:   flag.String("env", ".env", "Environment file to load before the process environment"),
		assign:    flag.String("assign", "", "Assign the reader at this serial port (e.g. /dev/rfcomm0 or COM4) and exit"),
		listPorts: flag.Bool("list-ports", false, "List serial ports that may host a reader bridge and exit"),
		usbOnly:   flag.Bool("usb-only", false, "With -list-ports, only show USB serial adapters"),
		console:   flag.Bool("console", false, "Read terminal commands from stdin"),
		simulate:  flag.Bool("simulate", false, "Use an in-memory reader and demo services; implies -console"),
		verbose:   flag.Bool("verbose", false, "Enable debug logging"),
	}
	flag.Parse()
	return f
}

func main() {
	if run() != 0 {
		os.Exit(1)
	}
}

func run() int {
	f := parseFlags()
	out := NewOutput(os.Stdout, *f.verbose)

	cfg, err := config.Load(*f.envFile)
	if err != nil {
		out.Error("invalid configuration: %v", err)
		return 1
	}

	if *f.listPorts {
		return listPorts(out, *f.usbOnly)
	}

	store := identity.NewFileStore(cfg.IdentityFile)
	if *f.assign != "" {
		if err := store.Save(*f.assign); err != nil {
			out.Error("%v", err)
			return 1
		}
		out.OK("reader %s assigned in %s", *f.assign, store.Path())
		return 0
	}

	logger := setupLogger(cfg, *f.verbose)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, f, store, out, logger); err != nil {
		out.Error("%v", err)
		return 1
	}
	return 0
}

func setupLogger(cfg *config.Config, verbose bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Warnf("unknown log level %q, using info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	if verbose {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)
	return logger
}

func listPorts(out *Output, usbOnly bool) int {
	ports, err := serial.Detect(serial.DetectOptions{USBOnly: usbOnly})
	if err != nil {
		out.Error("%v", err)
		return 1
	}
	out.Ports(ports)
	return 0
}

// services builds the reader dialer and the payment services
func services(
	cfg *config.Config,
	simulate bool,
	logger *logrus.Logger,
) (link.Dialer, cardpay.CardVerifier, cardpay.PaymentAuthorizer, *simulator, error) {
	if simulate {
		sim := newSimulator()
		return sim.dialer, sim, sim, sim, nil
	}

	if cfg.APIBaseURL == "" {
		return nil, nil, nil, nil, fmt.Errorf("%sAPI_URL is required", config.Prefix)
	}
	client, err := rest.New(cfg.APIBaseURL,
		rest.WithToken(cfg.APIToken),
		rest.WithLegacyPinMessages(cfg.LegacyPinMessages),
		rest.WithLogger(logger.WithField("component", "rest")),
	)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	dialer := serial.NewDialer(
		serial.WithBaudRate(cfg.BaudRate),
		serial.WithLogger(logger.WithField("component", "serial")),
	)
	return dialer, client, client, nil, nil
}

func serve(
	ctx context.Context,
	cfg *config.Config,
	f *flags,
	store link.IdentityStore,
	out *Output,
	logger *logrus.Logger,
) error {
	dialer, verifier, authorizer, sim, err := services(cfg, *f.simulate, logger)
	if err != nil {
		return err
	}
	if sim != nil {
		store = link.NewMemoryStore("sim://reader")
	}
	if cfg.ReaderPort != "" && sim == nil {
		if err := store.Save(cfg.ReaderPort); err != nil {
			return fmt.Errorf("failed to assign reader: %w", err)
		}
	}

	term, err := cardpay.New(dialer, store, verifier, authorizer,
		cardpay.WithConfig(cfg.Terminal),
		cardpay.WithLogger(logger.WithField("component", "terminal")),
	)
	if err != nil {
		return err
	}

	bridge := presentation.NewBridge(term,
		presentation.WithLogger(logger.WithField("component", "presentation")),
	)
	defer bridge.Close()
	if err := term.Observe(bridge.Handle); err != nil {
		return err
	}

	if cfg.NATSURL != "" {
		nc, err := events.Connect(events.ConnectConfig{
			URL:   cfg.NATSURL,
			Token: cfg.NATSToken,
			Name:  "cardterm " + cfg.TerminalID,
		})
		if err != nil {
			return err
		}
		defer closeNATS(nc, logger)

		publisher := events.NewNATSPublisher(nc,
			events.WithSubjectPrefix(cfg.NATSSubjectPrefix),
			events.WithTerminalID(cfg.TerminalID),
			events.WithLogger(logger.WithField("component", "events")),
		)
		if err := term.Observe(publisher.Handle); err != nil {
			return err
		}
		if err := term.ObserveLinkDrops(publisher.HandleDrop); err != nil {
			return err
		}
		logger.Infof("publishing terminal events to %s.*", cfg.NATSSubjectPrefix)
	}

	interactive := *f.console || sim != nil
	if interactive {
		if err := term.Observe(out.Event); err != nil {
			return err
		}
		if err := term.ObserveLinkDrops(out.Drop); err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: presentation.Routes(bridge, presentation.RouteConfig{
			AllowedOrigins: cfg.AllowedOrigins,
			RateLimit:      cfg.RateLimit,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("ui bridge listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("ui bridge: %w", err)
			cancel()
		}
		close(serverErr)
	}()

	if interactive {
		var tap tapper
		if sim != nil {
			tap = sim
		}
		console := NewConsole(term, out, tap)
		go func() {
			console.Run(ctx, os.Stdin)
			cancel()
		}()
		out.Info("console ready, type 'help' for commands")
	}

	runErr := term.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("ui bridge shutdown failed")
	}

	if err := <-serverErr; err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}

	m := term.GetMetrics()
	logger.WithFields(logrus.Fields{
		"approvals":     m.Approvals,
		"failures":      m.Failures,
		"linkLost":      m.LinkLost,
		"lateResponses": m.LateResponses,
	}).Info("terminal stopped")
	return nil
}

func closeNATS(nc *nats.Conn, logger *logrus.Logger) {
	if err := nc.Drain(); err != nil {
		logger.WithError(err).Warn("failed to drain nats connection")
		nc.Close()
	}
}

func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

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

// Package rest implements the card verification and payment authorization
// services over HTTP.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	cardpay "github.com/ZaparooProject/go-cardpay"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultTimeout bounds one HTTP exchange
	DefaultTimeout = 20 * time.Second

	maxBodySize = 1 << 20
)

// Service failure codes
const (
	CodeInvalidPin        = "INVALID_PIN"
	CodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	CodeCardLocked        = "CARD_LOCKED"
	CodeValidationError   = "VALIDATION_ERROR"
	CodeCardNotFound      = "CARD_NOT_FOUND"
)

// ErrInvalidBaseURL means the service address could not be used
var ErrInvalidBaseURL = errors.New("invalid service base URL")

// Client talks to the card payment API. It implements cardpay.CardVerifier
// and cardpay.PaymentAuthorizer.
type Client struct {
	http    *http.Client
	logger  *logrus.Entry
	baseURL string
	token   string
	// legacyPinMatch classifies uncoded declines whose message mentions an
	// invalid PIN
	legacyPinMatch bool
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithToken sends token as a bearer credential
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithLogger sets the client logger
func WithLogger(logger *logrus.Entry) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithLegacyPinMessages treats a decline without a code whose message
// contains "invalid pin" as an invalid PIN. Only for services that predate
// structured codes.
func WithLegacyPinMessages(enabled bool) Option {
	return func(c *Client) {
		c.legacyPinMatch = enabled
	}
}

// New creates a client for the API rooted at baseURL
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBaseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, baseURL)
	}

	c := &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
		logger:  logrus.WithField("component", "rest"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type verificationResponse struct {
	ExpiryDate        flexTime        `json:"expiryDate"`
	LastUsed          flexTime        `json:"lastUsed"`
	Balance           decimal.Decimal `json:"balance"`
	CardStatus        string          `json:"cardStatus"`
	RequiresPinChange bool            `json:"requiresPinChange"`
}

type paymentRequest struct {
	UID         string      `json:"uid"`
	PIN         string      `json:"pin"`
	Description string      `json:"description"`
	Amount      json.Number `json:"amount"`
}

type paymentResponse struct {
	Amount          decimal.Decimal `json:"amount"`
	CustomerBalance decimal.Decimal `json:"customerBalance"`
	MerchantBalance decimal.Decimal `json:"merchantBalance"`
	Reference       string          `json:"transactionReference"`
}

type failureResponse struct {
	RemainingAttempts *int   `json:"remainingAttempts"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	Error             string `json:"error"`
}

func (f failureResponse) text() string {
	if f.Message != "" {
		return f.Message
	}
	return f.Error
}

// Verify implements cardpay.CardVerifier
func (c *Client) Verify(ctx context.Context, uid string) (cardpay.Verification, error) {
	endpoint := c.baseURL + "/cards/" + url.PathEscape(uid) + "/verification"
	status, body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return cardpay.Verification{}, fmt.Errorf("verify card: %w", err)
	}

	switch {
	case status == http.StatusOK:
	case status == http.StatusNotFound:
		return cardpay.Verification{}, fmt.Errorf("verify card: %w", cardpay.ErrCardNotFound)
	default:
		fail := decodeFailure(body)
		if fail.Code == CodeCardNotFound {
			return cardpay.Verification{}, fmt.Errorf("verify card: %w", cardpay.ErrCardNotFound)
		}
		return cardpay.Verification{}, fmt.Errorf("verify card: %w: HTTP %d %s",
			cardpay.ErrServiceFailure, status, fail.text())
	}

	var resp verificationResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return cardpay.Verification{}, fmt.Errorf("verify card: %w: malformed response: %w",
			cardpay.ErrServiceFailure, err)
	}

	v := cardpay.Verification{
		Status:            cardpay.ParseVerificationStatus(resp.CardStatus),
		RequiresPinChange: resp.RequiresPinChange,
		Balance:           resp.Balance,
		ExpiryDate:        resp.ExpiryDate.Time,
		LastUsed:          resp.LastUsed.Time,
	}
	for field, ft := range map[string]flexTime{"expiryDate": resp.ExpiryDate, "lastUsed": resp.LastUsed} {
		if ft.raw != "" {
			c.logger.WithFields(logrus.Fields{"field": field, "value": ft.raw}).
				Warn("ignoring unparseable date in verification")
		}
	}
	if v.Status == cardpay.VerificationInactive && !strings.EqualFold(resp.CardStatus, "inactive") {
		c.logger.WithField("cardStatus", resp.CardStatus).Warn("unrecognized card status, treating as inactive")
	}
	return v, nil
}

// Authorize implements cardpay.PaymentAuthorizer
func (c *Client) Authorize(ctx context.Context, req cardpay.AuthorizationRequest) (cardpay.Authorization, error) {
	payload, err := json.Marshal(paymentRequest{
		UID:         req.UID,
		PIN:         req.PIN,
		Amount:      json.Number(req.Amount.StringFixed(cardpay.AmountDecimals)),
		Description: req.Description,
	})
	if err != nil {
		return cardpay.Authorization{}, fmt.Errorf("authorize payment: %w", err)
	}

	status, body, err := c.do(ctx, http.MethodPost, c.baseURL+"/payments/card", payload)
	if err != nil {
		return cardpay.Authorization{}, fmt.Errorf("authorize payment: %w", err)
	}

	if status != http.StatusOK && status != http.StatusCreated {
		return cardpay.Authorization{}, fmt.Errorf("authorize payment: %w", c.declineError(status, body))
	}

	var resp paymentResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return cardpay.Authorization{}, fmt.Errorf("authorize payment: %w: malformed response: %w",
			cardpay.ErrServiceFailure, err)
	}
	if resp.Reference == "" {
		return cardpay.Authorization{}, fmt.Errorf("authorize payment: %w: response has no transaction reference",
			cardpay.ErrServiceFailure)
	}

	return cardpay.Authorization{
		Reference:       resp.Reference,
		Amount:          resp.Amount,
		CustomerBalance: resp.CustomerBalance,
		MerchantBalance: resp.MerchantBalance,
	}, nil
}

// declineError maps a failed authorization response to a structured error
func (c *Client) declineError(status int, body []byte) error {
	fail := decodeFailure(body)
	msg := fail.text()

	switch strings.ToUpper(strings.TrimSpace(fail.Code)) {
	case CodeInvalidPin:
		return cardpay.NewAuthorizationError(cardpay.FailureInvalidPin, msg, fail.RemainingAttempts)
	case CodeInsufficientFunds:
		return cardpay.NewAuthorizationError(cardpay.FailureInsufficientFunds, msg, nil)
	case CodeCardLocked:
		return cardpay.NewAuthorizationError(cardpay.FailureCardLocked, msg, nil)
	case CodeValidationError:
		return cardpay.NewAuthorizationError(cardpay.FailureValidation, msg, nil)
	case CodeCardNotFound:
		return fmt.Errorf("%w: %s", cardpay.ErrCardNotFound, msg)
	case "":
	default:
		return cardpay.NewAuthorizationError(cardpay.FailureUnknown, msg, fail.RemainingAttempts)
	}

	if c.legacyPinMatch && strings.Contains(strings.ToLower(msg), "invalid pin") {
		c.logger.WithField("status", status).Warn("classified uncoded decline as invalid PIN from its message")
		return cardpay.NewAuthorizationError(cardpay.FailureInvalidPin, msg, fail.RemainingAttempts)
	}

	switch {
	case status >= http.StatusInternalServerError:
		return fmt.Errorf("%w: HTTP %d %s", cardpay.ErrServiceFailure, status, msg)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return cardpay.NewAuthorizationError(cardpay.FailureValidation, msg, nil)
	default:
		return cardpay.NewAuthorizationError(cardpay.FailureUnknown, msg, nil)
	}
}

func decodeFailure(body []byte) failureResponse {
	var fail failureResponse
	if err := json.Unmarshal(body, &fail); err != nil {
		fail.Message = strings.TrimSpace(string(body))
	}
	return fail
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, nil, err
		}
		return 0, nil, fmt.Errorf("%w: %w", cardpay.ErrServiceUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: failed to read response: %w", cardpay.ErrServiceUnavailable, err)
	}

	c.logger.WithFields(logrus.Fields{
		"method":   method,
		"path":     req.URL.Path,
		"status":   resp.StatusCode,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Debug("service call")
	return resp.StatusCode, data, nil
}

// flexTime accepts RFC 3339 timestamps, plain dates, card expiry dates and
// null. Anything else decodes as the zero time with the input kept in raw.
type flexTime struct {
	time.Time
	raw string
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02", "2006-01", "01/06", "01/2006"}

// UnmarshalJSON implements json.Unmarshaler
func (t *flexTime) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		t.raw = string(data)
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	t.raw = s
	return nil
}

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
	"fmt"
	"sort"
	"strings"

	"go.bug.st/serial/enumerator"
)

// PortInfo describes a serial port that may host a reader bridge
type PortInfo struct {
	Name         string `json:"name"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	Product      string `json:"product,omitempty"`
	IsUSB        bool   `json:"isUsb"`
}

// VIDPID returns the USB id in VID:PID form, or "" for non-USB ports
func (p PortInfo) VIDPID() string {
	if p.VID == "" || p.PID == "" {
		return ""
	}
	return strings.ToUpper(p.VID + ":" + p.PID)
}

// DetectOptions filters detected ports
type DetectOptions struct {
	// Allow keeps only USB ports whose VID:PID is listed. Empty keeps all.
	Allow []string
	// Block drops ports whose VID:PID is listed
	Block []string
	// USBOnly drops ports without USB metadata
	USBOnly bool
}

// DefaultBridgeIDs lists USB-serial chips commonly used by reader bridges
func DefaultBridgeIDs() []string {
	return []string{
		"10C4:EA60", // Silicon Labs CP210x
		"1A86:7523", // WCH CH340
		"0403:6001", // FTDI FT232R
		"0403:6015", // FTDI FT-X
	}
}

var listPorts = enumerator.GetDetailedPortsList

// Detect lists serial ports that match opts, sorted by name
func Detect(opts DetectOptions) ([]PortInfo, error) {
	details, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	return filterPorts(details, opts), nil
}

func filterPorts(details []*enumerator.PortDetails, opts DetectOptions) []PortInfo {
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		if d == nil {
			continue
		}
		port := PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          strings.ToUpper(d.VID),
			PID:          strings.ToUpper(d.PID),
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		}
		if keepPort(port, opts) {
			ports = append(ports, port)
		}
	}

	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
	return ports
}

func keepPort(port PortInfo, opts DetectOptions) bool {
	if isSystemPort(port.Name) {
		return false
	}
	if opts.USBOnly && !port.IsUSB {
		return false
	}
	id := port.VIDPID()
	if id != "" && containsID(opts.Block, id) {
		return false
	}
	if len(opts.Allow) > 0 {
		return id != "" && containsID(opts.Allow, id)
	}
	return true
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if strings.EqualFold(strings.TrimSpace(candidate), id) {
			return true
		}
	}
	return false
}

// isSystemPort filters consoles and debug ports that never host a bridge
func isSystemPort(name string) bool {
	lower := strings.ToLower(name)
	for _, pattern := range []string{"console", "debug", "bluetooth-incoming"} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

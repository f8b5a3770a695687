// Copyright 2018 xft. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license.  See the LICENSE file for details.

package test

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/grid-x/mbmaster"
)

// rtuOverTCPDevice is a diagslave in RTU over TCP mode, e.g. localhost:5021.
var rtuOverTCPDevice = os.Getenv("MODBUS_RTU_OVER_TCP_DEVICE")

func TestRTUOverTCPClient(t *testing.T) {
	if rtuOverTCPDevice == "" {
		t.Skip("MODBUS_RTU_OVER_TCP_DEVICE not set")
	}
	// Diagslave does not support broadcast id.
	handler := mbmaster.NewRTUOverTCPHandler(rtuOverTCPDevice)
	handler.Timeout = 5 * time.Second
	m, h := run(t, handler)
	ClientTestAll(t, m, h, 17)
}

func TestRTUOverTCPClientTraced(t *testing.T) {
	if rtuOverTCPDevice == "" {
		t.Skip("MODBUS_RTU_OVER_TCP_DEVICE not set")
	}
	handler := mbmaster.NewRTUOverTCPHandler(rtuOverTCPDevice)
	handler.Timeout = 5 * time.Second
	handler.Logger = slog.NewLogLogger(slog.NewJSONHandler(os.Stdout, nil), slog.LevelDebug)
	if err := handler.Connect(); err != nil {
		t.Fatal(err)
	}
	m, h := run(t, handler)
	ClientTestAll(t, m, h, 1)
}

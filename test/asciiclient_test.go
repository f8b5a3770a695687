// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license.  See the LICENSE file for details.

package test

import (
	"log/slog"
	"os"
	"testing"

	"github.com/grid-x/mbmaster"
)

// asciiDevice is a diagslave in ASCII mode, e.g. /dev/pts/2.
var asciiDevice = os.Getenv("MODBUS_ASCII_DEVICE")

func TestASCIIClient(t *testing.T) {
	if asciiDevice == "" {
		t.Skip("MODBUS_ASCII_DEVICE not set")
	}
	handler := mbmaster.NewASCIIHandler(asciiDevice)
	handler.BaudRate = 19200
	handler.DataBits = 8
	handler.Parity = "E"
	handler.StopBits = 1
	handler.Logger = slog.NewLogLogger(slog.NewJSONHandler(os.Stdout, nil), slog.LevelDebug)
	if err := handler.Connect(); err != nil {
		t.Fatal(err)
	}
	m, h := run(t, handler)
	// Diagslave does not support broadcast id.
	ClientTestAll(t, m, h, 17)
}

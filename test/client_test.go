// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license.  See the LICENSE file for details.

package test

import (
	"context"
	"testing"
	"time"

	"github.com/grid-x/mbmaster"
)

// run attaches one session of a fresh master to handler and drives it with a
// Link until the test ends.
func run(t *testing.T, handler mbmaster.Handler) (*mbmaster.Master, int) {
	t.Helper()
	m := mbmaster.New(mbmaster.Config{Masters: 1, RespTimeout: time.Second, Retries: 2})
	h, err := m.Open()
	if err != nil {
		t.Fatal(err)
	}
	link := mbmaster.NewLink(m, handler)
	link.TickInterval = time.Second
	link.Attach(h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		link.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m, h
}

// ClientTestAll runs every command against a diagslave style slave.
func ClientTestAll(t *testing.T, m *mbmaster.Master, h int, slaveID byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	check := func(name string, code mbmaster.ExceptionCode, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if code != mbmaster.NoError {
			t.Fatalf("%s: %v", name, code)
		}
	}

	bits := make([]bool, 25)
	code, err := m.ReadCoils(ctx, h, 0, 25, bits, slaveID, nil)
	check("ReadCoils", code, err)
	code, err = m.ReadDiscreteInputs(ctx, h, 15, 2, bits, slaveID, nil)
	check("ReadDiscreteInputs", code, err)

	regs := make([]int16, 10)
	code, err = m.ReadHoldingRegisters(ctx, h, 1, 10, regs, slaveID, nil)
	check("ReadHoldingRegisters", code, err)
	code, err = m.ReadInputRegisters(ctx, h, 1, 10, regs, slaveID, nil)
	check("ReadInputRegisters", code, err)

	code, err = m.WriteSingleCoil(ctx, h, 5, true, slaveID, nil)
	check("WriteSingleCoil", code, err)
	code, err = m.WriteSingleRegister(ctx, h, 2, 0x1234, slaveID, nil)
	check("WriteSingleRegister", code, err)
	code, err = m.WriteMultipleCoils(ctx, h, 5, []bool{false, false, true, false, false, false, false, false, true, true}, slaveID, nil)
	check("WriteMultipleCoils", code, err)
	code, err = m.WriteMultipleRegisters(ctx, h, 1, []int16{3, 4}, slaveID, nil)
	check("WriteMultipleRegisters", code, err)

	code, err = m.ReadHoldingRegisters(ctx, h, 1, 2, regs, slaveID, nil)
	check("ReadHoldingRegisters", code, err)
	if regs[0] != 3 || regs[1] != 4 {
		t.Fatalf("ReadHoldingRegisters: expected [3 4], actual %v", regs[:2])
	}
}

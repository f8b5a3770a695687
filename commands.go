// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package mbmaster

import (
	"context"
)

// Modbus quantity limits of a single request.
const (
	maxReadRegisters  = 125
	maxReadBits       = 2000
	maxWriteBits      = 1968
	maxWriteRegisters = 123
)

const coilOn uint16 = 0xFF00

// ReadCoils reads from 1 to 2000 contiguous status of coils of slaveID into
// dst. With a nil cb the call blocks until the command completes or ctx is
// done. Otherwise it returns immediately and cb receives the outcome.
func (m *Master) ReadCoils(ctx context.Context, h int, address, quantity uint16, dst []bool, slaveID byte, cb Callback) (ExceptionCode, error) {
	if quantity < 1 || quantity > maxReadBits || len(dst) < int(quantity) {
		return NoError, ErrInvalidArgument
	}
	return m.arm(ctx, h, opReadCoils, slaveID, request{startR: address, quantityR: quantity, coils: dst}, cb)
}

// ReadDiscreteInputs reads from 1 to 2000 contiguous status of discrete
// inputs of slaveID into dst.
func (m *Master) ReadDiscreteInputs(ctx context.Context, h int, address, quantity uint16, dst []bool, slaveID byte, cb Callback) (ExceptionCode, error) {
	if quantity < 1 || quantity > maxReadBits || len(dst) < int(quantity) {
		return NoError, ErrInvalidArgument
	}
	return m.arm(ctx, h, opReadDiscreteInputs, slaveID, request{startR: address, quantityR: quantity, coils: dst}, cb)
}

// ReadHoldingRegisters reads the contents of a contiguous block of 1 to 125
// holding registers of slaveID into dst. dst must stay untouched by the caller
// until the command completes.
func (m *Master) ReadHoldingRegisters(ctx context.Context, h int, address, quantity uint16, dst []int16, slaveID byte, cb Callback) (ExceptionCode, error) {
	if quantity < 1 || quantity > maxReadRegisters || len(dst) < int(quantity) {
		return NoError, ErrInvalidArgument
	}
	return m.arm(ctx, h, opReadHoldingRegisters, slaveID, request{startR: address, quantityR: quantity, registers: dst}, cb)
}

// ReadInputRegisters reads from 1 to 125 contiguous input registers of
// slaveID into dst.
func (m *Master) ReadInputRegisters(ctx context.Context, h int, address, quantity uint16, dst []int16, slaveID byte, cb Callback) (ExceptionCode, error) {
	if quantity < 1 || quantity > maxReadRegisters || len(dst) < int(quantity) {
		return NoError, ErrInvalidArgument
	}
	return m.arm(ctx, h, opReadInputRegisters, slaveID, request{startR: address, quantityR: quantity, registers: dst}, cb)
}

// WriteSingleCoil sets a single coil of slaveID to ON or OFF.
func (m *Master) WriteSingleCoil(ctx context.Context, h int, address uint16, on bool, slaveID byte, cb Callback) (ExceptionCode, error) {
	var value uint16
	if on {
		value = coilOn
	}
	return m.arm(ctx, h, opWriteSingleCoil, slaveID, request{startW: address, quantityW: 1, value: value}, cb)
}

// WriteSingleRegister writes a single holding register of slaveID.
func (m *Master) WriteSingleRegister(ctx context.Context, h int, address uint16, value int16, slaveID byte, cb Callback) (ExceptionCode, error) {
	return m.arm(ctx, h, opWriteSingleRegister, slaveID, request{startW: address, quantityW: 1, value: uint16(value)}, cb)
}

// WriteMultipleCoils forces each coil in a sequence of 1 to 1968 coils of
// slaveID to the state in src.
func (m *Master) WriteMultipleCoils(ctx context.Context, h int, address uint16, src []bool, slaveID byte, cb Callback) (ExceptionCode, error) {
	if len(src) < 1 || len(src) > maxWriteBits {
		return NoError, ErrInvalidArgument
	}
	return m.arm(ctx, h, opWriteMultipleCoils, slaveID, request{startW: address, quantityW: uint16(len(src)), coils: src}, cb)
}

// WriteMultipleRegisters writes a block of 1 to 123 contiguous registers of
// slaveID from src.
func (m *Master) WriteMultipleRegisters(ctx context.Context, h int, address uint16, src []int16, slaveID byte, cb Callback) (ExceptionCode, error) {
	if len(src) < 1 || len(src) > maxWriteRegisters {
		return NoError, ErrInvalidArgument
	}
	return m.arm(ctx, h, opWriteMultipleRegisters, slaveID, request{startW: address, quantityW: uint16(len(src)), registers: src}, cb)
}

// arm stores the command in session h and publishes it. The command becomes
// visible to RecvMsg, SendMsg and Task only once every parameter is in place.
func (m *Master) arm(ctx context.Context, h int, kind opKind, slaveID byte, req request, cb Callback) (ExceptionCode, error) {
	s, err := m.session(h)
	if err != nil {
		return NoError, err
	}
	s.mu.Lock()
	if s.active() != opIdle || slaveID == 0 {
		s.mu.Unlock()
		return NoError, ErrBusy
	}
	s.exceptionCode = NoError
	s.req = req
	s.slaveID = slaveID
	s.retryCount = s.retryMax
	s.transmitted = false
	s.drain()
	if cb != nil {
		s.done = invoke(cb)
	} else {
		s.done = s.event
	}
	event := s.event
	s.cmd.Store(uint32(kind))
	s.mu.Unlock()
	m.logf("modbus: master %d: arm function '%v' slave '%v'", h, kind.functionCode(), slaveID)

	if cb != nil {
		return NoError, nil
	}
	return m.wait(ctx, s, event)
}

// wait blocks on event until the command of s completes. When ctx is done
// first the command is withdrawn without notification. A command dropped by
// Init returns ErrAborted.
func (m *Master) wait(ctx context.Context, s *session, event signal) (ExceptionCode, error) {
	for {
		select {
		case <-event:
			s.mu.Lock()
			if s.event != event {
				s.mu.Unlock()
				return NoError, ErrAborted
			}
			if s.active() == opIdle {
				code := s.exceptionCode
				s.mu.Unlock()
				return code, nil
			}
			// Late signal of a previous command.
			s.mu.Unlock()
		case <-ctx.Done():
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.event != event {
				return NoError, ErrAborted
			}
			if s.active() == opIdle {
				return s.exceptionCode, nil
			}
			s.done = nil
			s.req = request{}
			s.cmd.Store(uint32(opIdle))
			return NoError, ctx.Err()
		}
	}
}

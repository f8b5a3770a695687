// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package mbmaster

import (
	"context"
	"time"
)

// Commander declares the application side of a master session pool. Every
// command takes a session handle returned by Open and the id of the slave to
// address. With a nil Callback the command blocks until it completes or ctx is
// done; otherwise it returns at once and the callback receives the outcome.
type Commander interface {
	Open() (int, error)
	Release(h int) error
	RespTimeout(h int) time.Duration
	SetRespTimeout(h int, d time.Duration) error
	SetRetries(h int, n int) error

	// Bit access

	// ReadCoils reads from 1 to 2000 contiguous status of coils in a
	// remote device into dst.
	ReadCoils(ctx context.Context, h int, address, quantity uint16, dst []bool, slaveID byte, cb Callback) (ExceptionCode, error)
	// ReadDiscreteInputs reads from 1 to 2000 contiguous status of
	// discrete inputs in a remote device into dst.
	ReadDiscreteInputs(ctx context.Context, h int, address, quantity uint16, dst []bool, slaveID byte, cb Callback) (ExceptionCode, error)
	// WriteSingleCoil write a single output to either ON or OFF in a
	// remote device.
	WriteSingleCoil(ctx context.Context, h int, address uint16, on bool, slaveID byte, cb Callback) (ExceptionCode, error)
	// WriteMultipleCoils forces each coil in a sequence of coils to either
	// ON or OFF in a remote device.
	WriteMultipleCoils(ctx context.Context, h int, address uint16, src []bool, slaveID byte, cb Callback) (ExceptionCode, error)

	// 16-bit access

	// ReadInputRegisters reads from 1 to 125 contiguous input registers in
	// a remote device into dst.
	ReadInputRegisters(ctx context.Context, h int, address, quantity uint16, dst []int16, slaveID byte, cb Callback) (ExceptionCode, error)
	// ReadHoldingRegisters reads the contents of a contiguous block of
	// holding registers in a remote device into dst.
	ReadHoldingRegisters(ctx context.Context, h int, address, quantity uint16, dst []int16, slaveID byte, cb Callback) (ExceptionCode, error)
	// WriteSingleRegister writes a single holding register in a remote
	// device.
	WriteSingleRegister(ctx context.Context, h int, address uint16, value int16, slaveID byte, cb Callback) (ExceptionCode, error)
	// WriteMultipleRegisters writes a block of contiguous registers
	// (1 to 123 registers) in a remote device.
	WriteMultipleRegisters(ctx context.Context, h int, address uint16, src []int16, slaveID byte, cb Callback) (ExceptionCode, error)
}

// Endpoint declares the transport side of a master session pool.
type Endpoint interface {
	// RecvMsg fills pdu with the pending request of session h.
	RecvMsg(h int, pdu []byte) (slaveID byte, size int)
	// SendMsg hands a response PDU from slaveID to session h.
	SendMsg(h int, slaveID byte, pdu []byte)
	// Task ages session h by one tick.
	Task(h int)
	// RespTimeout returns the per-attempt response timeout of session h.
	RespTimeout(h int) time.Duration
}

var (
	_ Commander = (*Master)(nil)
	_ Endpoint  = (*Master)(nil)
)

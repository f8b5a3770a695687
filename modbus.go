// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

/*
Package mbmaster provides a MODBUS master session engine.

A Master owns a fixed pool of sessions. Each session carries at most one
outstanding request toward a slave and is driven by three parties: the
application arming a command, the transport asking for the next PDU to send
(RecvMsg) and handing back received PDUs (SendMsg), and a periodic tick
(Task) that ages the request and terminates it once retries are exhausted.

Framing, checksums and wire I/O belong to the transport. The handlers in this
package (RTU, RTU over TCP, ASCII and TCP) together with Link are one such
transport.
*/
package mbmaster

import (
	"errors"
	"fmt"
)

const (
	// FuncCodeReadDiscreteInputs for bit wise access
	FuncCodeReadDiscreteInputs = 2
	// FuncCodeReadCoils for bit wise access
	FuncCodeReadCoils = 1
	// FuncCodeWriteSingleCoil for bit wise access
	FuncCodeWriteSingleCoil = 5
	// FuncCodeWriteMultipleCoils for bit wise access
	FuncCodeWriteMultipleCoils = 15

	// FuncCodeReadInputRegisters 16-bit wise access
	FuncCodeReadInputRegisters = 4
	// FuncCodeReadHoldingRegisters 16-bit wise access
	FuncCodeReadHoldingRegisters = 3
	// FuncCodeWriteSingleRegister 16-bit wise access
	FuncCodeWriteSingleRegister = 6
	// FuncCodeWriteMultipleRegisters 16-bit wise access
	FuncCodeWriteMultipleRegisters = 16

	// exceptionFlag is ORed into the function code of an exception response.
	exceptionFlag = 0x80
)

// ExceptionCode is the outcome of a command. It unifies the exception codes
// reported by slaves with the errors detected by the master itself.
type ExceptionCode byte

const (
	// NoError means the slave answered with a well formed response.
	NoError ExceptionCode = 0
	// ExceptionCodeIllegalFunction error code
	ExceptionCodeIllegalFunction ExceptionCode = 1
	// ExceptionCodeIllegalDataAddress error code
	ExceptionCodeIllegalDataAddress ExceptionCode = 2
	// ExceptionCodeIllegalDataValue error code
	ExceptionCodeIllegalDataValue ExceptionCode = 3
	// ExceptionCodeServerDeviceFailure error code
	ExceptionCodeServerDeviceFailure ExceptionCode = 4
	// ExceptionCodeAcknowledge error code
	ExceptionCodeAcknowledge ExceptionCode = 5
	// ExceptionCodeServerDeviceBusy error code
	ExceptionCodeServerDeviceBusy ExceptionCode = 6
	// ExceptionCodeMemoryParityError error code
	ExceptionCodeMemoryParityError ExceptionCode = 8
	// ExceptionCodeGatewayPathUnavailable error code
	ExceptionCodeGatewayPathUnavailable ExceptionCode = 10
	// ExceptionCodeGatewayTargetDeviceFailedToRespond error code
	ExceptionCodeGatewayTargetDeviceFailedToRespond ExceptionCode = 11

	// PduReceivedWrong is set when a response does not match the request.
	PduReceivedWrong ExceptionCode = 0xFE
	// SlaveNotRespond is set when all retries expired without any reply.
	SlaveNotRespond ExceptionCode = 0xFF
)

func (c ExceptionCode) String() string {
	switch c {
	case NoError:
		return "no error"
	case ExceptionCodeIllegalFunction:
		return "illegal function"
	case ExceptionCodeIllegalDataAddress:
		return "illegal data address"
	case ExceptionCodeIllegalDataValue:
		return "illegal data value"
	case ExceptionCodeServerDeviceFailure:
		return "server device failure"
	case ExceptionCodeAcknowledge:
		return "acknowledge"
	case ExceptionCodeServerDeviceBusy:
		return "server device busy"
	case ExceptionCodeMemoryParityError:
		return "memory parity error"
	case ExceptionCodeGatewayPathUnavailable:
		return "gateway path unavailable"
	case ExceptionCodeGatewayTargetDeviceFailedToRespond:
		return "gateway target device failed to respond"
	case PduReceivedWrong:
		return "pdu received wrong"
	case SlaveNotRespond:
		return "slave not respond"
	default:
		return "unknown"
	}
}

// Err returns nil for NoError and an *Error otherwise.
func (c ExceptionCode) Err(functionCode byte) error {
	if c == NoError {
		return nil
	}
	return &Error{FunctionCode: functionCode, ExceptionCode: c}
}

// Error implements error interface.
type Error struct {
	FunctionCode  byte
	ExceptionCode ExceptionCode
}

// Error converts known modbus exception code to error message.
func (e *Error) Error() string {
	return fmt.Sprintf("modbus: exception '%v' (%s), function '%v'", byte(e.ExceptionCode), e.ExceptionCode, e.FunctionCode&0x7F)
}

// Errors returned synchronously by Open, Release and the arming methods.
var (
	ErrNoSlotAvailable = errors.New("modbus: no master slot available")
	ErrBusy            = errors.New("modbus: master busy or slave id invalid")
	ErrInvalidHandle   = errors.New("modbus: invalid master handle")
	ErrInvalidArgument = errors.New("modbus: invalid argument")
	// ErrAborted is returned by a blocking command dropped by Init.
	ErrAborted = errors.New("modbus: command aborted by init")
)

// ProtocolDataUnit (PDU) is independent of underlying communication layers.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

// Packager specifies the communication layer.
type Packager interface {
	SetSlave(slaveID byte)
	Encode(pdu *ProtocolDataUnit) (adu []byte, err error)
	Decode(adu []byte) (slaveID byte, pdu *ProtocolDataUnit, err error)
	Verify(aduRequest []byte, aduResponse []byte) (err error)
}

// Transporter specifies the transport layer.
type Transporter interface {
	Send(aduRequest []byte) (aduResponse []byte, err error)
}

// Connector exposes the underlying handler capability for open/connect and close the transport channel.
type Connector interface {
	Connect() error
	Close() error
}

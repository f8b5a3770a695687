// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package mbmaster

import "encoding/binary"

// MaxPDUSize is the largest PDU a serial line can carry.
const MaxPDUSize = 253

// opKind identifies the command a session is executing. The zero value means
// the session is idle.
type opKind uint32

const (
	opIdle opKind = iota
	opReadCoils
	opReadDiscreteInputs
	opReadHoldingRegisters
	opReadInputRegisters
	opWriteSingleCoil
	opWriteSingleRegister
	opWriteMultipleCoils
	opWriteMultipleRegisters
)

// request holds the parameters of the armed command. Buffers are owned by the
// caller and must stay valid until the command completes.
type request struct {
	startR    uint16
	quantityR uint16
	startW    uint16
	quantityW uint16
	registers []int16
	coils     []bool
	value     uint16
}

// operation is the arm/build/dispatch triad of one function code.
type operation struct {
	functionCode byte
	// build writes the request payload after the function code into pdu and
	// returns the PDU size, or 0 if pdu is too small.
	build func(r *request, pdu []byte) int
	// dispatch validates a normal response (pdu[0] already matched) and
	// copies results into the caller's buffer.
	dispatch func(r *request, pdu []byte) ExceptionCode
}

var operations = [...]operation{
	opReadCoils:              {FuncCodeReadCoils, buildRead, dispatchReadBits},
	opReadDiscreteInputs:     {FuncCodeReadDiscreteInputs, buildRead, dispatchReadBits},
	opReadHoldingRegisters:   {FuncCodeReadHoldingRegisters, buildRead, dispatchReadRegisters},
	opReadInputRegisters:     {FuncCodeReadInputRegisters, buildRead, dispatchReadRegisters},
	opWriteSingleCoil:        {FuncCodeWriteSingleCoil, buildWriteSingle, dispatchWriteSingle},
	opWriteSingleRegister:    {FuncCodeWriteSingleRegister, buildWriteSingle, dispatchWriteSingle},
	opWriteMultipleCoils:     {FuncCodeWriteMultipleCoils, buildWriteMultipleCoils, dispatchWriteMultiple},
	opWriteMultipleRegisters: {FuncCodeWriteMultipleRegisters, buildWriteMultipleRegisters, dispatchWriteMultiple},
}

// lookup returns the operation of kind k, or nil for idle and unknown kinds.
func (k opKind) lookup() *operation {
	if k == opIdle || int(k) >= len(operations) {
		return nil
	}
	return &operations[k]
}

func (k opKind) functionCode() byte {
	if op := k.lookup(); op != nil {
		return op.functionCode
	}
	return 0
}

// Request:
//
//	Function code         : 1 byte (0x01, 0x02, 0x03, 0x04)
//	Starting address      : 2 bytes
//	Quantity              : 2 bytes
func buildRead(r *request, pdu []byte) int {
	if len(pdu) < 5 {
		return 0
	}
	return 1 + dataBlock(pdu[1:], r.startR, r.quantityR)
}

// Response:
//
//	Function code         : 1 byte (0x01, 0x02)
//	Byte count            : 1 byte
//	Status                : N* bytes (=N or N+1)
func dispatchReadBits(r *request, pdu []byte) ExceptionCode {
	count := (int(r.quantityR) + 7) / 8
	if len(pdu) < 2 || int(pdu[1]) != count || len(pdu) != 2+count {
		return PduReceivedWrong
	}
	unpackBits(r.coils[:r.quantityR], pdu[2:])
	return NoError
}

// Response:
//
//	Function code         : 1 byte (0x03, 0x04)
//	Byte count            : 1 byte
//	Register value        : Nx2 bytes
func dispatchReadRegisters(r *request, pdu []byte) ExceptionCode {
	count := int(r.quantityR) * 2
	if len(pdu) < 2 || int(pdu[1]) != count || len(pdu) != 2+count {
		return PduReceivedWrong
	}
	for i := 0; i < int(r.quantityR); i++ {
		r.registers[i] = readInt(pdu[2+i*2:])
	}
	return NoError
}

// Request:
//
//	Function code         : 1 byte (0x05, 0x06)
//	Output address        : 2 bytes
//	Output value          : 2 bytes
func buildWriteSingle(r *request, pdu []byte) int {
	if len(pdu) < 5 {
		return 0
	}
	return 1 + dataBlock(pdu[1:], r.startW, r.value)
}

// Response:
//
//	Function code         : 1 byte (0x05, 0x06)
//	Output address        : 2 bytes
//	Output value          : 2 bytes
func dispatchWriteSingle(r *request, pdu []byte) ExceptionCode {
	if len(pdu) != 5 {
		return PduReceivedWrong
	}
	if binary.BigEndian.Uint16(pdu[1:]) != r.startW || binary.BigEndian.Uint16(pdu[3:]) != r.value {
		return PduReceivedWrong
	}
	return NoError
}

// Request:
//
//	Function code         : 1 byte (0x0F)
//	Starting address      : 2 bytes
//	Quantity of outputs   : 2 bytes
//	Byte count            : 1 byte
//	Outputs value         : N* bytes
func buildWriteMultipleCoils(r *request, pdu []byte) int {
	count := (int(r.quantityW) + 7) / 8
	if len(pdu) < 6+count {
		return 0
	}
	dataBlock(pdu[1:], r.startW, r.quantityW)
	pdu[5] = byte(count)
	return 6 + packBits(pdu[6:], r.coils[:r.quantityW])
}

// Request:
//
//	Function code         : 1 byte (0x10)
//	Starting address      : 2 bytes
//	Quantity of outputs   : 2 bytes
//	Byte count            : 1 byte
//	Registers value       : N* bytes
func buildWriteMultipleRegisters(r *request, pdu []byte) int {
	count := int(r.quantityW) * 2
	if len(pdu) < 6+count {
		return 0
	}
	dataBlock(pdu[1:], r.startW, r.quantityW)
	pdu[5] = byte(count)
	for i := 0; i < int(r.quantityW); i++ {
		writeInt(pdu[6+i*2:], r.registers[i])
	}
	return 6 + count
}

// Response:
//
//	Function code         : 1 byte (0x0F, 0x10)
//	Starting address      : 2 bytes
//	Quantity              : 2 bytes
func dispatchWriteMultiple(r *request, pdu []byte) ExceptionCode {
	if len(pdu) != 5 {
		return PduReceivedWrong
	}
	if binary.BigEndian.Uint16(pdu[1:]) != r.startW || binary.BigEndian.Uint16(pdu[3:]) != r.quantityW {
		return PduReceivedWrong
	}
	return NoError
}

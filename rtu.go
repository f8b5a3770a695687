// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package mbmaster

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/sigurn/crc16"
)

const (
	rtuMinSize = 4
	rtuMaxSize = 256

	rtuExceptionSize = 5
)

const (
	stateSlaveID = 1 << iota
	stateFunctionCode
	stateReadLength
	stateReadPayload
	stateCRC
)

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// RTUHandler implements Packager, Transporter and Connector for Modbus RTU
// on a serial line.
type RTUHandler struct {
	rtuPackager
	rtuSerialTransporter
}

// NewRTUHandler allocates and initializes a RTUHandler.
func NewRTUHandler(address string) *RTUHandler {
	handler := &RTUHandler{}
	handler.serialPort = newSerialPort(address)
	return handler
}

// RTUOverTCPHandler implements Packager, Transporter and Connector for RTU
// frames tunneled through a TCP connection, as offered by serial gateways.
type RTUOverTCPHandler struct {
	rtuPackager
	rtuTCPTransporter
}

// NewRTUOverTCPHandler allocates and initializes a RTUOverTCPHandler.
func NewRTUOverTCPHandler(address string) *RTUOverTCPHandler {
	handler := &RTUOverTCPHandler{}
	handler.tcpTransporter = newTCPTransporter(address)
	return handler
}

// rtuPackager implements Packager interface.
type rtuPackager struct {
	SlaveID byte
}

// SetSlave sets modbus slave id for the next frames.
func (mb *rtuPackager) SetSlave(slaveID byte) {
	mb.SlaveID = slaveID
}

// Encode encodes PDU in an RTU frame:
//
//	Slave Address   : 1 byte
//	Function        : 1 byte
//	Data            : 0 up to 252 bytes
//	CRC             : 2 byte
func (mb *rtuPackager) Encode(pdu *ProtocolDataUnit) (adu []byte, err error) {
	length := len(pdu.Data) + 4
	if length > rtuMaxSize {
		err = fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, rtuMaxSize)
		return
	}
	adu = make([]byte, length)

	adu[0] = mb.SlaveID
	adu[1] = pdu.FunctionCode
	copy(adu[2:], pdu.Data)

	// Append crc, low byte first
	checksum := crc16.Checksum(adu[:length-2], crcTable)
	binary.LittleEndian.PutUint16(adu[length-2:], checksum)
	return
}

// Verify verifies response length and slave id.
func (mb *rtuPackager) Verify(aduRequest []byte, aduResponse []byte) (err error) {
	length := len(aduResponse)
	// Minimum size (including address, function and CRC)
	if length < rtuMinSize {
		err = fmt.Errorf("modbus: response length '%v' does not meet minimum '%v'", length, rtuMinSize)
		return
	}
	// Slave address must match
	if aduResponse[0] != aduRequest[0] {
		err = fmt.Errorf("modbus: response slave id '%v' does not match request '%v'", aduResponse[0], aduRequest[0])
		return
	}
	return
}

// Decode extracts slave id and PDU from an RTU frame and verifies the CRC.
func (mb *rtuPackager) Decode(adu []byte) (slaveID byte, pdu *ProtocolDataUnit, err error) {
	length := len(adu)
	if length < rtuMinSize {
		err = fmt.Errorf("modbus: response length '%v' does not meet minimum '%v'", length, rtuMinSize)
		return
	}
	expected := crc16.Checksum(adu[:length-2], crcTable)
	checksum := binary.LittleEndian.Uint16(adu[length-2:])
	if checksum != expected {
		err = fmt.Errorf("modbus: response crc '%v' does not match expected '%v'", checksum, expected)
		return
	}
	slaveID = adu[0]
	pdu = &ProtocolDataUnit{
		FunctionCode: adu[1],
		Data:         adu[2 : length-2],
	}
	return
}

// InvalidLengthError is returned by readIncrementally when the modbus response would overflow buffer
type InvalidLengthError struct {
	length byte // length received which triggered the error
}

// Error implements the error interface
func (e *InvalidLengthError) Error() string {
	return fmt.Sprintf("modbus: invalid length received: %d", e.length)
}

// readIncrementally reads one RTU response to functionCode from slaveID byte
// by byte. Bytes preceding the slave id are skipped, the frame ends after
// the CRC.
func readIncrementally(slaveID, functionCode byte, r io.Reader, deadline time.Time) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("modbus: reader is nil")
	}
	data := make([]byte, rtuMaxSize)

	state := stateSlaveID
	var length, toRead byte
	var n, crcCount int

	buf := make([]byte, 1)
	for {
		if time.Now().After(deadline) { // Possible that serialport may spew data
			return nil, fmt.Errorf("modbus: failed to read from serial port within deadline")
		}
		if _, err := io.ReadAtLeast(r, buf, 1); err != nil {
			return nil, err
		}
		switch state {
		case stateSlaveID:
			if buf[0] == slaveID {
				state = stateFunctionCode
				data[n] = buf[0]
				n++
			}
		case stateFunctionCode:
			switch buf[0] {
			case functionCode:
				switch functionCode {
				case FuncCodeReadDiscreteInputs,
					FuncCodeReadCoils,
					FuncCodeReadHoldingRegisters,
					FuncCodeReadInputRegisters:
					state = stateReadLength
				case FuncCodeWriteSingleCoil,
					FuncCodeWriteSingleRegister,
					FuncCodeWriteMultipleRegisters,
					FuncCodeWriteMultipleCoils:
					state = stateReadPayload
					toRead = 4
				default:
					return nil, fmt.Errorf("modbus: function code not handled: %d", functionCode)
				}
			case functionCode | exceptionFlag:
				// only exception code left to read
				state = stateReadPayload
				toRead = 1
			default:
				return nil, fmt.Errorf("modbus: response function code '%v' does not match request '%v'", buf[0], functionCode)
			}
			data[n] = buf[0]
			n++
		case stateReadLength:
			length = buf[0]
			// max length = rtuMaxSize - SlaveID(1) - FunctionCode(1) - length(1) - CRC(2)
			if length > rtuMaxSize-5 || length == 0 {
				return nil, &InvalidLengthError{length: length}
			}
			toRead = length
			data[n] = length
			n++
			state = stateReadPayload
		case stateReadPayload:
			data[n] = buf[0]
			toRead--
			n++
			if toRead == 0 {
				state = stateCRC
			}
		case stateCRC:
			data[n] = buf[0]
			crcCount++
			n++
			if crcCount == 2 {
				return data[:n], nil
			}
		}
	}
}

// rtuSerialTransporter implements Transporter interface.
type rtuSerialTransporter struct {
	serialPort
}

// Send writes an RTU frame and reads the response.
func (mb *rtuSerialTransporter) Send(aduRequest []byte) (aduResponse []byte, err error) {
	return mb.SendTimeout(aduRequest, 0)
}

// SendTimeout is Send giving up on the response after timeout when it is
// shorter than the port timeout. A single read still blocks up to the port
// timeout.
func (mb *rtuSerialTransporter) SendTimeout(aduRequest []byte, timeout time.Duration) (aduResponse []byte, err error) {
	if len(aduRequest) < rtuMinSize {
		return nil, fmt.Errorf("modbus: request length '%v' does not meet minimum '%v'", len(aduRequest), rtuMinSize)
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()

	// Make sure port is connected
	if err = mb.connect(); err != nil {
		return
	}
	mb.touch()

	mb.logf("modbus: send % x", aduRequest)
	if _, err = mb.port.Write(aduRequest); err != nil {
		return
	}
	bytesToRead := calculateResponseLength(aduRequest)
	time.Sleep(mb.calculateDelay(len(aduRequest) + bytesToRead))

	aduResponse, err = readIncrementally(aduRequest[0], aduRequest[1], mb.port, time.Now().Add(shorterTimeout(mb.Config.Timeout, timeout)))
	if err != nil {
		return nil, err
	}
	mb.logf("modbus: recv % x", aduResponse)
	return
}

// calculateDelay roughly calculates time needed for the next frame.
// See MODBUS over Serial Line - Specification and Implementation Guide (page 13).
func (mb *rtuSerialTransporter) calculateDelay(chars int) time.Duration {
	var characterDelay, frameDelay int // us

	if mb.BaudRate <= 0 || mb.BaudRate > 19200 {
		characterDelay = 750
		frameDelay = 1750
	} else {
		characterDelay = 15000000 / mb.BaudRate
		frameDelay = 35000000 / mb.BaudRate
	}
	return time.Duration(characterDelay*chars+frameDelay) * time.Microsecond
}

// calculateResponseLength returns the size of the normal response to adu.
func calculateResponseLength(adu []byte) int {
	length := rtuMinSize
	switch adu[1] {
	case FuncCodeReadDiscreteInputs,
		FuncCodeReadCoils:
		count := int(binary.BigEndian.Uint16(adu[4:]))
		length += 1 + count/8
		if count%8 != 0 {
			length++
		}
	case FuncCodeReadInputRegisters,
		FuncCodeReadHoldingRegisters:
		count := int(binary.BigEndian.Uint16(adu[4:]))
		length += 1 + count*2
	case FuncCodeWriteSingleCoil,
		FuncCodeWriteMultipleCoils,
		FuncCodeWriteSingleRegister,
		FuncCodeWriteMultipleRegisters:
		length += 4
	default:
		length = rtuExceptionSize
	}
	return length
}

// rtuTCPTransporter carries RTU frames over a TCP connection.
type rtuTCPTransporter struct {
	tcpTransporter
}

// Send writes an RTU frame to the gateway and reads the response.
func (mb *rtuTCPTransporter) Send(aduRequest []byte) (aduResponse []byte, err error) {
	return mb.SendTimeout(aduRequest, 0)
}

// SendTimeout is Send waiting at most timeout for the response when it is
// shorter than Timeout.
func (mb *rtuTCPTransporter) SendTimeout(aduRequest []byte, timeout time.Duration) (aduResponse []byte, err error) {
	if len(aduRequest) < rtuMinSize {
		return nil, fmt.Errorf("modbus: request length '%v' does not meet minimum '%v'", len(aduRequest), rtuMinSize)
	}
	return mb.roundTrip(aduRequest, timeout, func(r io.Reader) ([]byte, error) {
		// The connection deadline bounds the read, the loop deadline is a backstop.
		return readIncrementally(aduRequest[0], aduRequest[1], r, time.Now().Add(shorterTimeout(mb.Timeout, timeout)+time.Second))
	})
}

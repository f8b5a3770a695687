// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package mbmaster

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

const (
	asciiEnd     = "\r\n"
	asciiMinSize = 3
	asciiMaxSize = 513

	hexTable = "0123456789ABCDEF"
)

// Modbus ASCII defines ':' but in the field often '>' is seen.
var asciiStart = []string{":", ">"}

// ASCIIHandler implements Packager, Transporter and Connector for Modbus
// ASCII on a serial line.
type ASCIIHandler struct {
	asciiPackager
	asciiSerialTransporter
}

// NewASCIIHandler allocates and initializes an ASCIIHandler.
func NewASCIIHandler(address string) *ASCIIHandler {
	handler := &ASCIIHandler{}
	handler.serialPort = newSerialPort(address)
	return handler
}

// ASCIIOverTCPHandler implements Packager, Transporter and Connector for
// ASCII frames tunneled through a TCP connection.
type ASCIIOverTCPHandler struct {
	asciiPackager
	asciiTCPTransporter
}

// NewASCIIOverTCPHandler allocates and initializes an ASCIIOverTCPHandler.
func NewASCIIOverTCPHandler(address string) *ASCIIOverTCPHandler {
	handler := &ASCIIOverTCPHandler{}
	handler.tcpTransporter = newTCPTransporter(address)
	return handler
}

// asciiPackager implements Packager interface.
type asciiPackager struct {
	SlaveID byte
}

// SetSlave sets modbus slave id for the next frames.
func (mb *asciiPackager) SetSlave(slaveID byte) {
	mb.SlaveID = slaveID
}

// Encode encodes PDU in a ASCII frame:
//
//	Start           : 1 char
//	Address         : 2 chars
//	Function        : 2 chars
//	Data            : 0 up to 2x252 chars
//	LRC             : 2 chars
//	End             : 2 chars
func (mb *asciiPackager) Encode(pdu *ProtocolDataUnit) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(1 + 2*(3+len(pdu.Data)) + len(asciiEnd))

	buf.WriteString(asciiStart[0])
	writeHex(&buf, []byte{mb.SlaveID, pdu.FunctionCode})
	writeHex(&buf, pdu.Data)

	// Exclude the beginning colon and terminating CRLF pair characters
	var lrc lrc
	lrc.pushByte(mb.SlaveID).pushByte(pdu.FunctionCode).pushBytes(pdu.Data)
	writeHex(&buf, []byte{lrc.value()})
	buf.WriteString(asciiEnd)

	return buf.Bytes(), nil
}

// Verify verifies response length, frame boundary and slave id.
func (mb *asciiPackager) Verify(aduRequest []byte, aduResponse []byte) error {
	length := len(aduResponse)
	// Minimum size (including address, function and LRC)
	if length < asciiMinSize+6 {
		return fmt.Errorf("modbus: response length '%v' does not meet minimum '%v'", length, asciiMinSize+6)
	}
	// Length excluding colon must be an even number
	if length%2 != 1 {
		return fmt.Errorf("modbus: response length '%v' is not an even number", length-1)
	}
	// First char must be a colon
	str := string(aduResponse[0:len(asciiStart[0])])
	if !isStartCharacter(str) {
		return fmt.Errorf("modbus: response frame '%v'... is not started with '%v'", str, asciiStart)
	}
	// 2 last chars must be \r\n
	str = string(aduResponse[len(aduResponse)-len(asciiEnd):])
	if str != asciiEnd {
		return fmt.Errorf("modbus: response frame ...'%v' is not ended with '%v'", str, asciiEnd)
	}
	// Slave id
	responseVal, err := readHex(aduResponse[1:])
	if err != nil {
		return err
	}
	requestVal, err := readHex(aduRequest[1:])
	if err != nil {
		return err
	}
	if responseVal != requestVal {
		return fmt.Errorf("modbus: response slave id '%v' does not match request '%v'", responseVal, requestVal)
	}
	return nil
}

// Decode extracts slave id and PDU from an ASCII frame and verifies the LRC.
func (mb *asciiPackager) Decode(adu []byte) (byte, *ProtocolDataUnit, error) {
	if len(adu) < asciiMinSize+6 {
		return 0, nil, fmt.Errorf("modbus: response length '%v' does not meet minimum '%v'", len(adu), asciiMinSize+6)
	}
	address, err := readHex(adu[1:])
	if err != nil {
		return 0, nil, err
	}
	functionCode, err := readHex(adu[3:])
	if err != nil {
		return 0, nil, err
	}
	// Data
	dataEnd := len(adu) - 4
	aduData := adu[5:dataEnd]
	data := make([]byte, hex.DecodedLen(len(aduData)))
	if _, err = hex.Decode(data, aduData); err != nil {
		return 0, nil, err
	}
	// LRC
	lrcVal, err := readHex(adu[dataEnd:])
	if err != nil {
		return 0, nil, err
	}
	var lrc lrc
	lrc.pushByte(address).pushByte(functionCode).pushBytes(data)
	if lrcVal != lrc.value() {
		return 0, nil, fmt.Errorf("modbus: response lrc '%v' does not match expected '%v'", lrcVal, lrc.value())
	}
	return address, &ProtocolDataUnit{FunctionCode: functionCode, Data: data}, nil
}

// asciiSerialTransporter implements Transporter interface.
type asciiSerialTransporter struct {
	serialPort
}

// Send writes an ASCII frame and reads up to the frame end.
func (mb *asciiSerialTransporter) Send(aduRequest []byte) ([]byte, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	// Make sure port is connected
	if err := mb.connect(); err != nil {
		return nil, err
	}
	mb.touch()

	mb.logf("modbus: send %q", aduRequest)
	if _, err := mb.port.Write(aduRequest); err != nil {
		return nil, err
	}
	aduResponse, err := readASCIIFrame(mb.port)
	if err != nil {
		return nil, err
	}
	mb.logf("modbus: recv %q", aduResponse)
	return aduResponse, nil
}

// asciiTCPTransporter carries ASCII frames over a TCP connection.
type asciiTCPTransporter struct {
	tcpTransporter
}

// Send writes an ASCII frame to the gateway and reads up to the frame end.
func (mb *asciiTCPTransporter) Send(aduRequest []byte) ([]byte, error) {
	return mb.SendTimeout(aduRequest, 0)
}

// SendTimeout is Send waiting at most timeout for the response when it is
// shorter than Timeout.
func (mb *asciiTCPTransporter) SendTimeout(aduRequest []byte, timeout time.Duration) ([]byte, error) {
	return mb.roundTrip(aduRequest, timeout, readASCIIFrame)
}

// readASCIIFrame reads until CRLF or until the frame reaches its maximum size.
func readASCIIFrame(r io.Reader) ([]byte, error) {
	var length int
	data := make([]byte, asciiMaxSize)
	for {
		n, err := r.Read(data[length:])
		if err != nil {
			return nil, err
		}
		length += n
		if length >= asciiMaxSize || n == 0 {
			break
		}
		// Expect end of frame in the data received
		if length > asciiMinSize && string(data[length-len(asciiEnd):length]) == asciiEnd {
			break
		}
	}
	return data[:length], nil
}

// writeHex encodes byte to string in hexadecimal, e.g. 0xA5 => "A5"
// (encoding/hex only supports lowercase string).
func writeHex(buf *bytes.Buffer, value []byte) {
	var str [2]byte
	for _, v := range value {
		str[0] = hexTable[v>>4]
		str[1] = hexTable[v&0x0F]
		buf.Write(str[:])
	}
}

// readHex decodes hex string to byte, e.g. "8C" => 0x8C.
func readHex(data []byte) (byte, error) {
	var dst [1]byte
	if _, err := hex.Decode(dst[:], data[0:2]); err != nil {
		return 0, err
	}
	return dst[0], nil
}

// isStartCharacter confirms that the given character is a Modbus ASCII start character.
func isStartCharacter(str string) bool {
	for i := range asciiStart {
		if str == asciiStart[i] {
			return true
		}
	}
	return false
}

// lrc computes the longitudinal redundancy check of an ASCII frame.
type lrc struct {
	sum uint8
}

func (lrc *lrc) reset() *lrc {
	lrc.sum = 0
	return lrc
}

func (lrc *lrc) pushByte(b byte) *lrc {
	lrc.sum += b
	return lrc
}

func (lrc *lrc) pushBytes(data []byte) *lrc {
	for _, b := range data {
		lrc.sum += b
	}
	return lrc
}

func (lrc *lrc) value() byte {
	// Return twos complement
	return uint8(-int8(lrc.sum))
}

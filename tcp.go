// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package mbmaster

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	tcpProtocolIdentifier uint16 = 0x0000

	// Modbus Application Protocol
	tcpHeaderSize = 7
	tcpMaxLength  = 260
	// Default TCP timeout is not set
	tcpTimeout     = 10 * time.Second
	tcpIdleTimeout = 60 * time.Second
)

// ErrTCPHeaderLength informs about a wrong header length.
type ErrTCPHeaderLength int

func (length ErrTCPHeaderLength) Error() string {
	return fmt.Sprintf("modbus: length in response header '%d' must not be zero or greater than '%v'",
		length, tcpMaxLength-tcpHeaderSize+1)
}

// TCPHandler implements Packager, Transporter and Connector for Modbus TCP.
type TCPHandler struct {
	tcpPackager
	tcpTransporter
}

// NewTCPHandler allocates a new TCPHandler.
func NewTCPHandler(address string) *TCPHandler {
	h := &TCPHandler{}
	h.tcpTransporter = newTCPTransporter(address)
	return h
}

// tcpPackager implements Packager interface.
type tcpPackager struct {
	// For synchronization between messages of server & client
	transactionID uint16
	// Broadcast address is 0
	SlaveID byte
}

// SetSlave sets modbus slave id for the next frames.
func (mb *tcpPackager) SetSlave(slaveID byte) {
	mb.SlaveID = slaveID
}

// Encode adds modbus application protocol header:
//
//	Transaction identifier: 2 bytes
//	Protocol identifier: 2 bytes
//	Length: 2 bytes
//	Unit identifier: 1 byte
//	Function code: 1 byte
//	Data: n bytes
func (mb *tcpPackager) Encode(pdu *ProtocolDataUnit) (adu []byte, err error) {
	if len(pdu.Data) > tcpMaxLength-tcpHeaderSize-1 {
		err = fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", len(pdu.Data), tcpMaxLength-tcpHeaderSize-1)
		return
	}
	adu = make([]byte, tcpHeaderSize+1+len(pdu.Data))

	// Link drives one request at a time, no atomic needed
	mb.transactionID++
	binary.BigEndian.PutUint16(adu, mb.transactionID)
	binary.BigEndian.PutUint16(adu[2:], tcpProtocolIdentifier)
	// Length = sizeof(SlaveID) + sizeof(FunctionCode) + Data
	binary.BigEndian.PutUint16(adu[4:], uint16(1+1+len(pdu.Data)))
	adu[6] = mb.SlaveID

	adu[tcpHeaderSize] = pdu.FunctionCode
	copy(adu[tcpHeaderSize+1:], pdu.Data)
	return
}

// Verify confirms transaction, protocol and unit id.
func (mb *tcpPackager) Verify(aduRequest []byte, aduResponse []byte) (err error) {
	if len(aduResponse) < tcpHeaderSize+1 {
		err = fmt.Errorf("modbus: response length '%v' does not meet minimum '%v'", len(aduResponse), tcpHeaderSize+1)
		return
	}
	// Transaction id
	responseVal := binary.BigEndian.Uint16(aduResponse)
	requestVal := binary.BigEndian.Uint16(aduRequest)
	if responseVal != requestVal {
		err = fmt.Errorf("modbus: response transaction id '%v' does not match request '%v'", responseVal, requestVal)
		return
	}
	// Protocol id
	responseVal = binary.BigEndian.Uint16(aduResponse[2:])
	requestVal = binary.BigEndian.Uint16(aduRequest[2:])
	if responseVal != requestVal {
		err = fmt.Errorf("modbus: response protocol id '%v' does not match request '%v'", responseVal, requestVal)
		return
	}
	// Unit id (1 byte)
	if aduResponse[6] != aduRequest[6] {
		err = fmt.Errorf("modbus: response unit id '%v' does not match request '%v'", aduResponse[6], aduRequest[6])
		return
	}
	return
}

// Decode extracts the unit id and the PDU from a TCP frame.
func (mb *tcpPackager) Decode(adu []byte) (slaveID byte, pdu *ProtocolDataUnit, err error) {
	if len(adu) < tcpHeaderSize+1 {
		err = fmt.Errorf("modbus: response length '%v' does not meet minimum '%v'", len(adu), tcpHeaderSize+1)
		return
	}
	// Read length value in the header
	length := int(binary.BigEndian.Uint16(adu[4:]))
	pduLength := len(adu) - tcpHeaderSize
	if pduLength != length-1 {
		err = fmt.Errorf("modbus: length in response '%v' does not match pdu data length '%v'", length-1, pduLength)
		return
	}
	slaveID = adu[6]
	pdu = &ProtocolDataUnit{
		FunctionCode: adu[tcpHeaderSize],
		Data:         adu[tcpHeaderSize+1:],
	}
	return
}

// tcpTransporter owns a TCP connection that is dialed lazily and closed after
// IdleTimeout without activity.
type tcpTransporter struct {
	// Connect string
	Address string
	// Connect & Read timeout
	Timeout time.Duration
	// Idle timeout to close the connection
	IdleTimeout time.Duration
	// Transmission logger
	Logger logger

	// TCP connection
	mu           sync.Mutex
	conn         net.Conn
	closeTimer   *time.Timer
	lastActivity time.Time
}

func newTCPTransporter(address string) tcpTransporter {
	return tcpTransporter{
		Address:     address,
		Timeout:     tcpTimeout,
		IdleTimeout: tcpIdleTimeout,
	}
}

// Send sends an MBAP frame and reads the response frame.
func (mb *tcpTransporter) Send(aduRequest []byte) (aduResponse []byte, err error) {
	return mb.SendTimeout(aduRequest, 0)
}

// SendTimeout is Send waiting at most timeout for the response when it is
// shorter than Timeout.
func (mb *tcpTransporter) SendTimeout(aduRequest []byte, timeout time.Duration) (aduResponse []byte, err error) {
	return mb.roundTrip(aduRequest, timeout, mb.readMBAP)
}

// roundTrip writes aduRequest and reads one response with read. A broken
// connection is closed so that the next call dials again.
func (mb *tcpTransporter) roundTrip(aduRequest []byte, limit time.Duration, read func(r io.Reader) ([]byte, error)) (aduResponse []byte, err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	// Establish a new connection if not connected
	if err = mb.connect(); err != nil {
		return
	}
	// A late answer to a request that already timed out would otherwise be
	// taken for the reply to this one.
	mb.flushAll()

	// Set timer to close when idle
	mb.lastActivity = time.Now()
	mb.startCloseTimer()
	// Set write and read timeout
	var timeout time.Time
	if wait := shorterTimeout(mb.Timeout, limit); wait > 0 {
		timeout = mb.lastActivity.Add(wait)
	}
	if err = mb.conn.SetDeadline(timeout); err != nil {
		return
	}
	mb.logf("modbus: send % x", aduRequest)
	if _, err = mb.conn.Write(aduRequest); err != nil {
		mb.close()
		return
	}
	if aduResponse, err = read(mb.conn); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			mb.logf("modbus: close connection because of %v", err)
			mb.close()
		}
		return
	}
	mb.logf("modbus: recv % x", aduResponse)
	return
}

// readMBAP reads the MBAP header and then the announced number of bytes.
func (mb *tcpTransporter) readMBAP(r io.Reader) (aduResponse []byte, err error) {
	var data [tcpMaxLength]byte
	if _, err = io.ReadFull(r, data[:tcpHeaderSize]); err != nil {
		return
	}
	// Read length, ignore transaction & protocol id (4 bytes)
	length := int(binary.BigEndian.Uint16(data[4:]))
	if length <= 0 || length > (tcpMaxLength-(tcpHeaderSize-1)) {
		mb.flushAll()
		err = ErrTCPHeaderLength(length)
		return
	}
	// Skip unit id
	length += tcpHeaderSize - 1
	if _, err = io.ReadFull(r, data[tcpHeaderSize:length]); err != nil {
		return
	}
	aduResponse = data[:length]
	return
}

// Connect establishes a new connection to the address in Address.
func (mb *tcpTransporter) Connect() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.connect()
}

func (mb *tcpTransporter) connect() error {
	if mb.conn == nil {
		dialer := net.Dialer{Timeout: mb.Timeout}
		conn, err := dialer.Dial("tcp", mb.Address)
		if err != nil {
			return fmt.Errorf("modbus: could not connect to %s: %w", mb.Address, err)
		}
		mb.conn = conn
	}
	return nil
}

func (mb *tcpTransporter) startCloseTimer() {
	if mb.IdleTimeout <= 0 {
		return
	}
	if mb.closeTimer == nil {
		mb.closeTimer = time.AfterFunc(mb.IdleTimeout, mb.closeIdle)
	} else {
		mb.closeTimer.Reset(mb.IdleTimeout)
	}
}

// Close closes current connection.
func (mb *tcpTransporter) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.close()
}

func (mb *tcpTransporter) logf(format string, v ...interface{}) {
	if mb.Logger != nil {
		mb.Logger.Printf(format, v...)
	}
}

// close closes current connection. Caller must hold the mutex before calling this method.
func (mb *tcpTransporter) close() (err error) {
	if mb.conn != nil {
		err = mb.conn.Close()
		mb.conn = nil
	}
	return
}

// closeIdle closes the connection if last activity is passed behind IdleTimeout.
func (mb *tcpTransporter) closeIdle() {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.IdleTimeout <= 0 {
		return
	}
	if idle := time.Since(mb.lastActivity); idle >= mb.IdleTimeout {
		mb.logf("modbus: closing connection due to idle timeout: %v", idle)
		mb.close()
	}
}

// flushAll implements a non-blocking read flush. Be warned it resets
// the read deadline.
func (mb *tcpTransporter) flushAll() (int, error) {
	if err := mb.conn.SetReadDeadline(time.Now()); err != nil {
		return 0, err
	}

	count := 0
	buffer := make([]byte, 1024)

	for {
		n, err := mb.conn.Read(buffer)
		if err != nil {
			return count + n, err
		} else if n > 0 {
			count += n
		} else {
			return count, err
		}
	}
}

package mbmaster

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"
)

const udpTimeout = 5 * time.Second

// RTUOverUDPHandler implements Packager, Transporter and Connector for RTU
// frames carried in UDP datagrams.
type RTUOverUDPHandler struct {
	rtuPackager
	rtuUDPTransporter
}

// NewRTUOverUDPHandler allocates and initializes a RTUOverUDPHandler.
func NewRTUOverUDPHandler(address string) *RTUOverUDPHandler {
	handler := &RTUOverUDPHandler{}
	handler.Address = address
	handler.Timeout = udpTimeout
	return handler
}

// rtuUDPTransporter implements Transporter interface.
type rtuUDPTransporter struct {
	// Connect string
	Address string
	// Read timeout
	Timeout time.Duration
	// Transmission logger
	Logger logger

	// UDP connection
	mu   sync.Mutex
	conn net.Conn
}

// Send writes an RTU frame in one datagram and reads the reply datagram.
func (mb *rtuUDPTransporter) Send(aduRequest []byte) (aduResponse []byte, err error) {
	return mb.SendTimeout(aduRequest, 0)
}

// SendTimeout is Send waiting at most timeout for the reply when it is
// shorter than Timeout.
func (mb *rtuUDPTransporter) SendTimeout(aduRequest []byte, timeout time.Duration) (aduResponse []byte, err error) {
	if len(aduRequest) < rtuMinSize {
		return nil, fmt.Errorf("modbus: request length '%v' does not meet minimum '%v'", len(aduRequest), rtuMinSize)
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()

	// Establish a new connection if not connected
	if err = mb.connect(); err != nil {
		return
	}
	var deadline time.Time
	if wait := shorterTimeout(mb.Timeout, timeout); wait > 0 {
		deadline = time.Now().Add(wait)
	}
	if err = mb.conn.SetDeadline(deadline); err != nil {
		return
	}

	mb.logf("modbus: send % x", aduRequest)
	if _, err = mb.conn.Write(aduRequest); err != nil {
		return
	}
	var data [rtuMaxSize]byte
	n, err := mb.conn.Read(data[:])
	if err != nil {
		return
	}
	// A datagram holds the whole frame, the time limit is already enforced
	// by the socket deadline.
	aduResponse, err = readIncrementally(aduRequest[0], aduRequest[1], bytes.NewReader(data[:n]), time.Now().Add(time.Second))
	if err != nil {
		return nil, err
	}
	mb.logf("modbus: recv % x", aduResponse)
	return
}

func (mb *rtuUDPTransporter) logf(format string, v ...interface{}) {
	if mb.Logger != nil {
		mb.Logger.Printf(format, v...)
	}
}

// Connect sets up the socket toward Address.
func (mb *rtuUDPTransporter) Connect() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.connect()
}

// connect dials Address. Caller must hold the mutex. UDP is connectionless,
// so this only binds the socket to the peer.
func (mb *rtuUDPTransporter) connect() error {
	if mb.conn == nil {
		dialer := net.Dialer{}
		conn, err := dialer.Dial("udp", mb.Address)
		if err != nil {
			return fmt.Errorf("modbus: could not connect to %s: %w", mb.Address, err)
		}
		mb.conn = conn
	}
	return nil
}

// Close releases the socket.
func (mb *rtuUDPTransporter) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.conn == nil {
		return nil
	}
	err := mb.conn.Close()
	mb.conn = nil
	return err
}

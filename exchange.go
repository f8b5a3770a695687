// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package mbmaster

// RecvMsg builds the request PDU of the command armed in session h into pdu
// and returns the destination slave id and the PDU size. A size of 0 means
// there is nothing to send: the session is idle, h is invalid or pdu is too
// small for the request. It is called by the transport whenever it is ready
// to transmit and may be called again to retransmit the same request.
func (m *Master) RecvMsg(h int, pdu []byte) (id byte, size int) {
	s, err := m.session(h)
	if err != nil || s.active() == opIdle {
		return 0, 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	op := s.active().lookup()
	if op == nil {
		return 0, 0
	}
	id = s.slaveID
	if len(pdu) == 0 {
		return id, 0
	}
	pdu[0] = op.functionCode
	size = op.build(&s.req, pdu)
	if size > 0 {
		s.transmitted = true
	}
	return id, size
}

// SendMsg hands a received response PDU to session h. Responses for another
// slave and responses arriving while the session is idle are ignored. A
// matching normal response completes the command; an exception response or a
// malformed PDU is recorded and left to the retry driver. An exception
// response without a code byte, or with code 0, is recorded as
// PduReceivedWrong so that it can never pass for success.
func (m *Master) SendMsg(h int, id byte, pdu []byte) {
	s, err := m.session(h)
	if err != nil || s.active() == opIdle {
		return
	}
	s.mu.Lock()
	op := s.active().lookup()
	if op == nil || id != s.slaveID {
		s.mu.Unlock()
		return
	}
	switch {
	case len(pdu) > 0 && pdu[0] == op.functionCode:
		s.exceptionCode = op.dispatch(&s.req, pdu)
	case len(pdu) > 0 && pdu[0] == op.functionCode|exceptionFlag:
		// An exception response must carry a non-zero code.
		if len(pdu) < 2 || pdu[1] == 0 {
			s.exceptionCode = PduReceivedWrong
		} else {
			s.exceptionCode = ExceptionCode(pdu[1])
		}
	default:
		s.exceptionCode = PduReceivedWrong
	}
	if s.exceptionCode != NoError {
		code := s.exceptionCode
		s.mu.Unlock()
		m.logf("modbus: master %d: function '%v' slave '%v': %v", h, op.functionCode, id, code)
		return
	}
	n := s.finish()
	s.mu.Unlock()
	m.logf("modbus: master %d: function '%v' slave '%v': done", h, op.functionCode, id)
	n.deliver()
}

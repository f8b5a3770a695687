package mbmaster

// Task ages the command of session h by one tick. It must be called
// periodically, about once per response timeout, for every open session.
// Each tick consumes one retry; once none are left the command terminates
// with the recorded exception code, or SlaveNotRespond if no reply was ever
// recorded.
//
// With Config.GateRetries a tick only counts when a request was built since
// the previous tick, so a stalled transport does not burn retries.
func (m *Master) Task(h int) {
	s, err := m.session(h)
	if err != nil || s.active() == opIdle {
		return
	}
	s.mu.Lock()
	if s.active() == opIdle {
		s.mu.Unlock()
		return
	}
	if m.gateRetries && !s.transmitted {
		s.mu.Unlock()
		return
	}
	s.transmitted = false
	if s.retryCount > 0 {
		s.retryCount--
		s.mu.Unlock()
		return
	}
	if s.exceptionCode == NoError {
		s.exceptionCode = SlaveNotRespond
	}
	n := s.finish()
	s.mu.Unlock()
	m.logf("modbus: master %d: function '%v' slave '%v': %v", h, n.functionCode, n.slaveID, n.code)
	n.deliver()
}

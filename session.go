package mbmaster

import (
	"sync"
	"sync/atomic"
	"time"
)

// Callback receives the outcome of a non-blocking command. It runs on the
// goroutine that completed the command (the transport or the tick driver)
// after the session became idle, so it may arm the same session again.
type Callback func(slaveID, functionCode byte, code ExceptionCode)

// completion delivers the outcome of a command.
type completion interface {
	complete(slaveID, functionCode byte, code ExceptionCode)
}

// signal wakes the goroutine blocked in an arming call.
type signal chan struct{}

func (s signal) complete(byte, byte, ExceptionCode) {
	select {
	case s <- struct{}{}:
	default:
	}
}

// invoke calls the user callback.
type invoke Callback

func (fn invoke) complete(slaveID, functionCode byte, code ExceptionCode) {
	fn(slaveID, functionCode, code)
}

// session is one master slot of the pool.
type session struct {
	// inUse is flipped only while holding the pool mutex.
	inUse atomic.Bool
	// cmd is the active opKind, 0 when idle. It is stored last when a command
	// is armed and first when it completes.
	cmd atomic.Uint32

	// mu guards the fields below. It is never held across a wait or a
	// completion.
	mu            sync.Mutex
	slaveID       byte
	req           request
	respTimeout   time.Duration
	retryMax      int
	retryCount    int
	exceptionCode ExceptionCode
	transmitted   bool
	// event is the completion event of blocking commands.
	event signal
	done  completion
}

func (s *session) active() opKind {
	return opKind(s.cmd.Load())
}

// notice is a completion captured under the session lock and delivered after
// it is released.
type notice struct {
	done         completion
	slaveID      byte
	functionCode byte
	code         ExceptionCode
}

func (n notice) deliver() {
	if n.done != nil {
		n.done.complete(n.slaveID, n.functionCode, n.code)
	}
}

// finish turns the session idle and returns the pending notification.
// Caller must hold s.mu.
func (s *session) finish() notice {
	n := notice{
		done:         s.done,
		slaveID:      s.slaveID,
		functionCode: s.active().functionCode(),
		code:         s.exceptionCode,
	}
	s.done = nil
	s.req = request{}
	s.cmd.Store(uint32(opIdle))
	return n
}

// drain clears a completion event left over by a withdrawn command.
func (s *session) drain() {
	select {
	case <-s.event:
	default:
	}
}

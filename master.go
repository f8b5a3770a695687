package mbmaster

import (
	"sync"
	"time"
)

const (
	// TotalMasters is the default number of sessions in a pool.
	TotalMasters = 4
	// DefaultRespTimeout is the per-attempt response timeout of a new session.
	DefaultRespTimeout = 300 * time.Millisecond
	// DefaultRetries is the number of retries of a new session.
	DefaultRetries = 3
	// NoRetries in Config.Retries gives up after the first attempt.
	NoRetries = -1
)

// logger is the interface to the required logging functions
type logger interface {
	Printf(format string, v ...interface{})
}

// Config configures a Master. Zero values select the defaults.
type Config struct {
	// Number of sessions in the pool.
	Masters int
	// Per-attempt response timeout given to new sessions.
	RespTimeout time.Duration
	// Number of retries given to new sessions. 0 selects DefaultRetries,
	// use NoRetries for none.
	Retries int
	// GateRetries makes Task consume a retry only when a request was handed
	// to the transport since the previous tick.
	GateRetries bool
	// Lifecycle trace logger
	Logger logger
}

// Master is a fixed pool of master sessions.
type Master struct {
	// mu serializes slot allocation only.
	mu       sync.Mutex
	sessions []session

	respTimeout time.Duration
	retries     int
	gateRetries bool
	logger      logger
}

// New allocates a Master and its sessions. No further allocation happens
// while commands are executed.
func New(cfg Config) *Master {
	if cfg.Masters <= 0 {
		cfg.Masters = TotalMasters
	}
	if cfg.RespTimeout <= 0 {
		cfg.RespTimeout = DefaultRespTimeout
	}
	switch {
	case cfg.Retries < 0:
		cfg.Retries = 0
	case cfg.Retries == 0:
		cfg.Retries = DefaultRetries
	}
	m := &Master{
		sessions:    make([]session, cfg.Masters),
		respTimeout: cfg.RespTimeout,
		retries:     cfg.Retries,
		gateRetries: cfg.GateRetries,
		logger:      cfg.Logger,
	}
	for i := range m.sessions {
		m.sessions[i].event = make(signal, 1)
	}
	m.Init()
	return m
}

// Init marks every session idle and free. It may be called again at any time.
// A command in flight is dropped: callbacks are not invoked, and a blocked
// caller is woken and returns ErrAborted.
func (m *Master) Init() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.sessions {
		s := &m.sessions[i]
		s.mu.Lock()
		if s.active() != opIdle && s.done == completion(s.event) {
			// The blocked caller wakes up on the closed event and finds
			// it replaced.
			close(s.event)
			s.event = make(signal, 1)
		}
		s.cmd.Store(uint32(opIdle))
		s.slaveID = 0
		s.req = request{}
		s.done = nil
		s.drain()
		s.inUse.Store(false)
		s.mu.Unlock()
	}
}

// Open allocates a free session and returns its handle. It returns -1 and
// ErrNoSlotAvailable when the pool is exhausted.
func (m *Master) Open() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for h := range m.sessions {
		s := &m.sessions[h]
		if s.inUse.Load() {
			continue
		}
		s.mu.Lock()
		s.cmd.Store(uint32(opIdle))
		s.respTimeout = m.respTimeout
		s.retryMax = m.retries
		s.mu.Unlock()
		s.inUse.Store(true)
		m.logf("modbus: master %d: open", h)
		return h, nil
	}
	return -1, ErrNoSlotAvailable
}

// Release returns an idle session to the pool.
func (m *Master) Release(h int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.session(h)
	if err != nil {
		return err
	}
	if s.active() != opIdle {
		return ErrBusy
	}
	s.inUse.Store(false)
	m.logf("modbus: master %d: release", h)
	return nil
}

// RespTimeout returns the per-attempt response timeout of session h, or 0
// for an invalid handle.
func (m *Master) RespTimeout(h int) time.Duration {
	s, err := m.session(h)
	if err != nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.respTimeout
}

// SetRespTimeout changes the per-attempt response timeout of an idle session.
func (m *Master) SetRespTimeout(h int, d time.Duration) error {
	if d <= 0 {
		return ErrInvalidArgument
	}
	return m.configure(h, func(s *session) { s.respTimeout = d })
}

// SetRetries changes the number of retries of an idle session.
func (m *Master) SetRetries(h int, n int) error {
	if n < 0 {
		return ErrInvalidArgument
	}
	return m.configure(h, func(s *session) { s.retryMax = n })
}

func (m *Master) configure(h int, fn func(s *session)) error {
	s, err := m.session(h)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active() != opIdle {
		return ErrBusy
	}
	fn(s)
	return nil
}

// session returns the open session of handle h.
func (m *Master) session(h int) (*session, error) {
	if h < 0 || h >= len(m.sessions) {
		return nil, ErrInvalidHandle
	}
	s := &m.sessions[h]
	if !s.inUse.Load() {
		return nil, ErrInvalidHandle
	}
	return s, nil
}

func (m *Master) logf(format string, v ...interface{}) {
	if m.logger != nil {
		m.logger.Printf(format, v...)
	}
}

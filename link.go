package mbmaster

import (
	"context"
	"sync"
	"time"
)

const defaultPollInterval = 10 * time.Millisecond

// Handler is a complete transport: framing, wire I/O and connection handling.
type Handler interface {
	Packager
	Transporter
	Connector
}

// timedTransporter is implemented by transporters that can bound the wait for
// one response below their configured Timeout.
type timedTransporter interface {
	SendTimeout(aduRequest []byte, timeout time.Duration) (aduResponse []byte, err error)
}

// shorterTimeout returns limit when it is set and tighter than configured.
func shorterTimeout(configured, limit time.Duration) time.Duration {
	if limit > 0 && (configured <= 0 || limit < configured) {
		return limit
	}
	return configured
}

// Link connects the sessions of an Endpoint to one Handler. It transmits the
// pending request of every attached session, hands the decoded replies back
// and ticks the sessions periodically. A request is retransmitted when its
// session is still pending after the session's response timeout.
type Link struct {
	// TickInterval is the period of Task calls.
	TickInterval time.Duration
	// PollInterval is the period at which idle sessions are checked for new
	// requests.
	PollInterval time.Duration
	// Link trace logger
	Logger logger

	endpoint Endpoint
	handler  Handler

	mu      sync.Mutex
	handles []int
	lastTx  map[int]time.Time

	pdu [MaxPDUSize]byte
	rx  [MaxPDUSize]byte
}

// NewLink allocates a Link driving endpoint over handler.
func NewLink(endpoint Endpoint, handler Handler) *Link {
	return &Link{
		TickInterval: DefaultRespTimeout,
		PollInterval: defaultPollInterval,
		endpoint:     endpoint,
		handler:      handler,
		lastTx:       make(map[int]time.Time),
	}
}

// Attach adds session h to the link.
func (l *Link) Attach(h int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, v := range l.handles {
		if v == h {
			return
		}
	}
	l.handles = append(l.handles, h)
}

// Detach removes session h from the link.
func (l *Link) Detach(h int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, v := range l.handles {
		if v == h {
			l.handles = append(l.handles[:i], l.handles[i+1:]...)
			break
		}
	}
	delete(l.lastTx, h)
}

// Run polls and ticks the attached sessions until ctx is done, then closes
// the handler.
func (l *Link) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.tickLoop(ctx)
	}()

	poll := time.NewTicker(l.PollInterval)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			if err := l.handler.Close(); err != nil {
				l.logf("modbus: link: close: %v", err)
			}
			return ctx.Err()
		case <-poll.C:
			// The tick may have waited in the channel behind a slow exchange.
			l.Poll(time.Now())
		}
	}
}

func (l *Link) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(l.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick()
		}
	}
}

// Tick calls Task once for every attached session.
func (l *Link) Tick() {
	for _, h := range l.snapshot() {
		l.endpoint.Task(h)
	}
}

// Poll runs one exchange for every attached session that has a request due.
func (l *Link) Poll(now time.Time) {
	for _, h := range l.snapshot() {
		l.exchange(h, now)
	}
}

func (l *Link) snapshot() []int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]int(nil), l.handles...)
}

// exchange transmits the request of session h if it is due and delivers the
// reply. The wait for the reply is bounded by the session's response timeout
// when the handler supports it. Transport failures are traced and left to the
// retry driver.
func (l *Link) exchange(h int, now time.Time) {
	respTimeout := l.endpoint.RespTimeout(h)
	l.mu.Lock()
	last, sent := l.lastTx[h]
	l.mu.Unlock()
	if sent && now.Sub(last) < respTimeout {
		return
	}

	id, size := l.endpoint.RecvMsg(h, l.pdu[:])
	if size == 0 {
		l.setLastTx(h, time.Time{}, false)
		return
	}
	l.setLastTx(h, now, true)

	l.handler.SetSlave(id)
	aduRequest, err := l.handler.Encode(&ProtocolDataUnit{FunctionCode: l.pdu[0], Data: l.pdu[1:size]})
	if err != nil {
		l.logf("modbus: link: session %d: %v", h, err)
		return
	}
	var aduResponse []byte
	if t, ok := l.handler.(timedTransporter); ok {
		aduResponse, err = t.SendTimeout(aduRequest, respTimeout)
	} else {
		aduResponse, err = l.handler.Send(aduRequest)
	}
	if err != nil {
		l.logf("modbus: link: session %d: %v", h, err)
		return
	}
	if err = l.handler.Verify(aduRequest, aduResponse); err != nil {
		l.logf("modbus: link: session %d: %v", h, err)
		return
	}
	slaveID, pdu, err := l.handler.Decode(aduResponse)
	if err != nil {
		l.logf("modbus: link: session %d: %v", h, err)
		return
	}
	if 1+len(pdu.Data) > len(l.rx) {
		l.logf("modbus: link: session %d: response pdu of '%v' bytes is too long", h, 1+len(pdu.Data))
		return
	}
	l.rx[0] = pdu.FunctionCode
	n := 1 + copy(l.rx[1:], pdu.Data)
	// A normal response may complete the session, the next request is sent
	// without waiting for the response timeout.
	if pdu.FunctionCode&exceptionFlag == 0 {
		l.setLastTx(h, time.Time{}, false)
	}
	l.endpoint.SendMsg(h, slaveID, l.rx[:n])
}

func (l *Link) setLastTx(h int, t time.Time, sent bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if sent {
		l.lastTx[h] = t
	} else {
		delete(l.lastTx, h)
	}
}

func (l *Link) logf(format string, v ...interface{}) {
	if l.Logger != nil {
		l.Logger.Printf(format, v...)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/grid-x/serial"
	"gopkg.in/yaml.v3"

	"github.com/grid-x/mbmaster"
	"github.com/grid-x/mbmaster/internal/config"
	"github.com/grid-x/mbmaster/internal/snapshot"
)

type printfLogger interface {
	Printf(format string, v ...interface{})
}

func newHandler(c config.LinkConfig, logger printfLogger) (mbmaster.Handler, error) {
	u, err := url.Parse(c.Address)
	if err != nil {
		return nil, err
	}
	rs485 := serial.RS485Config{
		Enabled:            c.Serial.RS485,
		DelayRtsBeforeSend: c.Serial.DelayRtsBeforeSend,
		DelayRtsAfterSend:  c.Serial.DelayRtsAfterSend,
		RtsHighDuringSend:  c.Serial.RtsHighDuringSend,
		RtsHighAfterSend:   c.Serial.RtsHighAfterSend,
		RxDuringTx:         c.Serial.RxDuringTx,
	}
	switch u.Scheme {
	case "rtu":
		h := mbmaster.NewRTUHandler(u.Path)
		h.Timeout = c.Timeout
		h.IdleTimeout = c.IdleTimeout
		h.Logger = logger
		h.BaudRate = c.Serial.BaudRate
		h.DataBits = c.Serial.DataBits
		h.Parity = c.Serial.Parity
		h.StopBits = c.Serial.StopBits
		h.RS485 = rs485
		return h, nil
	case "ascii":
		h := mbmaster.NewASCIIHandler(u.Path)
		h.Timeout = c.Timeout
		h.IdleTimeout = c.IdleTimeout
		h.Logger = logger
		h.BaudRate = c.Serial.BaudRate
		h.DataBits = c.Serial.DataBits
		h.Parity = c.Serial.Parity
		h.StopBits = c.Serial.StopBits
		h.RS485 = rs485
		return h, nil
	case "tcp":
		h := mbmaster.NewTCPHandler(u.Host)
		h.Timeout = c.Timeout
		h.IdleTimeout = c.IdleTimeout
		h.Logger = logger
		return h, nil
	case "rtuovertcp":
		h := mbmaster.NewRTUOverTCPHandler(u.Host)
		h.Timeout = c.Timeout
		h.IdleTimeout = c.IdleTimeout
		h.Logger = logger
		return h, nil
	case "asciiovertcp":
		h := mbmaster.NewASCIIOverTCPHandler(u.Host)
		h.Timeout = c.Timeout
		h.IdleTimeout = c.IdleTimeout
		h.Logger = logger
		return h, nil
	case "rtuoverudp":
		h := mbmaster.NewRTUOverUDPHandler(u.Host)
		h.Timeout = c.Timeout
		h.Logger = logger
		return h, nil
	}
	return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
}

// poll is a configured read bound to one session.
type poll struct {
	config.PollConfig
	handle    int
	registers []int16
	bits      []bool
}

func newPoll(c config.PollConfig, h int) *poll {
	p := &poll{PollConfig: c, handle: h}
	switch c.Function {
	case mbmaster.FuncCodeReadCoils, mbmaster.FuncCodeReadDiscreteInputs:
		p.bits = make([]bool, c.Quantity)
	default:
		p.registers = make([]int16, c.Quantity)
	}
	return p
}

// arm starts the read. A nil cb blocks until the read completes.
func (p *poll) arm(ctx context.Context, m *mbmaster.Master, cb mbmaster.Callback) (mbmaster.ExceptionCode, error) {
	switch p.Function {
	case mbmaster.FuncCodeReadCoils:
		return m.ReadCoils(ctx, p.handle, p.Address, p.Quantity, p.bits, p.SlaveID, cb)
	case mbmaster.FuncCodeReadDiscreteInputs:
		return m.ReadDiscreteInputs(ctx, p.handle, p.Address, p.Quantity, p.bits, p.SlaveID, cb)
	case mbmaster.FuncCodeReadHoldingRegisters:
		return m.ReadHoldingRegisters(ctx, p.handle, p.Address, p.Quantity, p.registers, p.SlaveID, cb)
	case mbmaster.FuncCodeReadInputRegisters:
		return m.ReadInputRegisters(ctx, p.handle, p.Address, p.Quantity, p.registers, p.SlaveID, cb)
	}
	return mbmaster.NoError, fmt.Errorf("function code %d is unsupported", p.Function)
}

// store copies the last result into snap.
func (p *poll) store(snap *snapshot.Snapshot) error {
	table, ok := snapshot.TableOf(p.Function)
	if !ok {
		return fmt.Errorf("function code %d has no table", p.Function)
	}
	if p.bits != nil {
		return snap.PutBits(table, p.Address, p.bits)
	}
	return snap.PutRegisters(table, p.Address, p.registers)
}

type pollResult struct {
	Name      string  `yaml:"name"`
	SlaveID   uint8   `yaml:"slave_id"`
	Function  uint8   `yaml:"function"`
	Address   uint16  `yaml:"address"`
	Registers []int16 `yaml:"registers,omitempty,flow"`
	Bits      []bool  `yaml:"bits,omitempty,flow"`
	Exception string  `yaml:"exception,omitempty"`
}

// runOnce executes every poll once on a single session and prints the results
// as YAML.
func runOnce(ctx context.Context, m *mbmaster.Master, link *mbmaster.Link, polls []config.PollConfig, out io.Writer) error {
	h, err := m.Open()
	if err != nil {
		return err
	}
	defer m.Release(h)
	link.Attach(h)
	defer link.Detach(h)

	results := make([]pollResult, 0, len(polls))
	for _, c := range polls {
		p := newPoll(c, h)
		code, err := p.arm(ctx, m, nil)
		if err != nil {
			return fmt.Errorf("poll %q: %w", p.Name, err)
		}
		r := pollResult{Name: p.Name, SlaveID: p.SlaveID, Function: p.Function, Address: p.Address}
		if code == mbmaster.NoError {
			r.Registers, r.Bits = p.registers, p.bits
		} else {
			r.Exception = code.String()
		}
		results = append(results, r)
	}
	enc := yaml.NewEncoder(out)
	defer enc.Close()
	return enc.Encode(results)
}

// runDaemon arms every poll on its own session at its interval until ctx is
// done. Successful results go to snap when it is not nil.
func runDaemon(ctx context.Context, m *mbmaster.Master, link *mbmaster.Link, polls []config.PollConfig, snap *snapshot.Snapshot) error {
	if len(polls) == 0 {
		return errors.New("no polls configured")
	}
	done := make(chan struct{}, len(polls))
	for _, c := range polls {
		h, err := m.Open()
		if err != nil {
			return err
		}
		link.Attach(h)
		go func(p *poll) {
			defer func() { done <- struct{}{} }()
			p.run(ctx, m, snap)
		}(newPoll(c, h))
	}
	for range polls {
		<-done
	}
	return ctx.Err()
}

func (p *poll) run(ctx context.Context, m *mbmaster.Master, snap *snapshot.Snapshot) {
	logger := slog.With("poll", p.Name, "slave", p.SlaveID, "function", p.Function)
	cb := func(slaveID, functionCode byte, code mbmaster.ExceptionCode) {
		if code != mbmaster.NoError {
			logger.Warn("poll failed", "err", code.Err(functionCode))
			return
		}
		if p.bits != nil {
			logger.Info("poll done", "bits", p.bits)
		} else {
			logger.Info("poll done", "registers", p.registers)
		}
		if snap != nil {
			if err := p.store(snap); err != nil {
				logger.Error("snapshot write failed", "err", err)
			}
		}
	}

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		if _, err := p.arm(ctx, m, cb); err != nil {
			if errors.Is(err, mbmaster.ErrBusy) {
				logger.Debug("previous poll still pending, skipping")
			} else {
				logger.Error("poll not armed", "err", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runWrite writes one value with function code 5, 6 or 16.
func runWrite(ctx context.Context, m *mbmaster.Master, link *mbmaster.Link, w writeOption) error {
	h, err := m.Open()
	if err != nil {
		return err
	}
	defer m.Release(h)
	link.Attach(h)
	defer link.Detach(h)

	var code mbmaster.ExceptionCode
	switch w.fnCode {
	case mbmaster.FuncCodeWriteSingleCoil:
		code, err = m.WriteSingleCoil(ctx, h, w.register, w.value > 0, w.slaveID, nil)
	case mbmaster.FuncCodeWriteSingleRegister:
		var buf []byte
		if buf, err = convertToBytes(w.eType, w.order, w.forcedOrder, w.value); err != nil {
			return err
		}
		if len(buf) != 2 {
			return fmt.Errorf("type %s does not fit into a single register", w.eType)
		}
		var regs []int16
		if regs, err = toRegisters(buf); err != nil {
			return err
		}
		code, err = m.WriteSingleRegister(ctx, h, w.register, regs[0], w.slaveID, nil)
	case mbmaster.FuncCodeWriteMultipleRegisters:
		var buf []byte
		if buf, err = convertToBytes(w.eType, w.order, w.forcedOrder, w.value); err != nil {
			return err
		}
		var regs []int16
		if regs, err = toRegisters(buf); err != nil {
			return err
		}
		code, err = m.WriteMultipleRegisters(ctx, h, w.register, regs, w.slaveID, nil)
	default:
		return fmt.Errorf("function code %d is unsupported", w.fnCode)
	}
	if err != nil {
		return err
	}
	return code.Err(byte(w.fnCode))
}

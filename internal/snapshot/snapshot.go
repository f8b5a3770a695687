// Package snapshot keeps the latest poll results in a memory mapped file so
// that other processes can read them without talking Modbus.
//
// Layout, one table per data model, indexed by address:
//   - Coils: 65536 bytes (Offset 0), one byte per coil
//   - DiscreteInputs: 65536 bytes (Offset 65536)
//   - HoldingRegisters: 65536 * 2 bytes (Offset 131072), big-endian
//   - InputRegisters: 65536 * 2 bytes (Offset 262144), big-endian
//
// Total Size: 393216 bytes
package snapshot

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// Table selects one of the four Modbus data tables.
type Table int

const (
	Coils Table = iota
	DiscreteInputs
	HoldingRegisters
	InputRegisters
)

const (
	addressSpace = 65536

	sizeCoils    = addressSpace
	sizeDiscrete = addressSpace
	sizeHolding  = addressSpace * 2
	sizeInput    = addressSpace * 2
	totalSize    = sizeCoils + sizeDiscrete + sizeHolding + sizeInput

	offsetCoils    = 0
	offsetDiscrete = offsetCoils + sizeCoils
	offsetHolding  = offsetDiscrete + sizeDiscrete
	offsetInput    = offsetHolding + sizeHolding
)

// TableOf returns the table read by a Modbus read function code.
func TableOf(functionCode byte) (Table, bool) {
	switch functionCode {
	case 1:
		return Coils, true
	case 2:
		return DiscreteInputs, true
	case 3:
		return HoldingRegisters, true
	case 4:
		return InputRegisters, true
	}
	return 0, false
}

func (t Table) offset() int {
	switch t {
	case Coils:
		return offsetCoils
	case DiscreteInputs:
		return offsetDiscrete
	case HoldingRegisters:
		return offsetHolding
	default:
		return offsetInput
	}
}

func (t Table) isBits() bool {
	return t == Coils || t == DiscreteInputs
}

// Snapshot is a memory mapped result file.
type Snapshot struct {
	mu   sync.RWMutex
	file *os.File
	data mmap.MMap
}

// Open maps the file at path, creating or resizing it as needed.
func Open(path string) (*Snapshot, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() != int64(totalSize) {
		if err := f.Truncate(int64(totalSize)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to resize snapshot file: %w", err)
		}
	}
	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return &Snapshot{file: f, data: data}, nil
}

func checkRange(address uint16, quantity int) error {
	if int(address)+quantity > addressSpace {
		return fmt.Errorf("snapshot: range %d+%d exceeds the address space", address, quantity)
	}
	return nil
}

// PutRegisters stores values at address of a register table.
func (s *Snapshot) PutRegisters(t Table, address uint16, values []int16) error {
	if t.isBits() {
		return fmt.Errorf("snapshot: table %d holds bits", t)
	}
	if err := checkRange(address, len(values)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return fmt.Errorf("snapshot: closed")
	}
	base := t.offset() + int(address)*2
	for i, v := range values {
		binary.BigEndian.PutUint16(s.data[base+i*2:], uint16(v))
	}
	return nil
}

// PutBits stores values at address of a bit table.
func (s *Snapshot) PutBits(t Table, address uint16, values []bool) error {
	if !t.isBits() {
		return fmt.Errorf("snapshot: table %d holds registers", t)
	}
	if err := checkRange(address, len(values)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return fmt.Errorf("snapshot: closed")
	}
	base := t.offset() + int(address)
	for i, v := range values {
		var b byte
		if v {
			b = 1
		}
		s.data[base+i] = b
	}
	return nil
}

// Registers returns quantity values at address of a register table.
func (s *Snapshot) Registers(t Table, address uint16, quantity int) ([]int16, error) {
	if t.isBits() {
		return nil, fmt.Errorf("snapshot: table %d holds bits", t)
	}
	if err := checkRange(address, quantity); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data == nil {
		return nil, fmt.Errorf("snapshot: closed")
	}
	base := t.offset() + int(address)*2
	values := make([]int16, quantity)
	for i := range values {
		values[i] = int16(binary.BigEndian.Uint16(s.data[base+i*2:]))
	}
	return values, nil
}

// Bits returns quantity values at address of a bit table.
func (s *Snapshot) Bits(t Table, address uint16, quantity int) ([]bool, error) {
	if !t.isBits() {
		return nil, fmt.Errorf("snapshot: table %d holds registers", t)
	}
	if err := checkRange(address, quantity); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data == nil {
		return nil, fmt.Errorf("snapshot: closed")
	}
	base := t.offset() + int(address)
	values := make([]bool, quantity)
	for i := range values {
		values[i] = s.data[base+i] != 0
	}
	return values, nil
}

// Flush writes the mapping back to disk.
func (s *Snapshot) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return fmt.Errorf("snapshot: closed")
	}
	return s.data.Flush()
}

// Close unmaps and closes the file.
func (s *Snapshot) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.data != nil {
		if e := s.data.Unmap(); e != nil {
			err = e
		}
		s.data = nil
	}
	if s.file != nil {
		if e := s.file.Close(); e != nil {
			err = e
		}
		s.file = nil
	}
	return err
}

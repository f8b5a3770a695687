package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
)

// convertToBytes encodes val as eType in the requested byte order. A forced
// order (AB, BA, ABCD, DCBA, BADC, CDAB) overrides order.
func convertToBytes(eType string, order binary.ByteOrder, forcedOrder string, val float64) ([]byte, error) {
	fo := strings.ToUpper(forcedOrder)
	switch fo {
	case "":
		// nothing is forced
	case "AB", "ABCD", "BADC":
		order = binary.BigEndian
	case "BA", "DCBA", "CDAB":
		order = binary.LittleEndian
	default:
		return nil, fmt.Errorf("forced order %s not known", fo)
	}

	w := newWriter(order)
	var buf []byte
	switch eType {
	case "uint16":
		if val > math.MaxUint16 || val < 0 {
			return nil, fmt.Errorf("overflow: %f does not fit into datatype %s", val, eType)
		}
		buf = w.to(uint16(val))
	case "int16":
		if val > math.MaxInt16 || val < math.MinInt16 {
			return nil, fmt.Errorf("overflow: %f does not fit into datatype %s", val, eType)
		}
		buf = w.to(int16(val))
	case "uint32":
		if val > math.MaxUint32 || val < 0 {
			return nil, fmt.Errorf("overflow: %f does not fit into datatype %s", val, eType)
		}
		buf = w.to(uint32(val))
	case "int32":
		if val > math.MaxInt32 || val < math.MinInt32 {
			return nil, fmt.Errorf("overflow: %f does not fit into datatype %s", val, eType)
		}
		buf = w.to(int32(val))
	case "float32":
		if val > math.MaxFloat32 || val < -math.MaxFloat32 {
			return nil, fmt.Errorf("overflow: %f does not fit into datatype %s", val, eType)
		}
		buf = w.to(float32(val))
	case "float64":
		buf = w.to(val)
	default:
		return nil, fmt.Errorf("unsupported datatype: %s", eType)
	}

	// flip bytes when CDAB or BADC are used (and we have 4 bytes)
	if (fo == "CDAB" || fo == "BADC") && len(buf) == 4 {
		buf = []byte{buf[1], buf[0], buf[3], buf[2]}
	}
	return buf, nil
}

// toRegisters splits big-endian byte pairs into register values.
func toRegisters(b []byte) ([]int16, error) {
	if len(b)%2 != 0 {
		return nil, fmt.Errorf("odd byte count %d", len(b))
	}
	regs := make([]int16, len(b)/2)
	for i := range regs {
		regs[i] = int16(binary.BigEndian.Uint16(b[i*2:]))
	}
	return regs, nil
}

func newWriter(o binary.ByteOrder) *writer {
	return &writer{order: o}
}

type writer struct {
	order binary.ByteOrder
}

func (w *writer) to(v interface{}) []byte {
	var buf bytes.Buffer
	if err := binary.Write(&buf, w.order, v); err != nil {
		panic(fmt.Sprintf("binary.Write failed: %s", err.Error()))
	}
	b, _ := io.ReadAll(&buf)
	return b
}

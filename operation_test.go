package mbmaster

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandFrames(t *testing.T) {
	pattern := []bool{true, false, true, true, false, false, true, true, true, false}

	type testCase struct {
		name     string
		arm      func(m *Master, h int, cb Callback) (ExceptionCode, error)
		request  []byte
		response []byte
		code     ExceptionCode
		check    func(t *testing.T)
	}
	coils := make([]bool, 10)
	inputs := make([]bool, 3)
	inputRegs := make([]int16, 1)
	tests := []testCase{
		{
			name: "read coils",
			arm: func(m *Master, h int, cb Callback) (ExceptionCode, error) {
				return m.ReadCoils(context.Background(), h, 0x13, 10, coils, 1, cb)
			},
			request:  []byte{0x01, 0x00, 0x13, 0x00, 0x0A},
			response: []byte{0x01, 0x02, 0xCD, 0x01},
			check:    func(t *testing.T) { assert.Equal(t, pattern, coils) },
		},
		{
			name: "read discrete inputs",
			arm: func(m *Master, h int, cb Callback) (ExceptionCode, error) {
				return m.ReadDiscreteInputs(context.Background(), h, 0xC4, 3, inputs, 1, cb)
			},
			request:  []byte{0x02, 0x00, 0xC4, 0x00, 0x03},
			response: []byte{0x02, 0x01, 0x05},
			check:    func(t *testing.T) { assert.Equal(t, []bool{true, false, true}, inputs) },
		},
		{
			name: "read input registers",
			arm: func(m *Master, h int, cb Callback) (ExceptionCode, error) {
				return m.ReadInputRegisters(context.Background(), h, 8, 1, inputRegs, 1, cb)
			},
			request:  []byte{0x04, 0x00, 0x08, 0x00, 0x01},
			response: []byte{0x04, 0x02, 0x00, 0x0A},
			check:    func(t *testing.T) { assert.Equal(t, []int16{10}, inputRegs) },
		},
		{
			name: "write single coil",
			arm: func(m *Master, h int, cb Callback) (ExceptionCode, error) {
				return m.WriteSingleCoil(context.Background(), h, 0xAC, true, 1, cb)
			},
			request:  []byte{0x05, 0x00, 0xAC, 0xFF, 0x00},
			response: []byte{0x05, 0x00, 0xAC, 0xFF, 0x00},
		},
		{
			name: "write single coil off",
			arm: func(m *Master, h int, cb Callback) (ExceptionCode, error) {
				return m.WriteSingleCoil(context.Background(), h, 0xAC, false, 1, cb)
			},
			request:  []byte{0x05, 0x00, 0xAC, 0x00, 0x00},
			response: []byte{0x05, 0x00, 0xAC, 0x00, 0x00},
		},
		{
			name: "write single register",
			arm: func(m *Master, h int, cb Callback) (ExceptionCode, error) {
				return m.WriteSingleRegister(context.Background(), h, 1, -2, 1, cb)
			},
			request:  []byte{0x06, 0x00, 0x01, 0xFF, 0xFE},
			response: []byte{0x06, 0x00, 0x01, 0xFF, 0xFE},
		},
		{
			name: "write multiple coils",
			arm: func(m *Master, h int, cb Callback) (ExceptionCode, error) {
				return m.WriteMultipleCoils(context.Background(), h, 0x13, pattern, 1, cb)
			},
			request:  []byte{0x0F, 0x00, 0x13, 0x00, 0x0A, 0x02, 0xCD, 0x01},
			response: []byte{0x0F, 0x00, 0x13, 0x00, 0x0A},
		},
		{
			name: "write multiple registers",
			arm: func(m *Master, h int, cb Callback) (ExceptionCode, error) {
				return m.WriteMultipleRegisters(context.Background(), h, 1, []int16{0x000A, 0x0102}, 1, cb)
			},
			request:  []byte{0x10, 0x00, 0x01, 0x00, 0x02, 0x04, 0x00, 0x0A, 0x01, 0x02},
			response: []byte{0x10, 0x00, 0x01, 0x00, 0x02},
		},
		{
			name: "write single register wrong echo",
			arm: func(m *Master, h int, cb Callback) (ExceptionCode, error) {
				return m.WriteSingleRegister(context.Background(), h, 1, 3, 1, cb)
			},
			request:  []byte{0x06, 0x00, 0x01, 0x00, 0x03},
			response: []byte{0x06, 0x00, 0x01, 0x00, 0x04},
			code:     PduReceivedWrong,
		},
		{
			name: "write multiple registers wrong quantity",
			arm: func(m *Master, h int, cb Callback) (ExceptionCode, error) {
				return m.WriteMultipleRegisters(context.Background(), h, 1, []int16{1}, 1, cb)
			},
			request:  []byte{0x10, 0x00, 0x01, 0x00, 0x01, 0x02, 0x00, 0x01},
			response: []byte{0x10, 0x00, 0x01, 0x00, 0x02},
			code:     PduReceivedWrong,
		},
		{
			name: "read coils short response",
			arm: func(m *Master, h int, cb Callback) (ExceptionCode, error) {
				return m.ReadCoils(context.Background(), h, 0, 10, make([]bool, 10), 1, cb)
			},
			request:  []byte{0x01, 0x00, 0x00, 0x00, 0x0A},
			response: []byte{0x01, 0x02, 0xCD},
			code:     PduReceivedWrong,
		},
		{
			name: "write multiple coils exception",
			arm: func(m *Master, h int, cb Callback) (ExceptionCode, error) {
				return m.WriteMultipleCoils(context.Background(), h, 0, []bool{true}, 1, cb)
			},
			request:  []byte{0x0F, 0x00, 0x00, 0x00, 0x01, 0x01, 0x01},
			response: []byte{0x8F, 0x04},
			code:     ExceptionCodeServerDeviceFailure,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, h := openMaster(t, Config{Masters: 1, Retries: NoRetries})

			var got []ExceptionCode
			_, err := tc.arm(m, h, func(_, _ byte, code ExceptionCode) {
				got = append(got, code)
			})
			require.NoError(t, err)

			var pdu [MaxPDUSize]byte
			id, n := m.RecvMsg(h, pdu[:])
			assert.Equal(t, byte(1), id)
			if !bytes.Equal(tc.request, pdu[:n]) {
				t.Fatalf("request: expected % x, actual % x", tc.request, pdu[:n])
			}

			m.SendMsg(h, 1, tc.response)
			if tc.code != NoError {
				assert.Empty(t, got)
				m.Task(h)
			}
			assert.Equal(t, []ExceptionCode{tc.code}, got)
			if tc.check != nil {
				tc.check(t)
			}
		})
	}
}

func TestPackBits(t *testing.T) {
	var b [3]byte
	b[2] = 0xFF
	n := packBits(b[:], []bool{true, false, true, true, false, false, true, true, true, false})
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{0xCD, 0x01, 0xFF}, b[:])

	dst := make([]bool, 10)
	unpackBits(dst, []byte{0xCD, 0xFF})
	assert.Equal(t, []bool{true, false, true, true, false, false, true, true, true, true}, dst)
}

func TestDataBlock(t *testing.T) {
	var b [6]byte
	assert.Equal(t, 4, dataBlock(b[:], 0x0102, 0xFFFE))
	assert.Equal(t, []byte{0x01, 0x02, 0xFF, 0xFE, 0x00, 0x00}, b[:])
	assert.Equal(t, int16(-2), readInt(b[2:]))

	writeInt(b[4:], -32768)
	assert.Equal(t, []byte{0x80, 0x00}, b[4:])
}

func TestOpKindLookup(t *testing.T) {
	assert.Nil(t, opIdle.lookup())
	assert.Nil(t, opKind(42).lookup())
	assert.Equal(t, byte(0), opIdle.functionCode())
	assert.Equal(t, byte(FuncCodeWriteMultipleCoils), opWriteMultipleCoils.functionCode())
}

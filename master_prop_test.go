package mbmaster

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"
)

// TestSessionNotifiesOnce drives a session with arbitrary transport and tick
// events and checks that every armed command is reported exactly once.
func TestSessionNotifiesOnce(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := New(Config{Masters: 1})
		h, err := m.Open()
		if err != nil {
			t.Fatal(err)
		}
		if err := m.SetRetries(h, rapid.IntRange(0, 3).Draw(t, "retries")); err != nil {
			t.Fatal(err)
		}

		var armed, notified int
		dst := make([]int16, 2)
		cb := func(slaveID, functionCode byte, code ExceptionCode) {
			notified++
			if slaveID != 1 || functionCode != FuncCodeReadHoldingRegisters {
				t.Fatalf("unexpected notification: slave %d function %d", slaveID, functionCode)
			}
		}

		t.Repeat(map[string]func(*rapid.T){
			"arm": func(t *rapid.T) {
				_, err := m.ReadHoldingRegisters(context.Background(), h, 0, 2, dst, 1, cb)
				switch {
				case err == nil:
					armed++
				case err != ErrBusy || armed == notified:
					t.Fatalf("unexpected arm error: %v", err)
				}
			},
			"reply": func(t *rapid.T) {
				m.SendMsg(h, 1, []byte{0x03, 0x04, 0x00, 0x01, 0x00, 0x02})
			},
			"exception": func(t *rapid.T) {
				code := rapid.ByteRange(1, 11).Draw(t, "code")
				m.SendMsg(h, 1, []byte{0x83, code})
			},
			"garbage": func(t *rapid.T) {
				m.SendMsg(h, 1, rapid.SliceOfN(rapid.Byte(), 0, 8).Draw(t, "pdu"))
			},
			"foreign": func(t *rapid.T) {
				id := rapid.ByteRange(2, 247).Draw(t, "id")
				m.SendMsg(h, id, []byte{0x03, 0x04, 0x00, 0x01, 0x00, 0x02})
			},
			"tick": func(t *rapid.T) {
				m.Task(h)
			},
			"": func(t *rapid.T) {
				if notified > armed || armed-notified > 1 {
					t.Fatalf("armed %d, notified %d", armed, notified)
				}
				if pending(m, h) != (armed-notified == 1) {
					t.Fatalf("pending %v with armed %d, notified %d", pending(m, h), armed, notified)
				}
			},
		})
	})
}

// TestSessionTerminatesAfterRetries checks that a silent slave is given up
// on after exactly retries+1 ticks.
func TestSessionTerminatesAfterRetries(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		retries := rapid.IntRange(0, 20).Draw(t, "retries")
		m := New(Config{Masters: 1})
		h, _ := m.Open()
		if err := m.SetRetries(h, retries); err != nil {
			t.Fatal(err)
		}

		var got []ExceptionCode
		_, err := m.WriteSingleRegister(context.Background(), h, 1, 3, 1, func(_, _ byte, code ExceptionCode) {
			got = append(got, code)
		})
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < retries; i++ {
			m.Task(h)
		}
		if len(got) != 0 {
			t.Fatalf("terminated before retries were exhausted: %v", got)
		}
		m.Task(h)
		if !cmp.Equal(got, []ExceptionCode{SlaveNotRespond}) {
			t.Fatalf("unexpected outcome: %v", got)
		}
	})
}

// TestMismatchedResponseLeavesBuffer checks that responses for another slave
// or another function never touch the destination buffer or end the command.
func TestMismatchedResponseLeavesBuffer(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := New(Config{Masters: 1})
		h, _ := m.Open()

		quantity := rapid.IntRange(1, 125).Draw(t, "quantity")
		dst := make([]int16, quantity)
		for i := range dst {
			dst[i] = 0x5A5A
		}
		want := append([]int16(nil), dst...)

		var calls int
		_, err := m.ReadInputRegisters(context.Background(), h, 0, uint16(quantity), dst, 1, func(byte, byte, ExceptionCode) { calls++ })
		if err != nil {
			t.Fatal(err)
		}

		pdu := rapid.SliceOfN(rapid.Byte(), 1, MaxPDUSize).Draw(t, "pdu")
		id := byte(1)
		if rapid.Bool().Draw(t, "foreign") {
			id = rapid.ByteRange(2, 255).Draw(t, "id")
		} else if pdu[0] == FuncCodeReadInputRegisters {
			pdu[0] = FuncCodeReadHoldingRegisters
		}
		m.SendMsg(h, id, pdu)

		if calls != 0 || !pending(m, h) {
			t.Fatalf("command ended on a mismatched response")
		}
		if !cmp.Equal(dst, want) {
			t.Fatalf("buffer modified: %s", cmp.Diff(want, dst))
		}
	})
}

// TestReadRegistersResponse checks that every well formed response is decoded
// into the destination buffer.
func TestReadRegistersResponse(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := New(Config{Masters: 1})
		h, _ := m.Open()

		values := rapid.SliceOfN(rapid.Int16(), 1, maxReadRegisters).Draw(t, "values")
		address := rapid.Uint16().Draw(t, "address")
		slaveID := rapid.ByteRange(1, 247).Draw(t, "slaveID")

		var got []ExceptionCode
		dst := make([]int16, len(values))
		_, err := m.ReadHoldingRegisters(context.Background(), h, address, uint16(len(values)), dst, slaveID, func(_, _ byte, code ExceptionCode) {
			got = append(got, code)
		})
		if err != nil {
			t.Fatal(err)
		}

		var req [MaxPDUSize]byte
		id, n := m.RecvMsg(h, req[:])
		if id != slaveID || !cmp.Equal(req[:n], []byte{0x03, byte(address >> 8), byte(address), 0, byte(len(values))}) {
			t.Fatalf("unexpected request to %d: % x", id, req[:n])
		}

		resp := make([]byte, 2+2*len(values))
		resp[0] = FuncCodeReadHoldingRegisters
		resp[1] = byte(2 * len(values))
		for i, v := range values {
			writeInt(resp[2+2*i:], v)
		}
		m.SendMsg(h, slaveID, resp)

		if !cmp.Equal(got, []ExceptionCode{NoError}) {
			t.Fatalf("unexpected outcome: %v", got)
		}
		if !cmp.Equal(dst, values) {
			t.Fatalf("wrong registers: %s", cmp.Diff(values, dst))
		}
	})
}

// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package mbmaster

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestLRC(t *testing.T) {
	var lrc lrc
	lrc.pushByte(0x01).pushByte(0x03)
	lrc.pushBytes([]byte{0x01, 0x0A})

	if 0xF1 != lrc.value() {
		t.Fatalf("lrc expected %v, actual %v", 0xF1, lrc.value())
	}
	if 0 != lrc.reset().value() {
		t.Fatalf("lrc expected %v after reset, actual %v", 0, lrc.value())
	}
}

func TestASCIIEncoding(t *testing.T) {
	encoder := asciiPackager{}
	encoder.SetSlave(0x01)

	adu, err := encoder.Encode(&ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x00, 0x00, 0x01}})
	if err != nil {
		t.Fatal(err)
	}
	expected := []byte(":010300000001FB\r\n")
	if !bytes.Equal(expected, adu) {
		t.Fatalf("adu: expected %q, actual %q", expected, adu)
	}
}

func TestASCIIDecoding(t *testing.T) {
	decoder := asciiPackager{}
	adu := []byte(":010302002AD0\r\n")

	slaveID, pdu, err := decoder.Decode(adu)
	if err != nil {
		t.Fatal(err)
	}
	if slaveID != 1 {
		t.Fatalf("slave id: expected %v, actual %v", 1, slaveID)
	}
	if pdu.FunctionCode != 3 {
		t.Fatalf("function code: expected %v, actual %v", 3, pdu.FunctionCode)
	}
	if !bytes.Equal([]byte{0x02, 0x00, 0x2A}, pdu.Data) {
		t.Fatalf("data: expected %v, actual %v", []byte{0x02, 0x00, 0x2A}, pdu.Data)
	}

	if _, _, err = decoder.Decode([]byte(":010302002AD1\r\n")); err == nil {
		t.Fatal("expected lrc error")
	}
	if _, _, err = decoder.Decode([]byte(":0103XX002AD0\r\n")); err == nil {
		t.Fatal("expected hex error")
	}
}

func TestASCIIVerify(t *testing.T) {
	var packager asciiPackager
	request := []byte(":010300000001FB\r\n")

	tests := []struct {
		name     string
		response string
		ok       bool
	}{
		{"match", ":010302002AD0\r\n", true},
		{"alternative start", ">010302002AD0\r\n", true},
		{"short", ":0103\r\n", false},
		{"odd length", ":010302002AD\r\n", false},
		{"start", "#010302002AD0\r\n", false},
		{"end", ":010302002AD0\n\n", false},
		{"slave id", ":020302002ACF\r\n", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := packager.Verify(request, []byte(tc.response))
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestASCIIEncodeDecode(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		packager := &asciiPackager{
			SlaveID: rapid.Byte().Draw(t, "SlaveID"),
		}

		pdu := &ProtocolDataUnit{
			FunctionCode: rapid.Byte().Draw(t, "FunctionCode"),
			Data:         rapid.SliceOfN(rapid.Byte(), 0, 252).Draw(t, "Data"),
		}

		raw, err := packager.Encode(pdu)
		if err != nil {
			t.Fatalf("error while encoding: %+v", err)
		}
		if err = packager.Verify(raw, raw); err != nil {
			t.Fatalf("error while verifying: %+v", err)
		}

		slaveID, dpdu, err := packager.Decode(raw)
		if err != nil {
			t.Fatalf("error while decoding: %+v", err)
		}

		if slaveID != packager.SlaveID {
			t.Errorf("invalid slave id: %v != %v", slaveID, packager.SlaveID)
		}
		if !cmp.Equal(pdu, dpdu, cmpopts.EquateEmpty()) {
			t.Errorf("invalid pdu: %s", cmp.Diff(pdu, dpdu, cmpopts.EquateEmpty()))
		}
	})
}

func TestReadASCIIFrame(t *testing.T) {
	frame, err := readASCIIFrame(io.MultiReader(
		bytes.NewReader([]byte(":0103")),
		bytes.NewReader([]byte("02002A")),
		bytes.NewReader([]byte("D0\r\n")),
	))
	require.NoError(t, err)
	assert.Equal(t, []byte(":010302002AD0\r\n"), frame)

	_, err = readASCIIFrame(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)
}

func TestASCIISend(t *testing.T) {
	response := []byte(":010302002AD0\r\n")
	port := &fakePort{replies: [][]byte{response}}

	h := NewASCIIHandler("/dev/ttyFAKE")
	h.IdleTimeout = 0
	h.port = port

	h.SetSlave(0x01)
	request, err := h.Encode(&ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x00, 0x00, 0x01}})
	require.NoError(t, err)

	adu, err := h.Send(request)
	require.NoError(t, err)
	assert.Equal(t, request, port.tx.Bytes())
	assert.Equal(t, response, adu)
	require.NoError(t, h.Verify(request, adu))
}

func TestASCIIOverTCPSend(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	response := []byte(":010302002AD0\r\n")
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, asciiMaxSize)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		conn.Write(response)
		io.Copy(io.Discard, conn)
	}()

	h := NewASCIIOverTCPHandler(ln.Addr().String())
	h.Timeout = time.Second
	defer h.Close()

	h.SetSlave(0x01)
	request, err := h.Encode(&ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x00, 0x00, 0x00, 0x01}})
	require.NoError(t, err)

	adu, err := h.Send(request)
	require.NoError(t, err)
	assert.Equal(t, response, adu)

	slaveID, pdu, err := h.Decode(adu)
	require.NoError(t, err)
	assert.Equal(t, byte(1), slaveID)
	assert.Equal(t, []byte{0x02, 0x00, 0x2A}, pdu.Data)
}

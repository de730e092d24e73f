package frame

import (
	"bytes"
	"encoding/binary"
	"reflect"
	"testing"

	"github.com/cmmvio/umicp-go/pkg/types"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
		flags   types.FrameFlags
	}{
		{"empty payload", nil, 0},
		{"small payload", []byte("hello"), types.FlagStreamStart},
		{"fragment", bytes.Repeat([]byte{0xAB}, 4096), types.FlagFragmentStart | types.FlagCompressedGzip},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := types.NewFrame(7, 3, tc.flags, tc.payload)
			data, err := Encode(f)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if len(data) != types.FrameHeaderSize+len(tc.payload) {
				t.Errorf("encoded size %d, want %d", len(data), types.FrameHeaderSize+len(tc.payload))
			}

			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got.Header != f.Header {
				t.Errorf("header mismatch: %+v != %+v", got.Header, f.Header)
			}
			if !bytes.Equal(got.Payload, f.Payload) {
				t.Error("payload mismatch")
			}
		})
	}
}

func TestWireLayout(t *testing.T) {
	f := types.NewFrame(0x1122334455667788, 0x99AABBCC, types.FlagEncrypted|types.FlagFragmentEnd, []byte{0xFF})
	data, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if data[0] != types.FrameVersion {
		t.Errorf("byte 0 (version) = %d", data[0])
	}
	if flags := binary.LittleEndian.Uint16(data[2:4]); flags != uint16(types.FlagEncrypted|types.FlagFragmentEnd) {
		t.Errorf("flags bytes = %#x", flags)
	}
	if id := binary.LittleEndian.Uint64(data[4:12]); id != 0x1122334455667788 {
		t.Errorf("stream_id bytes = %#x", id)
	}
	if seq := binary.LittleEndian.Uint32(data[12:16]); seq != 0x99AABBCC {
		t.Errorf("sequence bytes = %#x", seq)
	}
	if length := binary.LittleEndian.Uint32(data[16:20]); length != 1 {
		t.Errorf("length bytes = %d", length)
	}
	if data[20] != 0xFF {
		t.Errorf("payload byte = %#x", data[20])
	}
}

func TestDecodeErrors(t *testing.T) {
	valid, err := Encode(types.NewFrame(1, 0, 0, []byte("payload")))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	cases := []struct {
		name string
		data []byte
		code types.ErrorCode
	}{
		{"empty", nil, types.CodeInvalidFrame},
		{"short header", valid[:10], types.CodeInvalidFrame},
		{"truncated payload", valid[:len(valid)-3], types.CodeInvalidFrame},
		{"trailing garbage", append(append([]byte{}, valid...), 0x00), types.CodeInvalidFrame},
		{"bad version", append([]byte{0x7F}, valid[1:]...), types.CodeInvalidFrame},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.data)
			if err == nil {
				t.Fatal("expected decode error")
			}
			if types.CodeOf(err) != tc.code {
				t.Errorf("code = %v, want %v", types.CodeOf(err), tc.code)
			}
		})
	}
}

func TestEncodeLengthMismatch(t *testing.T) {
	f := types.NewFrame(1, 0, 0, []byte("four"))
	f.Header.Length = 99
	if _, err := Encode(f); err == nil {
		t.Error("expected error for header length mismatch")
	}
}

func TestReadFrame(t *testing.T) {
	f := types.NewFrame(42, 0, types.FlagStreamStart, bytes.Repeat([]byte{1}, 100))
	data, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := ReadFrame(bytes.NewReader(data), 1024)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !reflect.DeepEqual(got, f) {
		t.Error("ReadFrame mismatch")
	}

	if _, err := ReadFrame(bytes.NewReader(data), 10); types.CodeOf(err) != types.CodeBufferOverflow {
		t.Errorf("oversized frame: code = %v, want BUFFER_OVERFLOW", types.CodeOf(err))
	}

	if _, err := ReadFrame(bytes.NewReader(data[:25]), 1024); err == nil {
		t.Error("expected error for truncated stream")
	}
}

func TestIsFrame(t *testing.T) {
	data, err := Encode(types.NewFrame(1, 0, 0, nil))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !IsFrame(data) {
		t.Error("encoded frame should be detected")
	}
	if IsFrame([]byte(`{"version":"1.0"}                    `)) {
		t.Error("JSON envelope must not be detected as frame")
	}
	if !IsFrame(data[:4]) {
		t.Error("truncated frame must still classify as frame")
	}
	if IsFrame(nil) {
		t.Error("empty buffer is not a frame")
	}

	// A truncated frame fails frame decoding, not envelope parsing.
	if _, err := Decode(data[:4]); types.CodeOf(err) != types.CodeInvalidFrame {
		t.Errorf("truncated frame: code = %v, want INVALID_FRAME", types.CodeOf(err))
	}
}

func FuzzDecode(f *testing.F) {
	seed, _ := Encode(types.NewFrame(7, 0, types.FlagFragmentStart|types.FlagFragmentEnd, []byte("seed")))
	f.Add(seed)
	f.Add([]byte{1, 0, 0, 0})
	f.Fuzz(func(t *testing.T, data []byte) {
		frm, err := Decode(data)
		if err != nil {
			return
		}
		// A decoded frame must re-encode to the identical bytes.
		out, err := Encode(frm)
		if err != nil {
			t.Fatalf("re-encode of decoded frame failed: %v", err)
		}
		if !bytes.Equal(out, data) {
			t.Fatal("decode/encode not byte-identical")
		}
	})
}

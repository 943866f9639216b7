package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// TestEncodeDecodeRoundTrip tests that decode(encode(m)) == m at every
// length-field boundary
func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	sizes := []int{0, 1, 125, 126, 65535, 65536}

	for _, size := range sizes {
		payload := bytes.Repeat([]byte{'x'}, size)

		frame, n, err := Decode(Encode(payload))
		if err != nil {
			t.Fatalf("size %d: Decode() error = %v", size, err)
		}
		if n != len(Encode(payload)) {
			t.Errorf("size %d: consumed %d bytes, want %d", size, n, len(Encode(payload)))
		}
		if frame.Opcode != OpText {
			t.Errorf("size %d: opcode = %v, want text", size, frame.Opcode)
		}
		if !frame.Fin {
			t.Errorf("size %d: FIN not set", size)
		}
		if !bytes.Equal(frame.Payload, payload) {
			t.Errorf("size %d: payload mismatch", size)
		}
	}
}

// TestEncodeHeader tests the length field layout for each size class
func TestEncodeHeader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		size       int
		wantByte1  byte
		wantHeader int
	}{
		{name: "empty", size: 0, wantByte1: 0, wantHeader: 2},
		{name: "max 7-bit", size: 125, wantByte1: 125, wantHeader: 2},
		{name: "min 16-bit", size: 126, wantByte1: 126, wantHeader: 4},
		{name: "max 16-bit", size: 65535, wantByte1: 126, wantHeader: 4},
		{name: "min 64-bit", size: 65536, wantByte1: 127, wantHeader: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			out := Encode(make([]byte, tt.size))

			if out[0] != 0x81 {
				t.Errorf("byte 0 = %#x, want 0x81", out[0])
			}
			if out[1]&0x80 != 0 {
				t.Error("server frame must not be masked")
			}
			if out[1] != tt.wantByte1 {
				t.Errorf("byte 1 = %d, want %d", out[1], tt.wantByte1)
			}
			if len(out) != tt.wantHeader+tt.size {
				t.Errorf("frame length = %d, want %d", len(out), tt.wantHeader+tt.size)
			}

			switch tt.wantHeader {
			case 4:
				if got := binary.BigEndian.Uint16(out[2:4]); int(got) != tt.size {
					t.Errorf("16-bit length = %d, want %d", got, tt.size)
				}
			case 10:
				if got := binary.BigEndian.Uint64(out[2:10]); int(got) != tt.size {
					t.Errorf("64-bit length = %d, want %d", got, tt.size)
				}
			}
		})
	}
}

// TestDecodeMasked tests that a masked client frame decodes to the raw payload
func TestDecodeMasked(t *testing.T) {
	t.Parallel()

	key := [4]byte{0x37, 0xfa, 0x21, 0x3d}

	for _, size := range []int{0, 3, 5, 125, 126, 70000} {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i * 7)
		}

		raw := EncodeMasked(OpText, payload, key)
		if size >= 4 && bytes.Equal(raw[len(raw)-size:], payload) {
			t.Fatalf("size %d: payload was not masked on the wire", size)
		}

		frame, n, err := Decode(raw)
		if err != nil {
			t.Fatalf("size %d: Decode() error = %v", size, err)
		}
		if n != len(raw) {
			t.Errorf("size %d: consumed %d, want %d", size, n, len(raw))
		}
		if !frame.Masked {
			t.Errorf("size %d: Masked = false", size)
		}
		if frame.MaskKey != key {
			t.Errorf("size %d: MaskKey = %v, want %v", size, frame.MaskKey, key)
		}
		if !bytes.Equal(frame.Payload, payload) {
			t.Errorf("size %d: payload mismatch after unmasking", size)
		}
	}
}

// TestDecodeRFCExample tests the masked "Hello" frame from RFC6455 §5.7
func TestDecodeRFCExample(t *testing.T) {
	t.Parallel()

	raw := []byte{0x81, 0x85, 0x37, 0xfa, 0x21, 0x3d, 0x7f, 0x9f, 0x4d, 0x51, 0x58}

	frame, _, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if string(frame.Payload) != "Hello" {
		t.Errorf("payload = %q, want %q", frame.Payload, "Hello")
	}
}

// TestDecodeIncomplete tests that every truncation of a frame reports ErrIncomplete
func TestDecodeIncomplete(t *testing.T) {
	t.Parallel()

	frames := map[string][]byte{
		"7-bit":  EncodeMasked(OpText, []byte("hello"), [4]byte{1, 2, 3, 4}),
		"16-bit": EncodeMasked(OpText, make([]byte, 300), [4]byte{1, 2, 3, 4}),
		"64-bit": EncodeMasked(OpText, make([]byte, 70000), [4]byte{1, 2, 3, 4}),
	}

	for name, raw := range frames {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			for _, cut := range []int{0, 1, 2, 3, 5, 9, 13, len(raw) - 1} {
				if cut >= len(raw) {
					continue
				}
				frame, n, err := Decode(raw[:cut])
				if !errors.Is(err, ErrIncomplete) {
					t.Errorf("cut %d: err = %v, want ErrIncomplete", cut, err)
				}
				if frame != nil || n != 0 {
					t.Errorf("cut %d: got frame %v consumed %d, want nothing", cut, frame, n)
				}
			}
		})
	}
}

// TestDecodeConsumesOneFrame tests that trailing bytes are left for the next call
func TestDecodeConsumesOneFrame(t *testing.T) {
	t.Parallel()

	first := EncodeMasked(OpText, []byte("one"), [4]byte{9, 9, 9, 9})
	second := EncodeMasked(OpText, []byte("two"), [4]byte{8, 8, 8, 8})
	buf := append(append([]byte{}, first...), second...)

	frame, n, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if string(frame.Payload) != "one" || n != len(first) {
		t.Fatalf("first frame = %q (%d bytes), want %q (%d bytes)", frame.Payload, n, "one", len(first))
	}

	frame, _, err = Decode(buf[n:])
	if err != nil {
		t.Fatalf("Decode() second error = %v", err)
	}
	if string(frame.Payload) != "two" {
		t.Errorf("second frame = %q, want %q", frame.Payload, "two")
	}
}

// TestDecodeLimits tests payload size caps for data and control frames
func TestDecodeLimits(t *testing.T) {
	t.Parallel()

	t.Run("data frame over cap", func(t *testing.T) {
		t.Parallel()

		raw := EncodeMasked(OpText, make([]byte, 200), [4]byte{})
		if _, _, err := DecodeLimit(raw, 100); !errors.Is(err, ErrFrameTooLarge) {
			t.Errorf("err = %v, want ErrFrameTooLarge", err)
		}
	})

	t.Run("cap checked from header alone", func(t *testing.T) {
		t.Parallel()

		// Declares 2^40 bytes but carries none.
		raw := []byte{0x81, 0xFF, 0, 0, 0x01, 0, 0, 0, 0, 0}
		if _, _, err := Decode(raw); !errors.Is(err, ErrFrameTooLarge) {
			t.Errorf("err = %v, want ErrFrameTooLarge", err)
		}
	})

	t.Run("no cap", func(t *testing.T) {
		t.Parallel()

		raw := EncodeMasked(OpText, make([]byte, 200), [4]byte{})
		if _, _, err := DecodeLimit(raw, 0); err != nil {
			t.Errorf("err = %v, want nil", err)
		}
	})

	t.Run("oversized control frame", func(t *testing.T) {
		t.Parallel()

		raw := EncodeMasked(OpPing, make([]byte, 126), [4]byte{})
		if _, _, err := Decode(raw); !errors.Is(err, ErrControlTooLarge) {
			t.Errorf("err = %v, want ErrControlTooLarge", err)
		}
	})
}

// TestEncodeControl tests control frame construction
func TestEncodeControl(t *testing.T) {
	t.Parallel()

	out, err := EncodeControl(OpPing, []byte("hi"))
	if err != nil {
		t.Fatalf("EncodeControl() error = %v", err)
	}
	if !bytes.Equal(out, []byte{0x89, 0x02, 'h', 'i'}) {
		t.Errorf("ping frame = %v", out)
	}

	if _, err := EncodeControl(OpText, nil); err == nil {
		t.Error("expected error for non-control opcode")
	}
	if _, err := EncodeControl(OpPong, make([]byte, 126)); !errors.Is(err, ErrControlTooLarge) {
		t.Errorf("err = %v, want ErrControlTooLarge", err)
	}

	if !bytes.Equal(Pong, []byte{0x8A, 0x00}) {
		t.Errorf("Pong = %v, want [0x8A 0x00]", Pong)
	}
}

// TestEncodeClose tests the close frame body layout
func TestEncodeClose(t *testing.T) {
	t.Parallel()

	out := EncodeClose(1002, "bad")
	frame, _, err := Decode(out)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if frame.Opcode != OpClose {
		t.Fatalf("opcode = %v, want close", frame.Opcode)
	}
	if code := binary.BigEndian.Uint16(frame.Payload); code != 1002 {
		t.Errorf("code = %d, want 1002", code)
	}
	if string(frame.Payload[2:]) != "bad" {
		t.Errorf("reason = %q, want %q", frame.Payload[2:], "bad")
	}

	long := EncodeClose(1000, string(bytes.Repeat([]byte{'r'}, 300)))
	if _, _, err := Decode(long); err != nil {
		t.Errorf("long reason should be truncated, got %v", err)
	}
}

// TestMaskInvolution tests that masking twice restores the input
func TestMaskInvolution(t *testing.T) {
	t.Parallel()

	key := [4]byte{0xde, 0xad, 0xbe, 0xef}
	orig := []byte("the quick brown fox")
	b := append([]byte{}, orig...)

	Mask(b, key)
	if bytes.Equal(b, orig) {
		t.Fatal("Mask() did not change the input")
	}
	Mask(b, key)
	if !bytes.Equal(b, orig) {
		t.Errorf("double mask = %q, want %q", b, orig)
	}
}

// BenchmarkEncode benchmarks frame encoding
func BenchmarkEncode(b *testing.B) {
	payload := make([]byte, 1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Encode(payload)
	}
}

// BenchmarkDecode benchmarks decoding a masked client frame
func BenchmarkDecode(b *testing.B) {
	raw := EncodeMasked(OpText, make([]byte, 1024), [4]byte{1, 2, 3, 4})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = Decode(raw)
	}
}

// TestValidCloseCode tests which status codes may appear on the wire
func TestValidCloseCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code uint16
		want bool
	}{
		{0, false},
		{999, false},
		{1000, true},
		{1001, true},
		{1002, true},
		{1003, true},
		{1004, false},
		{1005, false},
		{1006, false},
		{1007, true},
		{1008, true},
		{1009, true},
		{1011, true},
		{1014, true},
		{1015, false},
		{1016, false},
		{2999, false},
		{3000, true},
		{4999, true},
		{5000, false},
	}
	for _, tt := range tests {
		if got := ValidCloseCode(tt.code); got != tt.want {
			t.Errorf("ValidCloseCode(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

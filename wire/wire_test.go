package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	frame := Encode(OpReg, "worker", "1234", "alice", "1")
	fields, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []string{"REG", "worker", "1234", "alice", "1"}
	if len(fields) != len(want) {
		t.Fatalf("field count = %d, want %d", len(fields), len(want))
	}
	for i, w := range want {
		if string(fields[i]) != w {
			t.Fatalf("field %d = %q, want %q", i, fields[i], w)
		}
	}
}

func TestEmptyFieldsSurvive(t *testing.T) {
	frame := Encode("OP", "", "x", "")
	fields, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(fields) != 4 || len(fields[1]) != 0 || len(fields[3]) != 0 {
		t.Fatalf("fields = %q", fields)
	}
}

func TestFieldsMayContainDelimiters(t *testing.T) {
	frame := Encode("OP", "a:b,c", "1:x,")
	fields, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(fields[1]) != "a:b,c" || string(fields[2]) != "1:x," {
		t.Fatalf("fields = %q", fields)
	}
}

func TestScannerZeroCopy(t *testing.T) {
	frame := Encode("OP", "payload")
	s := NewScanner(frame)
	s.Next() // op
	f, err := s.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if &f[0] != &frame[bytes.Index(frame, []byte("payload"))] {
		t.Fatal("field does not alias the frame buffer")
	}
}

func TestNextUint(t *testing.T) {
	s := NewScanner(Encode("OP", "18446744073709551615"))
	s.Next()
	v, err := s.NextUint()
	if err != nil {
		t.Fatalf("next uint: %v", err)
	}
	if v != ^uint64(0) {
		t.Fatalf("v = %d", v)
	}
	s = NewScanner(Encode("OP", "notanumber"))
	s.Next()
	if _, err := s.NextUint(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("non-numeric = %v, want ErrMalformed", err)
	}
}

func TestMalformedFrames(t *testing.T) {
	cases := []string{
		"",                        // empty
		"3:REG",                   // missing comma
		"4:REG,",                  // length overshoots
		"x:REG,",                  // non-decimal length
		":REG,",                   // empty length
		"3REG,",                   // no colon
		"9999999999:x,",           // absurd length
		"3:REG,junk",              // trailing garbage
		"18446744073709551615:x,", // length overflow
	}
	for _, c := range cases {
		if _, err := Decode([]byte(c)); err == nil {
			t.Errorf("Decode(%q) accepted malformed input", c)
		}
	}
}

func TestAppendUint(t *testing.T) {
	frame := AppendUint(nil, 42)
	fields, err := Decode(frame)
	if err != nil || string(fields[0]) != "42" {
		t.Fatalf("fields=%q err=%v", fields, err)
	}
}

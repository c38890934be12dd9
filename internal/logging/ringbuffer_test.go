package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRingBufferSimpleWrite(t *testing.T) {
	rb := NewRingBuffer(64)
	n, err := rb.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Write = (%d, %v)", n, err)
	}
	if got := string(rb.Bytes()); got != "hello" {
		t.Errorf("Bytes = %q", got)
	}
}

func TestRingBufferWraps(t *testing.T) {
	rb := NewRingBuffer(8)
	rb.Write([]byte("abcdef"))
	rb.Write([]byte("ghij"))

	// Ten bytes written into an 8-byte buffer: oldest two are gone.
	if got := string(rb.Bytes()); got != "cdefghij" {
		t.Errorf("Bytes = %q, want cdefghij", got)
	}
}

func TestRingBufferOversizedWrite(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Write([]byte("0123456789"))
	if got := string(rb.Bytes()); got != "6789" {
		t.Errorf("Bytes = %q, want 6789", got)
	}
}

func TestRingBufferExactFill(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Write([]byte("abcd"))
	if got := string(rb.Bytes()); got != "abcd" {
		t.Errorf("Bytes = %q, want abcd", got)
	}
	rb.Write([]byte("e"))
	if got := string(rb.Bytes()); got != "bcde" {
		t.Errorf("Bytes = %q, want bcde", got)
	}
}

func TestRingBufferChronologicalOrder(t *testing.T) {
	rb := NewRingBuffer(16)
	for i := 0; i < 10; i++ {
		rb.Write([]byte{byte('a' + i), '\n'})
	}
	got := rb.Bytes()
	if !bytes.Contains(got, []byte("j\n")) {
		t.Errorf("latest write missing from %q", got)
	}
	if i, j := bytes.IndexByte(got, 'i'), bytes.IndexByte(got, 'j'); i > j {
		t.Errorf("entries out of order: %q", got)
	}
}

func TestRingBufferDumpToFile(t *testing.T) {
	rb := NewRingBuffer(64)
	rb.Write([]byte("crash context line\n"))

	path := filepath.Join(t.TempDir(), "ring.log")
	if err := rb.DumpToFile(path); err != nil {
		t.Fatalf("DumpToFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	if !strings.Contains(string(data), "crash context line") {
		t.Errorf("dump missing content: %q", data)
	}
}

package memfd

import (
	"io"
	"strings"
	"testing"
)

func TestDupToMemfd(t *testing.T) {
	f, err := DupToMemfd("test", strings.NewReader("hello"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	b, err := io.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "hello" {
		t.Errorf("read %q, want hello", b)
	}
	if _, err := f.WriteAt([]byte("x"), 0); err == nil {
		t.Error("sealed memfd accepted a write")
	}
}

func TestDupFile(t *testing.T) {
	f, err := DupFile("/proc/self/exe")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		t.Fatal(err)
	}
	if string(magic) != "\x7fELF" {
		t.Errorf("magic = %q", magic)
	}
}

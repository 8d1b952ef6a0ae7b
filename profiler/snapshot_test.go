package profiler

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestDecodeSnapshot(t *testing.T) {
	in := &SnapshotData{
		Version:    SnapshotVersion,
		Pid:        42,
		Samples:    5,
		Collisions: 1,
		Traces: []Trace{
			{State: "sleeping", Wchan: "futex_wait_queue", Syscall: "futex", OtherCount: 4},
			{State: "running", EventCount: 1},
		},
	}
	data := in.Marshal()
	// unknown fields are skipped
	data = protowire.AppendTag(data, 99, protowire.BytesType)
	data = protowire.AppendString(data, "future")

	out, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatal(err)
	}
	if out.Pid != 42 || out.Samples != 5 || out.Collisions != 1 || len(out.Traces) != 2 {
		t.Fatalf("decoded %+v", out)
	}
	if out.Traces[0] != in.Traces[0] || out.Traces[1] != in.Traces[1] {
		t.Errorf("traces = %+v", out.Traces)
	}
}

func TestDecodeSnapshotMalformed(t *testing.T) {
	noVersion := protowire.AppendTag(nil, fieldPid, protowire.VarintType)
	noVersion = protowire.AppendVarint(noVersion, 1)
	tests := map[string][]byte{
		"truncated":  {0x08},
		"bad tag":    {0x00},
		"no version": noVersion,
	}
	for name, data := range tests {
		if _, err := DecodeSnapshot(data); !errors.Is(err, ErrMalformedSnapshot) {
			t.Errorf("%s: DecodeSnapshot() = %v", name, err)
		}
	}
}

func TestSnapshotWriteTo(t *testing.T) {
	d := &SnapshotData{
		Pid:     7,
		Samples: 4,
		Traces: []Trace{
			{State: "running", OtherCount: 1},
			{State: "sleeping", Syscall: "futex", EventCount: 1, OtherCount: 2},
		},
	}
	var buf bytes.Buffer
	n, err := d.WriteTo(&buf)
	if err != nil || n != int64(buf.Len()) {
		t.Fatalf("WriteTo() = %d, %v", n, err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("output:\n%s", buf.String())
	}
	if !strings.HasPrefix(lines[0], "pid 7: 4 samples, 2 traces") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[2], "sleeping") || !strings.Contains(lines[3], "running") {
		t.Errorf("traces not ordered by count:\n%s", buf.String())
	}
	if !strings.Contains(lines[3], "-") {
		t.Errorf("empty fields not dashed: %q", lines[3])
	}
}

package profiler

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"google.golang.org/protobuf/encoding/protowire"
)

// SnapshotVersion is the version written into every snapshot
const SnapshotVersion = 1

// ErrMalformedSnapshot is returned for bytes that do not decode as a snapshot
var ErrMalformedSnapshot = errors.New("profiler: malformed snapshot")

// snapshot fields
const (
	fieldVersion    protowire.Number = 1
	fieldPid        protowire.Number = 2
	fieldSamples    protowire.Number = 3
	fieldCollisions protowire.Number = 4
	fieldTrace      protowire.Number = 5
)

// trace fields
const (
	fieldState   protowire.Number = 1
	fieldWchan   protowire.Number = 2
	fieldSyscall protowire.Number = 3
	fieldEvent   protowire.Number = 4
	fieldOther   protowire.Number = 5
)

// Trace is one distinct thread condition and how often it was seen
type Trace struct {
	State   string
	Wchan   string
	Syscall string
	// EventCount counts samples of the event thread, OtherCount the rest
	EventCount uint32
	OtherCount uint32
}

// Total is the number of samples of the trace
func (t Trace) Total() uint64 {
	return uint64(t.EventCount) + uint64(t.OtherCount)
}

// SnapshotData is the decoded form of a snapshot
type SnapshotData struct {
	Version    uint32
	Pid        int
	Samples    uint64
	Collisions uint32
	Traces     []Trace
}

// Marshal encodes the snapshot in protobuf wire format
func (d *SnapshotData) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(d.Version))
	b = protowire.AppendTag(b, fieldPid, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(d.Pid))
	b = protowire.AppendTag(b, fieldSamples, protowire.VarintType)
	b = protowire.AppendVarint(b, d.Samples)
	b = protowire.AppendTag(b, fieldCollisions, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(d.Collisions))
	for _, t := range d.Traces {
		b = protowire.AppendTag(b, fieldTrace, protowire.BytesType)
		b = protowire.AppendBytes(b, t.marshal())
	}
	return b
}

func (t Trace) marshal() []byte {
	var b []byte
	for _, f := range []struct {
		num protowire.Number
		s   string
	}{{fieldState, t.State}, {fieldWchan, t.Wchan}, {fieldSyscall, t.Syscall}} {
		if f.s != "" {
			b = protowire.AppendTag(b, f.num, protowire.BytesType)
			b = protowire.AppendString(b, f.s)
		}
	}
	b = protowire.AppendTag(b, fieldEvent, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.EventCount))
	b = protowire.AppendTag(b, fieldOther, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.OtherCount))
	return b
}

// DecodeSnapshot decodes the bytes returned by Session.Snapshot.
// Unknown fields are skipped.
func DecodeSnapshot(b []byte) (*SnapshotData, error) {
	d := new(SnapshotData)
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldTrace && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			t, err := decodeTrace(v)
			if err != nil {
				return 0, err
			}
			d.Traces = append(d.Traces, t)
			return n, nil

		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case fieldVersion:
				d.Version = uint32(v)
			case fieldPid:
				d.Pid = int(v)
			case fieldSamples:
				d.Samples = v
			case fieldCollisions:
				d.Collisions = uint32(v)
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	if d.Version != SnapshotVersion {
		return nil, fmt.Errorf("%w: version %d", ErrMalformedSnapshot, d.Version)
	}
	return d, nil
}

func decodeTrace(b []byte) (Trace, error) {
	var t Trace
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case typ == protowire.BytesType && num <= fieldSyscall:
			v, n := protowire.ConsumeString(b)
			switch num {
			case fieldState:
				t.State = v
			case fieldWchan:
				t.Wchan = v
			case fieldSyscall:
				t.Syscall = v
			}
			return n, nil

		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case fieldEvent:
				t.EventCount = uint32(v)
			case fieldOther:
				t.OtherCount = uint32(v)
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return t, err
}

// consumeFields calls field for every field of a message. field returns the
// length of the value it consumed, or a negative protowire error code.
func consumeFields(b []byte, field func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedSnapshot, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformedSnapshot, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

// WriteTo renders the snapshot as a table, most frequent trace first
func (d *SnapshotData) WriteTo(w io.Writer) (int64, error) {
	traces := append([]Trace(nil), d.Traces...)
	sort.SliceStable(traces, func(i, j int) bool {
		return traces[i].Total() > traces[j].Total()
	})

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "pid %d: %d samples, %d traces, %d collisions\n", d.Pid, d.Samples, len(traces), d.Collisions)
	tw := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOTAL\tEVENT\tOTHER\tSTATE\tSYSCALL\tWCHAN")
	for _, t := range traces {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\t%s\n", t.Total(), t.EventCount, t.OtherCount,
			orDash(t.State), orDash(t.Syscall), orDash(t.Wchan))
	}
	tw.Flush()
	return buf.WriteTo(w)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

//go:build linux

package rlimit

import (
	"errors"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"
)

func TestPrepareRLimit(t *testing.T) {
	tests := []struct {
		name   string
		rl     RLimits
		expect []int
	}{
		{
			name:   "Empty",
			rl:     RLimits{},
			expect: []int{},
		},
		{
			name:   "CPU only",
			rl:     RLimits{CPU: 1},
			expect: []int{syscall.RLIMIT_CPU},
		},
		{
			name:   "All fields",
			rl:     RLimits{CPU: 1, CPUHard: 2, Data: 1024, FileSize: 2048, Stack: 4096, AddressSpace: 8192, OpenFile: 16, Processes: 8, DisableCore: true},
			expect: []int{syscall.RLIMIT_CPU, syscall.RLIMIT_DATA, syscall.RLIMIT_FSIZE, syscall.RLIMIT_STACK, syscall.RLIMIT_AS, syscall.RLIMIT_NOFILE, 6, syscall.RLIMIT_CORE},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rls := tt.rl.PrepareRLimit()
			if len(rls) != len(tt.expect) {
				t.Fatalf("expected %d rlimits, got %d", len(tt.expect), len(rls))
			}
			for i, r := range rls {
				if r.Res != tt.expect[i] {
					t.Errorf("expected Res %d at %d, got %d", tt.expect[i], i, r.Res)
				}
			}
		})
	}
}

func TestFromTuples(t *testing.T) {
	tests := []struct {
		name    string
		tuples  [][3]int64
		want    []RLimit
		wantErr bool
	}{
		{
			name:   "empty",
			tuples: nil,
			want:   []RLimit{},
		},
		{
			name:   "ordered",
			tuples: [][3]int64{{syscall.RLIMIT_NOFILE, 64, 128}, {syscall.RLIMIT_CORE, 0, 0}},
			want: []RLimit{
				{Res: syscall.RLIMIT_NOFILE, Rlim: syscall.Rlimit{Cur: 64, Max: 128}},
				{Res: syscall.RLIMIT_CORE, Rlim: syscall.Rlimit{Cur: 0, Max: 0}},
			},
		},
		{
			name:   "infinity",
			tuples: [][3]int64{{syscall.RLIMIT_STACK, 8 << 20, -1}},
			want:   []RLimit{{Res: syscall.RLIMIT_STACK, Rlim: syscall.Rlimit{Cur: 8 << 20, Max: Infinity}}},
		},
		{
			name:    "soft above hard",
			tuples:  [][3]int64{{syscall.RLIMIT_NOFILE, 256, 128}},
			wantErr: true,
		},
		{
			name:    "soft infinite hard finite",
			tuples:  [][3]int64{{syscall.RLIMIT_NOFILE, -1, 128}},
			wantErr: true,
		},
		{
			name:    "unknown resource",
			tuples:  [][3]int64{{99, 1, 1}},
			wantErr: true,
		},
		{
			name:    "negative resource",
			tuples:  [][3]int64{{-1, 1, 1}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromTuples(tt.tuples)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FromTuples() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalid) {
					t.Errorf("FromTuples() error %v is not ErrInvalid", err)
				}
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("FromTuples() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("FromTuples()[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
			back := Tuples(got)
			for i := range back {
				if back[i] != tt.tuples[i] {
					t.Errorf("Tuples()[%d] = %v, want %v", i, back[i], tt.tuples[i])
				}
			}
		})
	}
}

func TestParseResource(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"nofile", syscall.RLIMIT_NOFILE, false},
		{"RLIMIT_CORE", syscall.RLIMIT_CORE, false},
		{" As ", syscall.RLIMIT_AS, false},
		{"7", 7, false},
		{"16", 0, true},
		{"bogus", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseResource(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseResource(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseResource(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestRLimitString(t *testing.T) {
	tests := []struct {
		name string
		rl   RLimit
		want string
	}{
		{"CPU", RLimit{Res: syscall.RLIMIT_CPU, Rlim: syscall.Rlimit{Cur: 1, Max: 2}}, "CPU[1 s:2 s]"},
		{"OpenFile", RLimit{Res: syscall.RLIMIT_NOFILE, Rlim: syscall.Rlimit{Cur: 10, Max: 20}}, "OpenFile[10:20]"},
		{"Stack", RLimit{Res: syscall.RLIMIT_STACK, Rlim: syscall.Rlimit{Cur: 8, Max: Infinity}}, "stack[8:inf]"},
		{"Unknown", RLimit{Res: 99, Rlim: syscall.Rlimit{Cur: 1, Max: 1}}, "Resource(99)[1:1]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rl.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRLimitsString(t *testing.T) {
	rl := RLimits{CPU: 1, OpenFile: 3, DisableCore: true}
	want := "RLimits{CPU=1, OpenFile=3, DisableCore=true}"
	if got := rl.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestApplyLowersSoftLimit(t *testing.T) {
	var cur syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_CORE, &cur); err != nil {
		t.Fatal(err)
	}
	defer syscall.Setrlimit(syscall.RLIMIT_CORE, &cur)

	idx, err := Apply([]RLimit{{Res: syscall.RLIMIT_CORE, Rlim: syscall.Rlimit{Cur: 0, Max: cur.Max}}})
	if err != nil {
		t.Fatalf("Apply() failed at %d: %v", idx, err)
	}
	var got syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_CORE, &got); err != nil {
		t.Fatal(err)
	}
	if got.Cur != 0 {
		t.Errorf("RLIMIT_CORE soft = %d, want 0", got.Cur)
	}
}

func TestBound(t *testing.T) {
	bounds := [][3]int64{
		{unix.RLIMIT_NPROC, 64, 64},
		{syscall.RLIMIT_NOFILE, 256, 1024},
	}
	tests := []struct {
		name string
		in   [3]int64
		want [3]int64
	}{
		{"unlimited lowered", [3]int64{unix.RLIMIT_NPROC, -1, -1}, [3]int64{unix.RLIMIT_NPROC, 64, 64}},
		{"hard lowered", [3]int64{syscall.RLIMIT_NOFILE, 128, 4096}, [3]int64{syscall.RLIMIT_NOFILE, 128, 1024}},
		{"soft lowered", [3]int64{syscall.RLIMIT_NOFILE, 512, 512}, [3]int64{syscall.RLIMIT_NOFILE, 256, 512}},
		{"below bound", [3]int64{syscall.RLIMIT_NOFILE, 16, 32}, [3]int64{syscall.RLIMIT_NOFILE, 16, 32}},
		{"no bound", [3]int64{syscall.RLIMIT_CORE, -1, -1}, [3]int64{syscall.RLIMIT_CORE, -1, -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Bound([][3]int64{tt.in}, bounds)
			if len(got) != 1 || got[0] != tt.want {
				t.Errorf("Bound(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestBoundUnlimited(t *testing.T) {
	got := Bound([][3]int64{{syscall.RLIMIT_CPU, 5, -1}}, [][3]int64{{syscall.RLIMIT_CPU, -1, -1}})
	if got[0] != [3]int64{syscall.RLIMIT_CPU, 5, -1} {
		t.Errorf("Bound() = %v", got)
	}
}

func TestExceeds(t *testing.T) {
	var cur syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &cur); err != nil {
		t.Fatal(err)
	}
	if cur.Max == Infinity {
		t.Skip("hard limit is unlimited")
	}
	hard := int64(cur.Max)

	i, err := Exceeds([][3]int64{{syscall.RLIMIT_NOFILE, 1, hard}})
	if err != nil || i != -1 {
		t.Errorf("Exceeds(own hard) = %d, %v", i, err)
	}
	i, err = Exceeds([][3]int64{{syscall.RLIMIT_NOFILE, 1, 1}, {syscall.RLIMIT_NOFILE, 1, -1}})
	if err != nil || i != 1 {
		t.Errorf("Exceeds(unlimited) = %d, %v, want 1", i, err)
	}
}

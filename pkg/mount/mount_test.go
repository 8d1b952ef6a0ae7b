package mount

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func TestPathPrefix(t *testing.T) {
	got := pathPrefix("/a/b/c")
	want := []string{"/a", "/a/b", "/a/b/c"}
	if len(got) != len(want) {
		t.Fatalf("pathPrefix() = %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("pathPrefix()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestParseBind(t *testing.T) {
	tests := []struct {
		in       string
		want     string
		readonly bool
		wantErr  bool
	}{
		{in: "/data/app:/data/app", want: "bind[/data/app:/data/app:rw]"},
		{in: "/usr:/mnt/usr:ro", want: "bind[/usr:/mnt/usr:ro]", readonly: true},
		{in: "/usr:/mnt/usr:rw", want: "bind[/usr:/mnt/usr:rw]"},
		{in: "/usr:mnt", wantErr: true},
		{in: "/usr", wantErr: true},
		{in: "/usr:/mnt:xx", wantErr: true},
	}
	for _, tt := range tests {
		m, err := ParseBind(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseBind(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil {
			continue
		}
		if m.String() != tt.want {
			t.Errorf("ParseBind(%q) = %s, want %s", tt.in, m, tt.want)
		}
		if m.IsReadOnly() != tt.readonly {
			t.Errorf("ParseBind(%q) readonly = %v", tt.in, m.IsReadOnly())
		}
	}
}

func TestBuild(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	if err := os.WriteFile(file, nil, 0644); err != nil {
		t.Fatal(err)
	}

	params, err := NewBuilder().
		WithBind(dir, "/mnt/dir", true).
		WithBind(file, "/mnt/file", false).
		WithTmpfs("/tmp/x", "size=1m").
		Build()
	if err != nil {
		t.Fatal(err)
	}
	if len(params) != 3 {
		t.Fatalf("Build() returned %d params", len(params))
	}
	if params[0].MakeNod || !params[1].MakeNod || params[2].MakeNod {
		t.Errorf("MakeNod = %v %v %v", params[0].MakeNod, params[1].MakeNod, params[2].MakeNod)
	}
	if len(params[0].Prefixes) != 2 {
		t.Errorf("Prefixes = %d, want 2", len(params[0].Prefixes))
	}
	if params[0].Flags&syscall.MS_RDONLY == 0 {
		t.Error("read-only bind lost MS_RDONLY")
	}
}

func TestBuildErrors(t *testing.T) {
	if _, err := NewBuilder().WithTmpfs("tmp", "").Build(); !errors.Is(err, ErrRelativeTarget) {
		t.Errorf("relative target error = %v", err)
	}
	if _, err := NewBuilder().WithBind("/nonexistent/source", "/mnt", true).Build(); !os.IsNotExist(err) {
		t.Errorf("missing source error = %v", err)
	}
}

func TestFilterNotExist(t *testing.T) {
	b := NewBuilder().
		WithBind("/nonexistent/source", "/mnt/a", true).
		WithBind(t.TempDir(), "/mnt/b", true).
		WithTmpfs("/mnt/c", "").
		FilterNotExist()
	if len(b.Mounts) != 2 {
		t.Fatalf("FilterNotExist() left %v", b)
	}
	if b.Mounts[0].Target != "/mnt/b" {
		t.Errorf("first mount = %s", b.Mounts[0])
	}
}

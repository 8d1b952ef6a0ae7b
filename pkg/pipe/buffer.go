// Package pipe connects the stdio of a child to the zygote
package pipe

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// maxLine bounds a single logged line
const maxLine = 64 << 10

// Buffer is a pipe whose read end collects at most Max bytes
type Buffer struct {
	W      *os.File
	Buffer *bytes.Buffer
	Done   <-chan struct{}
	Max    int64
}

// NewPipe creates a pipe and copies at most n bytes of its read end to
// writer. The rest is discarded so that the writer never blocks on a full
// pipe. done is closed once n bytes were copied or the write end closed.
// The caller owns w.
func NewPipe(writer io.Writer, n int64) (<-chan struct{}, *os.File, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	done := make(chan struct{})
	go func() {
		io.CopyN(writer, r, n)
		close(done)
		io.Copy(io.Discard, r)
		r.Close()
	}()
	return done, w, nil
}

// NewBuffer creates a Buffer. One extra byte is read so that truncation can
// be detected. Done only fires after the parent closes its copy of W.
func NewBuffer(max int64) (*Buffer, error) {
	buffer := new(bytes.Buffer)
	done, w, err := NewPipe(buffer, max+1)
	if err != nil {
		return nil, err
	}
	return &Buffer{
		W:      w,
		Max:    max,
		Buffer: buffer,
		Done:   done,
	}, nil
}

// Truncated reports whether more than Max bytes were written
func (b *Buffer) Truncated() bool {
	return int64(b.Buffer.Len()) > b.Max
}

func (b Buffer) String() string {
	return fmt.Sprintf("Buffer[%d/%d]", b.Buffer.Len(), b.Max)
}

// NewLogPipe creates a pipe whose lines are logged at info level with the
// given stream attribute. done is closed when every writer has closed.
func NewLogPipe(logger *slog.Logger, stream string) (<-chan struct{}, *os.File, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer r.Close()
		s := bufio.NewScanner(r)
		s.Buffer(make([]byte, 4096), maxLine)
		for s.Scan() {
			logger.Info(s.Text(), "stream", stream)
		}
		if err := s.Err(); err != nil {
			logger.Warn("child output", "stream", stream, "error", err)
			io.Copy(io.Discard, r)
		}
	}()
	return done, w, nil
}

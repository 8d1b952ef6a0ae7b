package profiler

import "sync"

// handle owns one backend table
type handle struct {
	backend Backend
	id      uintptr
	once    sync.Once
}

func newHandle(b Backend, size int) (*handle, error) {
	id, err := b.Allocate(size)
	if err != nil {
		return nil, err
	}
	return &handle{backend: b, id: id}, nil
}

// release frees the table on the first call only
func (h *handle) release() {
	h.once.Do(func() {
		h.backend.Free(h.id)
	})
}

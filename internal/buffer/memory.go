package buffer

import (
	"context"
	"sync"
	"time"
)

// MemoryArena keeps buffers in process memory. Partial transfers do not
// survive a restart, so it is only suitable for tests and single-process
// deployments where one invocation sees a whole transfer through.
type MemoryArena struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	total   int
	created time.Time
	chunks  map[int][]byte
}

func NewMemoryArena() *MemoryArena {
	return &MemoryArena{entries: map[string]*memEntry{}, now: time.Now}
}

func memKey(deviceID, name string) string { return deviceID + "|" + name }

func (a *MemoryArena) get(deviceID, name string) *memEntry {
	k := memKey(deviceID, name)
	e, ok := a.entries[k]
	if !ok {
		e = &memEntry{created: a.now(), chunks: map[int][]byte{}}
		a.entries[k] = e
	}
	return e
}

func (a *MemoryArena) Open(ctx context.Context, deviceID, name string, total int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.get(deviceID, name)
	e.total = total
	return nil
}

func (a *MemoryArena) Store(ctx context.Context, deviceID, name string, index int, data []byte) (Progress, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.get(deviceID, name)
	buf := make([]byte, len(data))
	copy(buf, data)
	e.chunks[index] = buf
	return Progress{Received: len(e.chunks), Total: e.total}, nil
}

func (a *MemoryArena) Progress(ctx context.Context, deviceID, name string) (Progress, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[memKey(deviceID, name)]
	if !ok {
		return Progress{}, nil
	}
	return Progress{Received: len(e.chunks), Total: e.total}, nil
}

func (a *MemoryArena) Missing(ctx context.Context, deviceID, name string, total int) ([]int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[memKey(deviceID, name)]
	var missing []int
	for i := 0; i < total; i++ {
		if !ok {
			missing = append(missing, i)
			continue
		}
		if _, have := e.chunks[i]; !have {
			missing = append(missing, i)
		}
	}
	return missing, nil
}

func (a *MemoryArena) Assemble(ctx context.Context, deviceID, name string, total int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[memKey(deviceID, name)]
	if !ok {
		return nil, ErrIncomplete
	}
	size := 0
	for i := 0; i < total; i++ {
		c, have := e.chunks[i]
		if !have {
			return nil, ErrIncomplete
		}
		size += len(c)
	}
	out := make([]byte, 0, size)
	for i := 0; i < total; i++ {
		out = append(out, e.chunks[i]...)
	}
	return out, nil
}

func (a *MemoryArena) Clear(ctx context.Context, deviceID, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, memKey(deviceID, name))
	return nil
}

func (a *MemoryArena) ExpireStale(ctx context.Context, olderThan time.Duration) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := a.now().Add(-olderThan)
	removed := 0
	for k, e := range a.entries {
		if e.created.Before(cutoff) {
			delete(a.entries, k)
			removed++
		}
	}
	return removed, nil
}

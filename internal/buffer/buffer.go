// Package buffer holds in-progress chunked transfers keyed by device and
// transfer name. The arena must survive process restarts between chunk
// arrivals, so the production implementation is Redis-backed; a
// mutex-guarded in-memory arena covers tests and single-process
// deployments. Completion is exact count equality of distinct indices,
// never byte-size heuristics.
package buffer

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrIncomplete is returned by Assemble when at least one chunk index in
// [0, total) has not been stored yet.
var ErrIncomplete = errors.New("transfer incomplete")

// Progress reports how far a transfer has come. Total is zero while only
// chunks have arrived and metadata has not declared the count yet.
type Progress struct {
	Received int
	Total    int
}

// Complete is true once every declared chunk has been stored.
func (p Progress) Complete() bool { return p.Total > 0 && p.Received >= p.Total }

// Arena is the keyed durable store for in-flight transfers. At most one
// buffer exists per (device, name) key. Open never discards stored
// chunks; callers Clear first when a retry re-chunks the transfer.
type Arena interface {
	// Open creates the buffer if absent and records the declared chunk
	// count. Chunks stored before Open (metadata arriving late) are kept.
	Open(ctx context.Context, deviceID, name string, total int) error
	// Store saves one chunk by index and returns the progress after the
	// write. Storing the same index twice does not inflate the count.
	Store(ctx context.Context, deviceID, name string, index int, data []byte) (Progress, error)
	// Progress reports received/total without writing.
	Progress(ctx context.Context, deviceID, name string) (Progress, error)
	// Missing lists the chunk indices in [0, total) not yet stored.
	Missing(ctx context.Context, deviceID, name string, total int) ([]int, error)
	// Assemble joins all chunks in index order, or fails with
	// ErrIncomplete if any index is absent.
	Assemble(ctx context.Context, deviceID, name string, total int) ([]byte, error)
	// Clear drops the buffer. Clearing an absent key is a no-op.
	Clear(ctx context.Context, deviceID, name string) error
	// ExpireStale drops buffers created longer than olderThan ago and
	// returns how many were dropped.
	ExpireStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// Sweeper reaps stale buffers on a fixed interval, independent of any
// single message's handling.
type Sweeper struct {
	arena     Arena
	every     time.Duration
	olderThan time.Duration
}

func NewSweeper(arena Arena, every, olderThan time.Duration) *Sweeper {
	if every <= 0 {
		every = 30 * time.Minute
	}
	if olderThan <= 0 {
		olderThan = 30 * time.Minute
	}
	return &Sweeper{arena: arena, every: every, olderThan: olderThan}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.arena.ExpireStale(ctx, s.olderThan)
			if err != nil {
				slog.Warn("buffer sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("expired stale transfer buffers", "count", n)
			}
		}
	}
}

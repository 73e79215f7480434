package blockcache

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Writer periodically writes back dirty, unreferenced blocks so that
// eviction rarely has to wait for a write. Writes are throttled so
// that the writer does not starve foreground reads.
type Writer struct {
	cache    *Cache
	interval time.Duration
	limiter  *rate.Limiter

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWriter creates a writer for `cache` that flushes every `interval`
// and writes at most `maxWritesPerSecond` blocks per second. Zero or
// less disables the throttling.
func NewWriter(cache *Cache, interval time.Duration, maxWritesPerSecond int) *Writer {
	limit, burst := rate.Inf, 1
	if maxWritesPerSecond > 0 {
		limit, burst = rate.Limit(maxWritesPerSecond), maxWritesPerSecond
	}

	return &Writer{
		cache:    cache,
		interval: interval,
		limiter:  rate.NewLimiter(limit, burst),
	}
}

// Flush writes back all dirty unreferenced blocks once.
func (w *Writer) Flush(ctx context.Context) error {
	return w.cache.syncWhere(
		func(blockKey) bool { return true },
		func() error { return w.limiter.Wait(ctx) },
	)
}

// Start runs the writer in the background until Stop() is called.
// Calling Start on a running writer does nothing.
func (w *Writer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.loop(ctx, w.done)
}

func (w *Writer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Flush(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Warnf("block writer: flush failed")
			}
		}
	}
}

// Stop halts the background writer and waits for it to finish.
func (w *Writer) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
}

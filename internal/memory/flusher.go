package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultFlushInterval is how often dirty memory is written out.
	DefaultFlushInterval = 30 * time.Second

	// flushTimeout bounds a single save.
	flushTimeout = 10 * time.Second
)

// Flusher periodically persists a Memory in the background. Saves happen
// only when the memory changed since the last successful save.
type Flusher struct {
	mem      *Memory
	store    Store
	interval time.Duration
	logger   *slog.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu        sync.Mutex
	savedGen  uint64
	lastSaved time.Time
	lastErr   error
}

// NewFlusher starts a background flusher. interval <= 0 selects
// DefaultFlushInterval.
func NewFlusher(mem *Memory, store Store, interval time.Duration, logger *slog.Logger) *Flusher {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	f := &Flusher{
		mem:      mem,
		store:    store,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
		savedGen: mem.Generation(),
	}

	f.wg.Add(1)
	go f.run()
	return f
}

func (f *Flusher) run() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.FlushNow(context.Background())
		case <-f.stopChan:
			return
		}
	}
}

// FlushNow saves the memory if it changed. Errors are logged and
// returned; the next tick retries.
func (f *Flusher) FlushNow(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap, gen := f.mem.Export()
	if gen == f.savedGen {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()

	if err := f.store.Save(ctx, snap); err != nil {
		f.lastErr = err
		f.logger.Warn("failed to persist memory", "error", err)
		return err
	}

	f.savedGen = gen
	f.lastSaved = time.Now()
	f.lastErr = nil
	return nil
}

// LastSaved reports when memory was last written and the last error.
func (f *Flusher) LastSaved() (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSaved, f.lastErr
}

// Stop halts the background loop and performs a final flush.
func (f *Flusher) Stop() {
	f.stopOnce.Do(func() {
		close(f.stopChan)
		f.wg.Wait()
		f.FlushNow(context.Background())
	})
}

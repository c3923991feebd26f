package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tasktally/internal/kv"
)

// writer persists snapshots on a single goroutine. It holds at most one
// pending snapshot; a newer one replaces an unwritten older one, so writes
// reach the backend in generation order and stale state is never written
// after fresh state.
type writer struct {
	backend kv.Store
	key     string
	timeout time.Duration
	logger  *log.Logger
	onErr   func(error)

	mu         sync.Mutex
	pending    []byte
	pendingGen uint64
	hasPending bool
	doneGen    uint64
	lastErr    error
	notify     chan struct{}
	// backupKey is set while the key holds a value that could not be read;
	// it is copied there before the first overwrite.
	backupKey string

	kick    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
}

func newWriter(backend kv.Store, key string, timeout time.Duration, logger *log.Logger, onErr func(error)) *writer {
	w := &writer{
		backend: backend,
		key:     key,
		timeout: timeout,
		logger:  logger,
		onErr:   onErr,
		notify:  make(chan struct{}),
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *writer) submit(gen uint64, data []byte) {
	w.mu.Lock()
	if gen > w.pendingGen {
		w.pending = data
		w.pendingGen = gen
		w.hasPending = true
	}
	w.mu.Unlock()
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *writer) run() {
	defer close(w.stopped)
	for {
		select {
		case <-w.kick:
			w.drain()
		case <-w.stop:
			w.drain()
			return
		}
	}
}

func (w *writer) drain() {
	for {
		w.mu.Lock()
		if !w.hasPending {
			w.mu.Unlock()
			return
		}
		data, gen := w.pending, w.pendingGen
		w.pending = nil
		w.hasPending = false
		w.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		err := w.preserveExisting(ctx)
		if err == nil {
			err = w.backend.Set(ctx, w.key, data)
		}
		cancel()
		if err != nil {
			err = fmt.Errorf("persist %s (generation %d): %w", w.key, gen, err)
			w.logger.Printf("store: %v", err)
			if w.onErr != nil {
				w.onErr(err)
			}
		}

		w.mu.Lock()
		w.doneGen = gen
		w.lastErr = err
		close(w.notify)
		w.notify = make(chan struct{})
		w.mu.Unlock()
	}
}

func (w *writer) guardExisting(backupKey string) {
	w.mu.Lock()
	w.backupKey = backupKey
	w.mu.Unlock()
}

// preserveExisting copies the current value of the key to the backup key if
// the store started without being able to read it.
func (w *writer) preserveExisting(ctx context.Context) error {
	w.mu.Lock()
	backupKey := w.backupKey
	w.mu.Unlock()
	if backupKey == "" {
		return nil
	}
	old, err := w.backend.Get(ctx, w.key)
	switch {
	case errors.Is(err, kv.ErrNotFound):
	case err != nil:
		return fmt.Errorf("read existing %s before overwriting it: %w", w.key, err)
	default:
		if err := w.backend.Set(ctx, backupKey, old); err != nil {
			return fmt.Errorf("back up %s to %s: %w", w.key, backupKey, err)
		}
		w.logger.Printf("store: copied previously unreadable %s to %s", w.key, backupKey)
	}
	w.mu.Lock()
	w.backupKey = ""
	w.mu.Unlock()
	return nil
}

// failed reports whether the most recent finished write, covering at least
// gen, returned an error.
func (w *writer) failed(gen uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.doneGen >= gen && w.lastErr != nil
}

// wait blocks until a write covering gen has finished and returns its error.
func (w *writer) wait(ctx context.Context, gen uint64) error {
	for {
		w.mu.Lock()
		if w.doneGen >= gen {
			err := w.lastErr
			w.mu.Unlock()
			return err
		}
		ch := w.notify
		w.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (w *writer) close(ctx context.Context) error {
	close(w.stop)
	select {
	case <-w.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

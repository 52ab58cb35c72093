package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultQueueSize = 256
	writeTimeout     = 10 * time.Second
	closeTimeout     = 5 * time.Second
)

// writeFunc performs one ordered write on the underlying connection.
type writeFunc func(ctx context.Context, data []byte) error

// orderedWriter decouples producers from a slow connection. Frames are
// written by one background goroutine in enqueue order; a full queue blocks
// the producer rather than dropping frames.
type orderedWriter struct {
	write     writeFunc
	queue     chan []byte
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	logger    *slog.Logger
}

func newOrderedWriter(sessionID string, size int, write writeFunc, logger *slog.Logger) *orderedWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = defaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &orderedWriter{
		write:     write,
		queue:     make(chan []byte, size),
		sessionID: sessionID,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}

	w.wg.Add(1)
	go w.run()

	return w
}

// Enqueue queues data for writing, blocking while the queue is full.
func (w *orderedWriter) Enqueue(ctx context.Context, data []byte) error {
	select {
	case <-w.ctx.Done():
		return ErrTransportClosed
	default:
	}

	select {
	case w.queue <- data:
		return nil
	case <-w.ctx.Done():
		return ErrTransportClosed
	case <-ctx.Done():
		w.logger.Warn("Session queue full, producer gave up",
			"session_id", w.sessionID,
			"queue_len", len(w.queue),
		)
		return ctx.Err()
	}
}

// Done is closed once the writer stops, either by Close or after a write error.
func (w *orderedWriter) Done() <-chan struct{} {
	return w.ctx.Done()
}

func (w *orderedWriter) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case data := <-w.queue:
			start := time.Now()
			writeCtx, cancel := context.WithTimeout(w.ctx, writeTimeout)
			err := w.write(writeCtx, data)
			cancel()
			if err != nil {
				if w.ctx.Err() == nil {
					w.logger.Debug("Session write failed, stopping writer", "session_id", w.sessionID, "error", err)
				}
				w.cancel()
				return
			}
			if d := time.Since(start); d > 100*time.Millisecond {
				w.logger.Warn("Slow session write",
					"session_id", w.sessionID,
					"duration_ms", d.Milliseconds(),
				)
			}
		}
	}
}

// Close stops the writer and waits for the background goroutine.
// Frames still queued are discarded.
func (w *orderedWriter) Close() {
	w.closeOnce.Do(func() {
		w.cancel()

		done := make(chan struct{})
		go func() {
			w.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(closeTimeout):
			w.logger.Warn("Session writer shutdown timeout", "session_id", w.sessionID)
		}

		if n := len(w.queue); n > 0 {
			w.logger.Debug("Discarded queued frames on close", "session_id", w.sessionID, "count", n)
		}
	})
}

// Flush waits until every frame queued so far has been handed to the
// connection, or ctx expires.
func (w *orderedWriter) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for len(w.queue) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.ctx.Done():
			return ErrTransportClosed
		case <-ticker.C:
		}
	}
	return nil
}

package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
)

// ErrWorkerClosed is returned by Enqueue after Close.
var ErrWorkerClosed = errors.New("notify: worker closed")

// Worker is an in-process Queue. Tasks are held on a buffered channel and
// delivered by a bounded goroutine pool after the configured delay. The
// request context is not propagated into deliveries.
type Worker struct {
	dispatcher *Dispatcher
	delay      time.Duration
	logger     *slog.Logger

	tasks chan Task
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewWorker starts a worker with the given concurrency and buffer size.
func NewWorker(dispatcher *Dispatcher, delay time.Duration, concurrency, buffer int, logger *slog.Logger) (*Worker, error) {
	if dispatcher == nil {
		return nil, errors.New("notify: dispatcher must not be nil")
	}
	if delay < 0 {
		return nil, errors.New("notify: delay must not be negative")
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		dispatcher: dispatcher,
		delay:      delay,
		logger:     logger,
		tasks:      make(chan Task, buffer),
		done:       make(chan struct{}),
	}
	go w.run(concurrency)
	return w, nil
}

// Enqueue hands the task to the worker. It blocks while the buffer is full
// until ctx is done.
func (w *Worker) Enqueue(ctx context.Context, task Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if err := task.validate(); err != nil {
		return err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWorkerClosed
	}
	select {
	case w.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks and waits until queued tasks are delivered.
func (w *Worker) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.tasks)
	}
	w.mu.Unlock()
	<-w.done
}

func (w *Worker) run(concurrency int) {
	defer close(w.done)
	p := pool.New().WithMaxGoroutines(concurrency)
	for task := range w.tasks {
		p.Go(func() {
			if w.delay > 0 {
				time.Sleep(w.delay)
			}
			w.dispatcher.Deliver(context.Background(), task)
		})
	}
	p.Wait()
}

package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
)

// Scheduler renders events into tasks and places them on a queue.
type Scheduler struct {
	queue     Queue
	templates Templates
	logger    *slog.Logger
}

// NewScheduler creates a Scheduler. A nil logger means slog.Default().
func NewScheduler(queue Queue, templates Templates, logger *slog.Logger) (*Scheduler, error) {
	if queue == nil {
		return nil, errors.New("notify: queue must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{queue: queue, templates: templates, logger: logger}, nil
}

// Schedule enqueues one task per event and returns how many were accepted.
// Failures are logged per task and never returned.
func (s *Scheduler) Schedule(ctx context.Context, phone string, events []Event) int {
	scheduled := 0
	for _, ev := range events {
		text, err := s.templates.Compose(ev)
		if err != nil {
			s.logger.Warn("skipping notification", "kind", ev.Kind, "err", err)
			continue
		}
		task := Task{ID: uuid.NewString(), Kind: ev.Kind, To: phone, Text: text}
		if err := s.queue.Enqueue(ctx, task); err != nil {
			s.logger.Error("enqueue notification failed",
				"task_id", task.ID, "kind", ev.Kind, "to", MaskPhone(phone), "err", err)
			continue
		}
		scheduled++
	}
	return scheduled
}

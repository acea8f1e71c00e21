package handler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	"github.com/sourcegraph/conc/pool"

	"sms-agent/internal/notify"
)

const maxConcurrentDeliveries = 4

type Deliverer interface {
	Deliver(ctx context.Context, task notify.Task) bool
}

// NotifierHandler consumes queued notification tasks. Failed deliveries are
// logged and dropped; the batch never reports failures back to the queue.
type NotifierHandler struct {
	dispatcher Deliverer
	logger     *slog.Logger
}

func NewNotifierHandler(d Deliverer, logger *slog.Logger) (*NotifierHandler, error) {
	if d == nil {
		return nil, errors.New("handler: dispatcher must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NotifierHandler{dispatcher: d, logger: logger}, nil
}

func (h *NotifierHandler) Handle(ctx context.Context, ev events.SQSEvent) error {
	p := pool.New().WithMaxGoroutines(maxConcurrentDeliveries)
	for _, record := range ev.Records {
		task, err := notify.DecodeTask(record.Body)
		if err != nil {
			h.logger.Error("dropping malformed notification", "message_id", record.MessageId, "err", err)
			continue
		}
		p.Go(func() {
			h.dispatcher.Deliver(ctx, task)
		})
	}
	p.Wait()
	return nil
}

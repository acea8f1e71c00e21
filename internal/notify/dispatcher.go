package notify

import (
	"context"
	"errors"
	"log/slog"

	"sms-agent/internal/domain"
)

// Sender is the carrier gateway's out-of-band send operation.
type Sender interface {
	Send(ctx context.Context, to, text string) (domain.Receipt, error)
}

// Dispatcher delivers tasks through the carrier. Failures are logged and
// dropped; notifications are never retried.
type Dispatcher struct {
	sender Sender
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher. A nil logger means slog.Default().
func NewDispatcher(sender Sender, logger *slog.Logger) (*Dispatcher, error) {
	if sender == nil {
		return nil, errors.New("notify: sender must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{sender: sender, logger: logger}, nil
}

// Deliver sends one task and reports whether the carrier accepted it.
func (d *Dispatcher) Deliver(ctx context.Context, task Task) bool {
	if err := task.validate(); err != nil {
		d.logger.Warn("dropping invalid notification", "task_id", task.ID, "err", err)
		return false
	}
	receipt, err := d.sender.Send(ctx, task.To, task.Text)
	if err != nil {
		d.logger.Error("notification send failed",
			"task_id", task.ID, "kind", task.Kind, "to", MaskPhone(task.To), "err", err)
		return false
	}
	d.logger.Info("notification sent",
		"task_id", task.ID, "kind", task.Kind, "to", MaskPhone(task.To), "receipt", receipt.ID)
	return true
}

// MaskPhone keeps only the last four characters of a phone identifier.
func MaskPhone(phone string) string {
	r := []rune(phone)
	if len(r) <= 4 {
		return "****"
	}
	return "***" + string(r[len(r)-4:])
}

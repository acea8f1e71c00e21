package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"sms-agent/internal/domain"
	"sms-agent/internal/notify"
	"sms-agent/internal/usecase"
)

type PaymentApplier interface {
	Apply(ctx context.Context, p usecase.Payment) (domain.Account, error)
}

// PaymentHandler applies settled payments delivered as EventBridge events.
type PaymentHandler struct {
	payments PaymentApplier
	logger   *slog.Logger
}

func NewPaymentHandler(p PaymentApplier, logger *slog.Logger) (*PaymentHandler, error) {
	if p == nil {
		return nil, errors.New("handler: payment service must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentHandler{payments: p, logger: logger}, nil
}

// Handle returns an error only for failures worth retrying. Malformed
// events are logged and acknowledged.
func (h *PaymentHandler) Handle(ctx context.Context, ev events.CloudWatchEvent) error {
	log := h.logger.With("event_id", ev.ID, "detail_type", ev.DetailType)

	var p usecase.Payment
	if err := json.Unmarshal(ev.Detail, &p); err != nil {
		log.Error("dropping malformed payment event", "err", err)
		return nil
	}

	acct, err := h.payments.Apply(ctx, p)
	if err != nil {
		var ucErr *usecase.Error
		if errors.As(err, &ucErr) && ucErr.Code == usecase.ErrorInvalidInput {
			log.Error("dropping invalid payment", "reason", ucErr.Reason, "err", err)
			return nil
		}
		return fmt.Errorf("handler: apply payment: %w", err)
	}
	log.Info("payment event handled", "phone", notify.MaskPhone(acct.Phone), "balance", acct.Balance)
	return nil
}

package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
)

type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// SweeperHandler deletes expired continuations on a schedule.
type SweeperHandler struct {
	sweeper Sweeper
	logger  *slog.Logger
}

func NewSweeperHandler(s Sweeper, logger *slog.Logger) (*SweeperHandler, error) {
	if s == nil {
		return nil, errors.New("handler: sweeper must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SweeperHandler{sweeper: s, logger: logger}, nil
}

func (h *SweeperHandler) Handle(ctx context.Context, ev events.CloudWatchEvent) error {
	n, err := h.sweeper.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("handler: sweep continuations: %w", err)
	}
	h.logger.Info("expired continuations swept", "event_id", ev.ID, "deleted", n)
	return nil
}

package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"sms-agent/internal/domain"
	"sms-agent/internal/ledger"
	"sms-agent/internal/notify"
)

// Payment is a settled purchase reported by the payment processor.
type Payment struct {
	Phone      string `json:"phone"`
	AmountPaid int64  `json:"amount_paid"`
	Credits    int    `json:"credits"`
}

type Crediter interface {
	Credit(ctx context.Context, phone string, amount int) (domain.Account, error)
}

type Scheduler interface {
	Schedule(ctx context.Context, phone string, events []notify.Event) int
}

// PaymentService applies purchased credits and confirms them by SMS.
type PaymentService struct {
	ledger    Crediter
	scheduler Scheduler
	logger    *slog.Logger
}

func NewPaymentService(l Crediter, s Scheduler, logger *slog.Logger) (*PaymentService, error) {
	if l == nil {
		return nil, errors.New("usecase: ledger must not be nil")
	}
	if s == nil {
		return nil, errors.New("usecase: scheduler must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentService{ledger: l, scheduler: s, logger: logger}, nil
}

// Apply credits the account and schedules the payment confirmation. The
// confirmation is best effort.
func (s *PaymentService) Apply(ctx context.Context, p Payment) (domain.Account, error) {
	phone := strings.TrimSpace(p.Phone)
	if phone == "" {
		return domain.Account{}, newError(ErrorInvalidInput, "missing_phone", nil)
	}
	acct, err := s.ledger.Credit(ctx, phone, p.Credits)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidAmount) {
			return domain.Account{}, newError(ErrorInvalidInput, "invalid_credits", err)
		}
		return domain.Account{}, newError(ErrorInternal, "ledger_credit_error", err)
	}
	s.logger.Info("payment applied",
		"phone", notify.MaskPhone(phone), "credits", p.Credits, "amount_paid", p.AmountPaid, "balance", acct.Balance)

	s.scheduler.Schedule(ctx, phone, []notify.Event{{
		Kind:    notify.EventPaymentConfirmed,
		Balance: acct.Balance,
		Credits: p.Credits,
	}})
	return acct, nil
}

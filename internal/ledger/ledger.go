// Package ledger owns per-account credit balances: admission of inbound
// messages, top-ups, refunds and balance-threshold events.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sms-agent/internal/domain"
	"sms-agent/internal/notify"
	"sms-agent/internal/repository"
)

// maxAdmitAttempts bounds the create/consume race between concurrent first messages.
const maxAdmitAttempts = 3

var (
	// ErrInvalidAmount is returned by Credit for non-positive amounts.
	ErrInvalidAmount = errors.New("ledger: credit amount must be positive")
	// ErrAccountNotFound is returned by Refund when the account does not exist.
	ErrAccountNotFound = errors.New("ledger: account not found")
)

// AccountStore is the persistence contract of the ledger. ConsumeCredit and
// CreateAccount must be atomic and report repository.ErrConditionFailed when
// their precondition does not hold.
type AccountStore interface {
	GetAccount(ctx context.Context, phone string) (domain.Account, bool, error)
	CreateAccount(ctx context.Context, acct domain.Account) error
	ConsumeCredit(ctx context.Context, phone string, at time.Time) (domain.Account, error)
	AddCredits(ctx context.Context, phone string, amount int, at time.Time) (domain.Account, error)
	RefundCredit(ctx context.Context, phone string) (domain.Account, error)
	DeleteAccount(ctx context.Context, phone string) error
}

// Thresholds configures trial credits and notification triggers.
type Thresholds struct {
	TrialCredits int
	LowBalance   int
	ExcessUsage  int
}

// Admission is the outcome of Admit.
type Admission struct {
	Admitted bool
	Created  bool
	Account  domain.Account
}

// Ledger decides admission and applies credit changes.
type Ledger struct {
	store      AccountStore
	thresholds Thresholds
	now        func() time.Time
}

// New creates a Ledger.
func New(store AccountStore, thresholds Thresholds) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("ledger: account store must not be nil")
	}
	if thresholds.TrialCredits < 0 {
		return nil, errors.New("ledger: trial credits must not be negative")
	}
	return &Ledger{store: store, thresholds: thresholds, now: time.Now}, nil
}

// Admit decides whether phone may send one more message. A new phone gets an
// account with the trial balance and is always admitted; its first message
// counts as usage but is not charged. An existing account is admitted only
// when its balance is positive, in which case one credit is consumed.
func (l *Ledger) Admit(ctx context.Context, phone string) (Admission, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return Admission{}, errors.New("ledger: phone must not be empty")
	}

	for attempt := 0; attempt < maxAdmitAttempts; attempt++ {
		now := l.now().UTC()
		acct, err := l.store.ConsumeCredit(ctx, phone, now)
		if err == nil {
			return Admission{Admitted: true, Account: acct}, nil
		}
		if !errors.Is(err, repository.ErrConditionFailed) {
			return Admission{}, fmt.Errorf("ledger: consume credit: %w", err)
		}

		// Either the account is missing or it has no credit left.
		existing, ok, err := l.store.GetAccount(ctx, phone)
		if err != nil {
			return Admission{}, fmt.Errorf("ledger: get account: %w", err)
		}
		if ok {
			if existing.Blocked() {
				return Admission{Admitted: false, Account: existing}, nil
			}
			// Topped up between the two calls; try consuming again.
			continue
		}

		created := domain.Account{
			Phone:        phone,
			Balance:      l.thresholds.TrialCredits,
			Usage:        1,
			Active:       true,
			LastActivity: now,
			CreatedAt:    now,
		}
		err = l.store.CreateAccount(ctx, created)
		if err == nil {
			return Admission{Admitted: true, Created: true, Account: created}, nil
		}
		if !errors.Is(err, repository.ErrConditionFailed) {
			return Admission{}, fmt.Errorf("ledger: create account: %w", err)
		}
		// A concurrent first message created the account; consume from it.
	}
	return Admission{}, fmt.Errorf("ledger: admission for account did not settle after %d attempts", maxAdmitAttempts)
}

// Credit adds amount to the balance and resets the usage counter, creating
// the account when it does not exist.
func (l *Ledger) Credit(ctx context.Context, phone string, amount int) (domain.Account, error) {
	if amount <= 0 {
		return domain.Account{}, ErrInvalidAmount
	}
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return domain.Account{}, errors.New("ledger: phone must not be empty")
	}
	acct, err := l.store.AddCredits(ctx, phone, amount, l.now().UTC())
	if err != nil {
		return domain.Account{}, fmt.Errorf("ledger: add credits: %w", err)
	}
	return acct, nil
}

// Refund returns a credit consumed by a message that produced no answer.
func (l *Ledger) Refund(ctx context.Context, phone string) (domain.Account, error) {
	acct, err := l.store.RefundCredit(ctx, phone)
	if errors.Is(err, repository.ErrConditionFailed) {
		return domain.Account{}, ErrAccountNotFound
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("ledger: refund credit: %w", err)
	}
	return acct, nil
}

// Balance reads the account without changing it.
func (l *Ledger) Balance(ctx context.Context, phone string) (domain.Account, bool, error) {
	acct, ok, err := l.store.GetAccount(ctx, phone)
	if err != nil {
		return domain.Account{}, false, fmt.Errorf("ledger: get account: %w", err)
	}
	return acct, ok, nil
}

// Delete removes the account record.
func (l *Ledger) Delete(ctx context.Context, phone string) error {
	if err := l.store.DeleteAccount(ctx, phone); err != nil {
		return fmt.Errorf("ledger: delete account: %w", err)
	}
	return nil
}

// Events evaluates the balance-threshold triggers against a post-transaction
// account snapshot. Each trigger fires at most once per evaluation.
func (l *Ledger) Events(acct domain.Account) []notify.Event {
	var events []notify.Event
	if acct.Usage == 1 {
		events = append(events, notify.Event{Kind: notify.EventWelcome, Balance: acct.Balance})
	}
	if acct.Balance == l.thresholds.LowBalance {
		events = append(events, notify.Event{Kind: notify.EventLowBalance, Balance: acct.Balance})
	}
	if acct.Balance < l.thresholds.ExcessUsage {
		events = append(events, notify.Event{Kind: notify.EventExcessUsage, Balance: acct.Balance})
	}
	return events
}

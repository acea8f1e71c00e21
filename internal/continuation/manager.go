// Package continuation splits replies that exceed one outbound segment and
// serves the stored remainder back on request.
package continuation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"sms-agent/internal/domain"
	"sms-agent/internal/repository"
)

// Suffix is appended to a truncated reply.
const Suffix = "....Reply MORE to continue reading"

// maxCreateAttempts bounds retries when a concurrent reply takes the same index.
const maxCreateAttempts = 5

// SuffixLength is the rune length of Suffix.
var SuffixLength = utf8.RuneCountInString(Suffix)

// ErrMaxLengthTooSmall is returned when maxLength leaves no room for text
// in front of the suffix.
var ErrMaxLengthTooSmall = errors.New("continuation: max length must exceed suffix length")

// ContinuationStore is the persistence contract for continuations.
// CreateContinuation must report repository.ErrConditionFailed when the index
// is already taken for the account.
type ContinuationStore interface {
	CreateContinuation(ctx context.Context, cont domain.Continuation) error
	LatestContinuation(ctx context.Context, phone string) (domain.Continuation, bool, error)
	DeleteContinuations(ctx context.Context, phone string) error
	DeleteExpiredContinuations(ctx context.Context, now time.Time) (int, error)
}

// Manager paginates replies.
type Manager struct {
	store ContinuationStore
	ttl   time.Duration
	now   func() time.Time
	newID func() string
}

// New creates a Manager whose continuations expire ttl after creation.
func New(store ContinuationStore, ttl time.Duration) (*Manager, error) {
	if store == nil {
		return nil, errors.New("continuation: store must not be nil")
	}
	if ttl <= 0 {
		return nil, errors.New("continuation: ttl must be positive")
	}
	return &Manager{store: store, ttl: ttl, now: time.Now, newID: uuid.NewString}, nil
}

// Split cuts reply for one outbound segment of maxLength runes. A reply
// that fits is returned as head with an empty remainder. Otherwise head is
// the first maxLength-SuffixLength runes followed by Suffix and remainder is
// everything after them.
func Split(reply string, maxLength int) (head, remainder string, err error) {
	if maxLength <= SuffixLength {
		return "", "", ErrMaxLengthTooSmall
	}
	if utf8.RuneCountInString(reply) <= maxLength {
		return reply, "", nil
	}
	runes := []rune(reply)
	cut := maxLength - SuffixLength
	return string(runes[:cut]) + Suffix, string(runes[cut:]), nil
}

// Save stores remainder as the newest continuation of the account, linked
// to the turn that produced it.
func (m *Manager) Save(ctx context.Context, phone, turnID, remainder string) error {
	if remainder == "" {
		return errors.New("continuation: remainder must not be empty")
	}
	return m.persist(ctx, phone, turnID, remainder)
}

// Finalize splits reply and saves the remainder, if any, in one step.
func (m *Manager) Finalize(ctx context.Context, phone, turnID, reply string, maxLength int) (string, error) {
	head, remainder, err := Split(reply, maxLength)
	if err != nil || remainder == "" {
		return head, err
	}
	if err := m.Save(ctx, phone, turnID, remainder); err != nil {
		return "", err
	}
	return head, nil
}

func (m *Manager) persist(ctx context.Context, phone, turnID, remainder string) error {
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		latest, ok, err := m.store.LatestContinuation(ctx, phone)
		if err != nil {
			return fmt.Errorf("continuation: latest: %w", err)
		}
		index := 1
		if ok {
			index = latest.Index + 1
		}
		now := m.now().UTC()
		cont := domain.Continuation{
			ID:         m.newID(),
			Phone:      phone,
			Remainder:  remainder,
			TurnID:     turnID,
			Index:      index,
			TotalParts: index,
			CreatedAt:  now,
			ExpiresAt:  now.Add(m.ttl),
		}
		err = m.store.CreateContinuation(ctx, cont)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repository.ErrConditionFailed) {
			return fmt.Errorf("continuation: create: %w", err)
		}
	}
	return fmt.Errorf("continuation: index for account still contended after %d attempts", maxCreateAttempts)
}

// Current returns the most recent continuation of the account. Older
// continuations are unreachable and an expired latest one counts as none.
func (m *Manager) Current(ctx context.Context, phone string) (domain.Continuation, bool, error) {
	cont, ok, err := m.store.LatestContinuation(ctx, phone)
	if err != nil {
		return domain.Continuation{}, false, fmt.Errorf("continuation: latest: %w", err)
	}
	if !ok || cont.Expired(m.now()) || strings.TrimSpace(cont.Remainder) == "" {
		return domain.Continuation{}, false, nil
	}
	return cont, true, nil
}

// Sweep deletes expired continuations. Lookups already ignore them, so the
// sweep may run on any schedule.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	n, err := m.store.DeleteExpiredContinuations(ctx, m.now().UTC())
	if err != nil {
		return n, fmt.Errorf("continuation: sweep: %w", err)
	}
	return n, nil
}

// Purge deletes every continuation of the account.
func (m *Manager) Purge(ctx context.Context, phone string) error {
	if err := m.store.DeleteContinuations(ctx, phone); err != nil {
		return fmt.Errorf("continuation: purge: %w", err)
	}
	return nil
}

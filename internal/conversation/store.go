// Package conversation keeps the ordered per-account turn log used to build
// generation context.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"sms-agent/internal/domain"
)

// TurnStore is the persistence contract for conversation turns.
type TurnStore interface {
	PutTurn(ctx context.Context, turn domain.Turn) error
	RecentTurns(ctx context.Context, phone string, limit int) ([]domain.Turn, error)
	DeleteTurns(ctx context.Context, phone string) error
}

// Store appends and reads conversation turns.
type Store struct {
	turns     TurnStore
	maxLength int
	now       func() time.Time
	newID     func() string
}

// New creates a Store. Content longer than maxLength runes is truncated.
func New(turns TurnStore, maxLength int) (*Store, error) {
	if turns == nil {
		return nil, errors.New("conversation: turn store must not be nil")
	}
	if maxLength <= 0 {
		return nil, errors.New("conversation: max turn length must be positive")
	}
	return &Store{turns: turns, maxLength: maxLength, now: time.Now, newID: uuid.NewString}, nil
}

// Append writes one immutable turn and returns it.
func (s *Store) Append(ctx context.Context, phone string, role domain.Role, content string, typ domain.TurnType, meta domain.TurnMetadata) (domain.Turn, error) {
	if strings.TrimSpace(phone) == "" {
		return domain.Turn{}, errors.New("conversation: phone must not be empty")
	}
	if !role.Valid() {
		return domain.Turn{}, fmt.Errorf("conversation: invalid role %q", role)
	}
	if typ == "" {
		typ = domain.TurnText
	}
	if !typ.Valid() {
		return domain.Turn{}, fmt.Errorf("conversation: invalid turn type %q", typ)
	}

	turn := domain.Turn{
		ID:        s.newID(),
		Phone:     phone,
		Role:      role,
		Content:   truncate(content, s.maxLength),
		Type:      typ,
		Metadata:  meta,
		CreatedAt: s.now().UTC(),
	}
	if err := s.turns.PutTurn(ctx, turn); err != nil {
		return domain.Turn{}, fmt.Errorf("conversation: append: %w", err)
	}
	return turn, nil
}

// History returns the most recent limit turns, oldest first, as chat messages.
func (s *Store) History(ctx context.Context, phone string, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	turns, err := s.turns.RecentTurns(ctx, phone, limit)
	if err != nil {
		return nil, fmt.Errorf("conversation: history: %w", err)
	}
	msgs := make([]domain.ChatMessage, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, domain.ChatMessage{Role: string(t.Role), Content: t.Content})
	}
	return msgs, nil
}

// Purge deletes every turn of the account.
func (s *Store) Purge(ctx context.Context, phone string) error {
	if err := s.turns.DeleteTurns(ctx, phone); err != nil {
		return fmt.Errorf("conversation: purge: %w", err)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

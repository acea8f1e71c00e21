// Package router selects a response provider for a message and falls back
// to the primary provider when the selected one fails.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"sms-agent/internal/domain"
)

var (
	// ErrAllProvidersUnavailable is returned when the selected provider and
	// the fallback both failed.
	ErrAllProvidersUnavailable = errors.New("router: all providers unavailable")
	// ErrUnknownProvider is returned for an override naming no registered provider.
	ErrUnknownProvider = errors.New("router: unknown provider")
	// ErrTextUnsupported is returned by providers without a text generation path.
	ErrTextUnsupported = errors.New("router: provider does not support text generation")
)

// Request is what a provider needs to generate one reply.
type Request struct {
	Message   string
	History   []domain.ChatMessage
	MaxLength int
}

// Provider generates a reply.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
}

// Options tunes a single Route call.
type Options struct {
	// Provider forces a registered provider by name.
	Provider string
	// MaxLength is the reply length budget passed to the provider prompt.
	MaxLength int
}

// Result describes the reply and how it was obtained.
type Result struct {
	Text     string
	Provider string
	Reason   Reason
	Fallback bool
}

// Thresholds configures the message-shape heuristics.
type Thresholds struct {
	HistoryTurns  int
	MessageLength int
}

// Router owns the provider set. The primary provider serves every heuristic
// branch and is always the fallback.
type Router struct {
	primary    Provider
	providers  map[string]Provider
	thresholds Thresholds
	logger     *slog.Logger
}

// New creates a Router. Extra providers are only reachable through an
// explicit Options.Provider override.
func New(primary Provider, thresholds Thresholds, logger *slog.Logger, extra ...Provider) (*Router, error) {
	if primary == nil {
		return nil, errors.New("router: primary provider must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		primary:    primary,
		providers:  map[string]Provider{primary.Name(): primary},
		thresholds: thresholds,
		logger:     logger,
	}
	for _, p := range extra {
		if p == nil {
			return nil, errors.New("router: provider must not be nil")
		}
		if _, dup := r.providers[p.Name()]; dup {
			return nil, fmt.Errorf("router: duplicate provider %q", p.Name())
		}
		r.providers[p.Name()] = p
	}
	return r, nil
}

// CheckOverride reports whether name can be used as Options.Provider. An
// empty name means no override.
func (r *Router) CheckOverride(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return nil
}

// Route selects a provider and generates a reply. If the selected provider
// fails, the primary provider is tried exactly once more.
func (r *Router) Route(ctx context.Context, message string, history []domain.ChatMessage, opts Options) (Result, error) {
	selected, reason, err := r.selectProvider(message, history, opts)
	if err != nil {
		return Result{}, err
	}
	req := Request{Message: message, History: history, MaxLength: opts.MaxLength}

	chain := []Provider{selected, r.primary}
	var errs []error
	for i, p := range chain {
		text, err := attempt(ctx, p, req)
		if err == nil {
			return Result{Text: text, Provider: p.Name(), Reason: reason, Fallback: i > 0}, nil
		}
		r.logger.Warn("provider attempt failed", "provider", p.Name(), "attempt", i+1, "reason", reason, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return Result{}, errors.Join(append([]error{ErrAllProvidersUnavailable}, errs...)...)
}

func attempt(ctx context.Context, p Provider, req Request) (string, error) {
	text, err := p.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("empty reply")
	}
	return text, nil
}

func (r *Router) selectProvider(message string, history []domain.ChatMessage, opts Options) (Provider, Reason, error) {
	if name := strings.TrimSpace(opts.Provider); name != "" {
		p, ok := r.providers[name]
		if !ok {
			return nil, "", fmt.Errorf("%w: %q", ErrUnknownProvider, name)
		}
		return p, ReasonOverride, nil
	}
	return r.primary, Classify(message, len(history), r.thresholds), nil
}

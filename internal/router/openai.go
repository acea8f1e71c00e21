package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"sms-agent/internal/domain"
)

// PrimaryName is the registered name of the OpenAI provider.
const PrimaryName = "openai"

// ChatClient is the chat completions call of the OpenAI integration.
type ChatClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

// ParamGetter reads configuration parameters.
type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// OpenAIProvider is the primary conversational provider. Its model and the
// operator system prompt are read from the parameter store once per process.
type OpenAIProvider struct {
	chat        ChatClient
	params      ParamGetter
	paramPrefix string

	cacheMu      sync.RWMutex
	cacheLoaded  bool
	model        string
	systemPrompt string
}

// NewOpenAIProvider creates the primary provider.
func NewOpenAIProvider(chat ChatClient, params ParamGetter, paramPrefix string) (*OpenAIProvider, error) {
	if chat == nil {
		return nil, errors.New("router: chat client must not be nil")
	}
	if params == nil {
		return nil, errors.New("router: param getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("router: parameter prefix must not be empty")
	}
	return &OpenAIProvider{chat: chat, params: params, paramPrefix: paramPrefix}, nil
}

func (p *OpenAIProvider) Name() string { return PrimaryName }

// Generate sends the style contract, system prompt, history and message.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Message) == "" {
		return "", errors.New("router: message must not be empty")
	}
	if err := p.ensureConfig(ctx); err != nil {
		return "", err
	}
	text, err := p.chat.Chat(ctx, p.model, buildPromptMessages(p.systemPrompt, req))
	if err != nil {
		return "", fmt.Errorf("router: openai chat: %w", err)
	}
	return text, nil
}

func (p *OpenAIProvider) ensureConfig(ctx context.Context) error {
	p.cacheMu.RLock()
	if p.cacheLoaded {
		p.cacheMu.RUnlock()
		return nil
	}
	p.cacheMu.RUnlock()

	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	if p.cacheLoaded {
		return nil
	}

	model, err := p.params.GetParameter(ctx, p.paramPrefix+"/config/openai_model")
	if err != nil {
		return fmt.Errorf("router: load openai model: %w", err)
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return errors.New("router: openai model parameter is empty")
	}
	systemPrompt, err := p.params.GetParameter(ctx, p.paramPrefix+"/system_prompt")
	if err != nil {
		return fmt.Errorf("router: load system prompt: %w", err)
	}

	p.model = model
	p.systemPrompt = systemPrompt
	p.cacheLoaded = true
	return nil
}

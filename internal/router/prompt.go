package router

import (
	"fmt"
	"strings"

	"sms-agent/internal/domain"
)

// defaultLengthBudget applies when the request carries no MaxLength.
const defaultLengthBudget = 1600

func buildPromptMessages(systemPrompt string, req Request) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: string(domain.RoleSystem), Content: styleContract(req.MaxLength)},
	}
	if sp := strings.TrimSpace(systemPrompt); sp != "" {
		messages = append(messages, domain.ChatMessage{Role: string(domain.RoleSystem), Content: sp})
	}
	for _, m := range req.History {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := m.Role
		if role != string(domain.RoleUser) && role != string(domain.RoleAssistant) {
			continue
		}
		messages = append(messages, domain.ChatMessage{Role: role, Content: m.Content})
	}
	return append(messages, domain.ChatMessage{
		Role:    string(domain.RoleUser),
		Content: strings.TrimSpace(req.Message),
	})
}

func styleContract(maxLength int) string {
	if maxLength <= 0 {
		maxLength = defaultLengthBudget
	}
	return strings.Join([]string{
		"You are a helpful assistant replying over SMS.",
		"",
		"Response Rules:",
		"1) Reply in plain text only. No markdown, no bullet symbols, no tables, no code fences.",
		"2) Do not use emoji unless the user does.",
		fmt.Sprintf("3) Aim to keep the whole reply under %d characters. Prefer one short paragraph.", maxLength),
		"4) If the question needs a long answer, give the most useful part first.",
		"5) Answer only the latest user message, using prior turns as context.",
	}, "\n")
}

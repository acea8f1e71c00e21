package router

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Reason records which selection rule matched.
type Reason string

const (
	ReasonOverride      Reason = "override"
	ReasonComplexIntent Reason = "complex-intent"
	ReasonTechnical     Reason = "technical-term"
	ReasonLongHistory   Reason = "long-history"
	ReasonLongMessage   Reason = "long-message"
	ReasonDefault       Reason = "default"
)

var complexIntentLexicon = []string{
	"explain", "why", "how does", "how do", "how would", "analyze", "analyse",
	"compare", "difference between", "pros and cons", "step by step",
	"in detail", "summarize", "summarise", "evaluate", "what causes",
	"walk me through", "break down",
}

var technicalLexicon = []string{
	"code", "algorithm", "api", "database", "sql", "python", "javascript",
	"golang", "java", "kubernetes", "docker", "server", "function", "compile",
	"debug", "regex", "http", "json", "linux", "network", "encryption",
	"machine learning", "neural network",
}

// Classify applies the message-shape rules in precedence order. Every rule
// currently resolves to the primary provider; the reason is kept for logs.
func Classify(message string, historyLen int, th Thresholds) Reason {
	normalized := " " + normalizeWords(message) + " "
	switch {
	case containsAny(normalized, complexIntentLexicon):
		return ReasonComplexIntent
	case containsAny(normalized, technicalLexicon):
		return ReasonTechnical
	case th.HistoryTurns > 0 && historyLen > th.HistoryTurns:
		return ReasonLongHistory
	case th.MessageLength > 0 && utf8.RuneCountInString(message) > th.MessageLength:
		return ReasonLongMessage
	}
	return ReasonDefault
}

func normalizeWords(s string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(mapped), " ")
}

// containsAny matches whole words or phrases against padded normalized text.
func containsAny(padded string, lexicon []string) bool {
	for _, term := range lexicon {
		if strings.Contains(padded, " "+term+" ") {
			return true
		}
	}
	return false
}

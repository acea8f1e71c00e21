package usecase

import (
	"fmt"
	"strings"
)

// Fixed reply texts.
const (
	StopReply            = "You have been unsubscribed and will not receive further messages. Text any question to start again."
	HistoryDeletedReply  = "Your conversation history has been deleted."
	AccountDeletedReply  = "Your account and conversation history have been deleted."
	NothingPendingReply  = "You have no pending message. Send a new question to continue."
	ApologyReply         = "Sorry, something went wrong while answering your message. Please try again in a moment."
	RetryLaterReply      = "Sorry, we could not complete that request right now. Please try again later."
	UnsupportedMediaText = "Sorry, I can only read text and voice messages. Please send your question as text or audio."
)

func balanceReply(balance int) string {
	return fmt.Sprintf("Your balance is %d credits.", balance)
}

func blockedReply(paymentLink string) string {
	text := "You have used all your messages."
	if link := strings.TrimSpace(paymentLink); link != "" {
		return text + " Add credits to keep chatting: " + link
	}
	return text + " Add credits to keep chatting."
}

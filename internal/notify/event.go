// Package notify turns ledger and payment events into outbound SMS
// notifications that are delivered off the request path.
package notify

import (
	"fmt"
	"strings"
)

// EventKind names an advisory notification trigger.
type EventKind string

const (
	EventWelcome          EventKind = "welcome"
	EventLowBalance       EventKind = "low-balance"
	EventExcessUsage      EventKind = "excess-usage"
	EventPaymentConfirmed EventKind = "payment-confirmed"
)

// Event is one notification trigger together with the account snapshot
// values its message needs.
type Event struct {
	Kind    EventKind
	Balance int
	Credits int
}

// Templates holds the values interpolated into notification texts.
type Templates struct {
	PaymentLink string
}

// Compose renders the SMS text for an event.
func (t Templates) Compose(ev Event) (string, error) {
	var text string
	switch ev.Kind {
	case EventWelcome:
		text = fmt.Sprintf("Welcome! You have %d free messages to try the assistant. "+
			"Reply ACCOUNT to check your balance, MORE to continue a long reply, STOP to opt out.", ev.Balance)
	case EventLowBalance:
		text = fmt.Sprintf("Heads up: you have %d messages left.", ev.Balance)
		text = t.withLink(text, "Top up any time")
	case EventExcessUsage:
		text = "You are almost out of messages."
		text = t.withLink(text, "Add credits to keep chatting")
	case EventPaymentConfirmed:
		text = fmt.Sprintf("Payment received: %d credits added. Your balance is now %d.", ev.Credits, ev.Balance)
	default:
		return "", fmt.Errorf("notify: unknown event kind %q", ev.Kind)
	}
	return text, nil
}

func (t Templates) withLink(text, cta string) string {
	link := strings.TrimSpace(t.PaymentLink)
	if link == "" {
		return text
	}
	return text + " " + cta + ": " + link
}

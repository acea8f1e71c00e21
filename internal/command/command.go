// Package command recognizes the fixed session command vocabulary.
package command

import "strings"

// Kind is a recognized session command.
type Kind int

const (
	None Kind = iota
	Stop
	Account
	DeleteHistory
	DeleteAccount
	More
)

var words = map[string]Kind{
	"stop":           Stop,
	"account":        Account,
	"delete history": DeleteHistory,
	"delete account": DeleteAccount,
	"more":           More,
}

var names = map[Kind]string{
	None:          "none",
	Stop:          "stop",
	Account:       "account",
	DeleteHistory: "delete history",
	DeleteAccount: "delete account",
	More:          "more",
}

func (k Kind) String() string {
	if n, ok := names[k]; ok {
		return n
	}
	return "unknown"
}

// Normalize trims, collapses inner whitespace and case-folds text.
func Normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// Parse returns the command text names, or None.
func Parse(text string) Kind {
	return words[Normalize(text)]
}

package domain

import "time"

// Account is the credit state of a single phone identifier.
type Account struct {
	Phone        string
	Balance      int
	Usage        int
	Active       bool
	LastActivity time.Time
	CreatedAt    time.Time
}

// Blocked reports whether the account may not consume another credit.
// Only the balance gates admission; Active is not consulted.
func (a Account) Blocked() bool {
	return a.Balance <= 0
}

package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sms-agent/internal/domain"
	"sms-agent/internal/notify"
	"sms-agent/internal/repository"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// memStore mirrors the conditional semantics of the repository clients.
type memStore struct {
	mu       sync.Mutex
	accounts map[string]domain.Account

	consumeErr error
	createErr  error
	// raceCreate simulates a concurrent first message creating the account
	// between the failed consume and our create.
	raceCreate bool
}

func newMemStore() *memStore {
	return &memStore{accounts: map[string]domain.Account{}}
}

func (m *memStore) GetAccount(_ context.Context, phone string) (domain.Account, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[phone]
	return a, ok, nil
}

func (m *memStore) CreateAccount(_ context.Context, acct domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if m.raceCreate {
		m.raceCreate = false
		m.accounts[acct.Phone] = domain.Account{Phone: acct.Phone, Balance: 9, Usage: 1, Active: true}
	}
	if _, ok := m.accounts[acct.Phone]; ok {
		return repository.ErrConditionFailed
	}
	m.accounts[acct.Phone] = acct
	return nil
}

func (m *memStore) ConsumeCredit(_ context.Context, phone string, at time.Time) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.consumeErr != nil {
		return domain.Account{}, m.consumeErr
	}
	a, ok := m.accounts[phone]
	if !ok || a.Balance <= 0 {
		return domain.Account{}, repository.ErrConditionFailed
	}
	a.Balance--
	a.Usage++
	a.LastActivity = at
	m.accounts[phone] = a
	return a, nil
}

func (m *memStore) AddCredits(_ context.Context, phone string, amount int, at time.Time) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[phone]
	if !ok {
		a = domain.Account{Phone: phone, Active: true, CreatedAt: at}
	}
	a.Balance += amount
	a.Usage = 0
	a.LastActivity = at
	m.accounts[phone] = a
	return a, nil
}

func (m *memStore) RefundCredit(_ context.Context, phone string) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[phone]
	if !ok {
		return domain.Account{}, repository.ErrConditionFailed
	}
	a.Balance++
	if a.Usage > 0 {
		a.Usage--
	}
	m.accounts[phone] = a
	return a, nil
}

func (m *memStore) DeleteAccount(_ context.Context, phone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accounts, phone)
	return nil
}

func newTestLedger(t *testing.T, store AccountStore) *Ledger {
	t.Helper()
	l, err := New(store, Thresholds{TrialCredits: 9, LowBalance: 3, ExcessUsage: 1})
	require.NoError(t, err)
	l.now = func() time.Time { return testNow }
	return l
}

func kinds(events []notify.Event) []notify.EventKind {
	out := make([]notify.EventKind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Thresholds{})
	require.Error(t, err)

	_, err = New(newMemStore(), Thresholds{TrialCredits: -1})
	require.Error(t, err)
}

func TestAdmit_NewAccountGetsTrialBalance(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(t, store)

	adm, err := l.Admit(context.Background(), "+15550001")
	require.NoError(t, err)
	require.True(t, adm.Admitted)
	require.True(t, adm.Created)
	require.Equal(t, 9, adm.Account.Balance)
	require.Equal(t, 1, adm.Account.Usage)
	require.True(t, adm.Account.Active)
	require.Equal(t, testNow, adm.Account.CreatedAt)

	require.Equal(t, []notify.EventKind{notify.EventWelcome}, kinds(l.Events(adm.Account)))
}

func TestAdmit_ExistingAccountConsumesOneCredit(t *testing.T) {
	store := newMemStore()
	store.accounts["+1555"] = domain.Account{Phone: "+1555", Balance: 5, Usage: 2}
	l := newTestLedger(t, store)

	adm, err := l.Admit(context.Background(), "+1555")
	require.NoError(t, err)
	require.True(t, adm.Admitted)
	require.False(t, adm.Created)
	require.Equal(t, 4, adm.Account.Balance)
	require.Equal(t, 3, adm.Account.Usage)
	require.Equal(t, testNow, adm.Account.LastActivity)
}

func TestAdmit_LastCreditThenBlocked(t *testing.T) {
	store := newMemStore()
	store.accounts["+1555"] = domain.Account{Phone: "+1555", Balance: 1, Usage: 8}
	l := newTestLedger(t, store)

	adm, err := l.Admit(context.Background(), "+1555")
	require.NoError(t, err)
	require.True(t, adm.Admitted)
	require.Equal(t, 0, adm.Account.Balance)

	adm, err = l.Admit(context.Background(), "+1555")
	require.NoError(t, err)
	require.False(t, adm.Admitted)
	require.Equal(t, 0, adm.Account.Balance)
	require.Equal(t, 9, store.accounts["+1555"].Usage)
}

func TestAdmit_ZeroBalanceIsUnchanged(t *testing.T) {
	store := newMemStore()
	store.accounts["+1555"] = domain.Account{Phone: "+1555", Balance: 0, Usage: 4, Active: false}
	l := newTestLedger(t, store)

	for i := 0; i < 3; i++ {
		adm, err := l.Admit(context.Background(), "+1555")
		require.NoError(t, err)
		require.False(t, adm.Admitted)
	}
	require.Equal(t, 0, store.accounts["+1555"].Balance)
	require.Equal(t, 4, store.accounts["+1555"].Usage)
}

func TestAdmit_BalanceNeverNegativeSequentially(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(t, store)

	admitted := 0
	for i := 0; i < 20; i++ {
		adm, err := l.Admit(context.Background(), "+1555")
		require.NoError(t, err)
		require.GreaterOrEqual(t, adm.Account.Balance, 0)
		if adm.Admitted {
			admitted++
		}
	}
	// First message is free, then nine paid ones.
	require.Equal(t, 10, admitted)
	require.Equal(t, 0, store.accounts["+1555"].Balance)
}

func TestAdmit_ConcurrentNeverOverdraws(t *testing.T) {
	store := newMemStore()
	store.accounts["+1555"] = domain.Account{Phone: "+1555", Balance: 5}
	l := newTestLedger(t, store)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adm, err := l.Admit(context.Background(), "+1555")
			if err != nil {
				t.Error(err)
				return
			}
			if adm.Admitted {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 5, admitted)
	require.Equal(t, 0, store.accounts["+1555"].Balance)
}

func TestAdmit_CreateRaceFallsBackToConsume(t *testing.T) {
	store := newMemStore()
	store.raceCreate = true
	l := newTestLedger(t, store)

	adm, err := l.Admit(context.Background(), "+1555")
	require.NoError(t, err)
	require.True(t, adm.Admitted)
	require.False(t, adm.Created)
	require.Equal(t, 8, adm.Account.Balance)
	require.Equal(t, 2, adm.Account.Usage)
}

func TestAdmit_StoreErrors(t *testing.T) {
	store := newMemStore()
	store.consumeErr = errors.New("throttled")
	l := newTestLedger(t, store)
	_, err := l.Admit(context.Background(), "+1555")
	require.ErrorContains(t, err, "consume credit")

	store = newMemStore()
	store.createErr = errors.New("throttled")
	l = newTestLedger(t, store)
	_, err = l.Admit(context.Background(), "+1555")
	require.ErrorContains(t, err, "create account")
}

func TestAdmit_EmptyPhone(t *testing.T) {
	l := newTestLedger(t, newMemStore())
	_, err := l.Admit(context.Background(), "  ")
	require.Error(t, err)
}

func TestCredit(t *testing.T) {
	store := newMemStore()
	store.accounts["+1555"] = domain.Account{Phone: "+1555", Balance: 0, Usage: 12}
	l := newTestLedger(t, store)

	acct, err := l.Credit(context.Background(), "+1555", 50)
	require.NoError(t, err)
	require.Equal(t, 50, acct.Balance)
	require.Equal(t, 0, acct.Usage)

	acct, err = l.Credit(context.Background(), "+1666", 10)
	require.NoError(t, err)
	require.Equal(t, 10, acct.Balance)
	require.Equal(t, testNow, acct.CreatedAt)
}

func TestCredit_RejectsNonPositive(t *testing.T) {
	l := newTestLedger(t, newMemStore())
	for _, amount := range []int{0, -5} {
		_, err := l.Credit(context.Background(), "+1555", amount)
		require.ErrorIs(t, err, ErrInvalidAmount)
	}
}

func TestRefund(t *testing.T) {
	store := newMemStore()
	store.accounts["+1555"] = domain.Account{Phone: "+1555", Balance: 3, Usage: 4}
	l := newTestLedger(t, store)

	acct, err := l.Refund(context.Background(), "+1555")
	require.NoError(t, err)
	require.Equal(t, 4, acct.Balance)
	require.Equal(t, 3, acct.Usage)

	_, err = l.Refund(context.Background(), "+1999")
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestBalance_DoesNotCreate(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(t, store)

	_, ok, err := l.Balance(context.Background(), "+1555")
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, store.accounts)
}

func TestEvents(t *testing.T) {
	l := newTestLedger(t, newMemStore())

	tests := []struct {
		name string
		acct domain.Account
		want []notify.EventKind
	}{
		{"first message", domain.Account{Balance: 9, Usage: 1}, []notify.EventKind{notify.EventWelcome}},
		{"low balance", domain.Account{Balance: 3, Usage: 6}, []notify.EventKind{notify.EventLowBalance}},
		{"excess usage", domain.Account{Balance: 0, Usage: 9}, []notify.EventKind{notify.EventExcessUsage}},
		{"nothing", domain.Account{Balance: 5, Usage: 4}, []notify.EventKind{}},
		{"welcome and low", domain.Account{Balance: 3, Usage: 1}, []notify.EventKind{notify.EventWelcome, notify.EventLowBalance}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, kinds(l.Events(tt.acct)))
		})
	}
}

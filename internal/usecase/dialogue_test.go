package usecase

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sms-agent/internal/continuation"
	"sms-agent/internal/conversation"
	"sms-agent/internal/domain"
	"sms-agent/internal/ledger"
	"sms-agent/internal/notify"
	"sms-agent/internal/repository/sqlite"
	"sms-agent/internal/router"
	"sms-agent/internal/transcription"
)

const (
	testPhone   = "+15550100"
	testSegment = 100
	paymentLink = "https://pay.example.com"
)

type scriptedProvider struct {
	replies  []string
	errs     []error
	calls    int
	messages []string
}

func (p *scriptedProvider) Name() string { return router.PrimaryName }

func (p *scriptedProvider) Generate(_ context.Context, req router.Request) (string, error) {
	idx := p.calls
	p.calls++
	p.messages = append(p.messages, req.Message)
	if idx < len(p.errs) && p.errs[idx] != nil {
		return "", p.errs[idx]
	}
	if idx < len(p.replies) {
		return p.replies[idx], nil
	}
	if len(p.replies) > 0 {
		return p.replies[len(p.replies)-1], nil
	}
	return "ok", nil
}

// faultyStore injects failures in front of the SQLite store.
type faultyStore struct {
	*sqlite.Store
	failPutRole     domain.Role
	failDeleteTurns bool
	failCreateCont  bool
}

func (f *faultyStore) CreateContinuation(ctx context.Context, cont domain.Continuation) error {
	if f.failCreateCont {
		return errors.New("continuation write throttled")
	}
	return f.Store.CreateContinuation(ctx, cont)
}

func (f *faultyStore) PutTurn(ctx context.Context, turn domain.Turn) error {
	if f.failPutRole != "" && turn.Role == f.failPutRole {
		return errors.New("write throttled")
	}
	return f.Store.PutTurn(ctx, turn)
}

func (f *faultyStore) DeleteTurns(ctx context.Context, phone string) error {
	if f.failDeleteTurns {
		return errors.New("delete throttled")
	}
	return f.Store.DeleteTurns(ctx, phone)
}

type fakeTranscriber struct {
	result transcription.Result
	err    error
	calls  int
}

func (f *fakeTranscriber) Supports(ct string) bool {
	return transcription.IsAudio(ct)
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _, _ string) (transcription.Result, error) {
	f.calls++
	return f.result, f.err
}

type harness struct {
	store       *faultyStore
	provider    *scriptedProvider
	transcriber *fakeTranscriber
	svc         *DialogueService
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newHarness(t *testing.T, cfg DialogueConfig) *harness {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := &faultyStore{Store: db}

	l, err := ledger.New(store, ledger.Thresholds{TrialCredits: 9, LowBalance: 3, ExcessUsage: 1})
	require.NoError(t, err)
	conv, err := conversation.New(store, 8000)
	require.NoError(t, err)
	conts, err := continuation.New(store, 24*time.Hour)
	require.NoError(t, err)

	provider := &scriptedProvider{}
	r, err := router.New(provider, router.Thresholds{HistoryTurns: 6, MessageLength: 200}, quietLogger(),
		router.NewTextUnsupported(router.SecondaryName))
	require.NoError(t, err)

	if cfg.MaxSegmentLength == 0 {
		cfg.MaxSegmentLength = testSegment
	}
	if cfg.HistoryWindow == 0 {
		cfg.HistoryWindow = 10
	}
	if cfg.PaymentLink == "" {
		cfg.PaymentLink = paymentLink
	}
	tr := &fakeTranscriber{}
	svc, err := NewDialogueService(l, conv, conts, r, tr, cfg, quietLogger())
	require.NoError(t, err)
	return &harness{store: store, provider: provider, transcriber: tr, svc: svc}
}

func (h *harness) seedAccount(t *testing.T, balance, usage int) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, h.store.CreateAccount(context.Background(), domain.Account{
		Phone: testPhone, Balance: balance, Usage: usage, Active: true, LastActivity: now, CreatedAt: now,
	}))
}

func (h *harness) account(t *testing.T) (domain.Account, bool) {
	t.Helper()
	acct, ok, err := h.store.GetAccount(context.Background(), testPhone)
	require.NoError(t, err)
	return acct, ok
}

func (h *harness) turns(t *testing.T) []domain.Turn {
	t.Helper()
	turns, err := h.store.RecentTurns(context.Background(), testPhone, 100)
	require.NoError(t, err)
	return turns
}

func (h *harness) send(t *testing.T, body string) Outcome {
	t.Helper()
	out, err := h.svc.Handle(context.Background(), domain.Inbound{From: testPhone, Body: body})
	require.NoError(t, err)
	return out
}

func eventKinds(events []notify.Event) []notify.EventKind {
	var out []notify.EventKind
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestNewDialogueService_Validation(t *testing.T) {
	cfg := DialogueConfig{MaxSegmentLength: 100, HistoryWindow: 10}
	_, err := NewDialogueService(nil, nil, nil, nil, nil, cfg, nil)
	require.Error(t, err)
}

func TestHandle_NewAccountHello(t *testing.T) {
	h := newHarness(t, DialogueConfig{})
	h.provider.replies = []string{"Hi! How can I help?"}

	out := h.send(t, "hello")
	require.Equal(t, "Hi! How can I help?", out.Reply)
	require.Equal(t, StateReplied, out.State)
	require.Equal(t, []notify.EventKind{notify.EventWelcome}, eventKinds(out.Events))

	acct, ok := h.account(t)
	require.True(t, ok)
	require.Equal(t, 9, acct.Balance)
	require.Equal(t, 1, acct.Usage)

	turns := h.turns(t)
	require.Len(t, turns, 2)
	require.Equal(t, domain.RoleUser, turns[0].Role)
	require.Equal(t, "hello", turns[0].Content)
	require.Equal(t, domain.RoleAssistant, turns[1].Role)

	// The second message is charged and does not welcome again.
	out = h.send(t, "thanks")
	require.Empty(t, out.Events)
	acct, _ = h.account(t)
	require.Equal(t, 8, acct.Balance)
	require.Equal(t, []string{"hello", "thanks"}, h.provider.messages)
}

func TestHandle_LastCreditThenBlocked(t *testing.T) {
	h := newHarness(t, DialogueConfig{})
	h.seedAccount(t, 1, 8)

	out := h.send(t, "what time is it in Tokyo")
	require.Equal(t, StateReplied, out.State)
	require.Equal(t, "ok", out.Reply)
	require.Equal(t, 0, out.Account.Balance)
	require.Equal(t, []notify.EventKind{notify.EventExcessUsage}, eventKinds(out.Events))

	out = h.send(t, "and in Paris?")
	require.Equal(t, StateBlocked, out.State)
	require.Contains(t, out.Reply, paymentLink)
	require.Empty(t, out.Events)
	require.Equal(t, 1, h.provider.calls)

	acct, _ := h.account(t)
	require.Equal(t, 0, acct.Balance)
	require.Equal(t, 9, acct.Usage)
}

func TestHandle_LowBalanceEvent(t *testing.T) {
	h := newHarness(t, DialogueConfig{})
	h.seedAccount(t, 4, 5)

	out := h.send(t, "hi")
	require.Equal(t, []notify.EventKind{notify.EventLowBalance}, eventKinds(out.Events))
}

func TestHandle_ExhaustedFallback(t *testing.T) {
	h := newHarness(t, DialogueConfig{})
	h.seedAccount(t, 5, 2)
	h.provider.errs = []error{errors.New("timeout"), errors.New("503")}

	out := h.send(t, "tell me a joke")
	require.Equal(t, ApologyReply, out.Reply)
	require.Equal(t, StateFailed, out.State)
	require.Empty(t, out.Events)
	require.Equal(t, 2, h.provider.calls)

	turns := h.turns(t)
	require.Len(t, turns, 1)
	require.Equal(t, domain.RoleUser, turns[0].Role)

	acct, _ := h.account(t)
	require.Equal(t, 5, acct.Balance)
	require.Equal(t, 2, acct.Usage)
}

func TestHandle_ExhaustedFallbackOnFirstMessageKeepsTrial(t *testing.T) {
	h := newHarness(t, DialogueConfig{})
	h.provider.errs = []error{errors.New("a"), errors.New("b")}

	out := h.send(t, "hello")
	require.Equal(t, ApologyReply, out.Reply)
	require.Equal(t, []notify.EventKind{notify.EventWelcome}, eventKinds(out.Events))

	acct, _ := h.account(t)
	require.Equal(t, 9, acct.Balance)
}

func TestHandle_FallbackSucceeds(t *testing.T) {
	h := newHarness(t, DialogueConfig{})
	h.seedAccount(t, 5, 0)
	h.provider.errs = []error{errors.New("timeout")}
	h.provider.replies = []string{"", "recovered"}

	out := h.send(t, "hi")
	require.Equal(t, "recovered", out.Reply)
	require.Len(t, h.turns(t), 2)
}

func TestHandle_SecondaryOverrideFallsBackToPrimary(t *testing.T) {
	h := newHarness(t, DialogueConfig{ProviderOverride: router.SecondaryName})
	h.provider.replies = []string{"from primary"}

	out := h.send(t, "hi")
	require.Equal(t, "from primary", out.Reply)
	require.Equal(t, 1, h.provider.calls)
}

func TestHandle_UserTurnPersistFailureRefunds(t *testing.T) {
	h := newHarness(t, DialogueConfig{})
	h.seedAccount(t, 5, 2)
	h.store.failPutRole = domain.RoleUser

	out := h.send(t, "hi")
	require.Equal(t, ApologyReply, out.Reply)
	require.Zero(t, h.provider.calls)
	acct, _ := h.account(t)
	require.Equal(t, 5, acct.Balance)
	require.Empty(t, h.turns(t))
}

func TestHandle_AssistantTurnPersistFailureRefunds(t *testing.T) {
	h := newHarness(t, DialogueConfig{})
	h.seedAccount(t, 5, 2)
	h.store.failPutRole = domain.RoleAssistant
	h.provider.replies = []string{"an answer that is never sent"}

	out := h.send(t, "hi")
	require.Equal(t, ApologyReply, out.Reply)
	require.Equal(t, StateFailed, out.State)

	turns := h.turns(t)
	require.Len(t, turns, 1)
	require.Equal(t, domain.RoleUser, turns[0].Role)
	acct, _ := h.account(t)
	require.Equal(t, 5, acct.Balance)
}

func TestHandle_LongReplyAssistantPersistFailureLeavesNothingPending(t *testing.T) {
	h := newHarness(t, DialogueConfig{})
	h.seedAccount(t, 5, 2)
	h.store.failPutRole = domain.RoleAssistant
	h.provider.replies = []string{strings.Repeat("abcdefghij", 36)}

	out := h.send(t, "tell me everything")
	require.Equal(t, ApologyReply, out.Reply)
	require.Equal(t, StateFailed, out.State)

	_, ok, err := h.store.LatestContinuation(context.Background(), testPhone)
	require.NoError(t, err)
	require.False(t, ok)

	h.store.failPutRole = ""
	out = h.send(t, "more")
	require.Equal(t, NothingPendingReply, out.Reply)
	acct, _ := h.account(t)
	require.Equal(t, 5, acct.Balance)
}

func TestHandle_ContinuationPersistFailureRefunds(t *testing.T) {
	h := newHarness(t, DialogueConfig{})
	h.seedAccount(t, 5, 2)
	h.store.failCreateCont = true
	h.provider.replies = []string{strings.Repeat("abcdefghij", 36)}

	out := h.send(t, "tell me everything")
	require.Equal(t, ApologyReply, out.Reply)
	acct, _ := h.account(t)
	require.Equal(t, 5, acct.Balance)

	h.store.failCreateCont = false
	out = h.send(t, "more")
	require.Equal(t, NothingPendingReply, out.Reply)
}

func TestHandle_LongReplyAndMore(t *testing.T) {
	h := newHarness(t, DialogueConfig{})
	h.seedAccount(t, 5, 1)
	long := strings.Repeat("0123456789", 15)
	h.provider.replies = []string{long}

	out := h.send(t, "tell me everything")
	cut := testSegment - continuation.SuffixLength
	require.Equal(t, long[:cut]+continuation.Suffix, out.Reply)
	require.Len(t, []rune(out.Reply), testSegment)

	turns := h.turns(t)
	assistant := turns[len(turns)-1]
	require.Equal(t, long, assistant.Content)

	cont, ok, err := h.store.LatestContinuation(context.Background(), testPhone)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, assistant.ID, cont.TurnID)

	before, _ := h.account(t)
	out = h.send(t, "MORE")
	require.Equal(t, StateCommandChecked, out.State)
	require.Equal(t, long[cut:], out.Reply)

	after, _ := h.account(t)
	require.Equal(t, before.Balance, after.Balance)
	require.Equal(t, 1, h.provider.calls)
}

func TestHandle_MoreChainsLongRemainder(t *testing.T) {
	h := newHarness(t, DialogueConfig{})
	h.seedAccount(t, 5, 1)
	long := strings.Repeat("abcdefghij", 20)
	h.provider.replies = []string{long}
	cut := testSegment - continuation.SuffixLength

	h.send(t, "go")
	out := h.send(t, "more")
	require.Equal(t, long[cut:2*cut]+continuation.Suffix, out.Reply)
	out = h.send(t, "more")
	require.Equal(t, long[2*cut:], out.Reply)
}

func TestHandle_MoreWithNothingPending(t *testing.T) {
	h := newHarness(t, DialogueConfig{})
	out := h.send(t, "more")
	require.Equal(t, NothingPendingReply, out.Reply)
	_, ok := h.account(t)
	require.False(t, ok)
}

func TestHandle_DeleteAccount(t *testing.T) {
	h := newHarness(t, DialogueConfig{})
	h.seedAccount(t, 5, 1)
	h.provider.replies = []string{strings.Repeat("x", 300)}
	h.send(t, "long please")

	out := h.send(t, "Delete Account")
	require.Equal(t, AccountDeletedReply, out.Reply)

	_, ok := h.account(t)
	require.False(t, ok)
	require.Empty(t, h.turns(t))
	_, ok, err := h.store.LatestContinuation(context.Background(), testPhone)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHandle_DeleteAccountAttemptsEveryStep(t *testing.T) {
	h := newHarness(t, DialogueConfig{})
	h.seedAccount(t, 5, 1)
	h.provider.replies = []string{strings.Repeat("x", 300)}
	h.send(t, "long please")
	h.store.failDeleteTurns = true

	out := h.send(t, "delete account")
	require.Equal(t, RetryLaterReply, out.Reply)

	_, ok := h.account(t)
	require.False(t, ok)
	_, ok, err := h.store.LatestContinuation(context.Background(), testPhone)
	require.NoError(t, err)
	require.False(t, ok)
	require.NotEmpty(t, h.turns(t))
}

func TestHandle_DeleteHistory(t *testing.T) {
	h := newHarness(t, DialogueConfig{})
	h.seedAccount(t, 5, 1)
	h.send(t, "hi")

	out := h.send(t, "delete history")
	require.Equal(t, HistoryDeletedReply, out.Reply)
	require.Empty(t, h.turns(t))
	_, ok := h.account(t)
	require.True(t, ok)
}

func TestHandle_AccountAndStop(t *testing.T) {
	h := newHarness(t, DialogueConfig{})

	out := h.send(t, "account")
	require.Equal(t, "Your balance is 0 credits.", out.Reply)
	_, ok := h.account(t)
	require.False(t, ok)

	h.seedAccount(t, 7, 2)
	out = h.send(t, " ACCOUNT ")
	require.Equal(t, "Your balance is 7 credits.", out.Reply)

	out = h.send(t, "stop")
	require.Equal(t, StopReply, out.Reply)
	acct, _ := h.account(t)
	require.Equal(t, 7, acct.Balance)
	require.Zero(t, h.provider.calls)
}

func TestHandle_ValidationErrors(t *testing.T) {
	h := newHarness(t, DialogueConfig{})

	_, err := h.svc.Handle(context.Background(), domain.Inbound{Body: "hi"})
	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, ErrorInvalidInput, ucErr.Code)
	require.Equal(t, "missing_sender", ucErr.Reason)

	_, err = h.svc.Handle(context.Background(), domain.Inbound{From: testPhone, Body: "   "})
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, "empty_message", ucErr.Reason)

	_, ok := h.account(t)
	require.False(t, ok)
}

func TestHandle_VoiceMessage(t *testing.T) {
	h := newHarness(t, DialogueConfig{})
	h.seedAccount(t, 5, 1)
	h.transcriber.result = transcription.Result{Text: "what is the capital of France", Bytes: 1200}
	h.provider.replies = []string{"Paris."}

	out, err := h.svc.Handle(context.Background(), domain.Inbound{
		From:                  testPhone,
		AttachmentURL:         "https://media.example/1",
		AttachmentContentType: "audio/ogg",
	})
	require.NoError(t, err)
	require.Equal(t, "Paris.", out.Reply)
	require.Equal(t, []string{"what is the capital of France"}, h.provider.messages)

	turns := h.turns(t)
	require.Equal(t, domain.TurnAudio, turns[0].Type)
	require.Equal(t, "https://media.example/1", turns[0].Metadata.MediaURL)
	require.Equal(t, "what is the capital of France", turns[0].Metadata.Transcription)
}

func TestHandle_VoiceMoreCommand(t *testing.T) {
	h := newHarness(t, DialogueConfig{})
	h.transcriber.result = transcription.Result{Text: "More"}

	out, err := h.svc.Handle(context.Background(), domain.Inbound{
		From: testPhone, AttachmentURL: "https://media.example/2", AttachmentContentType: "audio/mpeg",
	})
	require.NoError(t, err)
	require.Equal(t, NothingPendingReply, out.Reply)
}

func TestHandle_VoiceDegradesToSentinels(t *testing.T) {
	tests := []struct {
		name   string
		result transcription.Result
		err    error
		want   string
	}{
		{"too large", transcription.Result{TooLarge: true}, nil, transcription.TooLargeText},
		{"upstream failure", transcription.Result{}, errors.New("503"), transcription.FailedText},
		{"empty transcript", transcription.Result{}, nil, transcription.FailedText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, DialogueConfig{})
			h.transcriber.result, h.transcriber.err = tt.result, tt.err

			out, err := h.svc.Handle(context.Background(), domain.Inbound{
				From: testPhone, Body: "listen", AttachmentURL: "https://m/1", AttachmentContentType: "audio/amr",
			})
			require.NoError(t, err)
			require.Equal(t, StateReplied, out.State)
			require.Equal(t, []string{"listen\n\n" + tt.want}, h.provider.messages)
		})
	}
}

func TestHandle_ImageWithoutBodyIsRejected(t *testing.T) {
	h := newHarness(t, DialogueConfig{})
	out, err := h.svc.Handle(context.Background(), domain.Inbound{
		From: testPhone, AttachmentURL: "https://m/img", AttachmentContentType: "image/jpeg",
	})
	require.NoError(t, err)
	require.Equal(t, UnsupportedMediaText, out.Reply)
	require.Equal(t, StateRejected, out.State)
	require.Zero(t, h.transcriber.calls)
	_, ok := h.account(t)
	require.False(t, ok)
}

func TestHandle_ImageWithBodyIgnoresAttachment(t *testing.T) {
	h := newHarness(t, DialogueConfig{})
	out, err := h.svc.Handle(context.Background(), domain.Inbound{
		From: testPhone, Body: "what do you think", AttachmentURL: "https://m/img", AttachmentContentType: "image/png",
	})
	require.NoError(t, err)
	require.Equal(t, StateReplied, out.State)
	require.Equal(t, []string{"what do you think"}, h.provider.messages)
	turns := h.turns(t)
	require.Equal(t, domain.TurnImage, turns[0].Type)
}

func TestStateTerminal(t *testing.T) {
	require.True(t, StateBlocked.Terminal())
	require.True(t, StateCommandChecked.Terminal())
	require.False(t, StateReplied.Terminal())
}

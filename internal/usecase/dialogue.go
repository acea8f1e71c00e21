package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"sms-agent/internal/command"
	"sms-agent/internal/continuation"
	"sms-agent/internal/domain"
	"sms-agent/internal/ledger"
	"sms-agent/internal/notify"
	"sms-agent/internal/router"
	"sms-agent/internal/transcription"
)

// State is the last stage a message reached.
type State string

const (
	StateIdle                   State = "idle"
	StateValidated              State = "validated"
	StateTranscribed            State = "transcribed"
	StateCommandChecked         State = "command-checked"
	StateAdmitted               State = "admitted"
	StateBlocked                State = "blocked"
	StateGenerated              State = "generated"
	StatePaginated              State = "paginated"
	StatePersisted              State = "persisted"
	StateReplied                State = "replied"
	StateNotificationsScheduled State = "notifications-scheduled"
	// StateRejected ends a message whose attachment cannot be processed.
	StateRejected State = "rejected"
	// StateFailed ends a message answered with the generic apology.
	StateFailed State = "failed"
)

// Terminal reports whether the state ended the pipeline early.
func (s State) Terminal() bool {
	switch s {
	case StateCommandChecked, StateBlocked, StateRejected, StateFailed:
		return true
	}
	return false
}

type Ledger interface {
	Admit(ctx context.Context, phone string) (ledger.Admission, error)
	Refund(ctx context.Context, phone string) (domain.Account, error)
	Balance(ctx context.Context, phone string) (domain.Account, bool, error)
	Delete(ctx context.Context, phone string) error
	Events(acct domain.Account) []notify.Event
}

type Conversation interface {
	Append(ctx context.Context, phone string, role domain.Role, content string, typ domain.TurnType, meta domain.TurnMetadata) (domain.Turn, error)
	History(ctx context.Context, phone string, limit int) ([]domain.ChatMessage, error)
	Purge(ctx context.Context, phone string) error
}

type Continuations interface {
	Finalize(ctx context.Context, phone, turnID, reply string, maxLength int) (string, error)
	Save(ctx context.Context, phone, turnID, remainder string) error
	Current(ctx context.Context, phone string) (domain.Continuation, bool, error)
	Purge(ctx context.Context, phone string) error
}

type Router interface {
	Route(ctx context.Context, message string, history []domain.ChatMessage, opts router.Options) (router.Result, error)
}

type Transcriber interface {
	Supports(contentType string) bool
	Transcribe(ctx context.Context, url, contentType string) (transcription.Result, error)
}

// DialogueConfig holds the orchestrator settings.
type DialogueConfig struct {
	MaxSegmentLength int
	HistoryWindow    int
	PaymentLink      string
	ProviderOverride string
}

// Outcome is the result of handling one inbound message. Events are to be
// scheduled by the caller after the reply has been handed to the transport.
type Outcome struct {
	Reply   string
	State   State
	Events  []notify.Event
	Account domain.Account
}

// DialogueService runs the per-message pipeline.
type DialogueService struct {
	ledger        Ledger
	conversation  Conversation
	continuations Continuations
	router        Router
	transcriber   Transcriber
	cfg           DialogueConfig
	logger        *slog.Logger
	now           func() time.Time
}

// NewDialogueService wires the orchestrator. A nil transcriber disables
// voice messages; a nil logger means slog.Default().
func NewDialogueService(l Ledger, conv Conversation, conts Continuations, r Router, t Transcriber, cfg DialogueConfig, logger *slog.Logger) (*DialogueService, error) {
	if l == nil {
		return nil, errors.New("usecase: ledger must not be nil")
	}
	if conv == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if conts == nil {
		return nil, errors.New("usecase: continuation manager must not be nil")
	}
	if r == nil {
		return nil, errors.New("usecase: router must not be nil")
	}
	if cfg.MaxSegmentLength <= 0 {
		return nil, errors.New("usecase: max segment length must be positive")
	}
	if cfg.HistoryWindow <= 0 {
		return nil, errors.New("usecase: history window must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DialogueService{
		ledger:        l,
		conversation:  conv,
		continuations: conts,
		router:        r,
		transcriber:   t,
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// message is the merged text of one inbound message and how it was produced.
type message struct {
	text string
	typ  domain.TurnType
	meta domain.TurnMetadata
}

// Handle processes one inbound message. Only validation failures are
// returned as errors; every later failure becomes a plain-text reply.
func (s *DialogueService) Handle(ctx context.Context, in domain.Inbound) (Outcome, error) {
	phone := strings.TrimSpace(in.From)
	if phone == "" {
		return Outcome{State: StateIdle}, newError(ErrorInvalidInput, "missing_sender", nil)
	}
	body := strings.TrimSpace(in.Body)
	if body == "" && !in.HasAttachment() {
		return Outcome{State: StateIdle}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	log := s.logger.With("phone", notify.MaskPhone(phone))
	state := StateValidated

	msg, ok := s.mergeAttachment(ctx, log, in, body)
	if !ok {
		return Outcome{Reply: UnsupportedMediaText, State: StateRejected}, nil
	}
	if msg.typ == domain.TurnAudio {
		state = StateTranscribed
	}

	if kind := command.Parse(msg.text); kind != command.None {
		log.Info("command received", "command", kind.String())
		return Outcome{Reply: s.runCommand(ctx, log, phone, kind), State: StateCommandChecked}, nil
	}
	state = StateCommandChecked

	adm, err := s.ledger.Admit(ctx, phone)
	if err != nil {
		log.Error("admission failed", "stage", state, "err", err)
		return Outcome{Reply: ApologyReply, State: StateFailed}, nil
	}
	if !adm.Admitted {
		log.Info("account blocked", "balance", adm.Account.Balance)
		return Outcome{Reply: blockedReply(s.cfg.PaymentLink), State: StateBlocked, Account: adm.Account}, nil
	}
	state = StateAdmitted

	history, err := s.conversation.History(ctx, phone, s.cfg.HistoryWindow)
	if err != nil {
		log.Warn("history unavailable, continuing without context", "err", err)
		history = nil
	}

	if _, err := s.conversation.Append(ctx, phone, domain.RoleUser, msg.text, msg.typ, msg.meta); err != nil {
		return s.fail(ctx, log.With("stage", state), phone, adm, "persist user turn failed", err), nil
	}

	started := s.now()
	result, err := s.router.Route(ctx, msg.text, history, router.Options{
		Provider:  s.cfg.ProviderOverride,
		MaxLength: s.cfg.MaxSegmentLength,
	})
	if err != nil {
		return s.fail(ctx, log.With("stage", state), phone, adm, "generation failed", err), nil
	}
	elapsed := s.now().Sub(started)
	state = StateGenerated
	log.Info("reply generated",
		"provider", result.Provider, "reason", result.Reason, "fallback", result.Fallback, "duration_ms", elapsed.Milliseconds())

	outbound, remainder, err := continuation.Split(result.Text, s.cfg.MaxSegmentLength)
	if err != nil {
		return s.fail(ctx, log.With("stage", state), phone, adm, "paginate reply failed", err), nil
	}
	state = StatePaginated

	// The continuation is stored only once the turn it belongs to exists.
	assistantTurn, err := s.conversation.Append(ctx, phone, domain.RoleAssistant, result.Text, domain.TurnText,
		domain.TurnMetadata{DurationMS: elapsed.Milliseconds()})
	if err != nil {
		return s.fail(ctx, log.With("stage", state), phone, adm, "persist assistant turn failed", err), nil
	}
	if remainder != "" {
		if err := s.continuations.Save(ctx, phone, assistantTurn.ID, remainder); err != nil {
			return s.fail(ctx, log.With("stage", state), phone, adm, "persist continuation failed", err), nil
		}
	}
	state = StatePersisted
	log.Debug("message handled", "stage", state, "segmented", remainder != "")

	return Outcome{
		Reply:   outbound,
		State:   StateReplied,
		Events:  s.ledger.Events(adm.Account),
		Account: adm.Account,
	}, nil
}

// mergeAttachment folds an attachment into the message text. It reports
// false when the message carries nothing that can be processed.
func (s *DialogueService) mergeAttachment(ctx context.Context, log *slog.Logger, in domain.Inbound, body string) (message, bool) {
	msg := message{text: body, typ: domain.TurnText}
	if !in.HasAttachment() {
		return msg, true
	}

	ct := transcription.NormalizeContentType(in.AttachmentContentType)
	if s.transcriber == nil || !s.transcriber.Supports(ct) {
		if body == "" {
			log.Info("unsupported attachment without text", "content_type", ct)
			return message{}, false
		}
		log.Info("ignoring unsupported attachment", "content_type", ct)
		if strings.HasPrefix(ct, "image/") {
			msg.typ = domain.TurnImage
			msg.meta.MediaURL = in.AttachmentURL
		}
		return msg, true
	}

	started := s.now()
	transcript := ""
	res, err := s.transcriber.Transcribe(ctx, in.AttachmentURL, ct)
	switch {
	case err != nil:
		log.Warn("transcription failed", "content_type", ct, "err", err)
		transcript = transcription.FailedText
	case res.TooLarge:
		log.Info("attachment too large", "content_type", ct)
		transcript = transcription.TooLargeText
	case res.Text == "":
		transcript = transcription.FailedText
	default:
		transcript = res.Text
	}

	msg.typ = domain.TurnAudio
	msg.meta = domain.TurnMetadata{
		MediaURL:      in.AttachmentURL,
		Transcription: transcript,
		DurationMS:    s.now().Sub(started).Milliseconds(),
	}
	if body == "" {
		msg.text = transcript
	} else {
		msg.text = body + "\n\n" + transcript
	}
	return msg, true
}

// fail returns the consumed credit, if any, and produces the apology. The
// free first message of a new account consumed nothing.
func (s *DialogueService) fail(ctx context.Context, log *slog.Logger, phone string, adm ledger.Admission, msg string, cause error) Outcome {
	log.Error(msg, "err", cause)
	acct := adm.Account
	var events []notify.Event
	if adm.Created {
		events = s.ledger.Events(acct)
	} else {
		refunded, err := s.ledger.Refund(ctx, phone)
		if err != nil {
			log.Error("refund failed", "err", err)
		} else {
			acct = refunded
		}
	}
	return Outcome{Reply: ApologyReply, State: StateFailed, Events: events, Account: acct}
}

func (s *DialogueService) runCommand(ctx context.Context, log *slog.Logger, phone string, kind command.Kind) string {
	switch kind {
	case command.Stop:
		return StopReply

	case command.Account:
		acct, _, err := s.ledger.Balance(ctx, phone)
		if err != nil {
			log.Error("read balance failed", "err", err)
			return RetryLaterReply
		}
		return balanceReply(acct.Balance)

	case command.DeleteHistory:
		if err := s.conversation.Purge(ctx, phone); err != nil {
			log.Error("delete history failed", "err", err)
			return RetryLaterReply
		}
		return HistoryDeletedReply

	case command.DeleteAccount:
		err := errors.Join(
			s.continuations.Purge(ctx, phone),
			s.conversation.Purge(ctx, phone),
			s.ledger.Delete(ctx, phone),
		)
		if err != nil {
			log.Error("delete account incomplete", "err", err)
			return RetryLaterReply
		}
		return AccountDeletedReply

	case command.More:
		cont, ok, err := s.continuations.Current(ctx, phone)
		if err != nil {
			log.Error("read continuation failed", "err", err)
			return RetryLaterReply
		}
		if !ok {
			return NothingPendingReply
		}
		out, err := s.continuations.Finalize(ctx, phone, cont.TurnID, cont.Remainder, s.cfg.MaxSegmentLength)
		if err != nil {
			log.Error("paginate continuation failed", "err", err)
			return RetryLaterReply
		}
		return out
	}
	return RetryLaterReply
}

// Command smscli simulates inbound SMS against a local SQLite state file.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"sms-agent/internal/config"
	"sms-agent/internal/continuation"
	"sms-agent/internal/conversation"
	"sms-agent/internal/domain"
	"sms-agent/internal/integrations/openai"
	"sms-agent/internal/integrations/paramstore"
	"sms-agent/internal/ledger"
	"sms-agent/internal/notify"
	"sms-agent/internal/repository/sqlite"
	"sms-agent/internal/router"
	"sms-agent/internal/transcription"
	"sms-agent/internal/usecase"
)

const localParamPrefix = "/sms-agent"

type options struct {
	envFile      string
	dbPath       string
	from         string
	model        string
	audioModel   string
	systemPrompt string
	baseURL      string
	verbose      bool
}

func main() {
	var opts options
	flags := pflag.NewFlagSet("smscli", pflag.ExitOnError)
	flags.StringVar(&opts.envFile, "env", ".env", "dotenv file to load before reading the environment")
	flags.StringVar(&opts.dbPath, "db", "data/sms-agent.db", "SQLite state file")
	flags.StringVarP(&opts.from, "from", "f", "+15550100", "sender phone number")
	flags.StringVar(&opts.model, "model", "gpt-4o-mini", "chat completion model")
	flags.StringVar(&opts.audioModel, "audio-model", "whisper-1", "transcription model")
	flags.StringVar(&opts.systemPrompt, "system-prompt", "You are a helpful assistant answering by SMS.", "system prompt")
	flags.StringVar(&opts.baseURL, "base-url", "", "OpenAI-compatible API base URL")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")
	_ = flags.Parse(os.Args[1:])

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := godotenv.Load(opts.envFile); err != nil {
		slog.Info("no .env file found, using environment variables", "path", opts.envFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger, os.Stdin, os.Stdout); err != nil {
		slog.Error("smscli failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger *slog.Logger, in io.Reader, out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	apiKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if apiKey == "" {
		return errors.New("OPENAI_API_KEY is not set")
	}

	store, err := sqlite.Open(opts.dbPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			slog.Error("failed to close store", "err", closeErr)
		}
	}()

	params, err := localParams(apiKey, opts)
	if err != nil {
		return err
	}

	var openaiOpts []openai.Option
	if opts.baseURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(opts.baseURL))
	}
	openaiClient, err := openai.NewClient(params, localParamPrefix, openaiOpts...)
	if err != nil {
		return err
	}
	primary, err := router.NewOpenAIProvider(openaiClient, params, localParamPrefix)
	if err != nil {
		return err
	}
	providerRouter, err := router.New(primary, router.Thresholds{
		HistoryTurns:  cfg.Routing.HistoryTurnThreshold,
		MessageLength: cfg.Routing.LongMessageThreshold,
	}, logger, router.NewTextUnsupported(router.SecondaryName))
	if err != nil {
		return err
	}
	if err := providerRouter.CheckOverride(cfg.ProviderOverride); err != nil {
		return fmt.Errorf("PROVIDER_OVERRIDE: %w", err)
	}
	transcriber, err := transcription.New(openaiClient, params, localParamPrefix, transcription.Limits{
		MaxBytes:     cfg.Attachment.MaxBytes,
		Timeout:      cfg.Attachment.Timeout,
		ContentTypes: cfg.Attachment.ContentTypes,
	})
	if err != nil {
		return err
	}

	acctLedger, err := ledger.New(store, ledger.Thresholds{
		TrialCredits: cfg.Ledger.TrialCredits,
		LowBalance:   cfg.Ledger.LowBalanceThreshold,
		ExcessUsage:  cfg.Ledger.ExcessUsageThreshold,
	})
	if err != nil {
		return err
	}
	conv, err := conversation.New(store, cfg.Conversation.MaxTurnLength)
	if err != nil {
		return err
	}
	continuations, err := continuation.New(store, cfg.ContinuationTTL)
	if err != nil {
		return err
	}

	dispatcher, err := notify.NewDispatcher(&consoleSender{out: out}, logger)
	if err != nil {
		return err
	}
	worker, err := notify.NewWorker(dispatcher, cfg.NotificationDelay, 2, 16, logger)
	if err != nil {
		return err
	}
	defer worker.Close()
	scheduler, err := notify.NewScheduler(worker, notify.Templates{PaymentLink: cfg.PaymentLink}, logger)
	if err != nil {
		return err
	}

	dialogue, err := usecase.NewDialogueService(acctLedger, conv, continuations, providerRouter, transcriber, usecase.DialogueConfig{
		MaxSegmentLength: cfg.MaxSegmentLength,
		HistoryWindow:    cfg.Conversation.HistoryWindow,
		PaymentLink:      cfg.PaymentLink,
		ProviderOverride: cfg.ProviderOverride,
	}, logger)
	if err != nil {
		return err
	}
	payments, err := usecase.NewPaymentService(acctLedger, scheduler, logger)
	if err != nil {
		return err
	}

	if n, err := continuations.Sweep(ctx); err != nil {
		slog.Warn("continuation sweep failed", "err", err)
	} else if n > 0 {
		slog.Info("expired continuations swept", "deleted", n)
	}

	repl := &session{
		from:      opts.from,
		dialogue:  dialogue,
		payments:  payments,
		scheduler: scheduler,
		out:       out,
	}
	return repl.loop(ctx, in)
}

// localParams serves the parameters the Lambda reads from SSM.
func localParams(apiKey string, opts options) (paramstore.Static, error) {
	token, err := json.Marshal(map[string]string{"token": apiKey})
	if err != nil {
		return nil, fmt.Errorf("encode token parameter: %w", err)
	}
	return paramstore.Static{
		localParamPrefix + "/open-ai-token":              string(token),
		localParamPrefix + "/config/openai_model":        opts.model,
		localParamPrefix + "/config/transcription_model": opts.audioModel,
		localParamPrefix + "/system_prompt":              opts.systemPrompt,
	}, nil
}

type consoleSender struct {
	out io.Writer
}

func (s *consoleSender) Send(_ context.Context, to, text string) (domain.Receipt, error) {
	_, err := fmt.Fprintf(s.out, "\n[sms to %s] %s\n> ", notify.MaskPhone(to), text)
	if err != nil {
		return domain.Receipt{}, err
	}
	return domain.Receipt{ID: uuid.NewString(), Status: "delivered"}, nil
}

type dialogue interface {
	Handle(ctx context.Context, in domain.Inbound) (usecase.Outcome, error)
}

type paymentApplier interface {
	Apply(ctx context.Context, p usecase.Payment) (domain.Account, error)
}

type scheduler interface {
	Schedule(ctx context.Context, phone string, events []notify.Event) int
}

type session struct {
	from      string
	dialogue  dialogue
	payments  paymentApplier
	scheduler scheduler
	out       io.Writer
}

const help = `Type a message and press enter. Commands:
  /media <url> <content-type> [text]   send an attachment
  /pay <credits>                       simulate a settled payment
  /quit                                exit`

func (s *session) loop(ctx context.Context, in io.Reader) error {
	fmt.Fprintln(s.out, help)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(s.out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return nil
		}
		if err := s.handleLine(ctx, line); err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
	}
}

func (s *session) handleLine(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/pay":
		if len(fields) != 2 {
			return errors.New("usage: /pay <credits>")
		}
		credits, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("credits must be a number: %w", err)
		}
		acct, err := s.payments.Apply(ctx, usecase.Payment{Phone: s.from, Credits: credits})
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "balance: %d\n", acct.Balance)
		return nil

	case "/media":
		if len(fields) < 3 {
			return errors.New("usage: /media <url> <content-type> [text]")
		}
		return s.send(ctx, domain.Inbound{
			From:                  s.from,
			Body:                  strings.Join(fields[3:], " "),
			AttachmentURL:         fields[1],
			AttachmentContentType: fields[2],
		})
	}
	return s.send(ctx, domain.Inbound{From: s.from, Body: line})
}

func (s *session) send(ctx context.Context, in domain.Inbound) error {
	outcome, err := s.dialogue.Handle(ctx, in)
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, outcome.Reply)
	if len(outcome.Events) > 0 {
		s.scheduler.Schedule(ctx, in.From, outcome.Events)
	}
	return nil
}

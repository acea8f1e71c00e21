package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"sms-agent/handler"
	"sms-agent/internal/config"
	"sms-agent/internal/continuation"
	"sms-agent/internal/conversation"
	"sms-agent/internal/integrations/openai"
	"sms-agent/internal/integrations/paramstore"
	"sms-agent/internal/integrations/twilio"
	"sms-agent/internal/ledger"
	"sms-agent/internal/notify"
	"sms-agent/internal/repository"
	"sms-agent/internal/router"
	"sms-agent/internal/transcription"
	"sms-agent/internal/usecase"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("role", os.Getenv("LAMBDA_ROLE"))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		fatal("failed to load configuration", err)
	}
	if err := cfg.RequireLambda(); err != nil {
		fatal("incomplete lambda configuration", err)
	}

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		fatal("failed to load AWS config", err)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		fatal("failed to create SSM client", err)
	}
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
	if err != nil {
		fatal("failed to create state client", err)
	}
	twilioClient, err := twilio.NewClient(ssmClient, cfg.ParamPrefix)
	if err != nil {
		fatal("failed to create Twilio client", err)
	}

	acctLedger, err := ledger.New(stateClient, ledger.Thresholds{
		TrialCredits: cfg.Ledger.TrialCredits,
		LowBalance:   cfg.Ledger.LowBalanceThreshold,
		ExcessUsage:  cfg.Ledger.ExcessUsageThreshold,
	})
	if err != nil {
		fatal("failed to create ledger", err)
	}
	continuations, err := continuation.New(stateClient, cfg.ContinuationTTL)
	if err != nil {
		fatal("failed to create continuation manager", err)
	}

	// ---- Handler ----
	switch cfg.Role {
	case config.RoleSMS:
		scheduler := newScheduler(awsCfg, cfg, logger)
		dialogue := newDialogue(ssmClient, stateClient, twilioClient, acctLedger, continuations, cfg, logger)
		h, err := handler.NewSMSHandler(dialogue, scheduler, logger)
		if err != nil {
			fatal("failed to create SMS handler", err)
		}
		lambda.Start(h.Handle)

	case config.RoleNotifier:
		dispatcher, err := notify.NewDispatcher(twilioClient, logger)
		if err != nil {
			fatal("failed to create dispatcher", err)
		}
		h, err := handler.NewNotifierHandler(dispatcher, logger)
		if err != nil {
			fatal("failed to create notifier handler", err)
		}
		lambda.Start(h.Handle)

	case config.RolePayments:
		payments, err := usecase.NewPaymentService(acctLedger, newScheduler(awsCfg, cfg, logger), logger)
		if err != nil {
			fatal("failed to create payment service", err)
		}
		h, err := handler.NewPaymentHandler(payments, logger)
		if err != nil {
			fatal("failed to create payment handler", err)
		}
		lambda.Start(h.Handle)

	case config.RoleSweeper:
		h, err := handler.NewSweeperHandler(continuations, logger)
		if err != nil {
			fatal("failed to create sweeper handler", err)
		}
		lambda.Start(h.Handle)
	}
}

func newScheduler(awsCfg aws.Config, cfg *config.Config, logger *slog.Logger) *notify.Scheduler {
	queue, err := notify.NewSQSQueue(awssqs.NewFromConfig(awsCfg), cfg.QueueURL, cfg.NotificationDelay)
	if err != nil {
		fatal("failed to create notification queue", err)
	}
	scheduler, err := notify.NewScheduler(queue, notify.Templates{PaymentLink: cfg.PaymentLink}, logger)
	if err != nil {
		fatal("failed to create notification scheduler", err)
	}
	return scheduler
}

func newDialogue(
	params *paramstore.Client,
	state *repository.Client,
	media *twilio.Client,
	acctLedger *ledger.Ledger,
	continuations *continuation.Manager,
	cfg *config.Config,
	logger *slog.Logger,
) *usecase.DialogueService {
	openaiClient, err := openai.NewClient(params, cfg.ParamPrefix)
	if err != nil {
		fatal("failed to create OpenAI client", err)
	}
	primary, err := router.NewOpenAIProvider(openaiClient, params, cfg.ParamPrefix)
	if err != nil {
		fatal("failed to create primary provider", err)
	}
	providerRouter, err := router.New(primary, router.Thresholds{
		HistoryTurns:  cfg.Routing.HistoryTurnThreshold,
		MessageLength: cfg.Routing.LongMessageThreshold,
	}, logger, router.NewTextUnsupported(router.SecondaryName))
	if err != nil {
		fatal("failed to create provider router", err)
	}
	if err := providerRouter.CheckOverride(cfg.ProviderOverride); err != nil {
		fatal("invalid PROVIDER_OVERRIDE", err)
	}

	transcriber, err := transcription.New(openaiClient, params, cfg.ParamPrefix, transcription.Limits{
		MaxBytes:     cfg.Attachment.MaxBytes,
		Timeout:      cfg.Attachment.Timeout,
		ContentTypes: cfg.Attachment.ContentTypes,
	}, transcription.WithMediaAuth(media))
	if err != nil {
		fatal("failed to create transcription adapter", err)
	}

	conv, err := conversation.New(state, cfg.Conversation.MaxTurnLength)
	if err != nil {
		fatal("failed to create conversation store", err)
	}

	dialogue, err := usecase.NewDialogueService(acctLedger, conv, continuations, providerRouter, transcriber, usecase.DialogueConfig{
		MaxSegmentLength: cfg.MaxSegmentLength,
		HistoryWindow:    cfg.Conversation.HistoryWindow,
		PaymentLink:      cfg.PaymentLink,
		ProviderOverride: cfg.ProviderOverride,
	}, logger)
	if err != nil {
		fatal("failed to create dialogue service", err)
	}
	return dialogue
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}

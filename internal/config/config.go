// Package config loads runtime configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Lambda roles served by the single cmd/main.go binary.
const (
	RoleSMS      = "sms"
	RoleNotifier = "notifier"
	RolePayments = "payments"
	RoleSweeper  = "sweeper"
)

// DefaultAttachmentContentTypes lists the audio formats accepted for transcription.
var DefaultAttachmentContentTypes = []string{
	"audio/amr",
	"audio/mp4",
	"audio/mpeg",
	"audio/mp3",
	"audio/ogg",
	"audio/wav",
	"audio/x-wav",
	"audio/webm",
	"audio/3gpp",
	"audio/aac",
}

// Config holds all application configuration.
type Config struct {
	Role        string
	StateTable  string
	ParamPrefix string
	QueueURL    string
	PaymentLink string
	// ProviderOverride forces the named provider for every message.
	ProviderOverride string

	Ledger       LedgerConfig
	Conversation ConversationConfig
	Routing      RoutingConfig
	Attachment   AttachmentConfig

	MaxSegmentLength  int
	ContinuationTTL   time.Duration
	NotificationDelay time.Duration
}

// LedgerConfig controls credit admission and threshold events.
type LedgerConfig struct {
	TrialCredits         int
	LowBalanceThreshold  int
	ExcessUsageThreshold int
}

// ConversationConfig bounds stored turns and the generation context window.
type ConversationConfig struct {
	HistoryWindow int
	MaxTurnLength int
}

// RoutingConfig holds the provider-selection heuristics thresholds.
type RoutingConfig struct {
	HistoryTurnThreshold int
	LongMessageThreshold int
}

// AttachmentConfig limits media downloads for transcription.
type AttachmentConfig struct {
	MaxBytes     int64
	Timeout      time.Duration
	ContentTypes []string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	env := &envReader{}
	cfg := &Config{
		Role:             strings.ToLower(getEnv("LAMBDA_ROLE", RoleSMS)),
		StateTable:       getEnv("STATE_TABLE", ""),
		ParamPrefix:      strings.TrimRight(getEnv("PARAM_PREFIX", ""), "/"),
		QueueURL:         getEnv("NOTIFY_QUEUE_URL", ""),
		PaymentLink:      getEnv("PAYMENT_LINK", ""),
		ProviderOverride: strings.TrimSpace(getEnv("PROVIDER_OVERRIDE", "")),
		Ledger: LedgerConfig{
			TrialCredits:         env.integer("TRIAL_CREDITS", 9),
			LowBalanceThreshold:  env.integer("LOW_BALANCE_THRESHOLD", 3),
			ExcessUsageThreshold: env.integer("EXCESS_USAGE_THRESHOLD", 1),
		},
		Conversation: ConversationConfig{
			HistoryWindow: env.integer("HISTORY_WINDOW", 10),
			MaxTurnLength: env.integer("MAX_TURN_LENGTH", 8000),
		},
		Routing: RoutingConfig{
			HistoryTurnThreshold: env.integer("HISTORY_TURN_THRESHOLD", 6),
			LongMessageThreshold: env.integer("LONG_MESSAGE_THRESHOLD", 200),
		},
		Attachment: AttachmentConfig{
			MaxBytes:     env.integer64("ATTACHMENT_MAX_BYTES", 25*1024*1024),
			Timeout:      env.duration("ATTACHMENT_TIMEOUT", 30*time.Second),
			ContentTypes: getEnvList("ATTACHMENT_CONTENT_TYPES", DefaultAttachmentContentTypes),
		},
		MaxSegmentLength:  env.integer("MAX_SEGMENT_LENGTH", 1600),
		ContinuationTTL:   env.duration("CONTINUATION_TTL", 24*time.Hour),
		NotificationDelay: env.duration("NOTIFICATION_DELAY", 5*time.Second),
	}

	if err := errors.Join(env.errs...); err != nil {
		return nil, fmt.Errorf("config: malformed environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks value ranges. Deployment-specific requirements such as the
// table name are checked by RequireLambda.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleSMS, RoleNotifier, RolePayments, RoleSweeper:
	default:
		return fmt.Errorf("LAMBDA_ROLE %q is not one of sms, notifier, payments, sweeper", c.Role)
	}
	if c.Ledger.TrialCredits < 0 {
		return fmt.Errorf("TRIAL_CREDITS must be >= 0")
	}
	if c.Conversation.HistoryWindow <= 0 {
		return fmt.Errorf("HISTORY_WINDOW must be > 0")
	}
	if c.Conversation.MaxTurnLength <= 0 {
		return fmt.Errorf("MAX_TURN_LENGTH must be > 0")
	}
	// The segment must hold at least one character besides the continuation marker.
	if c.MaxSegmentLength <= 34 {
		return fmt.Errorf("MAX_SEGMENT_LENGTH must be > 34")
	}
	if c.ContinuationTTL <= 0 {
		return fmt.Errorf("CONTINUATION_TTL must be > 0")
	}
	if c.NotificationDelay < 0 || c.NotificationDelay > 15*time.Minute {
		return fmt.Errorf("NOTIFICATION_DELAY must be between 0 and 15m")
	}
	if c.Attachment.MaxBytes <= 0 {
		return fmt.Errorf("ATTACHMENT_MAX_BYTES must be > 0")
	}
	if c.Attachment.Timeout <= 0 {
		return fmt.Errorf("ATTACHMENT_TIMEOUT must be > 0")
	}
	if len(c.Attachment.ContentTypes) == 0 {
		return fmt.Errorf("ATTACHMENT_CONTENT_TYPES cannot be empty")
	}
	return nil
}

// RequireLambda checks the settings that only the deployed Lambda functions need.
func (c *Config) RequireLambda() error {
	if c.StateTable == "" {
		return fmt.Errorf("config: STATE_TABLE is required")
	}
	if c.ParamPrefix == "" {
		return fmt.Errorf("config: PARAM_PREFIX is required")
	}
	if (c.Role == RoleSMS || c.Role == RolePayments) && c.QueueURL == "" {
		return fmt.Errorf("config: NOTIFY_QUEUE_URL is required for role %q", c.Role)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return fallback
}

// envReader parses typed variables and collects every malformed value.
type envReader struct {
	errs []error
}

func (e *envReader) integer(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not an integer", key, value))
		return fallback
	}
	return n
}

func (e *envReader) integer64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not an integer", key, value))
		return fallback
	}
	return n
}

func (e *envReader) duration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a duration", key, value))
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

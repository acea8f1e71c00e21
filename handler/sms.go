package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"sms-agent/internal/domain"
	"sms-agent/internal/integrations/twilio"
	"sms-agent/internal/notify"
	"sms-agent/internal/usecase"
)

type Dialogue interface {
	Handle(ctx context.Context, in domain.Inbound) (usecase.Outcome, error)
}

type Scheduler interface {
	Schedule(ctx context.Context, phone string, events []notify.Event) int
}

// SMSHandler serves the carrier's inbound message webhook.
type SMSHandler struct {
	dialogue  Dialogue
	scheduler Scheduler
	logger    *slog.Logger
}

func NewSMSHandler(d Dialogue, s Scheduler, logger *slog.Logger) (*SMSHandler, error) {
	if d == nil {
		return nil, errors.New("handler: dialogue must not be nil")
	}
	if s == nil {
		return nil, errors.New("handler: scheduler must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SMSHandler{dialogue: d, scheduler: s, logger: logger}, nil
}

// Handle answers with a TwiML envelope. Threshold notifications are queued
// once the reply has been built; the queue delay makes them arrive after it.
func (h *SMSHandler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(req.Headers)
	log := h.logger.With("correlation_id", corrID)

	in, err := ParseInbound(req)
	if err != nil {
		log.Warn("malformed webhook body", "err", err)
		return errorResult(&usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "malformed_body", Err: err}, corrID), nil
	}

	out, err := h.dialogue.Handle(ctx, in)
	if err != nil {
		log.Warn("message rejected", "phone", notify.MaskPhone(in.From), "err", err)
		return errorResult(err, corrID), nil
	}

	envelope, err := twilio.BuildReplyEnvelope(out.Reply)
	if err != nil {
		log.Error("build reply envelope failed", "err", err)
		return errorResult(err, corrID), nil
	}

	state := out.State
	if len(out.Events) > 0 {
		n := h.scheduler.Schedule(ctx, in.From, out.Events)
		log.Info("notifications scheduled", "count", n, "events", len(out.Events))
		state = usecase.StateNotificationsScheduled
	}
	log.Info("message answered", "phone", notify.MaskPhone(in.From), "state", state)

	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"Content-Type":    "text/xml",
			correlationHeader: corrID,
		},
		Body: string(envelope),
	}, nil
}

// ParseInbound decodes the form-encoded webhook body. Only the first media
// attachment is considered.
func ParseInbound(req events.APIGatewayProxyRequest) (domain.Inbound, error) {
	body := req.Body
	if req.IsBase64Encoded {
		raw, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return domain.Inbound{}, fmt.Errorf("decode base64 body: %w", err)
		}
		body = string(raw)
	}
	form, err := url.ParseQuery(body)
	if err != nil {
		return domain.Inbound{}, fmt.Errorf("parse form body: %w", err)
	}

	in := domain.Inbound{
		From: strings.TrimSpace(form.Get("From")),
		Body: form.Get("Body"),
	}
	numMedia, _ := strconv.Atoi(strings.TrimSpace(form.Get("NumMedia")))
	if numMedia > 0 {
		in.AttachmentURL = strings.TrimSpace(form.Get("MediaUrl0"))
		in.AttachmentContentType = strings.TrimSpace(form.Get("MediaContentType0"))
	}
	return in, nil
}

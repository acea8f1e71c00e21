// Package handler adapts Lambda events to the use cases.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"sms-agent/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// correlationID returns the caller's correlation id, matching the header
// name case-insensitively, or a fresh one.
func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return uuid.NewString()
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorResult(err error, corrID string) events.APIGatewayProxyResponse {
	body := errorResponse{Error: string(usecase.ErrorInternal)}
	status := http.StatusInternalServerError

	var ucErr *usecase.Error
	if errors.As(err, &ucErr) {
		body = errorResponse{Error: string(ucErr.Code), Reason: ucErr.Reason}
		status = statusFor(ucErr.Code)
	}
	return jsonResponse(status, body, corrID)
}

func jsonResponse(status int, v any, corrID string) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		raw = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(raw),
	}
}

// Package handler serves the interactive tokenization API behind API Gateway.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"pii-ledger/internal/domain"
	"pii-ledger/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type UseCase interface {
	Obfuscate(ctx context.Context, in usecase.TokenizeInput) (usecase.TokenizeOutput, error)
	Deobfuscate(ctx context.Context, in usecase.TokenizeInput) (usecase.TokenizeOutput, error)
}

type Handler struct {
	uc  UseCase
	log *slog.Logger
}

type tokenizeRequest struct {
	Text           string `json:"text"`
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

type tokenizeResponse struct {
	Text           string                 `json:"text"`
	ConversationID string                 `json:"conversationId"`
	Entities       []domain.EntitySummary `json:"entities,omitempty"`
}

type errorResponse struct {
	Error   string   `json:"error"`
	Reason  string   `json:"reason,omitempty"`
	Missing []string `json:"missing,omitempty"`
}

func NewHandler(uc UseCase) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	return &Handler{uc: uc, log: slog.Default().With("component", "handler")}, nil
}

// Handle routes POST /obfuscate and POST /deobfuscate.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := headerValue(req.Headers, correlationHeader)
	if corrID == "" {
		corrID = uuid.NewString()
	}
	log := h.log.With("correlation_id", corrID)

	var call func(context.Context, usecase.TokenizeInput) (usecase.TokenizeOutput, error)
	switch route(req.Path) {
	case "obfuscate":
		call = h.uc.Obfuscate
	case "deobfuscate":
		call = h.uc.Deobfuscate
	default:
		return jsonResponse(http.StatusNotFound, corrID, errorResponse{Error: "NOT_FOUND"}), nil
	}
	if req.HTTPMethod != http.MethodPost {
		return jsonResponse(http.StatusMethodNotAllowed, corrID, errorResponse{Error: "METHOD_NOT_ALLOWED"}), nil
	}

	var body tokenizeRequest
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return jsonResponse(http.StatusBadRequest, corrID, errorResponse{
			Error:  string(usecase.ErrorInvalidInput),
			Reason: "invalid_json",
		}), nil
	}

	out, err := call(ctx, usecase.TokenizeInput{
		Text:           body.Text,
		UserID:         body.UserID,
		ConversationID: body.ConversationID,
	})
	if err != nil {
		status, resp := mapError(err)
		if status >= http.StatusInternalServerError {
			log.ErrorContext(ctx, "request failed", "path", req.Path, "status", status, "err", err)
		} else {
			log.InfoContext(ctx, "request rejected", "path", req.Path, "status", status, "reason", resp.Reason)
		}
		return jsonResponse(status, corrID, resp), nil
	}
	return jsonResponse(http.StatusOK, corrID, tokenizeResponse{
		Text:           out.Text,
		ConversationID: out.ConversationID,
		Entities:       out.Entities,
	}), nil
}

func route(path string) string {
	path = strings.TrimRight(path, "/")
	return path[strings.LastIndex(path, "/")+1:]
}

func mapError(err error) (int, errorResponse) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}
	}
	resp := errorResponse{Error: string(ue.Code), Reason: ue.Reason, Missing: ue.Missing}
	switch ue.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, resp
	case usecase.ErrorTokenNotFound:
		return http.StatusNotFound, resp
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests, resp
	case usecase.ErrorUpstream:
		return http.StatusBadGateway, resp
	default:
		return http.StatusInternalServerError, resp
	}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func jsonResponse(status int, corrID string, body any) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
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

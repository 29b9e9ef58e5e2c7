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

	"analysis-coordinator/internal/domain"
	"analysis-coordinator/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type UseCase interface {
	Analyze(ctx context.Context, in usecase.AnalyzeInput) (usecase.AnalyzeOutput, error)
	Pending() int
}

type Handler struct {
	uc     UseCase
	logger *slog.Logger
}

type analyzeRequest struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
	Mode           string `json:"mode"`
	TargetLanguage string `json:"targetLanguage"`
	Tone           string `json:"tone"`
	Origin         string `json:"origin"`
}

type analyzeResponse struct {
	ConversationID string          `json:"conversationId"`
	Outcome        *domain.Outcome `json:"outcome"`
	Kind           string          `json:"kind"`
	Cached         bool            `json:"cached,omitempty"`
}

type queuedResponse struct {
	Queued  bool   `json:"queued"`
	ItemID  string `json:"itemId"`
	Pending int    `json:"pending"`
}

type queueResponse struct {
	Pending int `json:"pending"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func NewHandler(uc UseCase) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	return &Handler{uc: uc, logger: slog.Default()}, nil
}

// Handle serves API Gateway proxy events for POST /analyze and GET /queue.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", correlationID)

	switch {
	case req.HTTPMethod == http.MethodGet && strings.HasSuffix(req.Path, "/queue"):
		return jsonResponse(http.StatusOK, correlationID, queueResponse{Pending: h.uc.Pending()}), nil
	case req.HTTPMethod == http.MethodPost && (req.Path == "" || strings.HasSuffix(req.Path, "/analyze")):
		return h.analyze(ctx, logger, correlationID, req.Body), nil
	case strings.HasSuffix(req.Path, "/queue") || strings.HasSuffix(req.Path, "/analyze"):
		return jsonResponse(http.StatusMethodNotAllowed, correlationID, errorResponse{Error: "METHOD_NOT_ALLOWED"}), nil
	default:
		return jsonResponse(http.StatusNotFound, correlationID, errorResponse{Error: "NOT_FOUND"}), nil
	}
}

func (h *Handler) analyze(ctx context.Context, logger *slog.Logger, correlationID, body string) events.APIGatewayProxyResponse {
	var in analyzeRequest
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		return jsonResponse(http.StatusBadRequest, correlationID, errorResponse{
			Error:  string(usecase.ErrorInvalidInput),
			Reason: "invalid_json",
		})
	}

	out, err := h.uc.Analyze(ctx, usecase.AnalyzeInput{
		ConversationID: in.ConversationID,
		Text:           in.Text,
		Mode:           in.Mode,
		TargetLanguage: in.TargetLanguage,
		Tone:           in.Tone,
		Origin:         in.Origin,
	})
	if err != nil {
		status, resp := mapError(err)
		if status >= http.StatusInternalServerError {
			logger.Error("analysis request failed", "conversation_id", in.ConversationID, "status", status, "err", err)
		} else {
			logger.Warn("analysis request rejected", "conversation_id", in.ConversationID, "status", status, "err", err)
		}
		return jsonResponse(status, correlationID, resp)
	}

	if out.Queued {
		logger.Info("analysis queued", "conversation_id", out.ConversationID, "item_id", out.ItemID, "pending", out.Pending)
		return jsonResponse(http.StatusAccepted, correlationID, queuedResponse{Queued: true, ItemID: out.ItemID, Pending: out.Pending})
	}
	logger.Info("analysis completed",
		"conversation_id", out.ConversationID,
		"kind", out.Outcome.Kind(),
		"cached", out.Cached,
		"coalesced", out.Coalesced,
	)
	return jsonResponse(http.StatusOK, correlationID, analyzeResponse{
		ConversationID: out.ConversationID,
		Outcome:        out.Outcome,
		Kind:           out.Outcome.Kind(),
		Cached:         out.Cached,
	})
}

func mapError(err error) (int, errorResponse) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}
	}
	resp := errorResponse{Error: string(ucErr.Code), Reason: ucErr.Reason}
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, resp
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

func jsonResponse(status int, correlationID string, body any) events.APIGatewayProxyResponse {
	b, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(b),
	}
}

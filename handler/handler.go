// Package handler relays conversation turns from API Gateway to the Metra
// backend through a per-request session.
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

	"metra-client/internal/domain"
	"metra-client/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// errorInternal is reported for failures that carry no usecase code.
const errorInternal = "INTERNAL_ERROR"

// Session is the part of usecase.Manager the relay drives.
type Session interface {
	CreateConversation(ctx context.Context, title *string) (*domain.Conversation, error)
	LoadConversation(ctx context.Context, id string) (*domain.Conversation, error)
	SendMessageStream(ctx context.Context, conversationID, content string) (*domain.Message, error)
	ConfirmSchema(ctx context.Context) (domain.TaskSchema, error)
	State() usecase.State
}

// SessionFactory builds a session for one request. token is the caller's
// bearer token, empty when the request carried none.
type SessionFactory func(ctx context.Context, token string) (Session, error)

type Handler struct {
	newSession SessionFactory
	logger     *slog.Logger
}

func NewHandler(newSession SessionFactory, logger *slog.Logger) (*Handler, error) {
	if newSession == nil {
		return nil, errors.New("handler: session factory must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{newSession: newSession, logger: logger}, nil
}

type createRequest struct {
	Title *string `json:"title"`
}

type turnRequest struct {
	Content string `json:"content"`
}

type turnResponse struct {
	ConversationID string            `json:"conversationId"`
	Message        domain.Message    `json:"message"`
	DialogueState  string            `json:"dialogueState"`
	Schema         domain.TaskSchema `json:"schema,omitempty"`
	IsCompleted    bool              `json:"isCompleted"`
}

type confirmResponse struct {
	ConversationID string            `json:"conversationId"`
	Schema         domain.TaskSchema `json:"schema"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Handle routes:
//
//	POST /conversations                 create a conversation
//	POST /conversations/{id}/messages   stream one turn and return the reply
//	POST /conversations/{id}/confirm    confirm the proposed schema
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := header(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", correlationID, "method", event.HTTPMethod, "path", event.Path)

	if event.HTTPMethod != http.MethodPost {
		return jsonResponse(http.StatusMethodNotAllowed, correlationID, errorResponse{Error: string(usecase.ErrorValidation), Message: "method not allowed"}), nil
	}
	parts := strings.Split(strings.Trim(event.Path, "/"), "/")
	if len(parts) == 0 || parts[0] != "conversations" || len(parts) == 2 || len(parts) > 3 {
		return jsonResponse(http.StatusNotFound, correlationID, errorResponse{Error: string(usecase.ErrorNotFound), Message: "route not found"}), nil
	}

	session, err := h.newSession(ctx, bearer(event.Headers))
	if err != nil {
		logger.Error("failed to create session", "err", err)
		return h.fail(logger, correlationID, err), nil
	}

	if len(parts) == 1 {
		return h.create(ctx, logger, correlationID, session, event.Body), nil
	}
	id, action := parts[1], parts[2]
	switch action {
	case "messages":
		return h.turn(ctx, logger, correlationID, session, id, event.Body), nil
	case "confirm":
		return h.confirm(ctx, logger, correlationID, session, id), nil
	default:
		return jsonResponse(http.StatusNotFound, correlationID, errorResponse{Error: string(usecase.ErrorNotFound), Message: "route not found"}), nil
	}
}

func (h *Handler) create(ctx context.Context, logger *slog.Logger, correlationID string, s Session, body string) events.APIGatewayProxyResponse {
	var req createRequest
	if strings.TrimSpace(body) != "" {
		if err := json.Unmarshal([]byte(body), &req); err != nil {
			return invalidBody(correlationID)
		}
	}
	conv, err := s.CreateConversation(ctx, req.Title)
	if err != nil {
		return h.fail(logger, correlationID, err)
	}
	logger.Info("conversation created", "conversation_id", conv.ID)
	return jsonResponse(http.StatusCreated, correlationID, conv)
}

func (h *Handler) turn(ctx context.Context, logger *slog.Logger, correlationID string, s Session, id, body string) events.APIGatewayProxyResponse {
	var req turnRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return invalidBody(correlationID)
	}
	if _, err := s.LoadConversation(ctx, id); err != nil {
		return h.fail(logger, correlationID, err)
	}
	reply, err := s.SendMessageStream(ctx, id, req.Content)
	if err != nil {
		return h.fail(logger, correlationID, err)
	}

	st := s.State()
	out := turnResponse{
		ConversationID: id,
		Message:        *reply,
		DialogueState:  st.Dialogue.State.String(),
		Schema:         st.Schema,
		IsCompleted:    st.Current != nil && st.Current.IsCompleted,
	}
	logger.Info("turn relayed", "conversation_id", id, "dialogue_state", out.DialogueState, "completed", out.IsCompleted)
	return jsonResponse(http.StatusOK, correlationID, out)
}

func (h *Handler) confirm(ctx context.Context, logger *slog.Logger, correlationID string, s Session, id string) events.APIGatewayProxyResponse {
	if _, err := s.LoadConversation(ctx, id); err != nil {
		return h.fail(logger, correlationID, err)
	}
	confirmed, err := s.ConfirmSchema(ctx)
	if err != nil {
		return h.fail(logger, correlationID, err)
	}
	logger.Info("schema confirmed", "conversation_id", id)
	return jsonResponse(http.StatusOK, correlationID, confirmResponse{ConversationID: id, Schema: confirmed})
}

func (h *Handler) fail(logger *slog.Logger, correlationID string, err error) events.APIGatewayProxyResponse {
	code := usecase.CodeOf(err)
	status := statusFor(code)
	out := errorResponse{Error: string(code)}
	var ue *usecase.Error
	if errors.As(err, &ue) {
		out.Message = ue.Reason
	}
	if code == "" {
		out.Error = errorInternal
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "code", out.Error, "err", err)
	} else {
		logger.Warn("request rejected", "code", out.Error, "err", err)
	}
	return jsonResponse(status, correlationID, out)
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorValidation:
		return http.StatusBadRequest
	case usecase.ErrorAuth:
		return http.StatusUnauthorized
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorStreamInFlight:
		return http.StatusConflict
	case usecase.ErrorSchemaNotFound, usecase.ErrorSchemaParse:
		return http.StatusUnprocessableEntity
	case usecase.ErrorStream, usecase.ErrorNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func invalidBody(correlationID string) events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusBadRequest, correlationID, errorResponse{Error: string(usecase.ErrorValidation), Message: "invalid JSON body"})
}

func jsonResponse(status int, correlationID string, v any) events.APIGatewayProxyResponse {
	b, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"error":"` + errorInternal + `"}`)
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

// header looks up key case-insensitively.
func header(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func bearer(headers map[string]string) string {
	v := header(headers, "Authorization")
	if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return ""
}

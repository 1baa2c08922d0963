package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"metra-client/internal/backendtest"
	"metra-client/internal/domain"
	"metra-client/internal/integrations/metra"
	"metra-client/internal/schema"
	"metra-client/internal/usecase"
)

type stubSession struct {
	conv     *domain.Conversation
	reply    *domain.Message
	schema   domain.TaskSchema
	state    usecase.State
	loadErr  error
	sendErr  error
	confErr  error
	loadedID string
	sent     string
}

func (s *stubSession) CreateConversation(_ context.Context, title *string) (*domain.Conversation, error) {
	c := *s.conv
	c.Title = title
	return &c, nil
}

func (s *stubSession) LoadConversation(_ context.Context, id string) (*domain.Conversation, error) {
	s.loadedID = id
	return s.conv, s.loadErr
}

func (s *stubSession) SendMessageStream(_ context.Context, _ string, content string) (*domain.Message, error) {
	s.sent = content
	return s.reply, s.sendErr
}

func (s *stubSession) ConfirmSchema(context.Context) (domain.TaskSchema, error) {
	return s.schema, s.confErr
}

func (s *stubSession) State() usecase.State { return s.state }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func stubFactory(s *stubSession, gotToken *string) SessionFactory {
	return func(_ context.Context, token string) (Session, error) {
		if gotToken != nil {
			*gotToken = token
		}
		return s, nil
	}
}

func makeEvent(path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil, nil)
	require.Error(t, err)
}

func TestHandle_CreateConversation(t *testing.T) {
	s := &stubSession{conv: &domain.Conversation{ID: "conv-1"}}
	var token string
	h, err := NewHandler(stubFactory(s, &token), quietLogger())
	require.NoError(t, err)

	event := makeEvent("/conversations", `{"title":"Reviews"}`)
	event.Headers["authorization"] = "Bearer tok-9"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "tok-9", token)

	out := parseBody[domain.Conversation](t, resp.Body)
	require.Equal(t, "conv-1", out.ID)
	require.Equal(t, "Reviews", *out.Title)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_Turn(t *testing.T) {
	proposed := domain.TaskSchema{"task_type": "classification"}
	s := &stubSession{
		conv:  &domain.Conversation{ID: "conv-1"},
		reply: &domain.Message{ID: "m-2", ConversationID: "conv-1", Role: domain.RoleAssistant, Content: "ok"},
		state: usecase.State{
			Current:  &domain.Conversation{ID: "conv-1"},
			Dialogue: schema.Dialogue{State: schema.ProposedSchema, Proposed: proposed},
			Schema:   proposed,
		},
	}
	h, err := NewHandler(stubFactory(s, nil), quietLogger())
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent("/conversations/conv-1/messages", `{"content":"hello"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "conv-1", s.loadedID)
	require.Equal(t, "hello", s.sent)

	out := parseBody[turnResponse](t, resp.Body)
	require.Equal(t, "m-2", out.Message.ID)
	require.Equal(t, "proposed_schema", out.DialogueState)
	require.Equal(t, "classification", out.Schema["task_type"])
	require.False(t, out.IsCompleted)
}

func TestHandle_InvalidBody(t *testing.T) {
	h, err := NewHandler(stubFactory(&stubSession{}, nil), quietLogger())
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent("/conversations/conv-1/messages", `not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorValidation), out.Error)
}

func TestHandle_Routing(t *testing.T) {
	h, err := NewHandler(stubFactory(&stubSession{}, nil), quietLogger())
	require.NoError(t, err)

	for _, path := range []string{"/", "/tasks", "/conversations/conv-1", "/conversations/conv-1/archive", "/conversations/a/b/c"} {
		resp, err := h.Handle(context.Background(), makeEvent(path, `{}`))
		require.NoError(t, err)
		require.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}

	event := makeEvent("/conversations", "")
	event.HTTPMethod = http.MethodGet
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "validation", err: &usecase.Error{Code: usecase.ErrorValidation, Reason: "message content is required"}, status: http.StatusBadRequest, code: string(usecase.ErrorValidation)},
		{name: "auth", err: &usecase.Error{Code: usecase.ErrorAuth, Reason: "Not authenticated"}, status: http.StatusUnauthorized, code: string(usecase.ErrorAuth)},
		{name: "not found", err: &usecase.Error{Code: usecase.ErrorNotFound, Reason: "Conversation not found"}, status: http.StatusNotFound, code: string(usecase.ErrorNotFound)},
		{name: "in flight", err: &usecase.Error{Code: usecase.ErrorStreamInFlight, Reason: "a reply is already streaming"}, status: http.StatusConflict, code: string(usecase.ErrorStreamInFlight)},
		{name: "stream", err: &usecase.Error{Code: usecase.ErrorStream, Reason: "stream stalled"}, status: http.StatusBadGateway, code: string(usecase.ErrorStream)},
		{name: "network", err: &usecase.Error{Code: usecase.ErrorNetwork, Reason: "Failed to send message"}, status: http.StatusBadGateway, code: string(usecase.ErrorNetwork)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: errorInternal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := &stubSession{conv: &domain.Conversation{ID: "conv-1"}, sendErr: tc.err}
			h, err := NewHandler(stubFactory(s, nil), quietLogger())
			require.NoError(t, err)

			resp, err := h.Handle(context.Background(), makeEvent("/conversations/conv-1/messages", `{"content":"hi"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
		})
	}
}

func TestHandle_ConfirmWithoutProposal(t *testing.T) {
	s := &stubSession{
		conv:    &domain.Conversation{ID: "conv-1"},
		confErr: &usecase.Error{Code: usecase.ErrorValidation, Reason: "no proposed schema to confirm"},
	}
	h, err := NewHandler(stubFactory(s, nil), quietLogger())
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent("/conversations/conv-1/confirm", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, "no proposed schema to confirm", out.Message)
}

func TestHandle_SessionFactoryError(t *testing.T) {
	h, err := NewHandler(func(context.Context, string) (Session, error) {
		return nil, errors.New("ssm unavailable")
	}, quietLogger())
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent("/conversations", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h, err := NewHandler(stubFactory(&stubSession{conv: &domain.Conversation{ID: "conv-1"}}, nil), quietLogger())
	require.NoError(t, err)

	event := makeEvent("/conversations", "")
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}

// memArchive keeps conversation meta across the sessions of one test.
type memArchive struct {
	mu    sync.Mutex
	metas map[string]domain.ConversationMeta
}

func (a *memArchive) SaveTurn(_ context.Context, _, _ domain.Message, meta domain.ConversationMeta) error {
	return a.UpsertMeta(context.Background(), meta)
}

func (a *memArchive) SaveTaskDefinition(context.Context, domain.TaskDefinition) error { return nil }

func (a *memArchive) UpsertMeta(_ context.Context, meta domain.ConversationMeta) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.metas == nil {
		a.metas = map[string]domain.ConversationMeta{}
	}
	a.metas[meta.ConversationID] = meta
	return nil
}

func (a *memArchive) GetMeta(_ context.Context, id string) (domain.ConversationMeta, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	meta, ok := a.metas[id]
	return meta, ok, nil
}

func managerFactory(srv *backendtest.Server, opts ...usecase.Option) SessionFactory {
	return func(_ context.Context, token string) (Session, error) {
		client, err := metra.NewClient(srv.URL, metra.WithTokenSource(metra.StaticToken(token)))
		if err != nil {
			return nil, err
		}
		return usecase.NewManager(client, append([]usecase.Option{usecase.WithLogger(quietLogger())}, opts...)...)
	}
}

func TestHandle_RelaysAffirmationAgainstBackend(t *testing.T) {
	srv := backendtest.New()
	t.Cleanup(srv.Close)
	srv.Token = "tok-1"
	srv.Seed(domain.Conversation{ID: "conv-b", Messages: []domain.Message{
		{ID: "m1", Role: domain.RoleUser, Content: "Classify reviews"},
		{ID: "m2", Role: domain.RoleAssistant, Content: "```json\n{\"task_type\":\"classification\"}\n```"},
	}})
	srv.StreamPayloads = backendtest.Fragments("Great, ", "saved.")

	h, err := NewHandler(managerFactory(srv), quietLogger())
	require.NoError(t, err)

	event := makeEvent("/conversations/conv-b/messages", `{"content":"Yes, looks good"}`)
	event.Headers["Authorization"] = "Bearer tok-1"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, resp.Body)

	out := parseBody[turnResponse](t, resp.Body)
	require.Equal(t, "Great, saved.", out.Message.Content)
	require.Equal(t, "confirmed", out.DialogueState)
	require.Equal(t, "classification", out.Schema["task_type"])
	require.True(t, out.IsCompleted)
}

func TestHandle_BackendRejectsMissingToken(t *testing.T) {
	srv := backendtest.New()
	t.Cleanup(srv.Close)
	srv.Token = "tok-1"

	h, err := NewHandler(managerFactory(srv), quietLogger())
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent("/conversations", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorAuth), out.Error)
}

func TestHandle_ConfirmPersistsAcrossRequests(t *testing.T) {
	srv := backendtest.New()
	t.Cleanup(srv.Close)
	srv.Seed(domain.Conversation{ID: "conv-b", Messages: []domain.Message{
		{ID: "m1", Role: domain.RoleUser, Content: "Classify reviews"},
		{ID: "m2", Role: domain.RoleAssistant, Content: "```json\n{\"task_type\":\"classification\"}\n```"},
	}})
	srv.StreamPayloads = backendtest.Fragments("Noted.")

	h, err := NewHandler(managerFactory(srv, usecase.WithArchive(&memArchive{})), quietLogger())
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent("/conversations/conv-b/confirm", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, resp.Body)

	resp, err = h.Handle(context.Background(), makeEvent("/conversations/conv-b/messages", `{"content":"also track sentiment"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, resp.Body)

	out := parseBody[turnResponse](t, resp.Body)
	require.Equal(t, "confirmed", out.DialogueState)
	require.True(t, out.IsCompleted)
	require.Equal(t, "classification", out.Schema["task_type"])
}

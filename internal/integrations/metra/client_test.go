package metra

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"metra-client/internal/backendtest"
	"metra-client/internal/domain"
)

func newTestClient(t *testing.T, srv *backendtest.Server, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithHTTPClient(&http.Client{})}, opts...)
	c, err := NewClient(srv.URL, opts...)
	require.NoError(t, err)
	return c
}

func strPtr(s string) *string { return &s }

// ---------------------------------------------------------------------------
// NewClient
// ---------------------------------------------------------------------------

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(" ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "empty")

	_, err = NewClient("not a url")
	require.Error(t, err)

	c, err := NewClient("http://localhost:8000/api/v1/")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8000/api/v1", c.baseURL)
	require.Equal(t, defaultRequestTimeout, c.requestTimeout)
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

func TestClient_CreateAndGetConversation(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	c := newTestClient(t, srv)

	conv, err := c.CreateConversation(context.Background(), strPtr("Complaints"))
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID)
	require.Equal(t, "Complaints", *conv.Title)
	require.False(t, conv.IsCompleted)

	got, err := c.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Equal(t, conv.ID, got.ID)

	list, err := c.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, conv.ID, list[0].ID)
}

func TestClient_GetConversation_NotFound(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	c := newTestClient(t, srv)

	_, err := c.GetConversation(context.Background(), "missing")
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.HTTPStatusCode())
	require.Equal(t, "Conversation not found", statusErr.Detail)
	require.Contains(t, err.Error(), "404")
}

func TestClient_GetConversation_EmptyID(t *testing.T) {
	c, err := NewClient("http://localhost:1")
	require.NoError(t, err)
	_, err = c.GetConversation(context.Background(), "")
	require.Error(t, err)
}

func TestClient_SendMessage(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	srv.Reply = "What fields does a complaint have?"
	c := newTestClient(t, srv)

	conv, err := c.CreateConversation(context.Background(), nil)
	require.NoError(t, err)

	msg, err := c.SendMessage(context.Background(), conv.ID, "I want to classify complaints")
	require.NoError(t, err)
	require.Equal(t, domain.RoleAssistant, msg.Role)
	require.Equal(t, "What fields does a complaint have?", msg.Content)

	stored, ok := srv.Conversation(conv.ID)
	require.True(t, ok)
	require.Len(t, stored.Messages, 2)
	require.Equal(t, "I want to classify complaints", stored.Messages[0].Content)
}

func TestClient_DecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`not-json`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	_, err = c.ListConversations(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode")
}

func TestClient_NetworkError(t *testing.T) {
	c, err := NewClient("http://127.0.0.1:1", WithRequestTimeout(200*time.Millisecond))
	require.NoError(t, err)

	_, err = c.ListConversations(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "request failed")
	var statusErr *HTTPStatusError
	require.False(t, errors.As(err, &statusErr))
}

func TestClient_RequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, WithRequestTimeout(50*time.Millisecond))
	require.NoError(t, err)
	_, err = c.ListConversations(context.Background())
	require.Error(t, err)
}

func TestStatusError_NonStringDetail(t *testing.T) {
	e := newStatusError(422, "http://x/conversations", []byte(`{"detail":[{"msg":"field required"}]}`))
	require.Equal(t, `[{"msg":"field required"}]`, e.Detail)

	e = newStatusError(500, "http://x", []byte(`oops`))
	require.Empty(t, e.Detail)
	require.Contains(t, e.Error(), "oops")
}

// ---------------------------------------------------------------------------
// Streaming
// ---------------------------------------------------------------------------

func TestClient_OpenMessageStream(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	srv.StreamPayloads = backendtest.Fragments("Got", " it")
	c := newTestClient(t, srv)

	conv, err := c.CreateConversation(context.Background(), nil)
	require.NoError(t, err)

	body, err := c.OpenMessageStream(context.Background(), conv.ID, "hello")
	require.NoError(t, err)
	defer func() { _ = body.Close() }()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "data: \"Got\"\n\ndata: \" it\"\n\ndata: [DONE]\n\n", string(raw))
}

func TestClient_OpenMessageStream_ErrorStatus(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	c := newTestClient(t, srv)

	_, err := c.OpenMessageStream(context.Background(), "missing", "hello")
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	require.Equal(t, "Conversation not found", statusErr.Detail)
}

func TestClient_OpenMessageStream_CancelAbortsRead(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	srv.StreamPayloads = backendtest.Fragments("partial")
	srv.StreamHang = true
	c := newTestClient(t, srv)

	conv, err := c.CreateConversation(context.Background(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	body, err := c.OpenMessageStream(ctx, conv.ID, "hello")
	require.NoError(t, err)
	defer func() { _ = body.Close() }()

	_, err = io.ReadAll(body)
	require.Error(t, err)
}

// ---------------------------------------------------------------------------
// Task definitions and recommendations
// ---------------------------------------------------------------------------

func TestClient_CreateTaskDefinition(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	c := newTestClient(t, srv)

	conv, err := c.CreateConversation(context.Background(), nil)
	require.NoError(t, err)

	td, err := c.CreateTaskDefinition(context.Background(), TaskDefinitionInput{
		ConversationID: conv.ID,
		Name:           "Complaint classifier",
		Description:    strPtr("binary"),
		JSONSchema:     domain.TaskSchema{"task_type": "classification"},
	})
	require.NoError(t, err)
	require.Equal(t, "Complaint classifier", td.Name)
	require.Equal(t, "classification", td.JSONSchema["task_type"])

	got := srv.TaskDefinitions()
	require.Len(t, got, 1)
	require.Equal(t, conv.ID, got[0].ConversationID)
}

func TestClient_Recommend(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	srv.Recommendations = []domain.ModelRecommendation{
		{ModelID: "distilbert-base-uncased", ModelName: "DistilBERT", Tags: []string{"text-classification"}, Likes: 10},
	}
	c := newTestClient(t, srv)

	recs, err := c.Recommend(context.Background(), domain.TaskSchema{"task_type": "classification"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "distilbert-base-uncased", recs[0].ModelID)

	_, err = c.Recommend(context.Background(), nil)
	require.Error(t, err)
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

func TestClient_LoginThenAuthorizedCalls(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	srv.Token = "tok-123"
	c := newTestClient(t, srv)

	_, err := c.ListConversations(context.Background())
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)

	_, err = c.Login(context.Background(), "ada@example.com", "wrong")
	require.Error(t, err)

	token, err := c.Login(context.Background(), "ada@example.com", backendtest.Password)
	require.NoError(t, err)
	require.Equal(t, "tok-123", token)

	c.UseToken(token)
	me, err := c.Me(context.Background())
	require.NoError(t, err)
	require.Equal(t, "user-1", me.ID)
}

func TestClient_Login_Validation(t *testing.T) {
	c, err := NewClient("http://localhost:1")
	require.NoError(t, err)
	_, err = c.Login(context.Background(), "", "x")
	require.Error(t, err)
}

type failingTokens struct{}

func (failingTokens) Token(context.Context) (string, error) {
	return "", errors.New("ssm unavailable")
}

func TestClient_TokenSourceError(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	c := newTestClient(t, srv, WithTokenSource(failingTokens{}))

	_, err := c.ListConversations(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "ssm unavailable")
	require.Empty(t, srv.Requests())
}

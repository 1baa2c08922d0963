package metra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"metra-client/internal/domain"
)

const defaultRequestTimeout = 30 * time.Second

type conversationCreate struct {
	Title *string `json:"title"`
}

type messageCreate struct {
	Content string      `json:"content"`
	Role    domain.Role `json:"role"`
}

// TaskDefinitionInput is the request body of POST /task-definitions.
type TaskDefinitionInput struct {
	ConversationID    string            `json:"conversation_id"`
	Name              string            `json:"name"`
	Description       *string           `json:"description,omitempty"`
	JSONSchema        domain.TaskSchema `json:"json_schema,omitempty"`
	RecommendedModels []string          `json:"recommended_models,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type errorBody struct {
	Detail json.RawMessage `json:"detail"`
}

// HTTPStatusError captures non-2xx backend responses. Detail is the
// backend's human-readable message when it sent one.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Detail     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("metra: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Detail)
	}
	return fmt.Sprintf("metra: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client talks to the Metra backend REST and streaming endpoints.
type Client struct {
	baseURL        string
	rest           *resty.Client
	requestTimeout time.Duration

	tokenMu sync.RWMutex
	tokens  TokenSource
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.rest = resty.NewWithClient(httpClient)
		}
	}
}

func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) {
		c.tokens = ts
	}
}

// WithRequestTimeout bounds each non-streaming request. Streams are bounded
// by the caller's context instead.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("metra: base URL must not be empty")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("metra: invalid base URL: %w", err)
	}
	c := &Client{
		baseURL:        baseURL,
		rest:           resty.New(),
		requestTimeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.rest.SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(0).
		SetDisableWarn(true)
	return c, nil
}

// UseToken replaces the token source with a fixed bearer token, e.g. after Login.
func (c *Client) UseToken(token string) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	c.tokens = StaticToken(token)
}

func (c *Client) tokenSource() TokenSource {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.tokens
}

func (c *Client) newRequest(ctx context.Context) (*resty.Request, error) {
	req := c.rest.R().SetContext(ctx)
	if ts := c.tokenSource(); ts != nil {
		token, err := ts.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("metra: resolve token: %w", err)
		}
		if token != "" {
			req.SetAuthToken(token)
		}
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := c.newRequest(ctx)
	if err != nil {
		return err
	}
	req.SetHeader("Accept", "application/json")
	if body != nil {
		req.SetBody(body)
	}

	res, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("metra: %s %s: request failed: %w", method, path, err)
	}
	if res.IsError() {
		return newStatusError(res.StatusCode(), res.Request.URL, res.Body())
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(res.Body(), out); err != nil {
		return fmt.Errorf("metra: decode %s %s response: %w", method, path, err)
	}
	return nil
}

func newStatusError(status int, rawURL string, body []byte) *HTTPStatusError {
	e := &HTTPStatusError{StatusCode: status, URL: rawURL, Body: string(body)}
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil && len(eb.Detail) > 0 {
		var detail string
		if json.Unmarshal(eb.Detail, &detail) == nil {
			e.Detail = detail
		} else {
			e.Detail = string(eb.Detail)
		}
	}
	return e
}

func conversationPath(id string, rest ...string) string {
	return "/conversations/" + url.PathEscape(id) + strings.Join(rest, "")
}

func (c *Client) CreateConversation(ctx context.Context, title *string) (*domain.Conversation, error) {
	var out domain.Conversation
	if err := c.doJSON(ctx, http.MethodPost, "/conversations", conversationCreate{Title: title}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]domain.ConversationSummary, error) {
	var out []domain.ConversationSummary
	if err := c.doJSON(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("metra: conversation id must not be empty")
	}
	var out domain.Conversation
	if err := c.doJSON(ctx, http.MethodGet, conversationPath(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMessage posts a user message and returns the message the backend stored.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string) (*domain.Message, error) {
	var out domain.Message
	body := messageCreate{Content: content, Role: domain.RoleUser}
	if err := c.doJSON(ctx, http.MethodPost, conversationPath(conversationID, "/messages"), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OpenMessageStream posts a user message to the streaming endpoint and
// returns the raw server-sent-event body. The caller must close it;
// cancelling ctx aborts the read.
func (c *Client) OpenMessageStream(ctx context.Context, conversationID, content string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx)
	if err != nil {
		return nil, err
	}
	path := conversationPath(conversationID, "/messages/stream")
	res, err := req.
		SetHeader("Accept", "text/event-stream").
		SetBody(messageCreate{Content: content, Role: domain.RoleUser}).
		SetDoNotParseResponse(true).
		Post(path)
	if err != nil {
		return nil, fmt.Errorf("metra: POST %s: request failed: %w", path, err)
	}
	body := res.RawBody()
	if res.IsError() {
		defer func() { _ = body.Close() }()
		buf, _ := io.ReadAll(io.LimitReader(body, 4096))
		return nil, newStatusError(res.StatusCode(), res.Request.URL, buf)
	}
	return body, nil
}

func (c *Client) CreateTaskDefinition(ctx context.Context, in TaskDefinitionInput) (*domain.TaskDefinition, error) {
	var out domain.TaskDefinition
	if err := c.doJSON(ctx, http.MethodPost, "/task-definitions", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Recommend asks the backend for models ranked for the given task schema.
func (c *Client) Recommend(ctx context.Context, schema domain.TaskSchema) ([]domain.ModelRecommendation, error) {
	if len(schema) == 0 {
		return nil, errors.New("metra: task schema must not be empty")
	}
	var out []domain.ModelRecommendation
	if err := c.doJSON(ctx, http.MethodPost, "/recommend", schema, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Login exchanges credentials for a bearer token. It does not install the
// token; call UseToken for that.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return "", errors.New("metra: email and password are required")
	}
	var out loginResponse
	if err := c.doJSON(ctx, http.MethodPost, "/auth/login", loginRequest{Email: email, Password: password}, &out); err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", errors.New("metra: login response missing access token")
	}
	return out.AccessToken, nil
}

func (c *Client) Me(ctx context.Context) (*domain.User, error) {
	var out domain.User
	if err := c.doJSON(ctx, http.MethodGet, "/auth/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

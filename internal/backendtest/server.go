// Package backendtest runs an in-memory stand-in for the Metra backend so
// the API client, the session manager and the Lambda relay can be tested
// against the real HTTP/SSE contract.
package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"metra-client/internal/domain"
)

// Password accepted by POST /auth/login.
const Password = "secret"

// Fragments encodes text fragments as stream payloads followed by [DONE].
func Fragments(parts ...string) []string {
	out := make([]string, 0, len(parts)+1)
	for _, p := range parts {
		b, _ := json.Marshal(p)
		out = append(out, string(b))
	}
	return append(out, "[DONE]")
}

type failure struct {
	status int
	detail string
}

// Server is a fake backend. Exported fields may be changed between calls.
type Server struct {
	*httptest.Server

	mu sync.Mutex
	// Token, when set, is required as the bearer token on every request but login.
	Token string
	// Reply is the assistant content returned by the non-streaming endpoint.
	Reply string
	// StreamPayloads are written as `data: <payload>` frames by the stream endpoint.
	StreamPayloads []string
	// StreamDelay is slept between frames.
	StreamDelay time.Duration
	// StreamHang keeps the stream open after the payloads until the client goes away.
	StreamHang bool
	// StreamCutAfter closes the connection after that many frames when > 0.
	StreamCutAfter int
	Recommendations []domain.ModelRecommendation

	conversations   map[string]*domain.Conversation
	taskDefinitions []TaskDefinitionRequest
	failures        map[string]failure
	requests        []string
	seq             int
}

// TaskDefinitionRequest is what the fake received on POST /task-definitions.
type TaskDefinitionRequest struct {
	ConversationID string            `json:"conversation_id"`
	Name           string            `json:"name"`
	Description    *string           `json:"description"`
	JSONSchema     domain.TaskSchema `json:"json_schema"`
}

func New() *Server {
	s := &Server{
		Reply:         "Tell me more about your data.",
		conversations: map[string]*domain.Conversation{},
		failures:      map[string]failure{},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.record)
	r.Use(s.injectFailures)
	r.Post("/auth/login", s.login)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/auth/me", s.me)
		r.Post("/conversations", s.createConversation)
		r.Get("/conversations", s.listConversations)
		r.Get("/conversations/{id}", s.getConversation)
		r.Post("/conversations/{id}/messages", s.sendMessage)
		r.Post("/conversations/{id}/messages/stream", s.streamMessage)
		r.Post("/task-definitions", s.createTaskDefinition)
		r.Post("/recommend", s.recommend)
	})

	s.Server = httptest.NewServer(r)
	return s
}

// Fail makes the next request to method+path answer with status and detail.
func (s *Server) Fail(method, path string, status int, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" "+path] = failure{status: status, detail: detail}
}

// Seed stores a conversation as if it had been created earlier.
func (s *Server) Seed(c domain.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = c.Clone()
}

// Conversation returns a copy of the stored conversation.
func (s *Server) Conversation(id string) (domain.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return domain.Conversation{}, false
	}
	return *c.Clone(), true
}

func (s *Server) TaskDefinitions() []TaskDefinitionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TaskDefinitionRequest(nil), s.taskDefinitions...)
}

// Requests lists "METHOD /path" for every request received, in order.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+r.URL.Path)
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		s.mu.Lock()
		f, ok := s.failures[key]
		delete(s.failures, key)
		s.mu.Unlock()
		if ok {
			writeDetail(w, f.status, f.detail)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		token := s.Token
		s.mu.Unlock()
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (s *Server) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Password != Password {
		writeDetail(w, http.StatusUnauthorized, "Incorrect email or password")
		return
	}
	s.mu.Lock()
	if s.Token == "" {
		s.Token = "token-" + strings.Split(in.Email, "@")[0]
	}
	token := s.Token
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"access_token": token, "token_type": "bearer"})
}

func (s *Server) me(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, domain.User{ID: "user-1", Email: "ada@example.com", IsActive: true, CreatedAt: domain.NewTimestamp(time.Now())})
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Title *string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	s.mu.Lock()
	c := &domain.Conversation{
		ID:        s.nextID("conv"),
		UserID:    "user-1",
		Title:     in.Title,
		CreatedAt: domain.NewTimestamp(time.Now()),
		Messages:  []domain.Message{},
	}
	s.conversations[c.ID] = c
	out := c.Clone()
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listConversations(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := make([]domain.ConversationSummary, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c.Summary())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*domain.Conversation, bool) {
	c, ok := s.conversations[chi.URLParam(r, "id")]
	if !ok {
		writeDetail(w, http.StatusNotFound, "Conversation not found")
	}
	return c, ok
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	c, ok := s.lookup(w, r)
	if !ok {
		s.mu.Unlock()
		return
	}
	out := c.Clone()
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) appendMessage(c *domain.Conversation, role domain.Role, content string) domain.Message {
	m := domain.Message{
		ID:             s.nextID("msg"),
		ConversationID: c.ID,
		Role:           role,
		Content:        content,
		CreatedAt:      domain.NewTimestamp(time.Now()),
	}
	c.Messages = append(c.Messages, m)
	return m
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	s.mu.Lock()
	c, ok := s.lookup(w, r)
	if !ok {
		s.mu.Unlock()
		return
	}
	s.appendMessage(c, domain.RoleUser, in.Content)
	reply := s.appendMessage(c, domain.RoleAssistant, s.Reply)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) streamMessage(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	s.mu.Lock()
	c, ok := s.lookup(w, r)
	if !ok {
		s.mu.Unlock()
		return
	}
	s.appendMessage(c, domain.RoleUser, in.Content)
	payloads := append([]string(nil), s.StreamPayloads...)
	delay, hang, cut := s.StreamDelay, s.StreamHang, s.StreamCutAfter
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	var full strings.Builder
	for i, p := range payloads {
		if cut > 0 && i == cut {
			panic(http.ErrAbortHandler)
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		var fragment string
		if json.Unmarshal([]byte(p), &fragment) == nil {
			full.WriteString(fragment)
		}
		fmt.Fprintf(w, "data: %s\n\n", p)
		if flusher != nil {
			flusher.Flush()
		}
	}
	if hang {
		<-r.Context().Done()
		return
	}

	s.mu.Lock()
	if cur, ok := s.conversations[c.ID]; ok {
		s.appendMessage(cur, domain.RoleAssistant, full.String())
	}
	s.mu.Unlock()
}

func (s *Server) createTaskDefinition(w http.ResponseWriter, r *http.Request) {
	var in TaskDefinitionRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || strings.TrimSpace(in.Name) == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "name is required")
		return
	}
	s.mu.Lock()
	c, ok := s.conversations[in.ConversationID]
	if !ok {
		s.mu.Unlock()
		writeDetail(w, http.StatusNotFound, "Conversation not found")
		return
	}
	c.IsCompleted = true
	s.taskDefinitions = append(s.taskDefinitions, in)
	out := domain.TaskDefinition{
		ID:             s.nextID("task"),
		ConversationID: in.ConversationID,
		UserID:         c.UserID,
		Name:           in.Name,
		Description:    in.Description,
		JSONSchema:     in.JSONSchema,
		CreatedAt:      domain.NewTimestamp(time.Now()),
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) recommend(w http.ResponseWriter, r *http.Request) {
	var schema map[string]any
	if err := json.NewDecoder(r.Body).Decode(&schema); err != nil || len(schema) == 0 {
		writeDetail(w, http.StatusUnprocessableEntity, "task schema is required")
		return
	}
	s.mu.Lock()
	out := append([]domain.ModelRecommendation{}, s.Recommendations...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

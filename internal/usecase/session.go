package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"metra-client/internal/domain"
	"metra-client/internal/integrations/metra"
	"metra-client/internal/schema"
)

const (
	introMessageID = "intro-message"
	introMessage   = "Hello! I'm Metra AI, your assistant for building custom AI models. " +
		"You don't need any programming knowledge. Just tell me what you're trying to achieve, " +
		"and I'll guide you through defining your task. So, what problem are you looking to solve?"
)

// CompletionPolicy decides when a conversation counts as completed.
type CompletionPolicy int

const (
	// CompletionOnConfirm completes a conversation only once the proposed
	// schema is confirmed (task definition created or ConfirmSchema called).
	CompletionOnConfirm CompletionPolicy = iota
	// CompletionOnSchema completes a conversation as soon as a streamed
	// reply carries a parseable schema.
	CompletionOnSchema
)

// API is the backend surface used by the Manager. *metra.Client satisfies it.
type API interface {
	CreateConversation(ctx context.Context, title *string) (*domain.Conversation, error)
	ListConversations(ctx context.Context) ([]domain.ConversationSummary, error)
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	SendMessage(ctx context.Context, conversationID, content string) (*domain.Message, error)
	OpenMessageStream(ctx context.Context, conversationID, content string) (io.ReadCloser, error)
	CreateTaskDefinition(ctx context.Context, in metra.TaskDefinitionInput) (*domain.TaskDefinition, error)
	Recommend(ctx context.Context, schema domain.TaskSchema) ([]domain.ModelRecommendation, error)
}

// Archive receives finished turns, task definitions and confirmations, and
// hands the recorded dialogue back when a conversation is loaded. Failures
// are logged and never fail the operation.
type Archive interface {
	SaveTurn(ctx context.Context, user, assistant domain.Message, meta domain.ConversationMeta) error
	SaveTaskDefinition(ctx context.Context, td domain.TaskDefinition) error
	UpsertMeta(ctx context.Context, meta domain.ConversationMeta) error
	GetMeta(ctx context.Context, conversationID string) (domain.ConversationMeta, bool, error)
}

// Notifier is told about dialogue transitions and completions. Failures are
// logged and never fail the operation.
type Notifier interface {
	DialogueChanged(ctx context.Context, conversationID string, d schema.Dialogue) error
	ConversationCompleted(ctx context.Context, conversationID string) error
}

// Manager owns the conversation session: it issues backend requests and
// funnels every state change through the store.
type Manager struct {
	api      API
	store    *store
	logger   *slog.Logger
	archive  Archive
	notifier Notifier

	policy        CompletionPolicy
	typingDelay   time.Duration
	streamTimeout time.Duration
	idleTimeout   time.Duration
	now           func() time.Time
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithTypingDelay applies streamed fragments one rune at a time, sleeping d
// between runes.
func WithTypingDelay(d time.Duration) Option {
	return func(m *Manager) { m.typingDelay = d }
}

// WithStreamTimeout bounds a whole streamed reply.
func WithStreamTimeout(d time.Duration) Option {
	return func(m *Manager) { m.streamTimeout = d }
}

// WithIdleTimeout bounds the gap between two stream frames.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) { m.idleTimeout = d }
}

func WithCompletionPolicy(p CompletionPolicy) Option {
	return func(m *Manager) { m.policy = p }
}

func WithArchive(a Archive) Option {
	return func(m *Manager) { m.archive = a }
}

func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

func NewManager(api API, opts ...Option) (*Manager, error) {
	if api == nil {
		return nil, errors.New("usecase: api client must not be nil")
	}
	m := &Manager{
		api:    api,
		store:  newStore(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// State returns the current snapshot.
func (m *Manager) State() State {
	return m.store.snapshot()
}

// Subscribe registers fn to receive a snapshot after every state change.
// fn runs on the goroutine that caused the change and must not block.
func (m *Manager) Subscribe(fn func(State)) (unsubscribe func()) {
	return m.store.subscribe(fn)
}

// Schema returns the stored task schema, nil when none.
func (m *Manager) Schema() domain.TaskSchema {
	return m.State().Schema
}

func (m *Manager) fail(e *Error) error {
	m.store.dispatch(actFailed{reason: e.Reason})
	m.logger.Warn("session operation failed", "code", e.Code, "reason", e.Reason, "error", e.Err)
	return e
}

func (m *Manager) CreateConversation(ctx context.Context, title *string) (*domain.Conversation, error) {
	m.store.dispatch(actLoading{})
	conv, err := m.api.CreateConversation(ctx, title)
	if err != nil {
		return nil, m.fail(fromAPI(err, "Failed to create conversation"))
	}
	cur := conv.Clone()
	cur.Messages = []domain.Message{{
		ID:             introMessageID,
		ConversationID: conv.ID,
		Role:           domain.RoleAssistant,
		Content:        introMessage,
		CreatedAt:      domain.NewTimestamp(m.now()),
		Body:           domain.Body{Kind: domain.PlainText},
	}}
	m.store.dispatch(actConversationCreated{conv: cur})
	m.logger.Info("conversation created", "conversation_id", conv.ID)
	return cur.Clone(), nil
}

func (m *Manager) LoadConversations(ctx context.Context) ([]domain.ConversationSummary, error) {
	m.store.dispatch(actLoading{})
	list, err := m.api.ListConversations(ctx)
	if err != nil {
		return nil, m.fail(fromAPI(err, "Failed to load conversations"))
	}
	m.store.dispatch(actConversationsLoaded{list: list})
	return list, nil
}

// LoadConversation replaces the current conversation with the server copy
// and recomputes the schema dialogue from its history.
func (m *Manager) LoadConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	if strings.TrimSpace(id) == "" {
		return nil, m.fail(newError(ErrorValidation, "conversation id is required", nil))
	}
	m.store.dispatch(actLoading{})
	conv, err := m.api.GetConversation(ctx, id)
	if err != nil {
		return nil, m.fail(fromAPI(err, "Failed to load conversation"))
	}
	cur := conv.Clone()
	for i := range cur.Messages {
		cur.Messages[i].Body = schema.Classify(cur.Messages[i].Content)
	}
	meta, archived := m.archivedMeta(ctx, id)
	cur.IsCompleted = cur.IsCompleted || meta.IsCompleted
	d := schema.Replay(cur.Messages, cur.IsCompleted)
	if archived && meta.DialogueState == schema.Confirmed.String() {
		d = d.Apply(schema.Event{Kind: schema.Finalized, Schema: meta.Schema})
		if meta.Schema != nil {
			d.Proposed = meta.Schema
		}
	}
	m.store.dispatch(actConversationLoaded{conv: cur, dialogue: d})
	return cur.Clone(), nil
}

// SendMessage posts content without streaming. When the backend answers
// with the assistant reply, a local copy of the user message is appended
// first so history stays complete.
func (m *Manager) SendMessage(ctx context.Context, conversationID, content string) (*domain.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, m.fail(newError(ErrorValidation, "message content is required", nil))
	}
	if err := sendable(m.State(), conversationID); err != nil {
		return nil, m.fail(err)
	}
	m.store.dispatch(actLoading{})
	msg, err := m.api.SendMessage(ctx, conversationID, content)
	if err != nil {
		return nil, m.fail(fromAPI(err, "Failed to send message"))
	}

	reply := *msg
	reply.Body = schema.Classify(reply.Content)
	user := m.newMessage(conversationID, domain.RoleUser, content)
	appended := []domain.Message{reply}
	if reply.Role == domain.RoleAssistant {
		appended = []domain.Message{user, reply}
	}
	m.store.dispatch(actMessagesAppended{conversationID: conversationID, msgs: appended})

	if reply.Role == domain.RoleAssistant {
		m.afterReply(ctx, conversationID, content, user, reply)
	}
	return &reply, nil
}

// MarkCompleted marks the conversation completed locally. Repeated calls
// leave the state unchanged.
func (m *Manager) MarkCompleted(conversationID string) {
	before := m.State()
	wasCompleted := before.Current != nil && before.Current.ID == conversationID && before.Current.IsCompleted
	for _, c := range before.Conversations {
		if c.ID == conversationID && c.IsCompleted {
			wasCompleted = true
		}
	}
	m.store.dispatch(actCompleted{conversationID: conversationID})
	if !wasCompleted && m.notifier != nil {
		if err := m.notifier.ConversationCompleted(context.Background(), conversationID); err != nil {
			m.logger.Warn("completion notification failed", "conversation_id", conversationID, "error", err)
		}
	}
}

// CreateTaskDefinition persists the task definition for the conversation,
// including the proposed schema when there is one, then confirms the
// dialogue and marks the conversation completed.
func (m *Manager) CreateTaskDefinition(ctx context.Context, conversationID, name string, description *string) (*domain.TaskDefinition, error) {
	if strings.TrimSpace(name) == "" {
		return nil, m.fail(newError(ErrorValidation, "task name is required", nil))
	}
	st := m.State()
	if !st.owns(conversationID) {
		return nil, m.fail(newError(ErrorNotFound, "Conversation not found", nil))
	}
	in := metra.TaskDefinitionInput{
		ConversationID: conversationID,
		Name:           strings.TrimSpace(name),
		Description:    description,
	}
	if st.Current != nil && st.Current.ID == conversationID {
		in.JSONSchema = st.Dialogue.Proposed
		if in.JSONSchema == nil {
			in.JSONSchema = st.Schema
		}
	}

	m.store.dispatch(actLoading{})
	td, err := m.api.CreateTaskDefinition(ctx, in)
	if err != nil {
		return nil, m.fail(fromAPI(err, "Failed to create task definition"))
	}
	m.store.dispatch(actTaskDefinition{td: td})
	if st.Current != nil && st.Current.ID == conversationID {
		m.applyDialogue(ctx, conversationID, schema.Event{Kind: schema.Finalized, Schema: td.JSONSchema})
	}
	m.MarkCompleted(conversationID)
	m.recordMeta(ctx, conversationID)

	if m.archive != nil {
		if err := m.archive.SaveTaskDefinition(ctx, *td); err != nil {
			m.logger.Warn("archive task definition failed", "conversation_id", conversationID, "error", err)
		}
	}
	m.logger.Info("task definition created", "conversation_id", conversationID, "task_id", td.ID)
	return td, nil
}

// ExtractSchema re-scans the current history for the authoritative schema.
// On failure the stored schema is left as it was.
func (m *Manager) ExtractSchema() (domain.TaskSchema, error) {
	st := m.State()
	if st.Current == nil {
		return nil, m.fail(fromSchema(schema.ErrSchemaNotFound))
	}
	s, err := schema.Extract(st.Current.Messages)
	if err != nil {
		return nil, m.fail(fromSchema(err))
	}
	m.store.dispatch(actSchemaStored{schema: s})
	return s, nil
}

// ConfirmSchema finalizes the proposed schema without creating a task
// definition. Under CompletionOnConfirm the conversation is also completed.
func (m *Manager) ConfirmSchema(ctx context.Context) (domain.TaskSchema, error) {
	st := m.State()
	if st.Current == nil || st.Dialogue.State == schema.Gathering {
		return nil, m.fail(newError(ErrorValidation, "no proposed schema to confirm", nil))
	}
	d := m.applyDialogue(ctx, st.Current.ID, schema.Event{Kind: schema.Finalized})
	if m.policy == CompletionOnConfirm {
		m.MarkCompleted(st.Current.ID)
	}
	m.recordMeta(ctx, st.Current.ID)
	return d.Proposed, nil
}

// RecommendModels asks the backend for models suited to the confirmed schema.
func (m *Manager) RecommendModels(ctx context.Context) ([]domain.ModelRecommendation, error) {
	st := m.State()
	if st.Dialogue.State != schema.Confirmed || len(st.Dialogue.Proposed) == 0 {
		return nil, m.fail(newError(ErrorValidation, "task schema is not confirmed", nil))
	}
	m.store.dispatch(actLoading{})
	recs, err := m.api.Recommend(ctx, st.Dialogue.Proposed)
	if err != nil {
		return nil, m.fail(fromAPI(err, "Failed to load recommendations"))
	}
	m.store.dispatch(actRecommended{recs: recs})
	return recs, nil
}

func (m *Manager) ClearError() {
	m.store.dispatch(actClearError{})
}

// Reset drops all session state.
func (m *Manager) Reset() {
	m.store.dispatch(actReset{})
}

func (m *Manager) newMessage(conversationID string, role domain.Role, content string) domain.Message {
	return domain.Message{
		ID:             newUUID(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      domain.NewTimestamp(m.now()),
		Body:           domain.Body{Kind: domain.PlainText},
	}
}

// applyDialogue dispatches ev and notifies when the dialogue state moved.
func (m *Manager) applyDialogue(ctx context.Context, conversationID string, ev schema.Event) schema.Dialogue {
	before := m.State().Dialogue.State
	after := m.store.dispatch(actDialogue{ev: ev}).Dialogue
	if after.State != before && m.notifier != nil {
		if err := m.notifier.DialogueChanged(ctx, conversationID, after); err != nil {
			m.logger.Warn("dialogue notification failed", "conversation_id", conversationID, "error", err)
		}
	}
	return after
}

// afterReply advances the dialogue for a finished exchange and archives it.
func (m *Manager) afterReply(ctx context.Context, conversationID, userContent string, user, reply domain.Message) {
	st := m.State()
	if st.Current == nil || st.Current.ID != conversationID {
		return
	}
	if st.Dialogue.State == schema.ProposedSchema && schema.IsAffirmation(userContent) {
		d := m.applyDialogue(ctx, conversationID, schema.Event{Kind: schema.UserAffirmed})
		if m.policy == CompletionOnConfirm && d.State == schema.Confirmed {
			m.MarkCompleted(conversationID)
		}
	}
	if reply.Body.Structured() {
		if reply.Body.ParseErr != nil {
			m.logger.Warn("assistant schema block did not parse", "conversation_id", conversationID, "error", reply.Body.ParseErr)
		} else {
			m.applyDialogue(ctx, conversationID, schema.Event{Kind: schema.SchemaProposed, Schema: reply.Body.Schema})
			if m.policy == CompletionOnSchema {
				m.MarkCompleted(conversationID)
			}
		}
	}
	m.archiveTurn(ctx, conversationID, user, reply)
}

func (m *Manager) archiveTurn(ctx context.Context, conversationID string, user, reply domain.Message) {
	if m.archive == nil {
		return
	}
	if err := m.archive.SaveTurn(ctx, user, reply, m.metaFor(conversationID)); err != nil {
		m.logger.Warn("archive turn failed", "conversation_id", conversationID, "error", err)
	}
}

// recordMeta stores the dialogue and completion state so a later session
// loading the conversation sees them.
func (m *Manager) recordMeta(ctx context.Context, conversationID string) {
	if m.archive == nil {
		return
	}
	if err := m.archive.UpsertMeta(ctx, m.metaFor(conversationID)); err != nil {
		m.logger.Warn("archive meta failed", "conversation_id", conversationID, "error", err)
	}
}

// archivedMeta returns the recorded meta of a conversation; ok is false when
// there is no archive, no record, or the read failed.
func (m *Manager) archivedMeta(ctx context.Context, conversationID string) (domain.ConversationMeta, bool) {
	if m.archive == nil {
		return domain.ConversationMeta{}, false
	}
	meta, ok, err := m.archive.GetMeta(ctx, conversationID)
	if err != nil {
		m.logger.Warn("archive meta read failed", "conversation_id", conversationID, "error", err)
		return domain.ConversationMeta{}, false
	}
	return meta, ok
}

func (m *Manager) metaFor(conversationID string) domain.ConversationMeta {
	st := m.State()
	meta := domain.ConversationMeta{
		ConversationID: conversationID,
		DialogueState:  st.Dialogue.State.String(),
		Schema:         st.Schema,
		LastActivity:   m.now(),
	}
	if cur := st.Current; cur != nil && cur.ID == conversationID {
		if cur.Title != nil {
			meta.Title = *cur.Title
		}
		meta.IsCompleted = cur.IsCompleted
		for _, msg := range cur.Messages {
			if msg.Role == domain.RoleUser {
				meta.Turns++
			}
		}
	}
	return meta
}

// sendable checks that id names the current conversation. Replies are only
// applied to the current conversation, so a listed but unloaded id is
// rejected before anything is sent.
func sendable(s State, id string) *Error {
	if !s.owns(id) {
		return newError(ErrorNotFound, "Conversation not found", nil)
	}
	if s.Current == nil || s.Current.ID != id {
		return newError(ErrorValidation, "conversation is not loaded", nil)
	}
	return nil
}

var newUUID = func() string {
	return uuid.NewString()
}

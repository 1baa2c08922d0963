package usecase

import (
	"sync"

	"metra-client/internal/domain"
	"metra-client/internal/schema"
)

// Phase is the streaming state of the session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStreaming
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseStreaming:
		return "streaming"
	case PhaseError:
		return "error"
	default:
		return "idle"
	}
}

// StreamingState tracks the in-flight assistant message. It is zero when no
// stream is running.
type StreamingState struct {
	ConversationID string
	MessageID      string
	Buffer         string
}

// State is an immutable snapshot of the session. Slices and the current
// conversation are never modified after a snapshot is published.
type State struct {
	Conversations   []domain.ConversationSummary
	Current         *domain.Conversation
	Phase           Phase
	Streaming       StreamingState
	LastError       string
	Schema          domain.TaskSchema
	Dialogue        schema.Dialogue
	Loading         bool
	TaskDefinition  *domain.TaskDefinition
	Recommendations []domain.ModelRecommendation
}

func (s State) IsStreaming() bool {
	return s.Phase == PhaseStreaming
}

// owns reports whether id is the current conversation or in the cached list.
func (s State) owns(id string) bool {
	if s.Current != nil && s.Current.ID == id {
		return true
	}
	for _, c := range s.Conversations {
		if c.ID == id {
			return true
		}
	}
	return false
}

type action interface{ isAction() }

type (
	actLoading             struct{}
	actFailed              struct{ reason string }
	actClearError          struct{}
	actReset               struct{}
	actConversationsLoaded struct{ list []domain.ConversationSummary }
	actConversationCreated struct{ conv *domain.Conversation }
	actConversationLoaded  struct {
		conv     *domain.Conversation
		dialogue schema.Dialogue
	}
	actMessagesAppended struct {
		conversationID string
		msgs           []domain.Message
	}
	actStreamStarted struct {
		user, placeholder domain.Message
	}
	actStreamAppended struct{ text string }
	actStreamFinished struct{ body domain.Body }
	actStreamFailed   struct{ reason string }
	actCompleted      struct{ conversationID string }
	actSchemaStored   struct{ schema domain.TaskSchema }
	actDialogue       struct{ ev schema.Event }
	actTaskDefinition struct{ td *domain.TaskDefinition }
	actRecommended    struct{ recs []domain.ModelRecommendation }
)

func (actLoading) isAction()             {}
func (actFailed) isAction()              {}
func (actClearError) isAction()          {}
func (actReset) isAction()               {}
func (actConversationsLoaded) isAction() {}
func (actConversationCreated) isAction() {}
func (actConversationLoaded) isAction()  {}
func (actMessagesAppended) isAction()    {}
func (actStreamStarted) isAction()       {}
func (actStreamAppended) isAction()      {}
func (actStreamFinished) isAction()      {}
func (actStreamFailed) isAction()        {}
func (actCompleted) isAction()           {}
func (actSchemaStored) isAction()        {}
func (actDialogue) isAction()            {}
func (actTaskDefinition) isAction()      {}
func (actRecommended) isAction()         {}

// reduce returns the state after a. It never mutates s.
func reduce(s State, a action) State {
	switch a := a.(type) {
	case actLoading:
		s.Loading = true
		s.LastError = ""
	case actFailed:
		s.Loading = false
		s.LastError = a.reason
	case actClearError:
		s.LastError = ""
		if s.Phase == PhaseError {
			s.Phase = PhaseIdle
		}
	case actReset:
		return State{}
	case actConversationsLoaded:
		s.Loading = false
		s.Conversations = append([]domain.ConversationSummary(nil), a.list...)
	case actConversationCreated:
		s.Loading = false
		s.Current = a.conv
		s.Conversations = append([]domain.ConversationSummary{a.conv.Summary()}, s.Conversations...)
		s.Schema = nil
		s.Dialogue = schema.Dialogue{}
		s.TaskDefinition = nil
		s.Recommendations = nil
	case actConversationLoaded:
		s.Loading = false
		s.Current = a.conv
		if a.conv.IsCompleted {
			s.Conversations = withCompleted(s.Conversations, a.conv.ID)
		}
		s.Dialogue = a.dialogue
		s.Schema = nil
		if a.dialogue.State != schema.Gathering {
			s.Schema = a.dialogue.Proposed
		}
		s.TaskDefinition = nil
		s.Recommendations = nil
	case actMessagesAppended:
		s.Loading = false
		if s.Current != nil && s.Current.ID == a.conversationID {
			cur := s.Current.Clone()
			cur.Messages = append(cur.Messages, a.msgs...)
			s.Current = cur
			s.Conversations = withMessageCount(s.Conversations, cur)
		}
	case actStreamStarted:
		s.Phase = PhaseStreaming
		s.LastError = ""
		s.Streaming = StreamingState{ConversationID: a.placeholder.ConversationID, MessageID: a.placeholder.ID}
		if s.Current != nil && s.Current.ID == a.placeholder.ConversationID {
			cur := s.Current.Clone()
			cur.Messages = append(cur.Messages, a.user, a.placeholder)
			s.Current = cur
			s.Conversations = withMessageCount(s.Conversations, cur)
		}
	case actStreamAppended:
		s.Streaming.Buffer += a.text
		s = withStreamingContent(s, nil)
	case actStreamFinished:
		s = withStreamingContent(s, &a.body)
		s.Phase = PhaseIdle
		s.Streaming = StreamingState{}
	case actStreamFailed:
		s.Phase = PhaseError
		s.LastError = a.reason
		s.Streaming = StreamingState{}
	case actCompleted:
		if s.Current != nil && s.Current.ID == a.conversationID && !s.Current.IsCompleted {
			cur := s.Current.Clone()
			cur.IsCompleted = true
			s.Current = cur
		}
		s.Conversations = withCompleted(s.Conversations, a.conversationID)
	case actSchemaStored:
		s.Schema = a.schema
	case actDialogue:
		s.Dialogue = s.Dialogue.Apply(a.ev)
		if s.Dialogue.State != schema.Gathering {
			s.Schema = s.Dialogue.Proposed
		}
	case actTaskDefinition:
		s.Loading = false
		s.TaskDefinition = a.td
	case actRecommended:
		s.Loading = false
		s.Recommendations = append([]domain.ModelRecommendation(nil), a.recs...)
	}
	return s
}

// withStreamingContent writes the stream buffer into the in-flight message
// and, when body is non-nil, freezes it with that classification.
func withStreamingContent(s State, body *domain.Body) State {
	if s.Current == nil || s.Current.ID != s.Streaming.ConversationID {
		return s
	}
	cur := s.Current.Clone()
	for i := len(cur.Messages) - 1; i >= 0; i-- {
		if cur.Messages[i].ID != s.Streaming.MessageID {
			continue
		}
		cur.Messages[i].Content = s.Streaming.Buffer
		if body != nil {
			cur.Messages[i].Body = *body
		}
		break
	}
	s.Current = cur
	return s
}

func withMessageCount(list []domain.ConversationSummary, c *domain.Conversation) []domain.ConversationSummary {
	out := append([]domain.ConversationSummary(nil), list...)
	for i := range out {
		if out[i].ID == c.ID {
			out[i].MessageCount = len(c.Messages)
		}
	}
	return out
}

func withCompleted(list []domain.ConversationSummary, id string) []domain.ConversationSummary {
	out := append([]domain.ConversationSummary(nil), list...)
	for i := range out {
		if out[i].ID == id {
			out[i].IsCompleted = true
		}
	}
	return out
}

// store serializes actions and fans snapshots out to subscribers.
type store struct {
	mu    sync.Mutex
	state State

	subMu   sync.Mutex
	subs    map[int]func(State)
	nextSub int
}

func newStore() *store {
	return &store{subs: map[int]func(State){}}
}

func (s *store) snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *store) dispatch(a action) State {
	next, _ := s.dispatchIf(nil, a)
	return next
}

// dispatchIf applies a only if guard (checked under the same lock) returns nil.
func (s *store) dispatchIf(guard func(State) error, a action) (State, error) {
	s.mu.Lock()
	if guard != nil {
		if err := guard(s.state); err != nil {
			cur := s.state
			s.mu.Unlock()
			return cur, err
		}
	}
	s.state = reduce(s.state, a)
	next := s.state
	s.mu.Unlock()

	s.notify(next)
	return next, nil
}

func (s *store) subscribe(fn func(State)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *store) notify(st State) {
	s.subMu.Lock()
	fns := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

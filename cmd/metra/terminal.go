package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"metra-client/internal/domain"
	"metra-client/internal/schema"
	"metra-client/internal/usecase"
)

const helpText = `Commands:
  /new [title]     start a new conversation
  /list            list your conversations
  /load <id>       switch to a conversation
  /schema          show the current task schema
  /extract         re-read the schema from the conversation
  /confirm         confirm the proposed schema
  /task <name>     save the task definition
  /recommend       suggest models for the confirmed schema
  /quit            exit
Anything else is sent as a message.`

// terminal drives a Manager from line input and echoes streamed replies
// as they arrive.
type terminal struct {
	m   *usecase.Manager
	in  *bufio.Scanner
	out io.Writer

	mu      sync.Mutex
	printed int
}

func newTerminal(m *usecase.Manager, in *bufio.Scanner, out io.Writer) *terminal {
	return &terminal{m: m, in: in, out: out}
}

// onState prints the part of the streaming buffer not yet shown.
func (t *terminal) onState(s usecase.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !s.IsStreaming() {
		t.printed = 0
		return
	}
	if buf := s.Streaming.Buffer; len(buf) > t.printed {
		fmt.Fprint(t.out, buf[t.printed:])
		t.printed = len(buf)
	}
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

func (t *terminal) run(ctx context.Context) error {
	if err := t.newConversation(ctx, nil); err != nil {
		return err
	}
	t.printf("Type a message, or /help for commands.\n")
	for {
		t.printf("> ")
		if !t.in.Scan() {
			return t.in.Err()
		}
		line := strings.TrimSpace(t.in.Text())
		if line == "" {
			continue
		}
		if t.handle(ctx, line) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// handle runs one input line and reports whether to quit.
func (t *terminal) handle(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	var err error
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		t.printf("%s\n", helpText)
	case "/new":
		var title *string
		if arg != "" {
			title = &arg
		}
		err = t.newConversation(ctx, title)
	case "/list":
		err = t.list(ctx)
	case "/load":
		err = t.load(ctx, arg)
	case "/schema":
		t.showSchema()
	case "/extract":
		if _, err = t.m.ExtractSchema(); err == nil {
			t.showSchema()
		}
	case "/confirm":
		if _, err = t.m.ConfirmSchema(ctx); err == nil {
			t.printf("Schema confirmed.\n")
			t.showCompletion()
		}
	case "/task":
		err = t.createTask(ctx, arg)
	case "/recommend":
		err = t.recommend(ctx)
	default:
		err = t.send(ctx, line)
	}
	if err != nil {
		t.showError(err)
	}
	return false
}

func (t *terminal) current() (*domain.Conversation, error) {
	if cur := t.m.State().Current; cur != nil {
		return cur, nil
	}
	return nil, &usecase.Error{Code: usecase.ErrorValidation, Reason: "no conversation selected"}
}

func (t *terminal) newConversation(ctx context.Context, title *string) error {
	conv, err := t.m.CreateConversation(ctx, title)
	if err != nil {
		return err
	}
	t.printf("[%s]\n", conv.ID)
	if n := len(conv.Messages); n > 0 {
		t.printf("%s\n", conv.Messages[n-1].Content)
	}
	return nil
}

func (t *terminal) list(ctx context.Context) error {
	list, err := t.m.LoadConversations(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		t.printf("No conversations yet.\n")
	}
	for _, c := range list {
		title := "(untitled)"
		if c.Title != nil {
			title = *c.Title
		}
		status := ""
		if c.IsCompleted {
			status = " completed"
		}
		t.printf("%s  %s  %d messages%s\n", c.ID, title, c.MessageCount, status)
	}
	return nil
}

func (t *terminal) load(ctx context.Context, id string) error {
	conv, err := t.m.LoadConversation(ctx, id)
	if err != nil {
		return err
	}
	for _, msg := range conv.Messages {
		t.printf("%s: %s\n", msg.Role, msg.Content)
	}
	t.printf("Dialogue: %s\n", t.m.State().Dialogue.State)
	return nil
}

func (t *terminal) send(ctx context.Context, content string) error {
	cur, err := t.current()
	if err != nil {
		return err
	}
	_, err = t.m.SendMessageStream(ctx, cur.ID, content)
	t.printf("\n")
	if err != nil {
		return err
	}
	if t.m.State().Dialogue.State == schema.ProposedSchema {
		t.printf("A task schema was proposed. Reply to refine it, or /confirm.\n")
	}
	t.showCompletion()
	return nil
}

func (t *terminal) createTask(ctx context.Context, name string) error {
	cur, err := t.current()
	if err != nil {
		return err
	}
	td, err := t.m.CreateTaskDefinition(ctx, cur.ID, name, nil)
	if err != nil {
		return err
	}
	t.printf("Task definition %q saved (%s).\n", td.Name, td.ID)
	return nil
}

func (t *terminal) recommend(ctx context.Context) error {
	recs, err := t.m.RecommendModels(ctx)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		t.printf("No recommendations.\n")
	}
	for _, r := range recs {
		t.printf("%s  %s  downloads=%d likes=%d\n", r.ModelID, r.ModelName, r.Downloads, r.Likes)
	}
	return nil
}

func (t *terminal) showSchema() {
	st := t.m.State()
	if len(st.Schema) == 0 {
		t.printf("No schema yet (%s).\n", st.Dialogue.State)
		return
	}
	b, err := json.MarshalIndent(st.Schema, "", "  ")
	if err != nil {
		t.showError(err)
		return
	}
	t.printf("%s (%s)\n", b, st.Dialogue.State)
}

func (t *terminal) showCompletion() {
	if cur := t.m.State().Current; cur != nil && cur.IsCompleted {
		t.printf("Conversation completed.\n")
	}
}

func (t *terminal) showError(err error) {
	reason := err.Error()
	var ue *usecase.Error
	if errors.As(err, &ue) {
		reason = ue.Reason
	}
	t.printf("error: %s\n", reason)
	t.m.ClearError()
}

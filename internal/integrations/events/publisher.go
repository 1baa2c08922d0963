// Package events publishes task-definition dialogue transitions to NATS so
// downstream services (training, recommendation warmers) can react.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"metra-client/internal/domain"
	"metra-client/internal/schema"
)

const (
	SubjectSchemaProposed  = "metra.dialogue.schema_proposed"
	SubjectSchemaConfirmed = "metra.dialogue.schema_confirmed"
	SubjectCompleted       = "metra.conversation.completed"
)

// DialogueEvent is the payload of every subject.
type DialogueEvent struct {
	ConversationID string            `json:"conversation_id"`
	State          string            `json:"state"`
	Schema         domain.TaskSchema `json:"schema,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
}

// conn is the part of *nats.Conn the publisher needs.
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

type Publisher struct {
	conn   conn
	logger *slog.Logger
	now    func() time.Time
}

// Connect dials NATS with reconnects enabled. token may be empty.
func Connect(url, token string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if url == "" {
		return nil, errors.New("events: nats url must not be empty")
	}
	opts := []nats.Option{
		nats.Name("metra-client"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("events: nats connect: %w", err)
	}
	return newPublisher(nc, logger), nil
}

func newPublisher(c conn, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: c, logger: logger, now: time.Now}
}

// DialogueChanged publishes the dialogue's current state. Gathering is not
// published.
func (p *Publisher) DialogueChanged(_ context.Context, conversationID string, d schema.Dialogue) error {
	var subject string
	switch d.State {
	case schema.ProposedSchema:
		subject = SubjectSchemaProposed
	case schema.Confirmed:
		subject = SubjectSchemaConfirmed
	default:
		return nil
	}
	return p.publish(subject, DialogueEvent{
		ConversationID: conversationID,
		State:          d.State.String(),
		Schema:         d.Proposed,
		OccurredAt:     p.now().UTC(),
	})
}

// ConversationCompleted publishes that a conversation was marked completed.
func (p *Publisher) ConversationCompleted(_ context.Context, conversationID string) error {
	return p.publish(SubjectCompleted, DialogueEvent{
		ConversationID: conversationID,
		State:          schema.Confirmed.String(),
		OccurredAt:     p.now().UTC(),
	})
}

func (p *Publisher) publish(subject string, ev DialogueEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", subject, err)
	}
	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("events: publish %s: %w", subject, err)
	}
	p.logger.Debug("dialogue event published", "subject", subject, "conversation_id", ev.ConversationID)
	return nil
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("nats drain failed", "error", err)
	}
}

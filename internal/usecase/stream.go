package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"metra-client/internal/domain"
	"metra-client/internal/schema"
	"metra-client/internal/sse"
)

var errIdleTimeout = errors.New("no stream data within idle timeout")

// SendMessageStream posts content and applies the streamed reply to the
// current conversation fragment by fragment. It is rejected with
// ErrorStreamInFlight while another stream runs. On failure the partial
// reply is kept and the phase moves to PhaseError.
func (m *Manager) SendMessageStream(ctx context.Context, conversationID, content string) (*domain.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, m.fail(newError(ErrorValidation, "message content is required", nil))
	}

	user := m.newMessage(conversationID, domain.RoleUser, content)
	placeholder := domain.Message{
		ID:             newUUID(),
		ConversationID: conversationID,
		Role:           domain.RoleAssistant,
		CreatedAt:      domain.NewTimestamp(m.now()),
	}
	_, err := m.store.dispatchIf(func(s State) error {
		if s.Phase == PhaseStreaming {
			return newError(ErrorStreamInFlight, "a reply is already streaming", nil)
		}
		if err := sendable(s, conversationID); err != nil {
			return err
		}
		return nil
	}, actStreamStarted{user: user, placeholder: placeholder})
	if err != nil {
		var ue *Error
		if errors.As(err, &ue) && ue.Code == ErrorStreamInFlight {
			m.logger.Warn("stream rejected", "conversation_id", conversationID, "reason", ue.Reason)
			return nil, ue
		}
		return nil, m.fail(ue)
	}

	text, err := m.consume(ctx, conversationID, content)
	if err != nil {
		var ue *Error
		if !errors.As(err, &ue) {
			ue = newError(ErrorStream, err.Error(), err)
		}
		m.store.dispatch(actStreamFailed{reason: ue.Reason})
		m.logger.Warn("stream failed", "conversation_id", conversationID, "code", ue.Code, "reason", ue.Reason, "received", len(text))
		return nil, ue
	}

	body := schema.Classify(text)
	st := m.store.dispatch(actStreamFinished{body: body})
	reply := placeholder
	reply.Content = text
	reply.Body = body
	if st.Current != nil {
		for _, msg := range st.Current.Messages {
			if msg.ID == placeholder.ID {
				reply = msg
			}
		}
	}
	m.logger.Info("stream finished", "conversation_id", conversationID, "message_id", reply.ID, "structured", body.Structured())

	m.afterReply(ctx, conversationID, content, user, reply)
	return &reply, nil
}

// consume opens the stream and applies frames until [DONE]. It returns the
// text applied so far, also on error.
func (m *Manager) consume(parent context.Context, conversationID, content string) (string, error) {
	ctx := parent
	if m.streamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.streamTimeout)
		defer cancel()
	}
	ctx, cancelCause := context.WithCancelCause(ctx)
	defer cancelCause(nil)

	var idle *time.Timer
	if m.idleTimeout > 0 {
		idle = time.AfterFunc(m.idleTimeout, func() { cancelCause(errIdleTimeout) })
		defer idle.Stop()
	}

	body, err := m.api.OpenMessageStream(ctx, conversationID, content)
	if err != nil {
		if ctxErr := streamContextError(ctx); ctxErr != nil {
			return "", ctxErr
		}
		return "", fromAPI(err, "Failed to send message")
	}
	defer func() { _ = body.Close() }()
	// Unblocks a pending Read on cancellation for bodies not tied to ctx.
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer stop()

	var applied strings.Builder
	dec := sse.NewDecoder(body)
	for {
		frame, err := dec.Next()
		if err != nil {
			if ctxErr := streamContextError(ctx); ctxErr != nil {
				return applied.String(), ctxErr
			}
			if errors.Is(err, io.EOF) {
				return applied.String(), newError(ErrorStream, "stream closed before completion", nil)
			}
			return applied.String(), newError(ErrorStream, "connection lost", err)
		}
		if idle != nil {
			idle.Reset(m.idleTimeout)
		}

		switch frame.Kind {
		case sse.FrameDone:
			return applied.String(), nil
		case sse.FrameError:
			return applied.String(), newError(ErrorStream, frame.Text, nil)
		case sse.FrameInvalid:
			m.logger.Warn("skipping malformed stream frame", "conversation_id", conversationID, "raw", frame.Raw, "error", frame.Err)
		case sse.FrameFragment:
			if err := m.applyFragment(ctx, frame.Text, &applied); err != nil {
				return applied.String(), err
			}
		}
	}
}

// applyFragment appends text to the in-flight message, either whole or one
// rune at a time when a typing delay is configured.
func (m *Manager) applyFragment(ctx context.Context, text string, applied *strings.Builder) error {
	if m.typingDelay <= 0 {
		applied.WriteString(text)
		m.store.dispatch(actStreamAppended{text: text})
		return nil
	}
	for _, r := range text {
		applied.WriteRune(r)
		m.store.dispatch(actStreamAppended{text: string(r)})
		select {
		case <-time.After(m.typingDelay):
		case <-ctx.Done():
			return streamContextError(ctx)
		}
	}
	return nil
}

// streamContextError maps a finished stream context to a stream error, or
// nil when ctx is still live.
func streamContextError(ctx context.Context) *Error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errIdleTimeout):
		return newError(ErrorStream, "stream stalled", cause)
	case errors.Is(cause, context.DeadlineExceeded):
		return newError(ErrorStream, "stream timed out", cause)
	default:
		return newError(ErrorStream, fmt.Sprintf("stream cancelled: %v", cause), cause)
	}
}

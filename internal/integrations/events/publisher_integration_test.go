//go:build integration

package events

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"metra-client/internal/domain"
	"metra-client/internal/schema"
)

func skipWithoutNATS(t *testing.T) string {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping integration test")
	}
	return url
}

func TestIntegration_SchemaConfirmed(t *testing.T) {
	url := skipWithoutNATS(t)

	sub, err := nats.Connect(url)
	require.NoError(t, err)
	defer sub.Close()

	received := make(chan DialogueEvent, 1)
	_, err = sub.Subscribe("metra.dialogue.>", func(msg *nats.Msg) {
		var ev DialogueEvent
		if json.Unmarshal(msg.Data, &ev) == nil {
			received <- ev
		}
	})
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	pub, err := Connect(url, os.Getenv("NATS_TOKEN"), nil)
	require.NoError(t, err)
	defer pub.Close()

	d := schema.Dialogue{State: schema.Confirmed, Proposed: domain.TaskSchema{"task_type": "ner"}}
	require.NoError(t, pub.DialogueChanged(context.Background(), "conv-int", d))

	select {
	case ev := <-received:
		require.Equal(t, "conv-int", ev.ConversationID)
		require.Equal(t, "confirmed", ev.State)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for dialogue event")
	}
}

//go:build integration

package conversation

import (
	"context"
	"os"
	"testing"
	"time"
)

// These tests require real credentials and make actual API calls.
// Run with: go test -tags=integration -v ./pkg/conversation/...

func TestElevenLabsIntegration(t *testing.T) {
	apiKey := os.Getenv("ELEVENLABS_API_KEY")
	agentID := os.Getenv("TUTOR_AGENT_ID")

	if agentID == "" {
		t.Skip("TUTOR_AGENT_ID required")
	}

	t.Run("connect receives metadata", func(t *testing.T) {
		e, err := NewElevenLabs(
			WithAPIKey(apiKey),
			WithAgentID(agentID),
		)
		if err != nil {
			t.Fatalf("failed to create transport: %v", err)
		}

		metadata := make(chan *ConversationMetadataEvent, 1)
		e.OnEvent(func(ev Event) {
			if md, ok := ev.(*ConversationMetadataEvent); ok {
				metadata <- md
			}
		})

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := e.Connect(ctx); err != nil {
			t.Fatalf("failed to connect: %v", err)
		}
		defer e.Close()

		select {
		case md := <-metadata:
			if md.ConversationID == "" {
				t.Error("expected a conversation id")
			}
			if md.AgentOutputFormat != DefaultOutputFormat {
				t.Errorf("expected %s output, got %s", DefaultOutputFormat, md.AgentOutputFormat)
			}
		case <-ctx.Done():
			t.Fatal("no initiation metadata received")
		}

		if err := e.SendAudio(make([]byte, 2048)); err != nil {
			t.Errorf("send silence: %v", err)
		}
	})

	t.Run("signed url", func(t *testing.T) {
		if apiKey == "" {
			t.Skip("ELEVENLABS_API_KEY required")
		}
		c, err := NewAPIClient(apiKey)
		if err != nil {
			t.Fatal(err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		signed, err := c.GetSignedURL(ctx, agentID)
		if err != nil {
			t.Fatalf("get signed url: %v", err)
		}

		e, err := NewElevenLabs(WithSignedURL(signed))
		if err != nil {
			t.Fatal(err)
		}
		if err := e.Connect(ctx); err != nil {
			t.Fatalf("connect with signed url: %v", err)
		}
		e.Close()
	})
}

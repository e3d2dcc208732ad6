package engine

import (
	"context"
	"fmt"

	"github.com/teslashibe/go-tutor/pkg/conversation"
)

// ElevenLabsFactory returns a factory dialing the public agent endpoint.
// opts apply to every session; the agent ID is added per session.
func ElevenLabsFactory(opts ...conversation.Option) TransportFactory {
	return func(ctx context.Context, agentID string) (conversation.Transport, error) {
		all := append(append([]conversation.Option(nil), opts...), conversation.WithAgentID(agentID))
		return conversation.NewElevenLabs(all...)
	}
}

// SignedURLFactory returns a factory for private agents. Each session
// fetches a fresh signed URL through api before dialing.
func SignedURLFactory(api *conversation.APIClient, opts ...conversation.Option) TransportFactory {
	return func(ctx context.Context, agentID string) (conversation.Transport, error) {
		signed, err := api.GetSignedURL(ctx, agentID)
		if err != nil {
			return nil, fmt.Errorf("get signed url: %w", err)
		}
		all := append(append([]conversation.Option(nil), opts...),
			conversation.WithAgentID(agentID),
			conversation.WithSignedURL(signed),
		)
		return conversation.NewElevenLabs(all...)
	}
}

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/teslashibe/go-tutor/internal/httpc"
)

// ErrAgentNotFound indicates the agent does not exist or is not visible
// to the API key.
var ErrAgentNotFound = errors.New("conversation: agent not found")

// Agent is the subset of the agent resource the engine uses.
type Agent struct {
	AgentID            string `json:"agent_id"`
	Name               string `json:"name"`
	ConversationConfig struct {
		Agent struct {
			FirstMessage string `json:"first_message"`
			Language     string `json:"language"`
		} `json:"agent"`
	} `json:"conversation_config"`
}

// APIClient handles REST calls that precede a conversation.
type APIClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// APIOption configures an APIClient.
type APIOption func(*APIClient)

// WithAPIBaseURL overrides the REST endpoint.
func WithAPIBaseURL(u string) APIOption {
	return func(c *APIClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) APIOption {
	return func(c *APIClient) {
		c.httpClient = hc
	}
}

// NewAPIClient creates a REST client authenticated with apiKey.
func NewAPIClient(apiKey string, opts ...APIOption) (*APIClient, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	c := &APIClient{
		apiKey:     apiKey,
		baseURL:    DefaultAPIBaseURL,
		httpClient: httpc.Client,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetSignedURL returns a short-lived conversation URL for a private agent.
// The URL is dialed with WithSignedURL and needs no API key header.
func (c *APIClient) GetSignedURL(ctx context.Context, agentID string) (string, error) {
	if agentID == "" {
		return "", ErrMissingAgentID
	}

	var result struct {
		SignedURL string `json:"signed_url"`
	}
	path := "/convai/conversation/get-signed-url?agent_id=" + url.QueryEscape(agentID)
	if err := c.get(ctx, path, &result); err != nil {
		return "", fmt.Errorf("get signed url: %w", err)
	}
	if result.SignedURL == "" {
		return "", fmt.Errorf("get signed url: %w", NewAPIError(http.StatusOK, "", "empty signed_url in response"))
	}
	return result.SignedURL, nil
}

// GetAgent retrieves an agent by ID.
func (c *APIClient) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	if agentID == "" {
		return nil, ErrMissingAgentID
	}

	var result Agent
	if err := c.get(ctx, "/convai/agents/"+url.PathEscape(agentID), &result); err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &result, nil
}

func (c *APIClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrAgentNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return parseAPIError(resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// parseAPIError reads the service error body, which carries either
// {"detail": "..."} or {"detail": {"status": "...", "message": "..."}}.
func parseAPIError(status int, body []byte) *APIError {
	var wrapper struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && len(wrapper.Detail) > 0 {
		var detail struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(wrapper.Detail, &detail); err == nil && detail.Message != "" {
			return NewAPIError(status, detail.Status, detail.Message)
		}
		var msg string
		if err := json.Unmarshal(wrapper.Detail, &msg); err == nil {
			return NewAPIError(status, "", msg)
		}
	}
	return NewAPIError(status, "", strings.TrimSpace(string(body)))
}

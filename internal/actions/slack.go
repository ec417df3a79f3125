package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

const maxResponseBody = 1 << 20

// SlackNotifier posts messages with the Slack Web API.
type SlackNotifier struct {
	apiURL         string
	defaultChannel string
	client         *http.Client
}

// NewSlackNotifier creates a notifier authenticated with a bot token.
func NewSlackNotifier(ctx context.Context, apiURL, botToken, defaultChannel string) *SlackNotifier {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: botToken, TokenType: "Bearer"})
	return &SlackNotifier{
		apiURL:         strings.TrimRight(apiURL, "/"),
		defaultChannel: defaultChannel,
		client:         oauth2.NewClient(ctx, ts),
	}
}

type slackResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Channel string `json:"channel"`
	TS      string `json:"ts"`
}

// Execute sends params["message"] to params["channel"], or the default channel.
func (s *SlackNotifier) Execute(ctx context.Context, teamID string, params map[string]any) (map[string]any, error) {
	text, _ := params["message"].(string)
	if text == "" {
		return nil, &IntegrationError{Kind: KindRejected, Message: "message is required"}
	}
	channel, _ := params["channel"].(string)
	if channel == "" {
		channel = s.defaultChannel
	}
	if channel == "" {
		return nil, &IntegrationError{Kind: KindRejected, Message: "no channel configured"}
	}

	body, err := json.Marshal(map[string]string{"channel": channel, "text": text})
	if err != nil {
		return nil, fmt.Errorf("marshal slack message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+"/chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("slack request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read slack response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, "slack chat.postMessage")
	}

	var out slackResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode slack response: %w", err)
	}
	if !out.OK {
		return nil, &IntegrationError{Kind: slackErrorKind(out.Error), Message: out.Error}
	}
	return map[string]any{"channel": out.Channel, "ts": out.TS}, nil
}

func slackErrorKind(code string) ErrorKind {
	switch code {
	case "not_authed", "invalid_auth", "account_inactive", "token_revoked", "token_expired", "missing_scope":
		return KindAuth
	case "ratelimited", "rate_limited":
		return KindRateLimited
	default:
		return KindRejected
	}
}

package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/compass/internal/hermes"
)

const defaultPostMessageURL = "https://slack.com/api/chat.postMessage"

// Poster sends security alerts to a Slack channel.
type Poster struct {
	token   string
	channel string
	client  *http.Client
	logger  *slog.Logger
	apiURL  string
}

func NewPoster(token, channel string, logger *slog.Logger) *Poster {
	return &Poster{
		token:   token,
		channel: channel,
		client:  &http.Client{Timeout: 5 * time.Second},
		apiURL:  defaultPostMessageURL,
		logger:  logger,
	}
}

// Publish posts ownership violations and ignores every other subject, so a
// Poster can sit beside the NATS client as an event sink.
func (p *Poster) Publish(subject string, data any) error {
	if subject != hermes.SubjectOwnershipViolation {
		return nil
	}
	evt, ok := data.(hermes.OwnershipViolation)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", data, subject)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.PostSecurityAlert(ctx, evt)
}

// PostSecurityAlert posts one ownership violation to the channel.
func (p *Poster) PostSecurityAlert(ctx context.Context, evt hermes.OwnershipViolation) error {
	text := formatAlert(evt)

	body, err := json.Marshal(map[string]any{
		"channel": p.channel,
		"text":    text,
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": text,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var slackResp struct {
		OK    bool   `json:"ok"`
		TS    string `json:"ts"`
		Error string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(respBody, &slackResp); err != nil {
		return fmt.Errorf("parse slack response: %w", err)
	}
	if !slackResp.OK {
		return fmt.Errorf("slack error: %s", slackResp.Error)
	}

	p.logger.Info("posted security alert to slack", "ts", slackResp.TS, "session_id", evt.SessionID)
	return nil
}

func formatAlert(evt hermes.OwnershipViolation) string {
	var sb strings.Builder

	sb.WriteString(":rotating_light: *Session ownership violation*\n")
	fmt.Fprintf(&sb, "*Caller:* %s\n", evt.CallerID)
	fmt.Fprintf(&sb, "*Session:* `%s`\n", redact(evt.SessionID))
	fmt.Fprintf(&sb, "*Operation:* %s\n", evt.Operation)
	fmt.Fprintf(&sb, "*At:* %s\n\n", evt.Timestamp)
	sb.WriteString("_The session id may have leaked or been tampered with._")

	return sb.String()
}

// redact keeps only the first 8 characters of a session id.
func redact(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "…"
}

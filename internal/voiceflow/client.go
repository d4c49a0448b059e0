package voiceflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/MikeSquared-Agency/compass/internal/transport"
)

const DefaultBaseURL = "https://general-runtime.voiceflow.com"

// Credentials address one agent project on the Dialog Manager API.
type Credentials struct {
	APIKey    string
	ProjectID string
	VersionID string
	BaseURL   string
}

// Action is the request payload sent to the interact endpoint. Exactly one
// of Text or Raw should be set.
type Action struct {
	Text string
	Raw  json.RawMessage
}

// StatusError is a non-2xx reply from the agent service.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("voiceflow api error %d", e.Status)
}

type Client struct {
	creds     Credentials
	transport *transport.Retrying
}

// NewClient trims the credentials the same way Guard does, so the key sent
// upstream is the one that was checked.
func NewClient(creds Credentials, t *transport.Retrying) *Client {
	creds.APIKey = strings.TrimSpace(creds.APIKey)
	creds.ProjectID = strings.TrimSpace(creds.ProjectID)
	creds.VersionID = strings.TrimSpace(creds.VersionID)
	if creds.BaseURL == "" {
		creds.BaseURL = DefaultBaseURL
	}
	if creds.VersionID == "" {
		creds.VersionID = "production"
	}
	creds.BaseURL = strings.TrimRight(creds.BaseURL, "/")
	return &Client{creds: creds, transport: t}
}

type interactRequest struct {
	Action json.RawMessage `json:"action"`
	State  *launchState    `json:"state,omitempty"`
}

type launchState struct {
	Variables map[string]any `json:"variables"`
}

// Launch starts (or restarts) the conversation for actorID. Non-empty
// variables are seeded into the conversation state.
func (c *Client) Launch(ctx context.Context, actorID string, variables map[string]any) (json.RawMessage, error) {
	req := interactRequest{Action: json.RawMessage(`{"type":"launch"}`)}
	if len(variables) > 0 {
		req.State = &launchState{Variables: variables}
	}
	return c.interact(ctx, actorID, req)
}

// Interact forwards a text or structured action for actorID.
func (c *Client) Interact(ctx context.Context, actorID string, action Action) (json.RawMessage, error) {
	var raw json.RawMessage
	if len(action.Raw) > 0 {
		raw = action.Raw
	} else {
		b, err := json.Marshal(map[string]string{"type": "text", "payload": action.Text})
		if err != nil {
			return nil, fmt.Errorf("marshal action: %w", err)
		}
		raw = b
	}
	return c.interact(ctx, actorID, interactRequest{Action: raw})
}

// State returns the stored conversation state for actorID unmodified.
func (c *Client) State(ctx context.Context, actorID string) (json.RawMessage, error) {
	resp, err := c.do(ctx, http.MethodGet, c.userURL(actorID), nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(resp.Body), nil
}

// DeleteState removes the remote conversation state for actorID.
func (c *Client) DeleteState(ctx context.Context, actorID string) error {
	_, err := c.do(ctx, http.MethodDelete, c.userURL(actorID), nil)
	return err
}

func (c *Client) interact(ctx context.Context, actorID string, req interactRequest) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, c.userURL(actorID)+"/interact", body)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(resp.Body), nil
}

func (c *Client) do(ctx context.Context, method, u string, body []byte) (*transport.Response, error) {
	header := http.Header{}
	header.Set("Authorization", c.creds.APIKey)
	header.Set("versionID", c.creds.VersionID)
	header.Set("projectID", c.creds.ProjectID)
	header.Set("Accept", "application/json")
	if body != nil {
		header.Set("Content-Type", "application/json")
	}

	resp, err := c.transport.Do(ctx, transport.Request{Method: method, URL: u, Header: header, Body: body})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, &StatusError{Status: resp.Status, Body: resp.Body}
	}
	return resp, nil
}

func (c *Client) userURL(actorID string) string {
	return c.creds.BaseURL + "/state/user/" + url.PathEscape(actorID)
}

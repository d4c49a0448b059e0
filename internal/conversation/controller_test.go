package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/compass/internal/hermes"
	"github.com/MikeSquared-Agency/compass/internal/session"
	"github.com/MikeSquared-Agency/compass/internal/transport"
	"github.com/MikeSquared-Agency/compass/internal/voiceflow"
)

var validCreds = voiceflow.Credentials{
	APIKey:    "VF.DM.653f1a2b3c4d5e6f7a8b9c0d.Qw3rTy7UiOp9AsDfGh",
	ProjectID: "proj-1",
	VersionID: "production",
}

type fakeAgent struct {
	calls        []string
	launchResp   json.RawMessage
	interactResp json.RawMessage
	stateResp    json.RawMessage
	err          error
	deleteErr    error

	lastActor  string
	lastAction voiceflow.Action
	lastVars   map[string]any
}

func (f *fakeAgent) Launch(_ context.Context, actorID string, vars map[string]any) (json.RawMessage, error) {
	f.calls = append(f.calls, "launch")
	f.lastActor, f.lastVars = actorID, vars
	if f.err != nil {
		return nil, f.err
	}
	if f.launchResp == nil {
		return json.RawMessage(`[{"type":"text","payload":{"message":"Welcome!"}}]`), nil
	}
	return f.launchResp, nil
}

func (f *fakeAgent) Interact(_ context.Context, actorID string, action voiceflow.Action) (json.RawMessage, error) {
	f.calls = append(f.calls, "interact")
	f.lastActor, f.lastAction = actorID, action
	if f.err != nil {
		return nil, f.err
	}
	if f.interactResp == nil {
		return json.RawMessage(`[]`), nil
	}
	return f.interactResp, nil
}

func (f *fakeAgent) State(_ context.Context, actorID string) (json.RawMessage, error) {
	f.calls = append(f.calls, "state")
	f.lastActor = actorID
	if f.err != nil {
		return nil, f.err
	}
	return f.stateResp, nil
}

func (f *fakeAgent) DeleteState(_ context.Context, actorID string) error {
	f.calls = append(f.calls, "delete")
	f.lastActor = actorID
	return f.deleteErr
}

type published struct {
	subject string
	data    any
}

type recordingPublisher struct {
	events []published
}

func (p *recordingPublisher) Publish(subject string, data any) error {
	p.events = append(p.events, published{subject, data})
	return nil
}

func (p *recordingPublisher) subjects() []string {
	var out []string
	for _, e := range p.events {
		out = append(out, e.subject)
	}
	return out
}

type stubProfiles struct {
	vars map[string]any
	err  error
}

func (s stubProfiles) ProfileVariables(context.Context, string) (map[string]any, error) {
	return s.vars, s.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	c      *Controller
	agent  *fakeAgent
	store  *session.MemoryStore
	events *recordingPublisher
}

func newHarness(creds voiceflow.Credentials) *harness {
	h := &harness{
		agent:  &fakeAgent{},
		store:  session.NewMemoryStore(),
		events: &recordingPublisher{},
	}
	h.c = New(h.store, h.agent, creds, nil, h.events, testLogger())
	n := 0
	h.c.newID = func() string {
		n++
		return fmt.Sprintf("sess-%d", n)
	}
	h.c.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return h
}

// seed binds id to owner directly in the store.
func (h *harness) seed(t *testing.T, id, owner string) session.Session {
	t.Helper()
	s := session.Session{ID: id, OwnerID: owner, ExternalActorID: session.ExternalActorID(owner), CreatedAt: time.Now()}
	if err := h.store.Create(context.Background(), s); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return s
}

func TestInitialize_Unauthenticated(t *testing.T) {
	h := newHarness(validCreds)

	_, err := h.c.Initialize(context.Background(), "", "")
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
	if len(h.agent.calls) != 0 || h.store.Len() != 0 {
		t.Error("expected no side effects")
	}
}

func TestInitialize_NewSession(t *testing.T) {
	h := newHarness(validCreds)

	res, err := h.c.Initialize(context.Background(), "user-a", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.SessionID != "sess-1" {
		t.Errorf("expected sess-1, got %q", res.SessionID)
	}
	if res.ExternalActorID != "traveler:user-a" {
		t.Errorf("expected traveler:user-a, got %q", res.ExternalActorID)
	}
	if !reflect.DeepEqual(res.Messages, []string{"Welcome!"}) || !reflect.DeepEqual(res.AudioRefs, []string{""}) {
		t.Errorf("unexpected normalized result %+v", res.Result)
	}
	if h.agent.lastActor != "traveler:user-a" {
		t.Errorf("expected launch addressed to actor, got %q", h.agent.lastActor)
	}

	stored, ok, _ := h.store.Get(context.Background(), "sess-1")
	if !ok || stored.OwnerID != "user-a" {
		t.Errorf("expected stored session owned by user-a, got %+v ok=%v", stored, ok)
	}
}

func TestInitialize_ReusesPriorID(t *testing.T) {
	h := newHarness(validCreds)
	ctx := context.Background()

	first, err := h.c.Initialize(ctx, "user-a", "")
	if err != nil {
		t.Fatalf("first initialize: %v", err)
	}
	second, err := h.c.Initialize(ctx, "user-a", first.SessionID)
	if err != nil {
		t.Fatalf("second initialize: %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Errorf("expected same session id, got %q then %q", first.SessionID, second.SessionID)
	}
	if h.store.Len() != 1 {
		t.Errorf("expected 1 stored session, got %d", h.store.Len())
	}
}

func TestInitialize_UnknownPriorIDIsBound(t *testing.T) {
	h := newHarness(validCreds)

	res, err := h.c.Initialize(context.Background(), "user-a", "from-before-restart")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.SessionID != "from-before-restart" {
		t.Errorf("expected prior id to be kept, got %q", res.SessionID)
	}
}

func TestInitialize_ForeignPriorIDNotRebound(t *testing.T) {
	h := newHarness(validCreds)
	owned := h.seed(t, "sess-of-a", "user-a")

	res, err := h.c.Initialize(context.Background(), "user-b", "sess-of-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.SessionID == "sess-of-a" {
		t.Fatal("expected a fresh id instead of rebinding another user's session")
	}

	got, _, _ := h.store.Get(context.Background(), "sess-of-a")
	if got != owned {
		t.Errorf("expected original session untouched, got %+v", got)
	}
	if subs := h.events.subjects(); len(subs) != 1 || subs[0] != hermes.SubjectOwnershipViolation {
		t.Errorf("expected ownership violation event, got %v", subs)
	}
}

func TestInitialize_Misconfigured(t *testing.T) {
	tests := []struct {
		name   string
		creds  voiceflow.Credentials
		reason voiceflow.Reason
	}{
		{"missing key", voiceflow.Credentials{ProjectID: "proj-1"}, voiceflow.ReasonMissingAPIKey},
		{"placeholder key", voiceflow.Credentials{APIKey: "your-api-key-here", ProjectID: "proj-1"}, voiceflow.ReasonPlaceholderAPIKey},
		{"malformed key", voiceflow.Credentials{APIKey: "VF.DM.short", ProjectID: "proj-1"}, voiceflow.ReasonMalformedAPIKey},
		{"missing project", voiceflow.Credentials{APIKey: validCreds.APIKey}, voiceflow.ReasonMissingProjectID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(tt.creds)

			_, err := h.c.Initialize(context.Background(), "user-a", "")
			var cfgErr *voiceflow.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if cfgErr.Reason != tt.reason {
				t.Errorf("expected %s, got %s", tt.reason, cfgErr.Reason)
			}
			if len(cfgErr.Remediation) == 0 {
				t.Error("expected remediation steps")
			}
			if len(h.agent.calls) != 0 {
				t.Errorf("expected no agent calls, got %v", h.agent.calls)
			}
		})
	}
}

func TestInitialize_ProfileVariables(t *testing.T) {
	h := newHarness(validCreds)
	h.c.profiles = stubProfiles{vars: map[string]any{"traveler_name": "Ana"}}

	if _, err := h.c.Initialize(context.Background(), "user-a", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.agent.lastVars["traveler_name"] != "Ana" {
		t.Errorf("expected profile variables on launch, got %v", h.agent.lastVars)
	}
}

func TestInitialize_ProfileLookupFailureTolerated(t *testing.T) {
	h := newHarness(validCreds)
	h.c.profiles = stubProfiles{err: errors.New("db down")}

	if _, err := h.c.Initialize(context.Background(), "user-a", ""); err != nil {
		t.Fatalf("expected lookup failure to be ignored, got %v", err)
	}
	if h.agent.lastVars != nil {
		t.Errorf("expected no variables, got %v", h.agent.lastVars)
	}
}

func TestSubmit_InputValidation(t *testing.T) {
	tests := []struct {
		name      string
		owner     string
		sessionID string
		in        Input
		want      error
	}{
		{"unauthenticated", "", "sess-1", Input{Message: "hi"}, ErrUnauthenticated},
		{"missing session id", "user-a", "", Input{Message: "hi"}, ErrMissingSessionID},
		{"neither message nor action", "user-a", "sess-1", Input{}, ErrMissingInput},
		{"blank message", "user-a", "sess-1", Input{Message: "   "}, ErrMissingInput},
		{"null action", "user-a", "sess-1", Input{Action: json.RawMessage("null")}, ErrMissingInput},
		{"both", "user-a", "sess-1", Input{Message: "hi", Action: json.RawMessage(`{"type":"intent"}`)}, ErrAmbiguousInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(validCreds)
			h.seed(t, "sess-1", "user-a")

			_, err := h.c.Submit(context.Background(), tt.owner, tt.sessionID, tt.in)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if len(h.agent.calls) != 0 {
				t.Errorf("expected no agent calls, got %v", h.agent.calls)
			}
		})
	}
}

func TestIsClientError(t *testing.T) {
	for _, err := range []error{ErrMissingSessionID, ErrMissingInput, ErrAmbiguousInput} {
		if !IsClientError(err) {
			t.Errorf("expected %v to be a client error", err)
		}
	}
	if IsClientError(ErrSessionNotFound) {
		t.Error("expected ErrSessionNotFound not to be a client input error")
	}
}

func TestSubmit_SessionNotFound(t *testing.T) {
	h := newHarness(validCreds)

	_, err := h.c.Submit(context.Background(), "user-a", "ghost", Input{Message: "hi"})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSubmit_Message(t *testing.T) {
	h := newHarness(validCreds)
	h.seed(t, "sess-1", "user-a")
	h.agent.interactResp = json.RawMessage(`[
		{"type":"text","payload":{"message":"hi"}},
		{"type":"speak","payload":{"message":"bye","src":"a.mp3"}}
	]`)

	res, err := h.c.Submit(context.Background(), "user-a", "sess-1", Input{Message: " beach trip "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.agent.lastAction.Text != "beach trip" || h.agent.lastAction.Raw != nil {
		t.Errorf("unexpected action %+v", h.agent.lastAction)
	}
	if !reflect.DeepEqual(res.Messages, []string{"hi", "bye"}) {
		t.Errorf("unexpected messages %v", res.Messages)
	}
	if !reflect.DeepEqual(res.AudioRefs, []string{"", "a.mp3"}) {
		t.Errorf("unexpected audio refs %v", res.AudioRefs)
	}
	if res.IsComplete {
		t.Error("expected isComplete false")
	}
	if string(res.Raw) != string(h.agent.interactResp) {
		t.Error("expected raw batch to be returned")
	}
}

func TestSubmit_Action(t *testing.T) {
	h := newHarness(validCreds)
	h.seed(t, "sess-1", "user-a")

	action := json.RawMessage(`{"type":"path-yes"}`)
	if _, err := h.c.Submit(context.Background(), "user-a", "sess-1", Input{Action: action}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(h.agent.lastAction.Raw) != `{"type":"path-yes"}` || h.agent.lastAction.Text != "" {
		t.Errorf("expected structured action forwarded, got %+v", h.agent.lastAction)
	}
}

func TestSubmit_PublishesCompletionAndProfile(t *testing.T) {
	h := newHarness(validCreds)
	h.seed(t, "sess-1", "user-a")
	h.agent.interactResp = json.RawMessage(`[
		{"type":"profile_data","payload":{"data":{"home_city":"Porto"}}},
		{"type":"end"}
	]`)

	res, err := h.c.Submit(context.Background(), "user-a", "sess-1", Input{Message: "done"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsComplete || res.ExtractedData["home_city"] != "Porto" {
		t.Errorf("unexpected result %+v", res.Result)
	}

	want := []string{hermes.SubjectConversationCompleted, hermes.SubjectProfileExtracted}
	if !reflect.DeepEqual(h.events.subjects(), want) {
		t.Errorf("expected %v, got %v", want, h.events.subjects())
	}
	patch, ok := h.events.events[1].data.(hermes.ProfileExtracted)
	if !ok || patch.OwnerID != "user-a" || patch.Data["home_city"] != "Porto" {
		t.Errorf("unexpected profile event %+v", h.events.events[1].data)
	}
}

func TestSubmit_UpstreamError(t *testing.T) {
	h := newHarness(validCreds)
	h.seed(t, "sess-1", "user-a")
	h.agent.err = &voiceflow.StatusError{Status: http.StatusTooManyRequests, Body: []byte(`rate limited`)}

	_, err := h.c.Submit(context.Background(), "user-a", "sess-1", Input{Message: "hi"})
	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upErr.Status != http.StatusTooManyRequests || string(upErr.Body) != "rate limited" {
		t.Errorf("unexpected upstream error %+v", upErr)
	}
}

func TestSubmit_MalformedUpstream(t *testing.T) {
	h := newHarness(validCreds)
	h.seed(t, "sess-1", "user-a")
	h.agent.interactResp = json.RawMessage(`{"not":"an array"}`)

	_, err := h.c.Submit(context.Background(), "user-a", "sess-1", Input{Message: "hi"})
	if !errors.Is(err, ErrMalformedUpstream) {
		t.Errorf("expected ErrMalformedUpstream, got %v", err)
	}
}

func TestOwnershipInvariant(t *testing.T) {
	ops := map[string]func(c *Controller) error{
		"submit": func(c *Controller) error {
			_, err := c.Submit(context.Background(), "user-b", "sess-a", Input{Message: "hijack"})
			return err
		},
		"state": func(c *Controller) error {
			_, err := c.State(context.Background(), "user-b", "sess-a")
			return err
		},
		"delete": func(c *Controller) error {
			return c.Delete(context.Background(), "user-b", "sess-a")
		},
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			h := newHarness(validCreds)
			before := h.seed(t, "sess-a", "user-a")

			if err := op(h.c); !errors.Is(err, ErrOwnershipViolation) {
				t.Fatalf("expected ErrOwnershipViolation, got %v", err)
			}

			after, ok, _ := h.store.Get(context.Background(), "sess-a")
			if !ok || after != before {
				t.Errorf("expected session unchanged, got %+v ok=%v", after, ok)
			}
			if len(h.agent.calls) != 0 {
				t.Errorf("expected no agent calls, got %v", h.agent.calls)
			}
			if len(h.events.events) != 1 {
				t.Fatalf("expected 1 security event, got %d", len(h.events.events))
			}
			evt, _ := h.events.events[0].data.(hermes.OwnershipViolation)
			if evt.CallerID != "user-b" || evt.Operation != name {
				t.Errorf("unexpected event %+v", evt)
			}
		})
	}
}

func TestState(t *testing.T) {
	h := newHarness(validCreds)
	h.seed(t, "sess-1", "user-a")
	h.agent.stateResp = json.RawMessage(`{"stack":[{"nodeID":"n1"}]}`)

	raw, err := h.c.State(context.Background(), "user-a", "sess-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(raw) != `{"stack":[{"nodeID":"n1"}]}` {
		t.Errorf("expected state unmodified, got %s", raw)
	}
}

func TestDelete_Twice(t *testing.T) {
	h := newHarness(validCreds)
	h.seed(t, "sess-1", "user-a")
	ctx := context.Background()

	if err := h.c.Delete(ctx, "user-a", "sess-1"); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := h.c.Delete(ctx, "user-a", "sess-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound on second delete, got %v", err)
	}
	if !reflect.DeepEqual(h.agent.calls, []string{"delete"}) {
		t.Errorf("expected one remote delete, got %v", h.agent.calls)
	}
}

func TestDelete_NeverCreated(t *testing.T) {
	h := newHarness(validCreds)

	if err := h.c.Delete(context.Background(), "user-a", "ghost"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestDelete_RemoteFailureStillRemovesLocal(t *testing.T) {
	h := newHarness(validCreds)
	h.seed(t, "sess-1", "user-a")
	h.agent.deleteErr = errors.New("dial tcp: i/o timeout")

	err := h.c.Delete(context.Background(), "user-a", "sess-1")
	var tErr *TransportError
	if !errors.As(err, &tErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if _, ok, _ := h.store.Get(context.Background(), "sess-1"); ok {
		t.Error("expected local session removed despite remote failure")
	}
}

func TestDelete_MisconfiguredStillRemovesLocal(t *testing.T) {
	h := newHarness(voiceflow.Credentials{})
	h.seed(t, "sess-1", "user-a")

	err := h.c.Delete(context.Background(), "user-a", "sess-1")
	var cfgErr *voiceflow.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if h.store.Len() != 0 {
		t.Error("expected local session removed")
	}
	if len(h.agent.calls) != 0 {
		t.Errorf("expected no agent calls, got %v", h.agent.calls)
	}
}

type countingDoer struct {
	calls int
}

func (d *countingDoer) Do(*http.Request) (*http.Response, error) {
	d.calls++
	return nil, errors.New("dial tcp: connection refused")
}

func TestInitialize_TransportFailureAfterRetries(t *testing.T) {
	doer := &countingDoer{}
	rt := transport.NewRetrying(doer, testLogger())
	rt.SetDelay(0)
	client := voiceflow.NewClient(validCreds, rt)

	c := New(session.NewMemoryStore(), client, validCreds, nil, nil, testLogger())

	_, err := c.Initialize(context.Background(), "user-a", "")
	var tErr *TransportError
	if !errors.As(err, &tErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if doer.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", doer.calls)
	}
}

type failingPublisher struct{}

func (failingPublisher) Publish(string, any) error { return errors.New("nats: connection closed") }

func TestPublishers_TriesEverySink(t *testing.T) {
	rec := &recordingPublisher{}
	ps := Publishers{failingPublisher{}, rec}

	err := ps.Publish(hermes.SubjectConversationCompleted, hermes.ConversationCompleted{SessionID: "s"})
	if err == nil {
		t.Error("expected joined error from failing sink")
	}
	if len(rec.events) != 1 {
		t.Errorf("expected second sink to receive the event, got %d", len(rec.events))
	}
}

func TestPublishFailureDoesNotFailRequest(t *testing.T) {
	h := newHarness(validCreds)
	h.c.events = failingPublisher{}
	h.seed(t, "sess-1", "user-a")
	h.agent.interactResp = json.RawMessage(`[{"type":"end"}]`)

	if _, err := h.c.Submit(context.Background(), "user-a", "sess-1", Input{Message: "bye"}); err != nil {
		t.Errorf("expected publish failure to be swallowed, got %v", err)
	}
}

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/compass/internal/hermes"
	"github.com/MikeSquared-Agency/compass/internal/session"
	"github.com/MikeSquared-Agency/compass/internal/trace"
	"github.com/MikeSquared-Agency/compass/internal/voiceflow"
)

// Agent is the external conversational-agent service.
type Agent interface {
	Launch(ctx context.Context, actorID string, variables map[string]any) (json.RawMessage, error)
	Interact(ctx context.Context, actorID string, action voiceflow.Action) (json.RawMessage, error)
	State(ctx context.Context, actorID string) (json.RawMessage, error)
	DeleteState(ctx context.Context, actorID string) error
}

// ProfileLookup supplies launch variables from the caller's travel profile.
type ProfileLookup interface {
	ProfileVariables(ctx context.Context, ownerID string) (map[string]any, error)
}

// Publisher emits events for other services.
type Publisher interface {
	Publish(subject string, data any) error
}

// Publishers fans one event out to several sinks. Every sink is tried.
type Publishers []Publisher

func (ps Publishers) Publish(subject string, data any) error {
	var errs []error
	for _, p := range ps {
		if err := p.Publish(subject, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Input is one user turn. Exactly one field must be set.
type Input struct {
	Message string
	Action  json.RawMessage
}

type InitResult struct {
	SessionID       string `json:"sessionId"`
	ExternalActorID string `json:"externalActorId"`
	trace.Result
}

type InteractResult struct {
	trace.Result
	Raw json.RawMessage `json:"raw"`
}

// Controller owns the session lifecycle: it binds session ids to owners,
// enforces that binding on every call, and brokers traffic to the agent.
type Controller struct {
	store    session.Store
	agent    Agent
	creds    voiceflow.Credentials
	profiles ProfileLookup
	events   Publisher
	logger   *slog.Logger

	newID func() string
	now   func() time.Time
}

// New builds a Controller. profiles and events may be nil.
func New(store session.Store, agent Agent, creds voiceflow.Credentials, profiles ProfileLookup, events Publisher, logger *slog.Logger) *Controller {
	return &Controller{
		store:    store,
		agent:    agent,
		creds:    creds,
		profiles: profiles,
		events:   events,
		logger:   logger,
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// Initialize starts or resumes a conversation. priorID is the id the caller
// last held; it is kept unless it belongs to a different owner, in which
// case a fresh id is issued.
func (c *Controller) Initialize(ctx context.Context, ownerID, priorID string) (*InitResult, error) {
	if ownerID == "" {
		return nil, ErrUnauthenticated
	}

	id := priorID
	if id != "" {
		existing, ok, err := c.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("look up session: %w", err)
		}
		if ok && existing.OwnerID != ownerID {
			c.reportViolation(id, ownerID, "initialize")
			id = ""
		}
	}
	reused := id != ""
	if id == "" {
		id = c.newID()
	}

	actorID := session.ExternalActorID(ownerID)
	sess := session.Session{ID: id, OwnerID: ownerID, ExternalActorID: actorID, CreatedAt: c.now().UTC()}
	if err := c.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	if err := voiceflow.Guard(c.creds); err != nil {
		c.logger.Error("agent service misconfigured", "error", err)
		return nil, err
	}

	raw, err := c.agent.Launch(ctx, actorID, c.launchVariables(ctx, ownerID))
	if err != nil {
		return nil, classify(err)
	}
	res, err := normalize(raw)
	if err != nil {
		return nil, err
	}
	c.announce(sess, res)

	c.logger.Info("session initialized", "session_id", id, "owner_id", ownerID, "reused", reused)
	return &InitResult{SessionID: id, ExternalActorID: actorID, Result: res}, nil
}

// Submit forwards one user turn to the agent.
func (c *Controller) Submit(ctx context.Context, ownerID, sessionID string, in Input) (*InteractResult, error) {
	if ownerID == "" {
		return nil, ErrUnauthenticated
	}
	if sessionID == "" {
		return nil, ErrMissingSessionID
	}
	message := strings.TrimSpace(in.Message)
	hasAction := len(in.Action) > 0 && string(in.Action) != "null"
	switch {
	case message == "" && !hasAction:
		return nil, ErrMissingInput
	case message != "" && hasAction:
		return nil, ErrAmbiguousInput
	}

	sess, err := c.authorize(ctx, ownerID, sessionID, "submit")
	if err != nil {
		return nil, err
	}
	if err := voiceflow.Guard(c.creds); err != nil {
		return nil, err
	}

	action := voiceflow.Action{Text: message}
	if hasAction {
		action = voiceflow.Action{Raw: in.Action}
	}
	raw, err := c.agent.Interact(ctx, sess.ExternalActorID, action)
	if err != nil {
		return nil, classify(err)
	}
	res, err := normalize(raw)
	if err != nil {
		return nil, err
	}
	c.announce(sess, res)

	return &InteractResult{Result: res, Raw: raw}, nil
}

// State returns the agent's stored state for the session, unmodified.
func (c *Controller) State(ctx context.Context, ownerID, sessionID string) (json.RawMessage, error) {
	if ownerID == "" {
		return nil, ErrUnauthenticated
	}
	if sessionID == "" {
		return nil, ErrMissingSessionID
	}
	sess, err := c.authorize(ctx, ownerID, sessionID, "state")
	if err != nil {
		return nil, err
	}
	if err := voiceflow.Guard(c.creds); err != nil {
		return nil, err
	}

	raw, err := c.agent.State(ctx, sess.ExternalActorID)
	if err != nil {
		return nil, classify(err)
	}
	return raw, nil
}

// Delete tears the session down. The local entry is removed even when the
// remote delete fails; the remote failure is still returned.
func (c *Controller) Delete(ctx context.Context, ownerID, sessionID string) error {
	if ownerID == "" {
		return ErrUnauthenticated
	}
	if sessionID == "" {
		return ErrMissingSessionID
	}
	sess, err := c.authorize(ctx, ownerID, sessionID, "delete")
	if err != nil {
		return err
	}

	remoteErr := voiceflow.Guard(c.creds)
	if remoteErr == nil {
		remoteErr = classify(c.agent.DeleteState(ctx, sess.ExternalActorID))
	}

	if err := c.store.Remove(ctx, sessionID); err != nil {
		return fmt.Errorf("remove session: %w", err)
	}

	if remoteErr != nil {
		c.logger.Warn("remote state delete failed, local session removed",
			"session_id", sessionID,
			"owner_id", ownerID,
			"error", remoteErr,
		)
		return remoteErr
	}
	c.logger.Info("session deleted", "session_id", sessionID, "owner_id", ownerID)
	return nil
}

func (c *Controller) authorize(ctx context.Context, ownerID, sessionID, op string) (session.Session, error) {
	sess, ok, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return session.Session{}, fmt.Errorf("look up session: %w", err)
	}
	if !ok {
		return session.Session{}, ErrSessionNotFound
	}
	if sess.OwnerID != ownerID {
		c.reportViolation(sessionID, ownerID, op)
		return session.Session{}, ErrOwnershipViolation
	}
	return sess, nil
}

func (c *Controller) reportViolation(sessionID, callerID, op string) {
	c.logger.Warn("session ownership violation",
		"session_id", sessionID,
		"caller_id", callerID,
		"operation", op,
	)
	c.publish(hermes.SubjectOwnershipViolation, hermes.OwnershipViolation{
		SessionID: sessionID,
		CallerID:  callerID,
		Operation: op,
		Timestamp: c.timestamp(),
	})
}

func (c *Controller) launchVariables(ctx context.Context, ownerID string) map[string]any {
	if c.profiles == nil {
		return nil
	}
	vars, err := c.profiles.ProfileVariables(ctx, ownerID)
	if err != nil {
		c.logger.Warn("profile lookup failed, launching without context", "owner_id", ownerID, "error", err)
		return nil
	}
	return vars
}

func (c *Controller) announce(sess session.Session, res trace.Result) {
	if res.IsComplete {
		c.publish(hermes.SubjectConversationCompleted, hermes.ConversationCompleted{
			SessionID: sess.ID,
			OwnerID:   sess.OwnerID,
			Timestamp: c.timestamp(),
		})
	}
	if len(res.ExtractedData) > 0 {
		c.publish(hermes.SubjectProfileExtracted, hermes.ProfileExtracted{
			OwnerID:   sess.OwnerID,
			SessionID: sess.ID,
			Data:      res.ExtractedData,
			Timestamp: c.timestamp(),
		})
	}
}

func (c *Controller) publish(subject string, data any) {
	if c.events == nil {
		return
	}
	if err := c.events.Publish(subject, data); err != nil {
		c.logger.Warn("failed to publish event", "subject", subject, "error", err)
	}
}

func (c *Controller) timestamp() string {
	return c.now().UTC().Format(time.RFC3339)
}

func normalize(raw json.RawMessage) (trace.Result, error) {
	res, err := trace.ParseAndNormalize(raw)
	if err != nil {
		return trace.Result{}, fmt.Errorf("%w: %v", ErrMalformedUpstream, err)
	}
	return res, nil
}

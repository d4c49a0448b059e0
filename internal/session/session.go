package session

import (
	"context"
	"sync"
	"time"
)

// actorNamespace prefixes owner ids when addressing the agent service.
const actorNamespace = "traveler:"

// Session binds a client-visible session id to the identity that created it.
type Session struct {
	ID              string    `json:"session_id"`
	OwnerID         string    `json:"owner_id"`
	ExternalActorID string    `json:"external_actor_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// Store is the authoritative session→owner mapping.
// Create overwrites an existing entry with the same id.
// Get reports ok=false, with a nil error, when the id is unknown.
type Store interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, bool, error)
	Remove(ctx context.Context, id string) error
}

// ExternalActorID derives the agent-service identity for an owner. The same
// owner always maps to the same actor, so conversation state carries across
// sessions.
func ExternalActorID(ownerID string) string {
	return actorNamespace + ownerID
}

// MemoryStore keeps sessions for the lifetime of the process.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (m *MemoryStore) Create(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok, nil
}

func (m *MemoryStore) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// Len returns the number of live sessions.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

package environment

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"sifworks.org/internal/sif"
)

// Store provides the registration records authentication and authorisation
// read. Unknown application keys fail with sif.ErrNotFound and unknown
// session tokens with sif.ErrInvalidSession.
type Store interface {
	ApplicationRegister(ctx context.Context, applicationKey string) (ApplicationRegister, error)
	SessionByToken(ctx context.Context, sessionToken string) (Session, error)
	SessionByIdentity(ctx context.Context, id Identity) (Session, error)
	EnvironmentBySessionToken(ctx context.Context, sessionToken string) (*Environment, error)
	Environment(ctx context.Context, id uuid.UUID) (*Environment, error)
	CreateEnvironment(ctx context.Context, env *Environment, session Session) error
	DeleteEnvironment(ctx context.Context, id uuid.UUID) error
}

// InMemory implements Store in process.
type InMemory struct {
	mu        sync.RWMutex
	registers map[string]ApplicationRegister
	sessions  map[string]Session
	envs      map[uuid.UUID]*Environment
}

// NewInMemory creates a store seeded with the given application registers.
func NewInMemory(registers ...ApplicationRegister) *InMemory {
	m := &InMemory{
		registers: make(map[string]ApplicationRegister),
		sessions:  make(map[string]Session),
		envs:      make(map[uuid.UUID]*Environment),
	}
	for _, r := range registers {
		m.registers[r.ApplicationKey] = r
	}
	return m
}

// PutApplicationRegister adds or replaces a register.
func (m *InMemory) PutApplicationRegister(r ApplicationRegister) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registers[r.ApplicationKey] = r
}

func (m *InMemory) ApplicationRegister(ctx context.Context, key string) (ApplicationRegister, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.registers[key]
	if !ok {
		return ApplicationRegister{}, sif.Errorf(sif.ErrNotFound, "no application register for the given key")
	}
	r.Zones = cloneZones(r.Zones)
	return r, nil
}

func (m *InMemory) SessionByToken(ctx context.Context, token string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[token]
	if !ok {
		return Session{}, sif.Errorf(sif.ErrInvalidSession, "session is not valid")
	}
	return s, nil
}

func (m *InMemory) SessionByIdentity(ctx context.Context, id Identity) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.Identity == id {
			return s, nil
		}
	}
	return Session{}, sif.Errorf(sif.ErrNotFound, "no session for application %q", id.ApplicationKey)
}

func (m *InMemory) EnvironmentBySessionToken(ctx context.Context, token string) (*Environment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, sif.Errorf(sif.ErrInvalidSession, "session is not valid")
	}
	env, ok := m.envs[s.EnvironmentID]
	if !ok {
		return nil, sif.Errorf(sif.ErrNotFound, "environment %s not found", s.EnvironmentID)
	}
	return env.Clone(), nil
}

func (m *InMemory) Environment(ctx context.Context, id uuid.UUID) (*Environment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	env, ok := m.envs[id]
	if !ok {
		return nil, sif.Errorf(sif.ErrNotFound, "environment %s not found", id)
	}
	return env.Clone(), nil
}

func (m *InMemory) CreateEnvironment(ctx context.Context, env *Environment, session Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.envs[env.ID]; ok {
		return sif.Errorf(sif.ErrAlreadyExists, "environment %s already exists", env.ID)
	}
	if _, ok := m.sessions[session.SessionToken]; ok {
		return sif.Errorf(sif.ErrAlreadyExists, "session already exists")
	}
	m.envs[env.ID] = env.Clone()
	m.sessions[session.SessionToken] = session
	return nil
}

func (m *InMemory) DeleteEnvironment(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.envs[id]; !ok {
		return sif.Errorf(sif.ErrNotFound, "environment %s not found", id)
	}
	delete(m.envs, id)
	for token, s := range m.sessions {
		if s.EnvironmentID == id {
			delete(m.sessions, token)
		}
	}
	return nil
}

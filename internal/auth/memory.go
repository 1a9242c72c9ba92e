package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store used by tests and local development. It
// mirrors the PostgreSQL store's semantics, including unique email/name
// constraints and idempotent revocation.
type MemoryStore struct {
	mu       sync.Mutex
	users    map[int64]*User
	groups   map[int64]*Group
	revoked  map[string]*RevokedToken
	sessions map[string]*Session
	nextID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[int64]*User),
		groups:   make(map[int64]*Group),
		revoked:  make(map[string]*RevokedToken),
		sessions: make(map[string]*Session),
		nextID:   1,
	}
}

func (m *MemoryStore) Users(context.Context) UserStore                 { return (*memUsers)(m) }
func (m *MemoryStore) Groups(context.Context) GroupStore               { return (*memGroups)(m) }
func (m *MemoryStore) RevokedTokens(context.Context) RevokedTokenStore { return (*memRevoked)(m) }
func (m *MemoryStore) Sessions(context.Context) SessionStore           { return (*memSessions)(m) }

func (m *MemoryStore) RevokeAndClose(ctx context.Context, rec *RevokedToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.revoked[rec.JTI]; !ok {
		cp := *rec
		m.revoked[rec.JTI] = &cp
	}
	if sess, ok := m.sessions[rec.JTI]; ok {
		sess.Active = false
	}
	return nil
}

func (m *MemoryStore) allocID() int64 {
	id := m.nextID
	m.nextID++
	return id
}

type memUsers MemoryStore

func (m *memUsers) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return ErrAlreadyExists
		}
	}
	u.ID = (*MemoryStore)(m).allocID()
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memUsers) Find(_ context.Context, id int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memUsers) List(_ context.Context) ([]*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memUsers) Update(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; !ok {
		return ErrNotFound
	}
	for id, existing := range m.users {
		if id != u.ID && strings.EqualFold(existing.Email, u.Email) {
			return ErrAlreadyExists
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memUsers) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return ErrNotFound
	}
	delete(m.users, id)
	for jti, sess := range m.sessions {
		if sess.UserID == id {
			delete(m.sessions, jti)
		}
	}
	for jti, rec := range m.revoked {
		if rec.UserID == id {
			delete(m.revoked, jti)
		}
	}
	return nil
}

func (m *memUsers) CountActive(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, u := range m.users {
		if u.Status == StatusActive {
			n++
		}
	}
	return n, nil
}

type memGroups MemoryStore

func (m *memGroups) Create(_ context.Context, g *Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.groups {
		if existing.Name == g.Name {
			return ErrAlreadyExists
		}
	}
	g.ID = (*MemoryStore)(m).allocID()
	cp := *g
	m.groups[g.ID] = &cp
	return nil
}

func (m *memGroups) Find(_ context.Context, id int64) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *memGroups) FindByName(_ context.Context, name string) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.groups {
		if g.Name == name {
			cp := *g
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memGroups) List(_ context.Context) ([]*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		cp := *g
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memGroups) Update(_ context.Context, g *Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[g.ID]; !ok {
		return ErrNotFound
	}
	for id, existing := range m.groups {
		if id != g.ID && existing.Name == g.Name {
			return ErrAlreadyExists
		}
	}
	cp := *g
	m.groups[g.ID] = &cp
	return nil
}

func (m *memGroups) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[id]; !ok {
		return ErrNotFound
	}
	delete(m.groups, id)
	return nil
}

func (m *memGroups) CountUsers(_ context.Context, id int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, u := range m.users {
		if u.GroupID != nil && *u.GroupID == id {
			n++
		}
	}
	return n, nil
}

type memRevoked MemoryStore

func (m *memRevoked) Revoke(_ context.Context, rec *RevokedToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.revoked[rec.JTI]; ok {
		return nil
	}
	cp := *rec
	m.revoked[rec.JTI] = &cp
	return nil
}

func (m *memRevoked) IsRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.revoked[jti]
	return ok, nil
}

func (m *memRevoked) PruneExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for jti, rec := range m.revoked {
		if rec.ExpiresAt.Before(now) {
			delete(m.revoked, jti)
			n++
		}
	}
	return n, nil
}

type memSessions MemoryStore

func (m *memSessions) Open(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memSessions) Find(_ context.Context, jti string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[jti]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSessions) Touch(_ context.Context, jti string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[jti]; ok {
		s.LastActivity = now
	}
	return nil
}

func (m *memSessions) Close(_ context.Context, jti string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[jti]; ok {
		s.Active = false
	}
	return nil
}

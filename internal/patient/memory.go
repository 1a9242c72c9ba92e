package patient

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store used by tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	records map[int64]*Patient
	nextID  int64
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[int64]*Patient),
		nextID:  1,
		now:     time.Now,
	}
}

func (m *MemoryStore) Create(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.records {
		if existing.ExternalID == p.ExternalID {
			return ErrAlreadyExists
		}
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
	p.ID = m.nextID
	m.nextID++
	now := m.now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	cp := *p
	m.records[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Find(_ context.Context, id int64) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) FindByExternalID(_ context.Context, externalID string) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.records {
		if p.ExternalID == externalID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) List(_ context.Context) ([]*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Patient, 0, len(m.records))
	for _, p := range m.records {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Search(_ context.Context, query string) ([]*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := strings.ToLower(strings.TrimSpace(query))
	var out []*Patient
	for _, p := range m.records {
		if strings.Contains(strings.ToLower(p.ExternalID), q) ||
			strings.Contains(strings.ToLower(p.FirstName), q) ||
			strings.Contains(strings.ToLower(p.LastName), q) ||
			strings.Contains(strings.ToLower(p.Condition), q) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[p.ID]; !ok {
		return ErrNotFound
	}
	p.UpdatedAt = m.now().UTC()
	cp := *p
	m.records[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return ErrNotFound
	}
	delete(m.records, id)
	return nil
}

func (m *MemoryStore) SetDicomLink(_ context.Context, id int64, orthancPatientID, studyUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	p.OrthancPatientID = orthancPatientID
	p.DicomStudyUID = studyUID
	p.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records), nil
}

func (m *MemoryStore) CountByStatus(_ context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for _, p := range m.records {
		counts[p.Status]++
	}
	return counts, nil
}

// Package audit persists a trail of security-relevant actions.
package audit

import (
	"context"
	"database/sql"
	"time"

	"previewdicom.org/internal/auth"
	"previewdicom.org/internal/obs"
)

// Entry is one audit record: who did what to which resource, and when.
type Entry struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Detail       string    `json:"detail"`
	IPAddress    string    `json:"ip_address"`
	UserAgent    string    `json:"user_agent"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store appends audit entries.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	ListByUser(ctx context.Context, userID int64, limit int) ([]*Entry, error)
}

// PGStore persists entries in PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore { return &PGStore{db: db} }

func (s *PGStore) Append(ctx context.Context, e *Entry) error {
	return s.db.QueryRowContext(ctx, `
		insert into audit_logs(user_id, action, resource_type, resource_id, detail, ip_address, user_agent, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
		returning id
	`, e.UserID, e.Action, e.ResourceType, e.ResourceID, e.Detail, e.IPAddress, e.UserAgent, e.CreatedAt).Scan(&e.ID)
}

func (s *PGStore) ListByUser(ctx context.Context, userID int64, limit int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, action, resource_type, resource_id, detail, ip_address, user_agent, created_at
		from audit_logs where user_id=$1
		order by created_at desc
		limit $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.ResourceType, &e.ResourceID, &e.Detail, &e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Service writes audit entries without propagating failures; a broken audit
// trail is logged, never surfaced to the request path.
type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

var _ auth.AuditRecorder = (*Service)(nil)

func (s *Service) Record(ctx context.Context, userID int64, action, resourceType, resourceID, detail string, meta auth.ClientMeta) {
	e := &Entry{
		UserID:       userID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Detail:       detail,
		IPAddress:    meta.IP,
		UserAgent:    meta.UserAgent,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.Append(ctx, e); err != nil {
		obs.Error("audit append failed", map[string]any{
			"action":   action,
			"resource": resourceType,
			"user":     userID,
			"error":    err.Error(),
		})
	}
}

// ListByUser reads back the trail for one account, newest first.
func (s *Service) ListByUser(ctx context.Context, userID int64, limit int) ([]*Entry, error) {
	return s.store.ListByUser(ctx, userID, limit)
}

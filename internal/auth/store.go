package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Users(ctx context.Context) UserStore
	Groups(ctx context.Context) GroupStore
	RevokedTokens(ctx context.Context) RevokedTokenStore
	Sessions(ctx context.Context) SessionStore

	// RevokeAndClose records the refresh token as revoked and marks its
	// session inactive in one transaction, so a half-applied logout cannot
	// leave the token usable.
	RevokeAndClose(ctx context.Context, rec *RevokedToken) error
}

// UserStore manages user accounts.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id int64) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	List(ctx context.Context) ([]*User, error)
	Update(ctx context.Context, u *User) error
	// Delete removes the user together with its audit, session and
	// revocation rows; the schema carries no cascading constraints.
	Delete(ctx context.Context, id int64) error
	CountActive(ctx context.Context) (int, error)
}

// GroupStore manages capability groups.
type GroupStore interface {
	Create(ctx context.Context, g *Group) error
	Find(ctx context.Context, id int64) (*Group, error)
	FindByName(ctx context.Context, name string) (*Group, error)
	List(ctx context.Context) ([]*Group, error)
	Update(ctx context.Context, g *Group) error
	Delete(ctx context.Context, id int64) error
	CountUsers(ctx context.Context, id int64) (int, error)
}

// RevokedTokenStore is the durable ledger of revoked token identifiers.
type RevokedTokenStore interface {
	// Revoke is idempotent; revoking the same JTI twice is not an error.
	Revoke(ctx context.Context, rec *RevokedToken) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
	// PruneExpired deletes entries whose expiry passed and returns how many
	// rows went away.
	PruneExpired(ctx context.Context, now time.Time) (int64, error)
}

// SessionStore tracks login sessions keyed by refresh-token JTI.
type SessionStore interface {
	Open(ctx context.Context, s *Session) error
	Find(ctx context.Context, jti string) (*Session, error)
	Touch(ctx context.Context, jti string, now time.Time) error
	Close(ctx context.Context, jti string) error
}

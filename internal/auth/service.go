package auth

import (
	"context"
	"errors"
	"strconv"
	"time"

	"previewdicom.org/internal/apperr"
)

// AuditRecorder receives security-relevant events, identified by an action
// verb plus the resource they touched. Recording failures must not abort the
// operation being audited.
type AuditRecorder interface {
	Record(ctx context.Context, userID int64, action, resourceType, resourceID, detail string, meta ClientMeta)
}

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	RefreshJTI   string
	CSRFToken    string
}

// Service implements the authentication flows on top of the store and the
// token manager.
type Service struct {
	store      Store
	tokens     *TokenManager
	audit      AuditRecorder
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

type ServiceOption func(*Service)

// WithClock overrides the service clock, for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, tokens *TokenManager, audit AuditRecorder, accessTTL, refreshTTL time.Duration, opts ...ServiceOption) *Service {
	s := &Service{
		store:      store,
		tokens:     tokens,
		audit:      audit,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }

// errBadCredentials is the single error every login failure maps to, so the
// response does not reveal which check rejected the attempt.
func errBadCredentials() *apperr.Error {
	return apperr.Authentication("INVALID_CREDENTIALS", "incorrect email or password")
}

// Login authenticates the credentials and, on success, opens a session keyed
// by the refresh token's JTI. Unknown email, wrong password, unusable hash
// and inactive account all produce the same INVALID_CREDENTIALS error.
func (s *Service) Login(ctx context.Context, email, password string, meta ClientMeta) (*User, *TokenPair, error) {
	user, err := s.store.Users(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, errBadCredentials()
		}
		return nil, nil, apperr.Internal("looking up user", err)
	}
	if !IsSupportedHash(user.HashedPassword) {
		return nil, nil, errBadCredentials()
	}
	if err := VerifyPassword(user.HashedPassword, password); err != nil {
		return nil, nil, errBadCredentials()
	}
	if !s.usable(user) {
		return nil, nil, errBadCredentials()
	}

	pair, err := s.issuePair(ctx, user.ID, meta)
	if err != nil {
		return nil, nil, err
	}
	if s.audit != nil {
		s.audit.Record(ctx, user.ID, "LOGIN", "user", strconv.FormatInt(user.ID, 10), "user logged in", meta)
	}
	return user, pair, nil
}

// Refresh exchanges a valid refresh token for a new access token. The
// refresh token itself is not rotated; it stays valid until logout or
// expiry.
func (s *Service) Refresh(ctx context.Context, refreshToken string, meta ClientMeta) (*User, string, error) {
	claims, err := s.tokens.Decode(refreshToken)
	if err != nil {
		return nil, "", apperr.Authentication("AUTH_ERROR", "invalid refresh token")
	}
	if claims.Kind != KindRefresh {
		return nil, "", apperr.Authentication("INVALID_TYPE", "token is not a refresh token")
	}
	revoked, err := s.store.RevokedTokens(ctx).IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, "", apperr.Internal("checking revocation", err)
	}
	if revoked {
		return nil, "", apperr.Authentication("REVOKED", "refresh token has been revoked")
	}

	userID, err := claims.UserID()
	if err != nil {
		return nil, "", apperr.Authentication("AUTH_ERROR", "invalid refresh token")
	}
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, "", apperr.Authentication("AUTH_ERROR", "user not found")
		}
		return nil, "", apperr.Internal("looking up user", err)
	}
	if !s.usable(user) {
		return nil, "", apperr.Authentication("INACTIVE", "account is inactive")
	}

	access, _, err := s.tokens.Issue(user.ID, KindAccess, s.accessTTL)
	if err != nil {
		return nil, "", apperr.Internal("issuing access token", err)
	}
	// Session bookkeeping only; a failed touch must not fail the refresh.
	_ = s.store.Sessions(ctx).Touch(ctx, claims.ID, s.now().UTC())
	return user, access, nil
}

// Logout revokes the presented refresh token and closes its session in one
// transaction, and revokes the presented access token so it cannot outlive
// the session. Undecodable tokens are not errors: the client is clearing
// state either way and the response must let it.
func (s *Service) Logout(ctx context.Context, refreshToken, accessToken string, meta ClientMeta) error {
	if err := s.revokeAccess(ctx, accessToken); err != nil {
		return err
	}

	claims, err := s.tokens.Decode(refreshToken)
	if err != nil {
		return nil
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil
	}
	rec := &RevokedToken{
		JTI:       claims.ID,
		TokenType: string(KindRefresh),
		UserID:    userID,
		RevokedAt: s.now().UTC(),
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if err := s.store.RevokeAndClose(ctx, rec); err != nil {
		return apperr.Internal("revoking token", err)
	}
	if s.audit != nil {
		s.audit.Record(ctx, userID, "LOGOUT", "user", strconv.FormatInt(userID, 10), "user logged out", meta)
	}
	return nil
}

// revokeAccess puts the access token's JTI on the ledger. A token that does
// not decode as an access token is ignored.
func (s *Service) revokeAccess(ctx context.Context, accessToken string) error {
	claims, err := s.tokens.Decode(accessToken)
	if err != nil || claims.Kind != KindAccess {
		return nil
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil
	}
	rec := &RevokedToken{
		JTI:       claims.ID,
		TokenType: string(KindAccess),
		UserID:    userID,
		RevokedAt: s.now().UTC(),
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if err := s.store.RevokedTokens(ctx).Revoke(ctx, rec); err != nil {
		return apperr.Internal("revoking access token", err)
	}
	return nil
}

// PruneExpired drops revocation entries whose underlying tokens have expired
// and can no longer pass Decode.
func (s *Service) PruneExpired(ctx context.Context) (int64, error) {
	return s.store.RevokedTokens(ctx).PruneExpired(ctx, s.now().UTC())
}

func (s *Service) issuePair(ctx context.Context, userID int64, meta ClientMeta) (*TokenPair, error) {
	access, _, err := s.tokens.Issue(userID, KindAccess, s.accessTTL)
	if err != nil {
		return nil, apperr.Internal("issuing access token", err)
	}
	refresh, jti, err := s.tokens.Issue(userID, KindRefresh, s.refreshTTL)
	if err != nil {
		return nil, apperr.Internal("issuing refresh token", err)
	}
	csrf, err := NewCSRFToken()
	if err != nil {
		return nil, apperr.Internal("generating csrf token", err)
	}

	now := s.now().UTC()
	sess := &Session{
		ID:           jti,
		UserID:       userID,
		IPAddress:    meta.IP,
		UserAgent:    meta.UserAgent,
		CreatedAt:    now,
		LastActivity: now,
		Active:       true,
	}
	if err := s.store.Sessions(ctx).Open(ctx, sess); err != nil {
		return nil, apperr.Internal("opening session", err)
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		RefreshJTI:   jti,
		CSRFToken:    csrf,
	}, nil
}

// usable reports whether the account may authenticate: active status and,
// when an expiration date is set, a date still in the future.
func (s *Service) usable(u *User) bool {
	if u.Status != StatusActive {
		return false
	}
	if u.ExpirationDate != nil && !u.ExpirationDate.After(s.now().UTC()) {
		return false
	}
	return true
}

package auth

import (
	"context"
	"errors"

	"previewdicom.org/internal/apperr"
)

// Authenticate validates an access token and resolves its user. Revoked and
// non-access tokens are rejected the same way forged ones are.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*User, error) {
	if accessToken == "" {
		return nil, apperr.Authentication("MISSING_TOKEN", "authentication required")
	}
	claims, err := s.tokens.Decode(accessToken)
	if err != nil {
		return nil, apperr.Authentication("AUTH_ERROR", "invalid or expired token")
	}
	if claims.Kind != KindAccess {
		return nil, apperr.Authentication("INVALID_TYPE", "token is not an access token")
	}
	revoked, err := s.store.RevokedTokens(ctx).IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, apperr.Internal("checking revocation", err)
	}
	if revoked {
		return nil, apperr.Authentication("REVOKED", "token has been revoked")
	}

	userID, err := claims.UserID()
	if err != nil {
		return nil, apperr.Authentication("AUTH_ERROR", "invalid or expired token")
	}
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.Authentication("AUTH_ERROR", "user not found")
		}
		return nil, apperr.Internal("looking up user", err)
	}
	if !s.usable(user) {
		return nil, apperr.Authentication("INACTIVE", "account is inactive")
	}
	return user, nil
}

// RequireCapability denies unless the user's group grants the capability.
// Admins are subject to the same group checks as everyone else; only their
// role-gated endpoints bypass capabilities. A user with no group has no
// capabilities.
func (s *Service) RequireCapability(ctx context.Context, user *User, capability Capability) error {
	if user.GroupID == nil {
		return capabilityDenied(capability)
	}
	group, err := s.store.Groups(ctx).Find(ctx, *user.GroupID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return capabilityDenied(capability)
		}
		return apperr.Internal("looking up group", err)
	}
	if !group.Allows(capability) {
		return capabilityDenied(capability)
	}
	return nil
}

// RequireAdmin denies unless the user's role is admin.
func (s *Service) RequireAdmin(user *User) error {
	if user.Role != RoleAdmin {
		return apperr.Authorization("FORBIDDEN", "admin role required")
	}
	return nil
}

func capabilityDenied(capability Capability) *apperr.Error {
	return apperr.Authorization("FORBIDDEN", "missing capability: "+string(capability))
}

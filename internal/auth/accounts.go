package auth

import (
	"context"
	"errors"
	"time"

	"previewdicom.org/internal/apperr"
)

// UserUpdate is a partial update to a user account. Password is hashed
// before storage; the outer pointer on ExpirationDate distinguishes "leave
// unchanged" from "clear".
type UserUpdate struct {
	Email          *string
	FullName       *string
	Password       *string
	Role           *string
	Status         *string
	ExpirationDate **time.Time
	GroupID        *int64
}

// ProfileUpdate is the self-service subset of UserUpdate.
type ProfileUpdate struct {
	Email       *string
	FullName    *string
	NewPassword *string
}

func (s *Service) Users(ctx context.Context) ([]*User, error) {
	users, err := s.store.Users(ctx).List(ctx)
	if err != nil {
		return nil, apperr.Internal("listing users", err)
	}
	return users, nil
}

func (s *Service) User(ctx context.Context, id int64) (*User, error) {
	user, err := s.store.Users(ctx).Find(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.NotFound("USER_NOT_FOUND", "user not found")
		}
		return nil, apperr.Internal("looking up user", err)
	}
	return user, nil
}

// CreateUser hashes the password and stores the account.
func (s *Service) CreateUser(ctx context.Context, user *User, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return apperr.Validation("VALIDATION_ERROR", "password cannot be hashed")
	}
	user.HashedPassword = hash
	if err := s.groupExists(ctx, user.GroupID); err != nil {
		return err
	}
	if err := s.store.Users(ctx).Create(ctx, user); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return apperr.Validation("DUPLICATE_EMAIL", "a user with this email already exists")
		}
		return apperr.Internal("creating user", err)
	}
	return nil
}

// UpdateUser applies the partial update field by field. The password branch
// is explicit: clients send a plaintext password and only ever the hash is
// stored.
func (s *Service) UpdateUser(ctx context.Context, id int64, upd UserUpdate) (*User, error) {
	user, err := s.User(ctx, id)
	if err != nil {
		return nil, err
	}

	if upd.Email != nil {
		user.Email = *upd.Email
	}
	if upd.FullName != nil {
		user.FullName = *upd.FullName
	}
	if upd.Role != nil {
		user.Role = *upd.Role
	}
	if upd.Status != nil {
		user.Status = *upd.Status
	}
	if upd.ExpirationDate != nil {
		user.ExpirationDate = *upd.ExpirationDate
	}
	if upd.GroupID != nil {
		user.GroupID = upd.GroupID
		if err := s.groupExists(ctx, user.GroupID); err != nil {
			return nil, err
		}
	}
	if upd.Password != nil && *upd.Password != "" {
		hash, err := HashPassword(*upd.Password)
		if err != nil {
			return nil, apperr.Validation("VALIDATION_ERROR", "password cannot be hashed")
		}
		user.HashedPassword = hash
	}

	if err := s.store.Users(ctx).Update(ctx, user); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil, apperr.Validation("DUPLICATE_EMAIL", "a user with this email already exists")
		}
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.NotFound("USER_NOT_FOUND", "user not found")
		}
		return nil, apperr.Internal("updating user", err)
	}
	return user, nil
}

func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	if err := s.store.Users(ctx).Delete(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return apperr.NotFound("USER_NOT_FOUND", "user not found")
		}
		return apperr.Internal("deleting user", err)
	}
	return nil
}

// UpdateOwnProfile requires re-proving the current password before any
// change lands.
func (s *Service) UpdateOwnProfile(ctx context.Context, id int64, currentPassword string, upd ProfileUpdate) (*User, error) {
	user, err := s.User(ctx, id)
	if err != nil {
		return nil, err
	}
	if !IsSupportedHash(user.HashedPassword) ||
		VerifyPassword(user.HashedPassword, currentPassword) != nil {
		return nil, apperr.Authentication("INVALID_CREDENTIALS", "current password is incorrect")
	}
	return s.UpdateUser(ctx, id, UserUpdate{
		Email:    upd.Email,
		FullName: upd.FullName,
		Password: upd.NewPassword,
	})
}

func (s *Service) groupExists(ctx context.Context, groupID *int64) error {
	if groupID == nil {
		return nil
	}
	if _, err := s.store.Groups(ctx).Find(ctx, *groupID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return apperr.Validation("VALIDATION_ERROR", "group does not exist")
		}
		return apperr.Internal("looking up group", err)
	}
	return nil
}

// CountActiveUsers reports how many accounts are in active status.
func (s *Service) CountActiveUsers(ctx context.Context) (int, error) {
	n, err := s.store.Users(ctx).CountActive(ctx)
	if err != nil {
		return 0, apperr.Internal("counting active users", err)
	}
	return n, nil
}

// Group administration ------------------------------------------------------

func (s *Service) Groups(ctx context.Context) ([]*Group, error) {
	groups, err := s.store.Groups(ctx).List(ctx)
	if err != nil {
		return nil, apperr.Internal("listing groups", err)
	}
	return groups, nil
}

func (s *Service) Group(ctx context.Context, id int64) (*Group, error) {
	group, err := s.store.Groups(ctx).Find(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.NotFound("GROUP_NOT_FOUND", "group not found")
		}
		return nil, apperr.Internal("looking up group", err)
	}
	return group, nil
}

func (s *Service) CreateGroup(ctx context.Context, group *Group) error {
	if err := s.store.Groups(ctx).Create(ctx, group); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return apperr.Validation("DUPLICATE_NAME", "a group with this name already exists")
		}
		return apperr.Internal("creating group", err)
	}
	return nil
}

func (s *Service) UpdateGroup(ctx context.Context, group *Group) error {
	if err := s.store.Groups(ctx).Update(ctx, group); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return apperr.Validation("DUPLICATE_NAME", "a group with this name already exists")
		}
		if errors.Is(err, ErrNotFound) {
			return apperr.NotFound("GROUP_NOT_FOUND", "group not found")
		}
		return apperr.Internal("updating group", err)
	}
	return nil
}

// DeleteGroup refuses while any user still references the group.
func (s *Service) DeleteGroup(ctx context.Context, id int64) error {
	n, err := s.store.Groups(ctx).CountUsers(ctx, id)
	if err != nil {
		return apperr.Internal("counting group members", err)
	}
	if n > 0 {
		return apperr.Validation("GROUP_HAS_USERS", "group still has users assigned")
	}
	if err := s.store.Groups(ctx).Delete(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return apperr.NotFound("GROUP_NOT_FOUND", "group not found")
		}
		return apperr.Internal("deleting group", err)
	}
	return nil
}

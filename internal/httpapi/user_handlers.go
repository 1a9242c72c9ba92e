package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"previewdicom.org/internal/audit"
	"previewdicom.org/internal/auth"
)

// requireManageUsers grants the admin role or the manage-users capability.
func (a *API) requireManageUsers(w http.ResponseWriter, r *http.Request) (*auth.User, bool) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "MISSING_TOKEN", "authentication required")
		return nil, false
	}
	if user.Role == auth.RoleAdmin {
		return user, true
	}
	if err := a.auth.RequireCapability(r.Context(), user, auth.CapabilityManageUsers); err != nil {
		handleError(w, r, err)
		return nil, false
	}
	return user, true
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.requireManageUsers(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		users, err := a.auth.Users(r.Context())
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, users)
	case http.MethodPost:
		a.createUser(w, r, actor)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

type userPayload struct {
	Email          string  `json:"email"`
	FullName       string  `json:"full_name"`
	Password       string  `json:"password"`
	Role           string  `json:"role"`
	Status         string  `json:"status"`
	ExpirationDate *string `json:"expiration_date"`
	GroupID        *int64  `json:"group_id"`
}

func (a *API) createUser(w http.ResponseWriter, r *http.Request, actor *auth.User) {
	var req userPayload
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" {
		badRequest(w, r, "email and password are required")
		return
	}

	expiration, err := parseExpiration(req.ExpirationDate)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	user := &auth.User{
		Email:          req.Email,
		FullName:       req.FullName,
		Role:           defaultString(req.Role, auth.RoleUser),
		Status:         defaultString(req.Status, auth.StatusActive),
		ExpirationDate: expiration,
		GroupID:        req.GroupID,
	}
	if err := a.auth.CreateUser(r.Context(), user, req.Password); err != nil {
		handleError(w, r, err)
		return
	}
	a.recordAudit(r, actor, "CREATE", "user", user.ID)
	writeJSON(w, http.StatusCreated, user)
}

// handleUserByID dispatches /users/{id} and /users/{id}/audit.
func (a *API) handleUserByID(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.requireManageUsers(w, r)
	if !ok {
		return
	}
	if raw, found := strings.CutSuffix(strings.TrimPrefix(r.URL.Path, "/users/"), "/audit"); found {
		a.listUserAudit(w, r, raw)
		return
	}
	id, ok := pathID(w, r, "/users/")
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		user, err := a.auth.User(r.Context(), id)
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	case http.MethodPut:
		a.updateUser(w, r, actor, id)
	case http.MethodDelete:
		if actor.ID == id {
			writeError(w, r, http.StatusBadRequest, "CANNOT_DELETE_SELF", "you cannot delete your own account")
			return
		}
		if err := a.auth.DeleteUser(r.Context(), id); err != nil {
			handleError(w, r, err)
			return
		}
		a.recordAudit(r, actor, "DELETE", "user", id)
		writeJSON(w, http.StatusOK, map[string]any{"detail": "user deleted"})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) updateUser(w http.ResponseWriter, r *http.Request, actor *auth.User, id int64) {
	var req struct {
		Email          *string `json:"email"`
		FullName       *string `json:"full_name"`
		Password       *string `json:"password"`
		Role           *string `json:"role"`
		Status         *string `json:"status"`
		ExpirationDate *string `json:"expiration_date"`
		GroupID        *int64  `json:"group_id"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}

	upd := auth.UserUpdate{
		Email:    req.Email,
		FullName: req.FullName,
		Password: req.Password,
		Role:     req.Role,
		Status:   req.Status,
		GroupID:  req.GroupID,
	}
	if req.ExpirationDate != nil {
		expiration, err := parseExpiration(req.ExpirationDate)
		if err != nil {
			badRequest(w, r, err.Error())
			return
		}
		upd.ExpirationDate = &expiration
	}

	user, err := a.auth.UpdateUser(r.Context(), id, upd)
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.recordAudit(r, actor, "UPDATE", "user", id)
	writeJSON(w, http.StatusOK, user)
}

// handleOwnProfile lets any authenticated user change their own name, email
// or password after re-proving the current password.
func (a *API) handleOwnProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "MISSING_TOKEN", "authentication required")
		return
	}

	var req struct {
		CurrentPassword string  `json:"current_password"`
		Email           *string `json:"email"`
		FullName        *string `json:"full_name"`
		NewPassword     *string `json:"new_password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.CurrentPassword == "" {
		badRequest(w, r, "current_password is required")
		return
	}

	updated, err := a.auth.UpdateOwnProfile(r.Context(), user.ID, req.CurrentPassword, auth.ProfileUpdate{
		Email:       req.Email,
		FullName:    req.FullName,
		NewPassword: req.NewPassword,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.recordAudit(r, user, "UPDATE", "user", user.ID)
	writeJSON(w, http.StatusOK, updated)
}

// listUserAudit serves the most recent audit trail entries for one account.
func (a *API) listUserAudit(w http.ResponseWriter, r *http.Request, rawID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		badRequest(w, r, "invalid id in path")
		return
	}
	if _, err := a.auth.User(r.Context(), id); err != nil {
		handleError(w, r, err)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			badRequest(w, r, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	entries, err := a.audit.ListByUser(r.Context(), id, limit)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func pathID(w http.ResponseWriter, r *http.Request, prefix string) (int64, bool) {
	raw := strings.TrimPrefix(r.URL.Path, prefix)
	raw = strings.TrimSuffix(raw, "/")
	if raw == "" || strings.Contains(raw, "/") {
		http.NotFound(w, r)
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		badRequest(w, r, "invalid id in path")
		return 0, false
	}
	return id, true
}

func parseExpiration(raw *string) (*time.Time, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", *raw)
	if err != nil {
		return nil, errors.New("expiration_date must be YYYY-MM-DD")
	}
	return &t, nil
}

func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

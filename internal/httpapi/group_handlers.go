package httpapi

import (
	"net/http"

	"previewdicom.org/internal/auth"
)

func (a *API) handleGroups(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.requireManageUsers(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		groups, err := a.auth.Groups(r.Context())
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, groups)
	case http.MethodPost:
		a.createGroup(w, r, actor)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

type groupPayload struct {
	Name            string `json:"name"`
	Description     string `json:"description"`
	CanEditPatients bool   `json:"can_edit_patients"`
	CanExportData   bool   `json:"can_export_data"`
	CanManageUsers  bool   `json:"can_manage_users"`
	CanViewImages   bool   `json:"can_view_images"`
}

func (a *API) createGroup(w http.ResponseWriter, r *http.Request, actor *auth.User) {
	var req groupPayload
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if req.Name == "" {
		badRequest(w, r, "name is required")
		return
	}
	group := &auth.Group{
		Name:            req.Name,
		Description:     req.Description,
		CanEditPatients: req.CanEditPatients,
		CanExportData:   req.CanExportData,
		CanManageUsers:  req.CanManageUsers,
		CanViewImages:   req.CanViewImages,
	}
	if err := a.auth.CreateGroup(r.Context(), group); err != nil {
		handleError(w, r, err)
		return
	}
	a.recordAudit(r, actor, "CREATE", "group", group.ID)
	writeJSON(w, http.StatusCreated, group)
}

func (a *API) handleGroupByID(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.requireManageUsers(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "/groups/")
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		group, err := a.auth.Group(r.Context(), id)
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, group)
	case http.MethodPut:
		a.updateGroup(w, r, actor, id)
	case http.MethodDelete:
		if err := a.auth.DeleteGroup(r.Context(), id); err != nil {
			handleError(w, r, err)
			return
		}
		a.recordAudit(r, actor, "DELETE", "group", id)
		writeJSON(w, http.StatusOK, map[string]any{"detail": "group deleted"})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) updateGroup(w http.ResponseWriter, r *http.Request, actor *auth.User, id int64) {
	group, err := a.auth.Group(r.Context(), id)
	if err != nil {
		handleError(w, r, err)
		return
	}

	var req struct {
		Name            *string `json:"name"`
		Description     *string `json:"description"`
		CanEditPatients *bool   `json:"can_edit_patients"`
		CanExportData   *bool   `json:"can_export_data"`
		CanManageUsers  *bool   `json:"can_manage_users"`
		CanViewImages   *bool   `json:"can_view_images"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}

	if req.Name != nil {
		group.Name = *req.Name
	}
	if req.Description != nil {
		group.Description = *req.Description
	}
	if req.CanEditPatients != nil {
		group.CanEditPatients = *req.CanEditPatients
	}
	if req.CanExportData != nil {
		group.CanExportData = *req.CanExportData
	}
	if req.CanManageUsers != nil {
		group.CanManageUsers = *req.CanManageUsers
	}
	if req.CanViewImages != nil {
		group.CanViewImages = *req.CanViewImages
	}

	if err := a.auth.UpdateGroup(r.Context(), group); err != nil {
		handleError(w, r, err)
		return
	}
	a.recordAudit(r, actor, "UPDATE", "group", id)
	writeJSON(w, http.StatusOK, group)
}

package httpapi

import (
	"context"
	"net/http"
)

const statsCacheKey = "stats"

type statsResponse struct {
	TotalPatients    int            `json:"totalPatients"`
	PatientsByStatus map[string]int `json:"patientsByStatus"`
	ActiveUsers      int            `json:"activeUsers"`
}

// handleStats serves aggregate counts, memoized for the configured TTL.
// Stale values are acceptable; the cache is advisory only.
func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	v, err := a.stats.Do(r.Context(), statsCacheKey, func(ctx context.Context) (any, error) {
		return a.collectStats(ctx)
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *API) collectStats(ctx context.Context) (*statsResponse, error) {
	total, err := a.patients.Count(ctx)
	if err != nil {
		return nil, err
	}
	byStatus, err := a.patients.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	activeUsers, err := a.auth.CountActiveUsers(ctx)
	if err != nil {
		return nil, err
	}
	return &statsResponse{
		TotalPatients:    total,
		PatientsByStatus: byStatus,
		ActiveUsers:      activeUsers,
	}, nil
}

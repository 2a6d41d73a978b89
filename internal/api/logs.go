package api

import (
	"net/http"
	"strconv"

	"harbor/internal/logging"
)

type logsPayload struct {
	Entries []logging.Entry `json:"entries"`
}

// recentLogs returns the retained tail of the daemon log, oldest first.
// ?limit= caps the number of entries.
func (s *Server) recentLogs(w http.ResponseWriter, r *http.Request) *apiError {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return &apiError{Status: http.StatusBadRequest, Message: "limit must be a non-negative integer"}
		}
		limit = parsed
	}
	entries := s.Logger.Recent(limit)
	if entries == nil {
		entries = []logging.Entry{}
	}
	writeJSON(w, http.StatusOK, logsPayload{Entries: entries})
	return nil
}

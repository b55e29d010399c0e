package api

import (
	"net/http"
)

// handleLogs returns the tail of the queue log file.
// GET /api/logs?limit=100
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	lines := []string{}
	if s.deps.Logs != nil {
		tail, err := s.deps.Logs.TailFile(queryInt(r, "limit", 100))
		if err == nil && tail != nil {
			lines = tail
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"lines": lines})
}

package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/ApptPipe/internal/models"
)

func (s *Server) receiptsHandler(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.st.GetReceipts()
	respondList(w, r, "receipts", receipts, err)
}

func (s *Server) responsesHandler(w http.ResponseWriter, r *http.Request) {
	responses, err := s.st.GetResponses()
	respondList(w, r, "responses", responses, err)
}

func (s *Server) appointmentsHandler(w http.ResponseWriter, r *http.Request) {
	appts, err := s.st.ListAppointments()
	respondList(w, r, "appointments", appts, err)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	healthData := map[string]interface{}{
		"status":          "healthy",
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds":  int64(time.Since(s.startedAt).Seconds()),
		"active_sessions": s.sessions.Len(),
	}
	respond(w, r, http.StatusOK, models.SuccessWithMessage("ApptPipe is running", healthData))
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	respondError(w, r, http.StatusNotFound, "Not found")
}

func (s *Server) methodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	slog.Warn("Server: method not allowed", "method", r.Method, "path", r.URL.Path)
	respondError(w, r, http.StatusMethodNotAllowed, "Method not allowed")
}

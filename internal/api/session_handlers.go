package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/uwb-bootstrap/uwb-ranging-server/internal/models"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/session"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/storage"
	"github.com/uwb-bootstrap/uwb-ranging-server/pkg/uwb"
)

// ========== Active session ==========

// HandleGetActiveSession returns the active session, or the last one
func (s *RESTServer) HandleGetActiveSession(w http.ResponseWriter, r *http.Request) {
	rec, active := s.sessions.Current()
	if rec == nil {
		s.respondError(w, http.StatusNotFound, "no session")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"session": rec,
		"active":  active,
	})
}

// HandleStartController starts a handshake as Controller
func (s *RESTServer) HandleStartController(w http.ResponseWriter, r *http.Request) {
	s.startSession(w, r, uwb.RoleController)
}

// HandleStartControlee starts a handshake as Controlee
func (s *RESTServer) HandleStartControlee(w http.ResponseWriter, r *http.Request) {
	s.startSession(w, r, uwb.RoleControlee)
}

func (s *RESTServer) startSession(w http.ResponseWriter, r *http.Request, role uwb.Role) {
	rec, err := s.sessions.Start(r.Context(), role)
	if errors.Is(err, session.ErrActive) {
		s.respondError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusAccepted, rec)
}

// HandleStopSession stops the active session
func (s *RESTServer) HandleStopSession(w http.ResponseWriter, r *http.Request) {
	rec, err := s.sessions.Stop(r.Context())
	if errors.Is(err, session.ErrNoSession) {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

// HandleGetPosition returns the latest position of the peer
func (s *RESTServer) HandleGetPosition(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.sessions.Position()
	if !ok {
		s.respondError(w, http.StatusNotFound, "no position")
		return
	}
	s.respondJSON(w, http.StatusOK, snap)
}

// ========== History ==========

// HandleListSessions lists recorded sessions
func (s *RESTServer) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	filters := storage.SessionFilters{}

	if role := r.URL.Query().Get("role"); role != "" {
		v := uwb.Role(role)
		if !v.Valid() {
			s.respondError(w, http.StatusBadRequest, "invalid role")
			return
		}
		filters.Role = &v
	}
	if status := r.URL.Query().Get("status"); status != "" {
		v := models.SessionStatus(status)
		filters.Status = &v
	}

	var err error
	if filters.StartTime, err = timeParam(r, "start_time"); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid start_time")
		return
	}
	if filters.EndTime, err = timeParam(r, "end_time"); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid end_time")
		return
	}

	sessions, total, err := s.store.ListSessions(r.Context(), filters, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    total,
	})
}

// HandleGetSession returns one recorded session
func (s *RESTServer) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	rec, err := s.store.GetSession(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, rec)
}

// HandleListEvents lists events
func (s *RESTServer) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	filters := storage.EventLogFilters{}

	// Parse filters
	if sessionID := r.URL.Query().Get("session_id"); sessionID != "" {
		id, err := uuid.Parse(sessionID)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid session_id")
			return
		}
		filters.SessionID = &id
	}

	if eventType := r.URL.Query().Get("type"); eventType != "" {
		modelEventType := models.EventType(eventType)
		filters.Type = &modelEventType
	}

	if level := r.URL.Query().Get("level"); level != "" {
		modelEventLevel := models.EventLevel(level)
		filters.Level = &modelEventLevel
	}

	var err error
	if filters.StartTime, err = timeParam(r, "start_time"); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid start_time")
		return
	}
	if filters.EndTime, err = timeParam(r, "end_time"); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid end_time")
		return
	}

	events, total, err := s.store.ListEventLogs(r.Context(), filters, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
	})
}

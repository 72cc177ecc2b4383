package bridge

import (
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/plexbridge/plexbridge/internal/session"
)

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	views := s.sessions.ListActive()
	sort.Slice(views, func(i, j int) bool { return views[i].StartedAt.Before(views[j].StartedAt) })
	writeJSON(w, http.StatusOK, map[string]any{
		"capacity": s.cfg.TunerCount,
		"in_use":   s.sessions.InUse(),
		"sessions": views,
	})
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.sessions.Terminate(id, session.ReasonAdmin)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no such session", "session_unknown")
		return
	}
	logger.Info().Str("id", id).Msg("session terminated by admin")
	w.WriteHeader(http.StatusNoContent)
}

// handleSessionBatchDelete terminates by ?client= or ?channel=.
func (s *Server) handleSessionBatchDelete(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case q.Get("client") != "":
		n := s.sessions.TerminateByClient(q.Get("client"), session.ReasonAdmin)
		writeJSON(w, http.StatusOK, map[string]int{"terminated": n})
	case q.Get("channel") != "":
		ch, err := strconv.ParseInt(q.Get("channel"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "channel must be numeric", "bad_request")
			return
		}
		n := s.sessions.TerminateByChannel(ch, session.ReasonAdmin)
		writeJSON(w, http.StatusOK, map[string]int{"terminated": n})
	default:
		writeError(w, http.StatusBadRequest, "client or channel query required", "bad_request")
	}
}

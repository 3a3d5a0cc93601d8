package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/bioreactor-core/internal/automation"
	"github.com/nerrad567/bioreactor-core/internal/history"
)

// History record types selectable with ?type=.
const (
	historyEvents      = "events"
	historyTransitions = "transitions"
	historyOutputs     = "outputs"
	historyFiltered    = "filtered"
)

// handleListEvents serves recorded history. Query parameters: type, unit,
// job, kind, since (RFC 3339), limit and offset.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "history is not recorded on this unit")
		return
	}

	filter, err := parseFilter(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	ctx := r.Context()
	kind := r.URL.Query().Get("type")
	switch kind {
	case "", historyEvents:
		page, err := s.history.ListEvents(ctx, filter)
		if err != nil {
			s.internalError(w, r, err)
			return
		}
		if page.Events == nil {
			page.Events = []automation.JobEvent{}
		}
		writeJSON(w, http.StatusOK, page)
	case historyTransitions:
		rows, err := s.history.ListTransitions(ctx, filter)
		writeRows(s, w, r, historyTransitions, rows, err)
	case historyOutputs:
		rows, err := s.history.ListOutputs(ctx, filter)
		writeRows(s, w, r, historyOutputs, rows, err)
	case historyFiltered:
		rows, err := s.history.ListFilteredStates(ctx, filter)
		writeRows(s, w, r, historyFiltered, rows, err)
	default:
		writeBadRequest(w, "type must be one of events, transitions, outputs, filtered")
	}
}

func writeRows[T any](s *Server, w http.ResponseWriter, r *http.Request, key string, rows []T, err error) {
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if rows == nil {
		rows = []T{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		key:     rows,
		"count": len(rows),
	})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("history query failed",
		"error", err,
		"path", r.URL.Path,
		"request_id", r.Context().Value(ctxKeyRequestID),
	)
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, "history query failed")
}

func parseFilter(r *http.Request) (history.Filter, error) {
	q := r.URL.Query()
	f := history.Filter{
		Unit: q.Get("unit"),
		Job:  q.Get("job"),
		Kind: automation.EventKind(q.Get("kind")),
	}

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errBadParam("since", "an RFC 3339 timestamp")
		}
		f.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errBadParam("limit", "a non-negative integer")
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errBadParam("offset", "a non-negative integer")
		}
		f.Offset = n
	}
	return f, nil
}

type paramError struct {
	name, want string
}

func (e paramError) Error() string { return e.name + " must be " + e.want }

func errBadParam(name, want string) error { return paramError{name: name, want: want} }

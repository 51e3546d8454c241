package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"nodegate/internal/audit"
)

const ssePingInterval = 15 * time.Second

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotFound, "audit trail disabled")
		return
	}
	q := r.URL.Query()
	opts := audit.QueryOptions{
		Node:      q.Get("node"),
		Operation: q.Get("operation"),
		Status:    q.Get("status"),
		ErrorKind: q.Get("error_kind"),
	}
	var err error
	if opts.Since, err = parseSince(q.Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if opts.Limit, err = parseCount(q.Get("limit"), "limit"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if opts.Offset, err = parseCount(q.Get("offset"), "offset"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.audit.Flush(); err != nil {
		s.logger.Warn("audit flush failed", "error", err)
	}
	events, err := s.audit.Query(r.Context(), opts)
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotFound, "audit trail disabled")
		return
	}
	since, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.audit.Flush(); err != nil {
		s.logger.Warn("audit flush failed", "error", err)
	}
	stats, err := s.audit.GetStats(r.Context(), r.URL.Query().Get("node"), since)
	if err != nil {
		s.logger.Error("audit stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "audit stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleAuditStream sends dispatches as server-sent "dispatch" events,
// optionally restricted by ?node=, ?operation= and ?status=. Events missed by
// a slow client are reported in a "dropped" event before the next dispatch.
func (s *Server) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusNotFound, "audit stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	q := r.URL.Query()
	sub := s.hub.Subscribe(audit.Filter{
		Node:      q.Get("node"),
		Operation: q.Get("operation"),
		Status:    q.Get("status"),
	})
	defer s.hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(ssePingInterval)
	defer ticker.Stop()

	var reported uint64

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, _ = io.WriteString(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if dropped := sub.Dropped(); dropped > reported {
				payload := fmt.Appendf(nil, `{"dropped":%d}`, dropped-reported)
				if err := writeSSE(w, "dropped", payload); err != nil {
					return
				}
				reported = dropped
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := writeSSE(w, "dispatch", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, event string, data []byte) error {
	bw := bufio.NewWriter(w)
	if event != "" {
		if _, err := fmt.Fprintf(bw, "event: %s\n", event); err != nil {
			return err
		}
	}
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if _, err := fmt.Fprintf(bw, "data: %s\n", line); err != nil {
			return err
		}
	}
	if _, err := bw.WriteString("\n"); err != nil {
		return err
	}
	return bw.Flush()
}

func parseSince(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return time.Now().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("since must be RFC3339 or a duration like 1h, got %q", v)
	}
	return t, nil
}

func parseCount(v, name string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", name, v)
	}
	return n, nil
}

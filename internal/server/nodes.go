package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"nodegate/internal/node"
	"nodegate/internal/params"
)

type nodeSummary struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Catalog    string `json:"catalog"`
	BaseURL    string `json:"base_url,omitempty"`
	Operations int    `json:"operations"`
}

func (s *Server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	out := make([]nodeSummary, 0)
	for _, name := range s.registry.Names() {
		n, ok := s.registry.Get(name)
		if !ok {
			continue
		}
		cfg := n.Config()
		cat := n.Catalog()
		out = append(out, nodeSummary{
			Name:       name,
			Kind:       cfg.Kind,
			Catalog:    cat.Name,
			BaseURL:    cfg.BaseURL,
			Operations: len(cat.Operations),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*node.Node, bool) {
	name := chi.URLParam(r, "node")
	n, ok := s.registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown node %q", name))
	}
	return n, ok
}

// handleExecute runs one operation. The body is {"params": {...}}; the
// operation comes from params.operation or from the path.
// Results are always returned as the dispatch envelope; failed dispatches
// carry their status_code as the HTTP status.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	n, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var data node.Data
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(&data); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if data.Params == nil {
		data.Params = params.Map{}
	}
	if op := chi.URLParam(r, "operation"); op != "" {
		data.Params[params.OperationKey] = params.StringValue(op)
	}

	res := n.Execute(r.Context(), data)
	status := http.StatusOK
	if !res.OK() && res.StatusCode != 0 {
		status = res.StatusCode
	}
	writeJSON(w, status, res)
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	n, ok := s.lookup(w, r)
	if !ok {
		return
	}
	cat := n.Catalog()
	writeJSON(w, http.StatusOK, map[string]any{
		"node":        n.Name(),
		"catalog":     cat.Name,
		"description": cat.Description,
		"operations":  cat.Sorted(),
	})
}

func (s *Server) handleNodeMetrics(w http.ResponseWriter, r *http.Request) {
	n, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"node":    n.Name(),
		"metrics": n.GetMetrics(),
		"runtime": n.Stats(),
	})
}

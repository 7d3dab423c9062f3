package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.History.Records(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n < len(records) {
			records = records[:n]
		}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.History.ClearHistory(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	s.Metrics.SetHistory(0, 0)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.History.Record(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	if err := s.History.DeleteRecord(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request) {
	lineage, err := s.History.IterationChain(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lineage)
}

func (s *Server) handleListChains(w http.ResponseWriter, r *http.Request) {
	chains, err := s.History.AllChains(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chains)
}

func (s *Server) handleGetChain(w http.ResponseWriter, r *http.Request) {
	chain, err := s.History.Chain(r.Context(), chi.URLParam(r, "chainID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

func (s *Server) handleDeleteChain(w http.ResponseWriter, r *http.Request) {
	if err := s.History.DeleteChain(r.Context(), chi.URLParam(r, "chainID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

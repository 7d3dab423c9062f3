package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/promptsmith/internal/template"
)

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	typ := template.Type(r.URL.Query().Get("type"))
	if typ != "" && !typ.Valid() {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown template type " + string(typ)})
		return
	}
	writeJSON(w, http.StatusOK, s.Templates.List(r.Context(), typ))
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.Templates.Template(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleSaveTemplate(w http.ResponseWriter, r *http.Request) {
	var t template.Template
	if err := decode(w, r, &t); err != nil {
		writeError(w, err)
		return
	}
	t.ID = chi.URLParam(r, "id")

	saved, err := s.Templates.Save(r.Context(), &t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.Templates.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"default": s.Models.DefaultModel(),
		"models":  s.Models.Models(),
	})
}

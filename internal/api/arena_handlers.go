package api

import (
	"net/http"
	"strings"

	"IntentArena/internal/arena"
)

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req arena.QuoteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	proposal, err := s.arena.Quote(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

func (s *Server) handleCompete(w http.ResponseWriter, r *http.Request) {
	var req arena.CompeteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.arena.Compete(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req arena.CompeteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.arena.Simulate(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req arena.AnalyzeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	analysis, err := s.arena.Analyze(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (s *Server) handleResolvePrice(w http.ResponseWriter, r *http.Request) {
	info, err := s.arena.ResolvePrice(r.Context(), r.PathValue("address"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleSearchTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.arena.SearchTokens(r.Context(), strings.TrimSpace(r.URL.Query().Get("q")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

func (s *Server) handleReputation(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"solvers": s.arena.Reputation()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.arena.History(r.Context(), parseLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"competitions": records})
}

func (s *Server) handleSolvers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"solvers": s.arena.Solvers()})
}

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/kestrel/internal/domain"
	"github.com/aristath/kestrel/internal/modules/journal"
)

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// handleHealth reports per-component health. Returns 503 when any component
// has failed so load balancers and supervisors can act on it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := s.engine.Health()

	status := http.StatusOK
	if components["system"].Status == domain.HealthFailed {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]interface{}{
		"status":     components["system"].Status,
		"components": components,
	})
}

// handleStatus returns the full engine snapshot: account, open positions,
// armed conditions, pause flag and the latest regime reading.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Sniper().Snapshot()
	regime := s.engine.Detector().State(time.Now())

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"paused":     snap.Paused,
		"account":    snap.Account,
		"positions":  snap.Positions,
		"conditions": snap.Conditions,
		"regime":     regime,
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Sniper().Account())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Sniper().Snapshot().Positions)
}

func (s *Server) handleConditions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Sniper().Snapshot().Conditions)
}

func (s *Server) handleScores(w http.ResponseWriter, r *http.Request) {
	scores, err := s.engine.Store().Scores.All()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, scores)
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	patterns, err := s.engine.Store().Patterns.All()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, patterns)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.engine.Store().Rules.All()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, rules)
}

// handleJournal lists journal entries, newest first. Supports ?symbol=,
// ?limit= and ?closed=true filters.
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	filter := journal.Filter{
		Symbol: strings.ToUpper(r.URL.Query().Get("symbol")),
		Limit:  50,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		filter.Limit = n
	}
	if r.URL.Query().Get("closed") == "true" {
		filter.ClosedOnly = true
	}

	entries, err := s.engine.Journal().Query(filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAdaptations(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	adaptations, err := s.engine.Store().Adaptations.Recent(limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, adaptations)
}

func (s *Server) handleLatestReflection(w http.ResponseWriter, r *http.Request) {
	ref, err := s.engine.Store().Reflections.Latest()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ref == nil {
		s.writeError(w, http.StatusNotFound, "no reflections yet")
		return
	}
	insights, err := s.engine.Store().Reflections.InsightsFor(ref.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"reflection": ref,
		"insights":   insights,
	})
}

// handlePause stops new entries and condition installs. Open positions keep
// being managed to their exits.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.engine.Sniper().Pause()
	s.log.Info().Msg("Trading paused by operator")
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.engine.Sniper().Resume()
	s.log.Info().Msg("Trading resumed by operator")
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// handleReflect runs a reflection cycle out of schedule. Blocks until the
// cycle finishes; 409 when one is already in flight.
func (s *Server) handleReflect(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Reflection().ForceRun(r.Context()); err != nil {
		if strings.Contains(err.Error(), "already running") {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reflection completed"})
}

type symbolRequest struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

func (s *Server) handleBlacklist(w http.ResponseWriter, r *http.Request) {
	var req symbolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if req.Symbol == "" {
		s.writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	if req.Reason == "" {
		req.Reason = "operator blacklist"
	}

	if err := s.engine.Store().Scores.SetStatus(req.Symbol, domain.CoinBlacklisted, req.Reason, domain.NowMs()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Warn().Str("symbol", req.Symbol).Str("reason", req.Reason).Msg("Symbol blacklisted by operator")
	s.writeJSON(w, http.StatusOK, map[string]string{"symbol": req.Symbol, "status": string(domain.CoinBlacklisted)})
}

func (s *Server) handleUnblacklist(w http.ResponseWriter, r *http.Request) {
	var req symbolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if req.Symbol == "" {
		s.writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	if req.Reason == "" {
		req.Reason = "operator unblacklist"
	}

	if err := s.engine.Store().Scores.SetStatus(req.Symbol, domain.CoinNormal, req.Reason, domain.NowMs()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info().Str("symbol", req.Symbol).Msg("Symbol unblacklisted by operator")
	s.writeJSON(w, http.StatusOK, map[string]string{"symbol": req.Symbol, "status": string(domain.CoinNormal)})
}

type rollbackRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// An empty body means a default reason.
	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Reason == "" {
		req.Reason = "operator rollback"
	}

	if err := s.engine.Adapter().Rollback(id, req.Reason); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "rolled_back"})
}

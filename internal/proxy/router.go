package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mcplens/mcplens/pkg/types"
)

// Router builds the HTTP surface. /health and /ws are open (the live channel
// does its own token check); everything else requires the API key when one
// is configured.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.wsServer.HandleUpgrade)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/", s.handleForward)
		r.Post("/rules/invalidate", s.handleInvalidateRules)
	})
	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := s.cfg.Server.DashboardURL
		if origin != "" && r.Header.Get("Origin") == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Api-Key, X-Agent-Id, X-User-Id")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := s.cfg.Auth.APIKey
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-Api-Key")
		if auth := r.Header.Get("Authorization"); auth != "" {
			if t, ok := strings.CutPrefix(auth, "Bearer "); ok {
				token = t
			}
		}
		if token != key {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

// handleForward accepts one raw JSON-RPC frame and relays it to every
// upstream. The first frame from an agent/user pair opens its session.
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "reading body failed")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty body")
		return
	}

	agentID := r.Header.Get("X-Agent-Id")
	if agentID == "" {
		agentID = "unknown"
	}
	userID := r.Header.Get("X-User-Id")

	sess, err := s.ensureSession(r.Context(), agentID, userID)
	if err != nil {
		s.logger.Error("starting session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "session start failed")
		return
	}

	forwarded := 0
	for _, up := range s.upstreams {
		up.bind(sess.ID, userID)
		if msg := up.ic.Parse(body, types.DirectionRequest); msg != nil {
			s.pipe.Process(msg, sess.ID, userID)
		}
		if err := up.tr.Send(body); err != nil {
			s.logger.Warn("forward failed", "upstream", up.name, "error", err)
			continue
		}
		forwarded++
	}

	if forwarded == 0 && len(s.upstreams) > 0 {
		writeError(w, http.StatusBadGateway, "no upstream accepted the message")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":    "forwarded",
		"sessionId": sess.ID,
		"upstreams": forwarded,
	})
}

// handleInvalidateRules flushes the evaluator's rule cache after external
// tooling edits the rule set.
func (s *Server) handleInvalidateRules(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if r.Body != nil {
		// An empty or malformed body means invalidate everything.
		_ = json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req)
	}
	s.evaluator.InvalidateRules(req.UserID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Package mgmtapi implements the optional HTTP management surface: an
// X-API-Key-gated status/token CRUD interface plus a mounted Prometheus
// /metrics handler, multiplexed on the server's own host:port next to the
// WebSocket upgrade handler.
package mgmtapi

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaywire/meshsocks/internal/ids"
	"github.com/relaywire/meshsocks/internal/serverapp"
	"github.com/relaywire/meshsocks/internal/token"
)

// VersionFunc is called to stamp the status response's version field,
// satisfied by sysinfo.Version read at call time (a plain string var
// can't be passed here without freezing it at startup).
type VersionFunc func() string

// Server is the management API's HTTP handler.
type Server struct {
	tokens  *token.Registry
	app     *serverapp.App
	apiKey  string
	version VersionFunc
	logger  *slog.Logger

	mux *http.ServeMux
}

// New builds a management API server bound to tokens/app. apiKey must be
// non-empty; callers decide whether to mount it at all (spec.md: the API
// only exists "when an API key is configured").
func New(tokens *token.Registry, app *serverapp.App, apiKey string, version VersionFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		tokens:  tokens,
		app:     app,
		apiKey:  apiKey,
		version: version,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.requireKey(s.handleStatus))
	mux.HandleFunc("/api/token", s.requireKey(s.handleTokenCollection))
	mux.HandleFunc("/api/token/", s.requireKey(s.handleTokenItem))
	mux.Handle("/metrics", promhttp.Handler())
	s.mux = mux

	return s
}

// Handler returns the http.Handler to mount, e.g. on the server's shared
// net/http.ServeMux alongside the WebSocket upgrade path.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) requireKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing X-API-Key")
			return
		}
		next(w, r)
	}
}

type tokenView struct {
	Token           string   `json:"token"`
	Type            string   `json:"type"`
	ClientsCount    int      `json:"clients_count"`
	Port            int      `json:"port,omitempty"`
	ConnectorTokens []string `json:"connector_tokens,omitempty"`
}

// buildView renders tok for the status listing. The registry never
// retains a token's plaintext once issued, so the "token" field reports
// its opaque internal id instead of re-exposing a secret the server no
// longer has.
func (s *Server) buildView(tok *token.Token) tokenView {
	v := tokenView{
		Token:        tok.ID.String(),
		Type:         tok.Kind.String(),
		ClientsCount: tok.PeerCount(),
	}
	if tok.Kind == token.KindReverse {
		v.Port = tok.Port
		for _, c := range s.tokens.ConnectorsOf(tok.ID) {
			v.ConnectorTokens = append(v.ConnectorTokens, c.ID.String())
		}
	}
	return v
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	all := s.tokens.All()
	views := make([]tokenView, 0, len(all))
	for _, tok := range all {
		views = append(views, s.buildView(tok))
	}

	version := "dev"
	if s.version != nil {
		version = s.version()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"version": version,
		"tokens":  views,
	})
}

// tokenRequest is the POST /api/token body.
type tokenRequest struct {
	Kind                 string `json:"kind"`
	Token                string `json:"token"`
	Port                 int    `json:"port"`
	Username             string `json:"username"`
	Password             string `json:"password"`
	AllowManageConnector bool   `json:"allow_manage_connector"`
	ReverseToken         string `json:"reverse_token"`
}

func (s *Server) handleTokenCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	switch req.Kind {
	case "forward":
		plain, tok, err := s.tokens.AddForward(req.Token)
		if err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"success": true,
			"token":   plain,
			"id":      tok.ID.String(),
		})

	case "reverse":
		plain, tok, err := s.tokens.AddReverse(req.Token, token.ReverseOptions{
			Port:                 req.Port,
			Username:             req.Username,
			Password:             req.Password,
			AllowManageConnector: req.AllowManageConnector,
		})
		if err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		if err := s.app.RegisterReverseToken(tok, tok.Port != 0); err != nil {
			s.tokens.RemoveByID(tok.ID)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"success": true,
			"token":   plain,
			"id":      tok.ID.String(),
			"port":    tok.Port,
		})

	case "connector":
		plain, tok, err := s.tokens.AddConnector(req.Token, req.ReverseToken)
		if err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"success": true,
			"token":   plain,
			"id":      tok.ID.String(),
		})

	default:
		writeError(w, http.StatusBadRequest, "kind must be forward, reverse, or connector")
	}
}

// handleTokenItem serves DELETE /api/token/{id}, identifying the token by
// the opaque id buildView reports rather than a plaintext the registry no
// longer holds.
func (s *Server) handleTokenItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	idStr := strings.TrimPrefix(r.URL.Path, "/api/token/")
	id, err := ids.Parse(idStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid token id")
		return
	}

	tok, ok := s.tokens.LookupByID(id)
	if !ok {
		writeError(w, http.StatusNotFound, "token not found")
		return
	}

	if tok.Kind == token.KindReverse {
		s.app.UnregisterReverseToken(tok.ID)
	}

	peers, ok := s.tokens.RemoveByID(id)
	if !ok {
		writeError(w, http.StatusNotFound, "token not found")
		return
	}
	_ = peers // sessions already authenticated under a removed token are not closed; they stay up until their link drops

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

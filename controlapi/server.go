// Package controlapi serves the proxy's own admin-facing HTTP surface:
// reading and merging the routing table, and reporting status.
package controlapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ethproofgate/relayproxy/store"
)

// RouteStore is the subset of store.Store the control API needs.
type RouteStore interface {
	Snapshot() store.RoutesView
	UpdateRoutes(map[string]string) error
}

// Status is the body returned by GET /status.
type Status struct {
	TopicID   string `json:"topicId"`
	PublicKey string `json:"publicKey"`
	Network   string `json:"network"`
}

// Server implements the /routes and /status HTTP surface.
type Server struct {
	store     RouteStore
	topicID   string
	publicKey string
	network   string

	// adminSecret gates POST /routes with a bearer JWT when non-empty. An
	// empty secret makes the auth hook a no-op, matching spec.md's "not
	// specified here" for this surface.
	adminSecret []byte
}

// NewServer builds a Server. adminSecret may be nil/empty to disable the
// bearer-auth hook on the mutating route.
func NewServer(store RouteStore, topicID, publicKey, network string, adminSecret []byte) *Server {
	return &Server{
		store:       store,
		topicID:     topicID,
		publicKey:   publicKey,
		network:     network,
		adminSecret: adminSecret,
	}
}

// Handler returns an http.Handler serving /routes and /status.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/routes", s.handleRoutes)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.store.Snapshot())
	case http.MethodPost:
		s.handleUpdateRoutes(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleUpdateRoutes(w http.ResponseWriter, r *http.Request) {
	if len(s.adminSecret) > 0 {
		if !s.authorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
	}

	var update map[string]string
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "expected a JSON object of addr -> url"})
		return
	}

	if err := s.store.UpdateRoutes(update); err != nil {
		slog.Error("controlapi: update routes failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "write failed"})
		return
	}

	writeJSON(w, http.StatusOK, s.store.Snapshot())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, Status{
		TopicID:   s.topicID,
		PublicKey: s.publicKey,
		Network:   s.network,
	})
}

// authorized reports whether r carries a valid HMAC-signed (HS256, HS384
// or HS512) bearer JWT signed with s.adminSecret.
func (s *Server) authorized(r *http.Request) bool {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return false
	}
	tokenStr := strings.TrimPrefix(authHeader, "Bearer ")

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.adminSecret, nil
	})
	return err == nil && token.Valid
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/markb/sbrealtime/internal/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins (CORS handled elsewhere)
	},
}

// HandleWebSocket handles WebSocket upgrade requests
func (s *Service) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	log.Debug("realtime: websocket request received")

	apiKey := requestAPIKey(r)
	if _, ok := s.validateAPIKey(apiKey); !ok {
		log.Debug("realtime: invalid API key")
		http.Error(w, "Invalid API key", http.StatusUnauthorized)
		return
	}

	// Upgrade to WebSocket
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("realtime: upgrade failed", "error", err.Error())
		return
	}

	// Create connection and start pumps
	conn := s.hub.NewConn(ws, r.URL.Query().Get("client_id"))
	log.Debug("realtime: new connection", "conn_id", conn.ID(), "client_id", conn.ClientID())

	go conn.WritePump()
	go conn.ReadPump()
}

// HandleStats serves hub statistics as JSON.
func (s *Service) HandleStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.validateAPIKey(requestAPIKey(r)); !ok {
		http.Error(w, "Invalid API key", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.hub.Stats())
}

// HandleCloseChannel drops every subscription to the topic named by the
// "topic" query parameter. It requires the service role.
func (s *Service) HandleCloseChannel(w http.ResponseWriter, r *http.Request) {
	role, ok := s.validateAPIKey(requestAPIKey(r))
	if !ok || role != RoleService {
		http.Error(w, "service role required", http.StatusForbidden)
		return
	}
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		http.Error(w, "topic is required", http.StatusBadRequest)
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "closed by server"
	}
	if !s.hub.CloseChannel(topic, reason) {
		http.Error(w, "channel not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requestAPIKey reads the key from the query string, the apikey header or a
// bearer token.
func requestAPIKey(r *http.Request) string {
	if key := r.URL.Query().Get("apikey"); key != "" {
		return key
	}
	if key := r.Header.Get("apikey"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// Roles carried by API keys.
const (
	RoleAnon    = "anon"
	RoleService = "service_role"
)

// validateAPIKey checks if the API key is valid and returns its role.
// Accepts either stored API keys or JWT-signed API keys
func (s *Service) validateAPIKey(key string) (string, bool) {
	if key == "" {
		return "", false
	}

	// Check against stored API keys
	if s.serviceKey != "" && key == s.serviceKey {
		return RoleService, true
	}
	if s.anonKey != "" && key == s.anonKey {
		return RoleAnon, true
	}

	// Try to validate as a JWT-based API key
	token, err := jwt.Parse(key, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", false
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", false
	}

	// Check if the role is anon or service_role
	if role, ok := claims["role"].(string); ok && (role == RoleAnon || role == RoleService) {
		return role, true
	}

	return "", false
}

// Authorize validates the API key carried by r and returns its role.
func (s *Service) Authorize(r *http.Request) (string, bool) {
	return s.validateAPIKey(requestAPIKey(r))
}

type roleKey struct{}

// ContextWithRole returns a copy of ctx carrying an authorized API key role.
func ContextWithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey{}, role)
}

// RoleFromContext returns the role stored by ContextWithRole.
func RoleFromContext(ctx context.Context) string {
	role, _ := ctx.Value(roleKey{}).(string)
	return role
}

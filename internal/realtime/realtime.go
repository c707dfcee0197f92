// Package realtime implements the realtime service: a Phoenix-style
// WebSocket endpoint offering channel join/leave, broadcast and presence.
package realtime

// Service provides realtime functionality
type Service struct {
	hub        *Hub
	jwtSecret  string
	anonKey    string
	serviceKey string
}

// Config holds realtime configuration
type Config struct {
	JWTSecret  string
	AnonKey    string
	ServiceKey string
}

// NewService creates a new realtime service
func NewService(cfg Config) *Service {
	return &Service{
		hub:        NewHub(cfg.JWTSecret),
		jwtSecret:  cfg.JWTSecret,
		anonKey:    cfg.AnonKey,
		serviceKey: cfg.ServiceKey,
	}
}

// Hub returns the connection hub
func (s *Service) Hub() *Hub {
	return s.hub
}

// Stats returns realtime statistics
func (s *Service) Stats() HubStats {
	return s.hub.Stats()
}

// Publish sends a server-originated message to subscribers of topic.
func (s *Service) Publish(topic, event string, payload any) int {
	return s.hub.Broadcast(topic, event, payload)
}

package connection

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Maximum message size
	maxMessageSize = 512 * 1024 // 512KB

	// WebSocketPath is where the realtime service accepts connections.
	WebSocketPath = "/realtime/v1/websocket"
)

// Socket is one established transport session carrying text frames.
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Transport opens sockets. It is swapped out in tests.
type Transport interface {
	Dial(ctx context.Context, rawURL string) (Socket, error)
}

// WebSocketTransport dials the realtime service over gorilla/websocket.
type WebSocketTransport struct {
	Dialer *websocket.Dialer
}

// Dial implements Transport. A 401 or 403 handshake response is reported as
// ErrUnauthorized.
func (t WebSocketTransport) Dial(ctx context.Context, rawURL string) (Socket, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ws, resp, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
		}
		return nil, err
	}
	ws.SetReadLimit(maxMessageSize)
	return &wsSocket{ws: ws}, nil
}

type wsSocket struct {
	ws *websocket.Conn
	mu sync.Mutex // serializes writers
}

func (s *wsSocket) ReadMessage() ([]byte, error) {
	_, data, err := s.ws.ReadMessage()
	return data, err
}

func (s *wsSocket) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.ws.Close()
}

// websocketURL builds the realtime endpoint URL from a base http(s) or
// ws(s) URL.
func websocketURL(endpoint, key, clientID string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid endpoint %q: missing host", endpoint)
	}

	u.Path = strings.TrimRight(u.Path, "/") + WebSocketPath
	q := u.Query()
	q.Set("apikey", key)
	if clientID != "" {
		q.Set("client_id", clientID)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

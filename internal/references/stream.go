package references

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketSource reads citation events from the server's websocket endpoint.
type WebSocketSource struct {
	conn      *websocket.Conn
	frames    chan []byte
	done      chan struct{}
	err       error
	closeOnce sync.Once
}

// EventsURL derives the websocket URL for an organization from the API base
// URL: http becomes ws and https becomes wss.
func EventsURL(baseURL, organizationID, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/citation_entry/" + url.PathEscape(organizationID) + "/"
	if token != "" {
		u.RawQuery = url.Values{"token": {token}}.Encode()
	}
	return u.String(), nil
}

// DialEvents opens the event stream for organizationID.
func DialEvents(ctx context.Context, baseURL, organizationID, token string) (*WebSocketSource, error) {
	wsURL, err := EventsURL(baseURL, organizationID, token)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial citation events: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial citation events: %w", err)
	}
	return NewWebSocketSource(conn), nil
}

func NewWebSocketSource(conn *websocket.Conn) *WebSocketSource {
	s := &WebSocketSource{
		conn:   conn,
		frames: make(chan []byte, 32),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *WebSocketSource) readLoop() {
	defer close(s.frames)
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.err = err
			if s.closed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.err = io.EOF
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		select {
		case s.frames <- data:
		case <-s.done:
			s.err = io.EOF
			return
		}
	}
}

func (s *WebSocketSource) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Next returns the next text frame. io.EOF marks a clean end of stream.
func (s *WebSocketSource) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-s.frames:
		if !ok {
			if s.err == nil {
				return nil, io.EOF
			}
			return nil, s.err
		}
		return data, nil
	}
}

func (s *WebSocketSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadlineSoon())
		err = s.conn.Close()
	})
	return err
}

func deadlineSoon() time.Time {
	return time.Now().Add(time.Second)
}

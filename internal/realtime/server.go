// Package realtime bridges document-store change events over websockets.
// Server exposes a local Subscriber to remote clients; Client implements
// docstore.Subscriber on top of a remote Server.
package realtime

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"movieshelf/internal/docstore"
)

// Message types sent by the server.
const (
	TypeConnected = "connected"
	TypeEvent     = "event"
)

const (
	defaultPingInterval = 30 * time.Second
	writeWait           = 10 * time.Second
	sendBuffer          = 64
)

// Message is the envelope of every frame written by the server.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type connectedData struct {
	Channels []string `json:"channels"`
}

// Server upgrades HTTP requests to websockets and streams events of the
// channels named by the repeated or comma-separated "channels" query param.
type Server struct {
	sub          docstore.Subscriber
	log          zerolog.Logger
	upgrader     websocket.Upgrader
	pingInterval time.Duration

	mu    sync.Mutex
	conns int
}

func NewServer(sub docstore.Subscriber, log zerolog.Logger) *Server {
	return &Server{
		sub: sub,
		log: log.With().Str("component", "realtime").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		pingInterval: defaultPingInterval,
	}
}

// SetPingInterval changes how often idle connections are pinged.
func (s *Server) SetPingInterval(d time.Duration) {
	if d > 0 {
		s.pingInterval = d
	}
}

// Connections reports the number of open websocket connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channels := parseChannels(r.URL.Query()["channels"])
	if len(channels) == 0 {
		http.Error(w, "at least one channel is required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.mu.Lock()
	s.conns++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conns--
		s.mu.Unlock()
	}()

	s.serve(conn, channels)
}

func (s *Server) serve(conn *websocket.Conn, channels []string) {
	defer conn.Close()

	send := make(chan Message, sendBuffer)
	done := make(chan struct{})

	hello, _ := json.Marshal(connectedData{Channels: channels})
	send <- Message{Type: TypeConnected, Data: hello}

	unsubs := make([]func(), 0, len(channels))
	for _, ch := range channels {
		unsubs = append(unsubs, s.sub.Subscribe(ch, func(evt docstore.Event) {
			data, err := json.Marshal(evt)
			if err != nil {
				s.log.Error().Err(err).Str("channel", evt.Channel).Msg("encode event")
				return
			}
			select {
			case send <- Message{Type: TypeEvent, Data: data}:
			case <-done:
			default:
				s.log.Warn().Str("channel", evt.Channel).Msg("client too slow, dropping event")
			}
		}))
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	go s.readLoop(conn, done)
	s.writeLoop(conn, send, done)
}

// readLoop consumes client frames so control messages are processed, and
// closes done when the connection goes away.
func (s *Server) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	_ = conn.SetReadDeadline(time.Now().Add(2 * s.pingInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * s.pingInterval))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Msg("websocket closed")
			}
			return
		}
	}
}

func (s *Server) writeLoop(conn *websocket.Conn, send <-chan Message, done <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case msg := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				s.log.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func parseChannels(values []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, v := range values {
		for _, ch := range strings.Split(v, ",") {
			ch = strings.TrimSpace(ch)
			if ch == "" {
				continue
			}
			if _, ok := seen[ch]; ok {
				continue
			}
			seen[ch] = struct{}{}
			out = append(out, ch)
		}
	}
	return out
}

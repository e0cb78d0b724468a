package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// KindStatus is the first frame sent on a new subscription
const KindStatus = "status"

func (s *RESTServer) upgrader() *websocket.Upgrader {
	allowed := s.config.API.AllowedOrigins
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range allowed {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
	}
}

// HandleSessionEvents streams session updates over a WebSocket. The first
// frame carries the current session, later frames mirror what the
// integrations publish.
func (s *RESTServer) HandleSessionEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	updates, unsubscribe := s.sessions.Subscribe()
	defer unsubscribe()

	rec, _ := s.sessions.Current()
	if err := s.writeFrame(conn, map[string]interface{}{"kind": KindStatus, "session": rec}); err != nil {
		return
	}

	// The read pump only handles control frames and notices the close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	log.Debug().Str("remote", r.RemoteAddr).Msg("WebSocket subscriber connected")
	defer log.Debug().Str("remote", r.RemoteAddr).Msg("WebSocket subscriber disconnected")

	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return
			}
			if err := s.writeFrame(conn, u); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *RESTServer) writeFrame(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(v)
}

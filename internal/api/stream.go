package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/danmuck/h9ctl/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	maxInbound = 4096
)

// handleStream upgrades to a WebSocket that carries every published
// StateSnapshot as a JSON text message. Text messages from the client are
// decoded as actions and queued.
func (s *Server) handleStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("api.Server.handleStream upgrade failed")
		return
	}
	snaps, cancel := s.ctl.Subscribe(s.cfg.StreamBuffer)
	defer cancel()

	var closeOnce sync.Once
	done := make(chan struct{})
	stop := func() {
		closeOnce.Do(func() {
			close(done)
			_ = conn.Close()
		})
	}
	defer stop()

	go s.readActions(conn, stop)

	client := c.ClientIP()
	log.Debug().Str("client", client).Msg("api.Server.handleStream opened")
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case snap, ok := <-snaps:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "worker stopped"))
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				log.Error().Err(err).Msg("api.Server.handleStream encode failed")
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("client", client).Msg("api.Server.handleStream write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			log.Debug().Str("client", client).Msg("api.Server.handleStream closed")
			return
		}
	}
}

func (s *Server) readActions(conn *websocket.Conn, stop func()) {
	defer stop()
	conn.SetReadLimit(maxInbound)
	idle := 2 * s.cfg.PingPeriod
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("api.Server.readActions unexpected close")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		if mt != websocket.TextMessage {
			continue
		}
		var a worker.Action
		if err := json.Unmarshal(data, &a); err != nil {
			log.Warn().Err(err).Msg("api.Server.readActions invalid action")
			continue
		}
		if err := s.ctl.Enqueue(a); err != nil {
			log.Warn().Err(err).Str("action", a.String()).Msg("api.Server.readActions rejected")
		}
	}
}

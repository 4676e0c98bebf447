package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/YangTris/Hotel-Microservice/internal/saga"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// watchBooking шлет снимки саги в websocket, пока сага не завершится.
// Подписка оформляется до чтения текущего снимка, чтобы не потерять переход.
func (s *Server) watchBooking(c *gin.Context) {
	id := c.Param("id")
	updates, unsubscribe := s.watcher.Watch(id)
	defer unsubscribe()

	current, err := s.service.Get(c.Request.Context(), id)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("saga_id", id).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	log := s.logger.With().Str("saga_id", id).Logger()

	// клиент ничего не присылает; чтение нужно для pong и обнаружения закрытия
	closed := make(chan struct{})
	conn.SetReadLimit(maxMessageSize)
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(snapshot *saga.BookingSaga) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(newBookingView(snapshot))
	}
	finish := func() {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "saga finished"))
	}

	if err := send(current); err != nil {
		log.Debug().Err(err).Msg("websocket write failed")
		return
	}
	if current.State.IsTerminal() {
		finish()
		return
	}
	lastVersion := current.Version

	ping := time.NewTicker(s.config.PingInterval)
	defer ping.Stop()

	for {
		select {
		case snapshot, ok := <-updates:
			if !ok {
				return
			}
			if snapshot.Version <= lastVersion {
				continue
			}
			lastVersion = snapshot.Version
			if err := send(snapshot); err != nil {
				log.Debug().Err(err).Msg("websocket write failed")
				return
			}
			if snapshot.State.IsTerminal() {
				finish()
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

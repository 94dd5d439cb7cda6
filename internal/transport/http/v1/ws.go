package v1

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/notechat/internal/domain"
)

// latest holds the most recent snapshot not yet written to a socket.
// A slow client only ever sees the newest state.
type latest struct {
	mu      sync.Mutex
	pending *domain.ChatSnapshot
	notify  chan struct{}
}

func newLatest() *latest {
	return &latest{notify: make(chan struct{}, 1)}
}

func (l *latest) put(snap domain.ChatSnapshot) {
	l.mu.Lock()
	l.pending = &snap
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *latest) take() *domain.ChatSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := l.pending
	l.pending = nil
	return snap
}

// SubscribeSnapshots upgrades to a websocket and pushes every snapshot the
// session publishes, starting with the current one.
// GET /v1/chats/:chat_id/ws
func (h *Handler) SubscribeSnapshots(c echo.Context) error {
	sess, err := h.orch.EnsureSession(c.Request().Context(), c.Param("chat_id"))
	if err != nil {
		return errorResponse(c, err)
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return nil
	}
	defer conn.Close()

	out := newLatest()
	unsubscribe := sess.Subscribe(out.put)
	defer unsubscribe()
	out.put(sess.Snapshot())

	log := h.log.With().Str("chat_id", sess.ID()).Logger()
	log.Debug().Msg("snapshot subscriber connected")

	closed := make(chan struct{})
	go h.readPump(conn, closed)

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			log.Debug().Msg("snapshot subscriber disconnected")
			return nil
		case <-out.notify:
			snap := out.take()
			if snap == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteJSON(snap); err != nil {
				log.Debug().Err(err).Msg("snapshot write failed")
				return nil
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}

// readPump discards client frames and closes done once the peer goes away.
func (h *Handler) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	pongWait := h.pingInterval * 2
	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Package v1 provides the HTTP handlers of the local view bridge.
package v1

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/xiaot623/notechat/internal/domain"
	"github.com/xiaot623/notechat/internal/orchestrator"
)

// Handler handles HTTP requests.
type Handler struct {
	orch     *orchestrator.Orchestrator
	log      zerolog.Logger
	upgrader websocket.Upgrader

	pingInterval time.Duration
	writeTimeout time.Duration
}

// NewHandler creates a new handler.
func NewHandler(orch *orchestrator.Orchestrator, log zerolog.Logger) *Handler {
	return &Handler{
		orch: orch,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// The bridge only listens on the local machine.
				return true
			},
		},
		pingInterval: 30 * time.Second,
		writeTimeout: 10 * time.Second,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/v1/chats", h.ListChats)
	e.POST("/v1/chats", h.CreateChat)
	e.GET("/v1/chats/:chat_id", h.GetChat)
	e.PATCH("/v1/chats/:chat_id", h.RenameChat)
	e.DELETE("/v1/chats/:chat_id", h.DeleteChat)

	e.POST("/v1/chats/:chat_id/messages", h.SendMessage)
	e.POST("/v1/chats/:chat_id/stop", h.StopStreaming)
	e.GET("/v1/chats/:chat_id/snapshot", h.GetSnapshot)
	e.GET("/v1/chats/:chat_id/ws", h.SubscribeSnapshots)

	e.GET("/v1/last-active", h.GetLastActive)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

func errorResponse(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrCrossConversationReference),
		errors.Is(err, domain.ErrNoActiveStream),
		errors.Is(err, domain.ErrSendRejected),
		errors.Is(err, domain.ErrSessionClosed):
		status = http.StatusConflict
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}

package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/notechat/internal/domain"
)

// SendMessageRequest is the body of POST /v1/chats/:chat_id/messages.
type SendMessageRequest struct {
	Content     string                `json:"content"`
	Model       domain.ModelSelection `json:"model"`
	Attachments []domain.Attachment   `json:"attachments,omitempty"`
}

// SendMessage appends a turn and starts generating its response.
// POST /v1/chats/:chat_id/messages
func (h *Handler) SendMessage(c echo.Context) error {
	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	chatID := c.Param("chat_id")
	turnID, err := h.orch.SendMessage(c.Request().Context(), chatID, req.Content, req.Model, req.Attachments)
	if err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusAccepted, map[string]string{
		"chat_id":    chatID,
		"message_id": turnID,
	})
}

// StopStreaming cancels the response being generated in a conversation.
// POST /v1/chats/:chat_id/stop
func (h *Handler) StopStreaming(c echo.Context) error {
	sess, err := h.orch.EnsureSession(c.Request().Context(), c.Param("chat_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	if err := sess.StopStreaming(); err != nil {
		return errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// GetSnapshot returns the current published state of a conversation.
// GET /v1/chats/:chat_id/snapshot
func (h *Handler) GetSnapshot(c echo.Context) error {
	sess, err := h.orch.EnsureSession(c.Request().Context(), c.Param("chat_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, sess.Snapshot())
}

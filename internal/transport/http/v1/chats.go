package v1

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/notechat/internal/domain"
)

// ListChats lists conversation previews, most recently accessed first.
// GET /v1/chats
func (h *Handler) ListChats(c echo.Context) error {
	chats, err := h.orch.ListChats(c.Request().Context())
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"chats": chats,
	})
}

// CreateChat creates an empty conversation.
// POST /v1/chats
func (h *Handler) CreateChat(c echo.Context) error {
	chat, err := h.orch.CreateChat(c.Request().Context())
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, chat)
}

// GetChat returns a conversation with a page of its turns.
// GET /v1/chats/:chat_id?offset=&limit=&order=asc|desc
func (h *Handler) GetChat(c echo.Context) error {
	q := domain.MessageQuery{Order: domain.SortAsc}
	if o := c.QueryParam("offset"); o != "" {
		val, err := strconv.Atoi(o)
		if err != nil || val < 0 {
			return badRequest(c, "offset must be a non-negative integer")
		}
		q.Offset = val
	}
	if l := c.QueryParam("limit"); l != "" {
		val, err := strconv.Atoi(l)
		if err != nil || val < 0 {
			return badRequest(c, "limit must be a non-negative integer")
		}
		q.Limit = val
	}
	switch order := strings.ToLower(c.QueryParam("order")); order {
	case "", "asc":
	case "desc":
		q.Order = domain.SortDesc
	default:
		return badRequest(c, "order must be asc or desc")
	}

	chat, err := h.orch.LoadChatRecord(c.Request().Context(), c.Param("chat_id"), q)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, chat)
}

// RenameChatRequest is the body of PATCH /v1/chats/:chat_id.
type RenameChatRequest struct {
	Title string `json:"title"`
}

// RenameChat changes a conversation's title.
// PATCH /v1/chats/:chat_id
func (h *Handler) RenameChat(c echo.Context) error {
	var req RenameChatRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		return badRequest(c, "title is required")
	}
	if err := h.orch.RenameChat(c.Request().Context(), c.Param("chat_id"), req.Title); err != nil {
		return errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// DeleteChat deletes a conversation and its turns.
// DELETE /v1/chats/:chat_id
func (h *Handler) DeleteChat(c echo.Context) error {
	deleted, err := h.orch.DeleteChat(c.Request().Context(), c.Param("chat_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"deleted": deleted})
}

// GetLastActive resolves the conversation to open on startup.
// GET /v1/last-active
func (h *Handler) GetLastActive(c echo.Context) error {
	sess, err := h.orch.ResolveLastActiveChat(c.Request().Context())
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, sess.Snapshot())
}

// Package client talks to a running notechat bridge over HTTP and websockets.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/notechat/internal/domain"
)

// Client calls the bridge's v1 API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// New creates a client for the bridge listening at baseURL, e.g. http://localhost:8080.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
		dialer:     websocket.DefaultDialer,
	}
}

// ListChats returns conversation previews, most recent first.
func (c *Client) ListChats(ctx context.Context) ([]domain.ChatPreview, error) {
	var out struct {
		Chats []domain.ChatPreview `json:"chats"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/chats", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Chats, nil
}

// LastActive resolves the conversation to open.
func (c *Client) LastActive(ctx context.Context) (*domain.ChatSnapshot, error) {
	var snap domain.ChatSnapshot
	if err := c.do(ctx, http.MethodGet, "/v1/last-active", nil, http.StatusOK, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Send posts a user message and returns the new turn id.
func (c *Client) Send(ctx context.Context, chatID, content string, model domain.ModelSelection) (string, error) {
	body := map[string]interface{}{
		"content": content,
		"model":   model,
	}
	var out map[string]string
	if err := c.do(ctx, http.MethodPost, "/v1/chats/"+url.PathEscape(chatID)+"/messages", body, http.StatusAccepted, &out); err != nil {
		return "", err
	}
	return out["message_id"], nil
}

// Stop cancels the response being generated in chatID.
func (c *Client) Stop(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodPost, "/v1/chats/"+url.PathEscape(chatID)+"/stop", nil, http.StatusNoContent, nil)
}

// Watch streams snapshots of chatID to fn until ctx ends or the server
// closes the connection. A normal close returns nil.
func (c *Client) Watch(ctx context.Context, chatID string, fn func(domain.ChatSnapshot)) error {
	addr := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/v1/chats/" + url.PathEscape(chatID) + "/ws"
	conn, _, err := c.dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
		}
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}()

	for {
		var snap domain.ChatSnapshot
		if err := conn.ReadJSON(&snap); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		fn(snap)
	}
}

func (c *Client) do(ctx context.Context, method, path string, in interface{}, want int, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

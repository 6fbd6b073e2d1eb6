// Package transport wraps the VeteranMeet chat REST API behind typed calls.
// Every call returns normalized data, never raw server envelopes; list
// endpoints accept both a bare array and a paginated {results} object.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/veteranmeet/messenger/chat"
)

// Authorizer attaches session credentials to an outgoing request.
type Authorizer interface {
	Authorize(r *http.Request) error
}

// Client issues authenticated requests against the chat API.
type Client struct {
	base   *url.URL
	http   *http.Client
	auth   Authorizer
	logger *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.http = h
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func New(baseURL string, auth Authorizer, opts ...Option) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	c := &Client{
		base:   base,
		http:   &http.Client{Timeout: 30 * time.Second},
		auth:   auth,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetRooms lists the user's conversations.
func (c *Client) GetRooms(ctx context.Context) ([]chat.Room, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/chat/rooms/", nil)
	if err != nil {
		return nil, err
	}
	return decodeList[chat.Room](body)
}

// GetMessages lists a room's messages in whatever order the server returns
// them; callers re-sort.
func (c *Client) GetMessages(ctx context.Context, roomID string) ([]chat.Message, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/chat/rooms/"+roomID+"/messages/", nil)
	if err != nil {
		return nil, err
	}
	return decodeList[chat.Message](body)
}

// CreateDirectChat creates or retrieves the direct room with a user. The
// server is idempotent by participant pair.
func (c *Client) CreateDirectChat(ctx context.Context, userID string) (*chat.Room, error) {
	body, err := c.do(ctx, http.MethodPost, "/api/chat/rooms/direct/", map[string]string{"user": userID})
	if err != nil {
		return nil, err
	}
	var room chat.Room
	if err := json.Unmarshal(body, &room); err != nil {
		return nil, fmt.Errorf("decode room: %w", err)
	}
	return &room, nil
}

// SendMessage posts a message and returns the server's authoritative copy.
func (c *Client) SendMessage(ctx context.Context, roomID, content string) (*chat.Message, error) {
	body, err := c.do(ctx, http.MethodPost, "/api/chat/messages/",
		map[string]string{"room": roomID, "content": content})
	if err != nil {
		return nil, err
	}
	var msg chat.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}

// MarkRoomRead marks every message in a room as read.
func (c *Client) MarkRoomRead(ctx context.Context, roomID string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/chat/rooms/"+roomID+"/read/", nil)
	return err
}

// MarkMessageRead records a read receipt for one message.
func (c *Client) MarkMessageRead(ctx context.Context, messageID string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/chat/messages/"+messageID+"/read/", nil)
	return err
}

// GetOnlineUsers returns the ids of currently online users.
func (c *Client) GetOnlineUsers(ctx context.Context) ([]string, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/chat/online/", nil)
	if err != nil {
		return nil, err
	}
	return decodeList[string](body)
}

// DeleteRoom removes a conversation.
func (c *Client) DeleteRoom(ctx context.Context, roomID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/chat/rooms/"+roomID+"/", nil)
	return err
}

// SendTypingIndicator tells the room that the user started or stopped
// typing. Fire and forget from the caller's perspective.
func (c *Client) SendTypingIndicator(ctx context.Context, roomID string, isTyping bool) error {
	_, err := c.do(ctx, http.MethodPost, "/api/chat/rooms/"+roomID+"/typing/",
		map[string]bool{"is_typing": isTyping})
	return err
}

// SendHeartbeat signals liveness. The device id distinguishes concurrent
// sessions of the same user.
func (c *Client) SendHeartbeat(ctx context.Context, deviceID string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/presence/heartbeat/",
		map[string]string{"device": deviceID})
	return err
}

// MarkOffline signals an explicit presence-down, issued on logout.
func (c *Client) MarkOffline(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/api/presence/offline/", nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(b)
	}

	u := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.auth.Authorize(req); err != nil {
		return nil, fmt.Errorf("authorize request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, newStatusError(method, path, resp.StatusCode, data)
	}
	return data, nil
}

// decodeList accepts either a bare JSON array or a paginated
// {"results": [...]} envelope and returns the elements.
func decodeList[T any](data []byte) ([]T, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var items []T
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("decode list: %w", err)
		}
		return items, nil
	}
	var envelope struct {
		Results []T `json:"results"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode list envelope: %w", err)
	}
	return envelope.Results, nil
}

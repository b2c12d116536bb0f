// Package api implements the HTTP client for the messenger gateway. All
// responses use a { "data": { ... } } envelope on success and
// { "error": { "message": ... } } on failure; authenticated endpoints carry
// a bearer token supplied by a TokenFunc so this package never stores
// credentials itself.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/whisper/messenger/internal/metrics"
	"github.com/whisper/messenger/internal/protocol"
)

// TokenFunc returns the current bearer token, or an empty string when the
// session is anonymous. It is called once per authenticated request.
type TokenFunc func() string

// Client issues REST calls against a fixed gateway base URL.
type Client struct {
	baseURL string
	http    *http.Client
	token   TokenFunc
}

// NewClient creates a gateway client. httpClient may be nil, in which case a
// default client with a 15s timeout is used.
func NewClient(baseURL string, httpClient *http.Client, token TokenFunc) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		token:   token,
	}
}

// registerRequest is the POST /auth/register body.
type registerRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Password    string `json:"password"`
}

// loginRequest is the POST /auth/login body.
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ProfileUpdate carries the mutable profile fields for PUT /auth/profile.
// Nil fields are omitted and left unchanged by the backend.
type ProfileUpdate struct {
	DisplayName *string `json:"displayName,omitempty"`
	AvatarURL   *string `json:"avatarUrl,omitempty"`
}

type sendMessageRequest struct {
	Body string `json:"body"`
}

// Register creates an account and returns the issued bearer token.
func (c *Client) Register(ctx context.Context, email, displayName, password string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/auth/register", registerRequest{
		Email:       email,
		DisplayName: displayName,
		Password:    password,
	}, false, &out)
	if err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", fmt.Errorf("api: register response carried no token")
	}
	return out.Token, nil
}

// Login authenticates and returns the issued bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/auth/login", loginRequest{
		Email:    email,
		Password: password,
	}, false, &out)
	if err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", fmt.Errorf("api: login response carried no token")
	}
	return out.Token, nil
}

// Profile verifies the current token and returns the authenticated user.
func (c *Client) Profile(ctx context.Context) (*protocol.User, error) {
	var out struct {
		User protocol.User `json:"user"`
	}
	if err := c.do(ctx, http.MethodGet, "/auth/profile", nil, true, &out); err != nil {
		return nil, err
	}
	if out.User.ID == "" {
		return nil, fmt.Errorf("api: profile response carried no user")
	}
	return &out.User, nil
}

// UpdateProfile applies the given field updates and returns the updated user.
func (c *Client) UpdateProfile(ctx context.Context, upd ProfileUpdate) (*protocol.User, error) {
	var out struct {
		User protocol.User `json:"user"`
	}
	if err := c.do(ctx, http.MethodPut, "/auth/profile", upd, true, &out); err != nil {
		return nil, err
	}
	return &out.User, nil
}

// ListUsers returns the selectable peers for the authenticated user.
func (c *Client) ListUsers(ctx context.Context) ([]protocol.User, error) {
	var out struct {
		Users []protocol.User `json:"users"`
	}
	if err := c.do(ctx, http.MethodGet, "/auth/users", nil, true, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

// Messages returns the full message history with the given peer, oldest first
// (the gateway's ordering is preserved verbatim).
func (c *Client) Messages(ctx context.Context, peerID string) ([]protocol.Message, error) {
	var out struct {
		Messages []protocol.Message `json:"messages"`
	}
	path := "/messages/users/" + url.PathEscape(peerID)
	if err := c.do(ctx, http.MethodGet, path, nil, true, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// SendMessage persists a message to the given peer and returns the
// server-assigned record, including its authoritative id and timestamp.
func (c *Client) SendMessage(ctx context.Context, peerID, body string) (*protocol.Message, error) {
	// The gateway nests the created record under "messages" even though it
	// is a single object.
	var out struct {
		Message protocol.Message `json:"messages"`
	}
	path := "/messages/users/" + url.PathEscape(peerID)
	if err := c.do(ctx, http.MethodPost, path, sendMessageRequest{Body: body}, true, &out); err != nil {
		return nil, err
	}
	if out.Message.ID == "" {
		return nil, fmt.Errorf("api: send response carried no message id")
	}
	return &out.Message, nil
}

// do performs one gateway request: marshals the body, attaches the bearer
// token when authed, and decodes the success envelope into out (which may be
// nil). HTTP error statuses are decoded into *Error.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, authed bool, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+c.token())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues("transport_error").Inc()
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues("transport_error").Inc()
		return fmt.Errorf("api: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		metrics.GatewayRequestsTotal.WithLabelValues("error").Inc()
		return decodeError(resp.StatusCode, data)
	}
	metrics.GatewayRequestsTotal.WithLabelValues("ok").Inc()

	if out == nil {
		return nil
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("api: malformed response envelope: %w", err)
	}
	if envelope.Data == nil {
		return fmt.Errorf("api: response envelope carried no data")
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("api: decode response data: %w", err)
	}
	return nil
}

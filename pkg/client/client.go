package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nkkko/axnotify/pkg/proto"
)

// Error is an error reply from the axnotify API
type Error struct {
	StatusCode int
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error (%d)", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d) %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsCode reports whether err is an API error with the given code
func IsCode(err error, code string) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Stats summarizes a running center
type Stats struct {
	Subscriptions int `json:"subscriptions"`
	Keys          int `json:"keys"`
	Handles       int `json:"handles"`
	StreamClients int `json:"stream_clients"`
}

// Client is an HTTP client for interacting with the axnotify API
type Client struct {
	baseURL         string
	httpClient      *http.Client
	headers         http.Header
	websocketDialer *websocket.Dialer
	timeout         time.Duration
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
		c.httpClient.Timeout = timeout
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// New creates a new axnotify API client
func New(baseURL string, options ...ClientOption) *Client {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")

	client := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		headers:    headers,
		websocketDialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		timeout: 10 * time.Second,
	}

	// Apply options
	for _, option := range options {
		option(client)
	}
	client.websocketDialer.HandshakeTimeout = client.timeout

	return client
}

// Stats returns the subscription, key, handle and stream client counts
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := c.call(ctx, http.MethodGet, "/stats", nil, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Handles lists the live event source handles
func (c *Client) Handles(ctx context.Context) ([]proto.HandleInfo, error) {
	var handles []proto.HandleInfo
	if err := c.call(ctx, http.MethodGet, "/handles", nil, nil, &handles); err != nil {
		return nil, err
	}
	return handles, nil
}

// Keys lists the subscription keys with at least one handler
func (c *Client) Keys(ctx context.Context) ([]proto.KeyInfo, error) {
	var keys []proto.KeyInfo
	if err := c.call(ctx, http.MethodGet, "/keys", nil, nil, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// IsRegistered reports whether the exact key (pid, type) has a handler.
// A nil pid asks about the wildcard key.
func (c *Client) IsRegistered(ctx context.Context, pid *int32, notification string) (bool, error) {
	query := url.Values{}
	query.Set("pid", formatPID(pid))
	query.Set("type", notification)

	var info proto.RegisteredInfo
	if err := c.call(ctx, http.MethodGet, "/keys/registered", query, nil, &info); err != nil {
		return false, err
	}
	return info.Registered, nil
}

// Unsubscribe removes the subscription identified by token
func (c *Client) Unsubscribe(ctx context.Context, token string) error {
	return c.call(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(token), nil, nil, nil)
}

// RemoveAll removes every subscription and returns how many were removed
func (c *Client) RemoveAll(ctx context.Context) (int, error) {
	var result proto.RemovalResult
	if err := c.call(ctx, http.MethodDelete, "/subscriptions", nil, nil, &result); err != nil {
		return 0, err
	}
	return result.Removed, nil
}

// RemoveProcess removes the subscriptions of pid, leaving wildcard ones
func (c *Client) RemoveProcess(ctx context.Context, pid int32) (int, error) {
	var result proto.RemovalResult
	path := fmt.Sprintf("/processes/%d/subscriptions", pid)
	if err := c.call(ctx, http.MethodDelete, path, nil, nil, &result); err != nil {
		return 0, err
	}
	return result.Removed, nil
}

// PostEvent fires a simulated notification at the application pid and
// returns the number of callbacks it reached
func (c *Client) PostEvent(ctx context.Context, pid int32, notification string, payload map[string]any) (int, error) {
	req := struct {
		Process int32          `json:"process"`
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload,omitempty"`
	}{
		Process: pid,
		Type:    notification,
		Payload: payload,
	}

	var result struct {
		Delivered int `json:"delivered"`
	}
	if err := c.call(ctx, http.MethodPost, "/events", nil, req, &result); err != nil {
		return 0, err
	}
	return result.Delivered, nil
}

// Subscribe opens a notification stream for pid (nil for every process)
// and the given notification types. It returns once the server confirmed
// the subscriptions.
func (c *Client) Subscribe(ctx context.Context, pid *int32, types ...string) (*Subscription, error) {
	if len(types) == 0 {
		return nil, fmt.Errorf("at least one notification type is required")
	}

	// Build WebSocket URL
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}

	// Convert to WebSocket scheme
	if u.Scheme == "http" {
		u.Scheme = "ws"
	} else if u.Scheme == "https" {
		u.Scheme = "wss"
	}

	// Add path and query
	u.Path = strings.TrimRight(u.Path, "/") + "/stream"
	q := url.Values{}
	q.Set("pid", formatPID(pid))
	for _, t := range types {
		q.Add("type", t)
	}
	u.RawQuery = q.Encode()

	headers := c.headers.Clone()
	headers.Del("Content-Type")
	conn, resp, err := c.websocketDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if apiErr := decodeError(resp); apiErr != nil {
				return nil, apiErr
			}
		}
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	// The first frame confirms or rejects the subscriptions
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	var first proto.Frame
	if err := conn.ReadJSON(&first); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read subscription confirmation: %w", err)
	}
	if first.Type != proto.FrameSubscribed {
		conn.Close()
		return nil, fmt.Errorf("unexpected first frame %q: %s", first.Type, first.Message)
	}
	_ = conn.SetReadDeadline(time.Time{})

	sub := &Subscription{
		ClientID: first.ClientID,
		Tokens:   first.Tokens,
		Events:   make(chan *proto.Event, 100),
		Done:     make(chan struct{}),
		conn:     conn,
		closing:  make(chan struct{}),
	}

	// Start receiving events
	go sub.receiveEvents()

	return sub, nil
}

// Stream is Subscribe for callers that only want the events. The channel
// closes when ctx is done or the server ends the stream.
func (c *Client) Stream(ctx context.Context, pid *int32, types ...string) (<-chan *proto.Event, error) {
	sub, err := c.Subscribe(ctx, pid, types...)
	if err != nil {
		return nil, err
	}

	out := make(chan *proto.Event)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case ev, ok := <-sub.Events:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// call makes a request and decodes the data block of the reply into out
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	resp, err := c.do(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	envelope := struct {
		Data any `json:"data"`
	}{Data: out}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// do makes an HTTP request
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	// Create URL
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	// Create request body
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	// Create request
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}

	// Set headers
	for k, v := range c.headers {
		req.Header[k] = v
	}

	// Make request
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	// Check for errors
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	return resp, nil
}

// decodeError reads the error block of a failed reply
func decodeError(resp *http.Response) *Error {
	apiErr := &Error{StatusCode: resp.StatusCode}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var envelope struct {
		Error *Error `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		apiErr.Type = envelope.Error.Type
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Message = resp.Status
	}
	return apiErr
}

func formatPID(pid *int32) string {
	if pid == nil {
		return "*"
	}
	return strconv.FormatInt(int64(*pid), 10)
}

// Subscription represents a WebSocket notification stream
type Subscription struct {
	ClientID string
	Tokens   []string
	Events   chan *proto.Event
	Done     chan struct{}

	conn      *websocket.Conn
	writeMu   sync.Mutex // gorilla connections allow one concurrent writer
	closing   chan struct{}
	closeOnce sync.Once
}

// receiveEvents processes WebSocket messages until the connection ends
func (s *Subscription) receiveEvents() {
	defer func() {
		close(s.Events)
		close(s.Done)
		s.conn.Close()
	}()

	for {
		var frame proto.Frame
		if err := s.conn.ReadJSON(&frame); err != nil {
			// Connection closed
			return
		}

		// Heartbeats only keep the connection alive
		if frame.Type != proto.FrameEvent || frame.Event == nil {
			continue
		}

		select {
		case s.Events <- frame.Event:
		case <-s.closing:
			return
		}
	}
}

// Ping asks the server for a heartbeat frame
func (s *Subscription) Ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(proto.ClientMessage{Action: "ping"})
}

// Close ends the stream. The server releases the subscriptions.
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closing)

		// Send close message
		s.writeMu.Lock()
		err = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()

		// Wait for done signal
		select {
		case <-s.Done:
			// Closed normally
		case <-time.After(time.Second):
			// Force close
			s.conn.Close()
			<-s.Done
		}
	})
	return err
}

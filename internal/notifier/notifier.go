package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	apierrors "github.com/nkkko/axnotify/internal/api/errors"
	"github.com/nkkko/axnotify/internal/api/response"
	"github.com/nkkko/axnotify/internal/domain"
	"github.com/nkkko/axnotify/internal/metrics"
	"github.com/nkkko/axnotify/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const (
	protocolWebSocket = "websocket"
	protocolSSE       = "sse"

	// Clients only ever send small control messages
	maxClientMessageSize = 4096
)

// Config contains notifier configuration
type Config struct {
	// Maximum idle time before dropping a connection
	MaxIdleTime time.Duration

	// Interval between heartbeat frames
	HeartbeatInterval time.Duration

	// Maximum number of concurrent stream clients, 0 for no limit
	MaxConnections int

	// Per-client outbound buffer; events beyond it are dropped
	ClientBufferSize int

	// Deadline for a single websocket write
	WriteTimeout time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		MaxIdleTime:       60 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		MaxConnections:    256,
		ClientBufferSize:  256,
		WriteTimeout:      5 * time.Second,
	}
}

// outbound is one frame waiting to be written to a client
type outbound struct {
	data  []byte
	event bool
}

// Client represents a connected stream client
type Client struct {
	ID         string
	Process    *domain.ProcessID
	Types      []domain.NotificationType
	Protocol   string
	LastActive time.Time

	conn      *websocket.Conn // nil for SSE clients
	send      chan outbound
	done      chan struct{}
	tokens    []domain.Token
	mu        sync.Mutex
	closeOnce sync.Once
}

func (c *Client) touch() {
	c.mu.Lock()
	c.LastActive = time.Now()
	c.mu.Unlock()
}

func (c *Client) lastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.LastActive
}

// enqueue never blocks; a full buffer means the frame is dropped
func (c *Client) enqueue(m outbound) bool {
	select {
	case c.send <- m:
		return true
	default:
		return false
	}
}

// Notifier streams notifications from the center to remote clients over
// websocket or server-sent events. Each client holds one center
// subscription per requested notification type.
type Notifier struct {
	config   Config
	center   Subscriber
	clients  map[string]*Client
	pending  int // slots reserved by clients still being opened
	mu       sync.RWMutex
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewNotifier creates a new notification streamer
func NewNotifier(config Config, center Subscriber) *Notifier {
	logger := log.With().Str("component", "notifier").Logger()

	// Apply default configuration values if not provided
	defaults := DefaultConfig()
	if config.MaxIdleTime == 0 {
		config.MaxIdleTime = defaults.MaxIdleTime
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.ClientBufferSize <= 0 {
		config.ClientBufferSize = defaults.ClientBufferSize
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}

	return &Notifier{
		config:  config,
		center:  center,
		clients: make(map[string]*Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger,
		metrics: metrics.GetMetrics(),
	}
}

// Start runs the idle cleanup and heartbeat loops until ctx is done
func (n *Notifier) Start(ctx context.Context) error {
	n.logger.Info().Msg("Starting event notifier")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n.cleanupIdleClients(ctx)
	}()
	go func() {
		defer wg.Done()
		n.sendHeartbeats(ctx)
	}()
	wg.Wait()

	n.logger.Info().Msg("Context canceled, stopping notifier")
	return nil
}

// parseStreamRequest reads pid and type from the query. pid is a process
// id or "*" (the default); type may repeat or hold a comma separated list.
func parseStreamRequest(r *http.Request) (*domain.ProcessID, []domain.NotificationType, error) {
	query := r.URL.Query()

	pid, err := domain.ParseProcess(query.Get("pid"))
	if err != nil {
		return nil, nil, apierrors.ValidationError("invalid_pid", err.Error())
	}

	var types []domain.NotificationType
	seen := make(map[domain.NotificationType]bool)
	for _, raw := range query["type"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			t, err := domain.ParseNotificationType(part)
			if err != nil {
				return nil, nil, err
			}
			if !seen[t] {
				seen[t] = true
				types = append(types, t)
			}
		}
	}
	if len(types) == 0 {
		return nil, nil, apierrors.ValidationError("missing_type", "At least one notification type is required")
	}

	return pid, types, nil
}

// openClient creates a client and subscribes it to the center. Nothing is
// left subscribed when it fails.
func (n *Notifier) openClient(r *http.Request, protocol string) (*Client, error) {
	pid, types, err := parseStreamRequest(r)
	if err != nil {
		return nil, err
	}

	if !n.reserve() {
		return nil, apierrors.UnavailableError("too_many_clients", "Stream connection limit reached")
	}

	client := &Client{
		ID:         generateID(),
		Process:    pid,
		Types:      types,
		Protocol:   protocol,
		LastActive: time.Now(),
		send:       make(chan outbound, n.config.ClientBufferSize),
		done:       make(chan struct{}),
	}

	for _, t := range types {
		token, err := n.center.Subscribe(r.Context(), pid, nil, t, n.handlerFor(client))
		if err != nil {
			n.abandon(client)
			return nil, err
		}
		client.tokens = append(client.tokens, token)
	}

	return client, nil
}

// handlerFor turns center notifications into event frames for one client.
// It runs on the center's control loop, so it only ever enqueues.
func (n *Notifier) handlerFor(client *Client) domain.Handler {
	return domain.HandlerFunc(func(ev domain.Notification) error {
		data, err := json.Marshal(proto.Frame{Type: proto.FrameEvent, Event: EncodeNotification(ev)})
		if err != nil {
			return fmt.Errorf("encode event for client %s: %w", client.ID, err)
		}

		if !client.enqueue(outbound{data: data, event: true}) {
			n.metrics.NotifierEventsDropped.Inc()
			n.logger.Warn().
				Str("client_id", client.ID).
				Str("notification", string(ev.Type)).
				Msg("Client buffer full, dropping event")
		}
		return nil
	})
}

// EncodeNotification converts a notification to its wire form
func EncodeNotification(ev domain.Notification) *proto.Event {
	out := &proto.Event{
		Process:   int32(ev.Process),
		Type:      string(ev.Type),
		Payload:   ev.Payload,
		Timestamp: timestamppb.New(ev.ReceivedAt),
	}
	if ev.Element != nil {
		out.Element = ev.Element.ElementID()
	}
	return out
}

// reserve claims a connection slot. Opened clients hold theirs until
// register or abandon.
func (n *Notifier) reserve() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.config.MaxConnections > 0 && len(n.clients)+n.pending >= n.config.MaxConnections {
		return false
	}
	n.pending++
	return true
}

// abandon releases a client that never got registered, with its slot
func (n *Notifier) abandon(client *Client) {
	n.mu.Lock()
	n.pending--
	n.mu.Unlock()

	n.release(client)
}

func (n *Notifier) register(client *Client) {
	n.mu.Lock()
	n.pending--
	n.clients[client.ID] = client
	n.mu.Unlock()

	n.metrics.NotifierConnectionsActive.Inc()
	n.logger.Info().
		Str("client_id", client.ID).
		Str("protocol", client.Protocol).
		Str("process", domain.FormatProcess(client.Process)).
		Int("types", len(client.Types)).
		Msg("Stream client connected")
}

func subscribedFrame(client *Client) []byte {
	tokens := make([]string, 0, len(client.tokens))
	for _, t := range client.tokens {
		tokens = append(tokens, string(t))
	}
	data, _ := json.Marshal(proto.Frame{
		Type:      proto.FrameSubscribed,
		ClientID:  client.ID,
		Tokens:    tokens,
		Timestamp: timestamppb.Now(),
	})
	return data
}

// HandleWebSocket serves the websocket stream
func (n *Notifier) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		response.Error(w, r, &apierrors.APIError{
			Type:     apierrors.ErrorTypeValidation,
			Code:     "upgrade_required",
			Message:  "Websocket upgrade required",
			HTTPCode: http.StatusUpgradeRequired,
		})
		return
	}

	client, err := n.openClient(r, protocolWebSocket)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied
		n.logger.Debug().Err(err).Str("client_id", client.ID).Msg("Websocket upgrade failed")
		n.abandon(client)
		return
	}
	client.conn = conn

	// The subscribed frame goes first; events may already be queued behind it
	_ = conn.SetWriteDeadline(time.Now().Add(n.config.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, subscribedFrame(client)); err != nil {
		n.logger.Debug().Err(err).Str("client_id", client.ID).Msg("WebSocket write error")
		n.abandon(client)
		return
	}

	n.register(client)
	go n.writeLoop(client)
	n.readLoop(client)
	n.removeClient(client.ID)
}

func (n *Notifier) readLoop(client *Client) {
	conn := client.conn
	conn.SetReadLimit(maxClientMessageSize)
	conn.SetPongHandler(func(string) error {
		client.touch()
		return nil
	})

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			n.logger.Debug().Err(err).Str("client_id", client.ID).Msg("WebSocket read error")
			return
		}

		client.touch()
		if messageType == websocket.TextMessage {
			n.processClientMessage(client, message)
		}
	}
}

func (n *Notifier) writeLoop(client *Client) {
	for {
		select {
		case m := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(n.config.WriteTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, m.data); err != nil {
				n.logger.Debug().Err(err).Str("client_id", client.ID).Msg("WebSocket write error")
				n.removeClient(client.ID)
				return
			}
			if m.event {
				n.metrics.NotifierEventsPublished.WithLabelValues(protocolWebSocket).Inc()
			}

		case <-client.done:
			return
		}
	}
}

// HandleSSE serves the server-sent events stream
func (n *Notifier) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		response.Error(w, r, apierrors.InternalError("streaming_unsupported", "Streaming is not supported"))
		return
	}

	client, err := n.openClient(r, protocolSSE)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	n.register(client)
	defer n.removeClient(client.ID)

	// The server's write timeout would cut the stream short
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", proto.FrameSubscribed, subscribedFrame(client))
	flusher.Flush()

	for {
		select {
		case m := <-client.send:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", m.data); err != nil {
				n.logger.Debug().Err(err).Str("client_id", client.ID).Msg("SSE write error")
				return
			}
			flusher.Flush()
			client.touch()
			if m.event {
				n.metrics.NotifierEventsPublished.WithLabelValues(protocolSSE).Inc()
			}

		case <-r.Context().Done():
			return

		case <-client.done:
			return
		}
	}
}

// processClientMessage handles messages from clients
func (n *Notifier) processClientMessage(client *Client, message []byte) {
	var request proto.ClientMessage
	if err := json.Unmarshal(message, &request); err != nil {
		n.logger.Debug().Err(err).Str("client_id", client.ID).Msg("Failed to parse client message")
		return
	}

	switch request.Action {
	case "ping":
		client.enqueue(outbound{data: heartbeatFrame()})

	default:
		n.logger.Debug().
			Str("client_id", client.ID).
			Str("action", request.Action).
			Msg("Unknown client action")
	}
}

// removeClient unregisters a client and releases its subscriptions
func (n *Notifier) removeClient(clientID string) {
	n.mu.Lock()
	client, exists := n.clients[clientID]
	if exists {
		delete(n.clients, clientID)
	}
	n.mu.Unlock()

	if !exists {
		return
	}

	n.release(client)
	n.metrics.NotifierConnectionsActive.Dec()
	n.logger.Info().Str("client_id", clientID).Msg("Stream client disconnected")
}

// release stops the client's loops and drops its center subscriptions
func (n *Notifier) release(client *Client) {
	client.closeOnce.Do(func() {
		close(client.done)
		if client.conn != nil {
			_ = client.conn.Close()
		}

		for _, token := range client.tokens {
			err := n.center.Unsubscribe(context.Background(), token)
			if err != nil && !errors.Is(err, domain.ErrCenterClosed) {
				n.logger.Warn().Err(err).Str("client_id", client.ID).Str("token", string(token)).Msg("Failed to unsubscribe client")
			}
		}
	})
}

// cleanupIdleClients periodically removes idle clients
func (n *Notifier) cleanupIdleClients(ctx context.Context) {
	ticker := time.NewTicker(n.config.MaxIdleTime / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.performClientCleanup()
		case <-ctx.Done():
			return
		}
	}
}

// performClientCleanup removes clients idle for longer than MaxIdleTime
func (n *Notifier) performClientCleanup() {
	now := time.Now()

	n.mu.RLock()
	var idle []string
	for id, client := range n.clients {
		if now.Sub(client.lastActive()) > n.config.MaxIdleTime {
			idle = append(idle, id)
		}
	}
	n.mu.RUnlock()

	for _, id := range idle {
		n.logger.Debug().Str("client_id", id).Msg("Removing idle client")
		n.removeClient(id)
	}
}

func heartbeatFrame() []byte {
	data, _ := json.Marshal(proto.Frame{Type: proto.FrameHeartbeat, Timestamp: timestamppb.Now()})
	return data
}

// sendHeartbeats periodically sends heartbeat frames, plus a websocket ping
// whose pong keeps the client active
func (n *Notifier) sendHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(n.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			frame := heartbeatFrame()
			deadline := time.Now().Add(n.config.WriteTimeout)

			n.mu.RLock()
			for _, client := range n.clients {
				client.enqueue(outbound{data: frame})
				if client.conn != nil {
					// WriteControl may run alongside the write loop
					_ = client.conn.WriteControl(websocket.PingMessage, nil, deadline)
				}
			}
			n.mu.RUnlock()

		case <-ctx.Done():
			return
		}
	}
}

// ClientCount returns the number of connected clients
func (n *Notifier) ClientCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.clients)
}

// Shutdown disconnects every client and releases its subscriptions
func (n *Notifier) Shutdown(ctx context.Context) error {
	n.logger.Info().Msg("Shutting down notifier")

	n.mu.RLock()
	ids := make([]string, 0, len(n.clients))
	for id := range n.clients {
		ids = append(ids, id)
	}
	n.mu.RUnlock()

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		n.removeClient(id)
	}
	return nil
}

// generateID generates a unique client ID
func generateID() string {
	return uuid.New().String()
}

package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/wardenhq/warden/pkg/models"
	"github.com/wardenhq/warden/pkg/rbac"
)

// Heartbeat timings: every pingInterval the hub pings all clients; a client
// whose last pong is older than pongDeadline is forcibly terminated.
const (
	pingInterval = 30 * time.Second
	pongDeadline = 60 * time.Second
)

// Client is one authenticated WebSocket connection.
//
// channels is mutated only by the client's own read loop (subscribe and
// unsubscribe frames), but read by Broadcast from other goroutines, so it is
// guarded by mu.
type Client struct {
	ID     string
	UserID string
	Role   string

	mu       sync.Mutex
	channels map[string]bool
	lastPong time.Time

	// send and terminate are the transport hooks; real connections wrap
	// coder/websocket, tests inject captures.
	send      func(ctx context.Context, data []byte) error
	terminate func(code websocket.StatusCode, reason string)
	ping      func(ctx context.Context) error

	ctx    context.Context
	cancel context.CancelFunc
}

// Subscribed reports whether the client holds the channel.
func (c *Client) Subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[channel]
}

// Hub is the authenticated pub/sub fanout.
type Hub struct {
	checker      *rbac.Checker
	logger       *slog.Logger
	writeTimeout time.Duration

	mu      sync.RWMutex
	clients map[string]*Client

	sequence atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// now is swappable for tests.
	now func() time.Time
}

// NewHub creates the hub and starts its heartbeat loop. Stop must be called
// on shutdown.
func NewHub(checker *rbac.Checker, writeTimeout time.Duration) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	h := &Hub{
		checker:      checker,
		logger:       slog.Default().With("component", "ws-hub"),
		writeTimeout: writeTimeout,
		clients:      make(map[string]*Client),
		stopCh:       make(chan struct{}),
		now:          time.Now,
	}
	h.wg.Add(1)
	go h.runHeartbeat()
	return h
}

// Stop terminates every client with a normal close and halts the heartbeat.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.terminate(websocket.StatusNormalClosure, "server shutdown")
		c.cancel()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns how many clients hold the channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.clients {
		if c.Subscribed(channel) {
			n++
		}
	}
	return n
}

// HandleConnection manages one upgraded WebSocket until it closes. The
// caller has already authenticated the token into userID/role.
func (h *Hub) HandleConnection(parentCtx context.Context, conn *websocket.Conn, userID, role string) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Client{
		ID:       uuid.New().String(),
		UserID:   userID,
		Role:     role,
		channels: make(map[string]bool),
		lastPong: h.now(),
		ctx:      ctx,
		cancel:   cancel,
		send: func(ctx context.Context, data []byte) error {
			return conn.Write(ctx, websocket.MessageText, data)
		},
		terminate: func(code websocket.StatusCode, reason string) {
			_ = conn.Close(code, reason)
		},
		ping: func(ctx context.Context) error {
			return conn.Ping(ctx)
		},
	}

	h.register(c)
	defer h.unregister(c)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.logger.Warn("Invalid WebSocket frame", "client_id", c.ID, "error", err)
			continue
		}
		h.handleFrame(c, &frame)
	}
}

// handleFrame dispatches one client frame.
func (h *Hub) handleFrame(c *Client, frame *ClientFrame) {
	switch frame.Type {
	case FrameSubscribe:
		granted := h.subscribe(c, frame.Payload.Channels)
		h.ack(c, granted)
	case FrameUnsubscribe:
		c.mu.Lock()
		for _, ch := range frame.Payload.Channels {
			delete(c.channels, ch)
		}
		c.mu.Unlock()
	}
}

// subscribe grants the requested channels the client's role may read.
// Unauthorised channels are silently dropped — no error, no ack entry.
func (h *Hub) subscribe(c *Client, requested []string) []string {
	var granted []string
	for _, ch := range requested {
		perm, known := channelPermissions[ch]
		if !known {
			continue
		}
		if !h.checker.CheckPermission(c.Role, perm).Granted {
			continue
		}
		c.mu.Lock()
		c.channels[ch] = true
		c.mu.Unlock()
		granted = append(granted, ch)
	}
	sort.Strings(granted)
	return granted
}

// ack reports the client's granted channels on the system channel.
func (h *Hub) ack(c *Client, granted []string) {
	frame := AckFrame{Type: FrameAck, Channel: ChannelSystem}
	frame.Payload.Subscribed = granted
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if err := h.sendTo(c, data); err != nil {
		h.logger.Warn("Failed to send ack", "client_id", c.ID, "error", err)
	}
}

// Broadcast fans payload out to every open client subscribed to channel.
// Per-client send errors are logged and do not abort the fanout. Messages to
// a single client are delivered in enqueue order; there is no ordering
// guarantee across clients or channels.
func (h *Hub) Broadcast(channel string, payload any) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.Subscribed(channel) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	frame := UpdateFrame{
		Type:      FrameUpdate,
		Channel:   channel,
		Payload:   payload,
		Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		Sequence:  h.sequence.Add(1),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("Failed to marshal update frame", "channel", channel, "error", err)
		return
	}

	for _, c := range targets {
		if err := h.sendTo(c, data); err != nil {
			h.logger.Warn("Failed to send to WebSocket client",
				"client_id", c.ID, "channel", channel, "error", err)
		}
	}
}

// PublishTaskStatus implements the executor's StatusPublisher against the
// tasks channel.
func (h *Hub) PublishTaskStatus(t *models.Task) {
	h.Broadcast(ChannelTasks, t)
}

// sendTo writes to one client with the hub's write timeout.
func (h *Hub) sendTo(c *Client, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, h.writeTimeout)
	defer cancel()
	return c.send(writeCtx, data)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	h.logger.Info("WebSocket client connected", "client_id", c.ID, "user_id", c.UserID)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.ID)
	h.mu.Unlock()
	c.cancel()
	h.logger.Info("WebSocket client disconnected", "client_id", c.ID)
}

// ────────────────────────────────────────────────────────────
// Heartbeat
// ────────────────────────────────────────────────────────────

func (h *Hub) runHeartbeat() {
	defer h.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.pingClients()
		}
	}
}

// pingClients pings every client and terminates the stale ones. Exposed to
// tests via direct call.
func (h *Hub) pingClients() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	now := h.now()
	for _, c := range clients {
		c.mu.Lock()
		stale := now.Sub(c.lastPong) > pongDeadline
		c.mu.Unlock()
		if stale {
			h.logger.Warn("Terminating stale WebSocket client", "client_id", c.ID)
			c.terminate(websocket.StatusPolicyViolation, "heartbeat timeout")
			h.unregister(c)
			continue
		}

		go func(c *Client) {
			pingCtx, cancel := context.WithTimeout(c.ctx, h.writeTimeout)
			defer cancel()
			if err := c.ping(pingCtx); err != nil {
				h.logger.Debug("Ping failed", "client_id", c.ID, "error", err)
				return
			}
			c.mu.Lock()
			c.lastPong = h.now()
			c.mu.Unlock()
		}(c)
	}
}

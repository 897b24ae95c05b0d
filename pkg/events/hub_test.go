package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/rbac"
)

// testClient attaches a capturing client to the hub without a real socket.
type testClient struct {
	client     *Client
	mu         sync.Mutex
	frames     [][]byte
	terminated bool
	closeCode  websocket.StatusCode
	pingErr    error
}

func (tc *testClient) sent() [][]byte {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	out := make([][]byte, len(tc.frames))
	copy(out, tc.frames)
	return out
}

func (tc *testClient) lastFrame(t *testing.T) map[string]any {
	t.Helper()
	frames := tc.sent()
	require.NotEmpty(t, frames)
	var m map[string]any
	require.NoError(t, json.Unmarshal(frames[len(frames)-1], &m))
	return m
}

func attachClient(h *Hub, role string) *testClient {
	tc := &testClient{}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		ID:       uuid.New().String(),
		UserID:   "user-" + role,
		Role:     role,
		channels: make(map[string]bool),
		lastPong: h.now(),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.send = func(ctx context.Context, data []byte) error {
		tc.mu.Lock()
		defer tc.mu.Unlock()
		tc.frames = append(tc.frames, data)
		return nil
	}
	c.terminate = func(code websocket.StatusCode, reason string) {
		tc.mu.Lock()
		defer tc.mu.Unlock()
		tc.terminated = true
		tc.closeCode = code
	}
	c.ping = func(ctx context.Context) error {
		tc.mu.Lock()
		defer tc.mu.Unlock()
		return tc.pingErr
	}
	tc.client = c
	h.register(c)
	return tc
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	checker := rbac.NewChecker(map[string][]rbac.Permission{
		"admin": {{Resource: "*", Action: "*"}},
		"viewer": {
			{Resource: "metrics", Action: "read"},
			{Resource: "tasks", Action: "read"},
		},
	})
	h := NewHub(checker, time.Second)
	t.Cleanup(h.Stop)
	return h
}

func subscribeFrame(channels ...string) *ClientFrame {
	f := &ClientFrame{Type: FrameSubscribe}
	f.Payload.Channels = channels
	return f
}

func TestSubscribeGrantsOnlyAuthorisedChannels(t *testing.T) {
	h := newTestHub(t)
	tc := attachClient(h, "viewer")

	h.handleFrame(tc.client, subscribeFrame(ChannelMetrics, ChannelAudit, ChannelSecurity, "bogus"))

	// Unauthorised and unknown channels are silently dropped; the ack lists
	// only what was granted.
	ack := tc.lastFrame(t)
	assert.Equal(t, FrameAck, ack["type"])
	assert.Equal(t, ChannelSystem, ack["channel"])
	payload := ack["payload"].(map[string]any)
	assert.Equal(t, []any{"metrics"}, payload["subscribed"])

	assert.True(t, tc.client.Subscribed(ChannelMetrics))
	assert.False(t, tc.client.Subscribed(ChannelAudit))
	assert.False(t, tc.client.Subscribed(ChannelSecurity))
}

func TestAdminSubscribesToEverything(t *testing.T) {
	h := newTestHub(t)
	tc := attachClient(h, "admin")

	h.handleFrame(tc.client, subscribeFrame(ChannelMetrics, ChannelAudit, ChannelTasks, ChannelSecurity))

	ack := tc.lastFrame(t)
	payload := ack["payload"].(map[string]any)
	assert.Equal(t, []any{"audit", "metrics", "security", "tasks"}, payload["subscribed"])
}

func TestBroadcastReachesOnlySubscribers(t *testing.T) {
	h := newTestHub(t)
	subscriber := attachClient(h, "admin")
	bystander := attachClient(h, "admin")

	h.handleFrame(subscriber.client, subscribeFrame(ChannelAudit))

	h.Broadcast(ChannelAudit, map[string]string{"event": "task_created"})

	// Subscriber got ack + update; bystander got nothing.
	frames := subscriber.sent()
	require.Len(t, frames, 2)
	var update UpdateFrame
	require.NoError(t, json.Unmarshal(frames[1], &update))
	assert.Equal(t, FrameUpdate, update.Type)
	assert.Equal(t, ChannelAudit, update.Channel)
	assert.Equal(t, int64(1), update.Sequence)
	assert.NotEmpty(t, update.Timestamp)

	assert.Empty(t, bystander.sent())
}

func TestBroadcastSequenceIncreases(t *testing.T) {
	h := newTestHub(t)
	tc := attachClient(h, "admin")
	h.handleFrame(tc.client, subscribeFrame(ChannelTasks))

	h.Broadcast(ChannelTasks, "one")
	h.Broadcast(ChannelTasks, "two")

	frames := tc.sent()
	require.Len(t, frames, 3) // ack + 2 updates
	var first, second UpdateFrame
	require.NoError(t, json.Unmarshal(frames[1], &first))
	require.NoError(t, json.Unmarshal(frames[2], &second))
	assert.Equal(t, first.Sequence+1, second.Sequence)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := newTestHub(t)
	tc := attachClient(h, "admin")
	h.handleFrame(tc.client, subscribeFrame(ChannelTasks))

	unsub := &ClientFrame{Type: FrameUnsubscribe}
	unsub.Payload.Channels = []string{ChannelTasks}
	h.handleFrame(tc.client, unsub)

	h.Broadcast(ChannelTasks, "ignored")
	assert.Len(t, tc.sent(), 1) // ack only
}

func TestStaleClientIsTerminated(t *testing.T) {
	h := newTestHub(t)
	now := time.Now()
	h.now = func() time.Time { return now }

	tc := attachClient(h, "admin")
	require.Equal(t, 1, h.ClientCount())

	// Within the pong deadline the client survives.
	now = now.Add(30 * time.Second)
	h.pingClients()
	assert.Equal(t, 1, h.ClientCount())

	// Past the deadline it is terminated and removed.
	tc.client.mu.Lock()
	tc.client.lastPong = now.Add(-61 * time.Second)
	tc.client.mu.Unlock()
	h.pingClients()

	assert.Equal(t, 0, h.ClientCount())
	tc.mu.Lock()
	defer tc.mu.Unlock()
	assert.True(t, tc.terminated)
}

func TestBroadcasterIsChangeGated(t *testing.T) {
	h := newTestHub(t)
	tc := attachClient(h, "admin")
	h.handleFrame(tc.client, subscribeFrame(ChannelMetrics))

	snapshot := map[string]int{"active": 1}
	b := NewBroadcaster(h, func() any { return snapshot })
	t.Cleanup(b.Stop)

	b.tick()
	b.tick() // identical payload — gated
	assert.Len(t, tc.sent(), 2) // ack + 1 update

	snapshot = map[string]int{"active": 2}
	b.tick()
	assert.Len(t, tc.sent(), 3)
}

func TestBroadcasterSkipsWithoutSubscribers(t *testing.T) {
	h := newTestHub(t)
	calls := 0
	b := NewBroadcaster(h, func() any { calls++; return calls })
	t.Cleanup(b.Stop)

	b.tick()
	assert.Zero(t, calls, "source must not be sampled without subscribers")
}

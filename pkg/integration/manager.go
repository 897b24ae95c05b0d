package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wardenhq/warden/pkg/models"
)

// Sentinel errors for integration operations.
var (
	// ErrNotFound indicates the integration id has no config.
	ErrNotFound = errors.New("integration not found")

	// ErrDisabled indicates a start on a disabled integration.
	ErrDisabled = errors.New("integration is disabled")

	// ErrAlreadyRunning indicates a duplicate start.
	ErrAlreadyRunning = errors.New("integration already running")

	// ErrNotRunning indicates a send on a stopped integration.
	ErrNotRunning = errors.New("integration is not running")

	// ErrUnknownPlatform indicates no factory is registered.
	ErrUnknownPlatform = errors.New("unknown platform")
)

// RateLimitExceededError indicates the per-integration send bucket is empty.
type RateLimitExceededError struct {
	IntegrationID string
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for integration %s", e.IntegrationID)
}

// Config tunes the health/reconnect loop.
type Config struct {
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	MaxRetries          int           `yaml:"max_retries"`
	BaseDelay           time.Duration `yaml:"base_delay"`
}

// DefaultConfig returns the platform defaults.
func DefaultConfig() Config {
	return Config{
		HealthCheckInterval: 30 * time.Second,
		MaxRetries:          5,
		BaseDelay:           time.Second,
	}
}

// defaultMaxPerSecond applies when neither the adapter nor the platform
// defaults declare a send ceiling.
const defaultMaxPerSecond = 30

// MessageStore persists unified messages. Implemented by SQLStore.
type MessageStore interface {
	Insert(ctx context.Context, msg *models.UnifiedMessage) error
}

// entry is one running integration.
type entry struct {
	adapter   Adapter
	cfg       *models.IntegrationConfig
	healthy   bool
	startedAt time.Time
}

// reconnectState tracks the backoff protocol for one unhealthy integration.
type reconnectState struct {
	retryCount  int
	nextRetryAt time.Time
}

// Manager owns adapter lifecycles and rate-limited sends.
type Manager struct {
	cfg    Config
	store  MessageStore
	logger *slog.Logger

	// InboundHandler receives normalised inbound messages after persistence.
	// Optional; set before StartAll.
	InboundHandler func(msg models.UnifiedMessage)

	mu               sync.Mutex
	factories        map[string]Factory
	configs          map[string]*models.IntegrationConfig
	running          map[string]*entry
	reconnects       map[string]*reconnectState
	buckets          map[string]*rate.Limiter
	platformDefaults map[string]RateLimit

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool

	// now is swappable for tests.
	now func() time.Time
}

// NewManager creates an integration manager. store may be nil (messages are
// then not persisted).
func NewManager(cfg Config, store MessageStore) *Manager {
	def := DefaultConfig()
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = def.HealthCheckInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	return &Manager{
		cfg:              cfg,
		store:            store,
		logger:           slog.Default().With("component", "integration-manager"),
		factories:        make(map[string]Factory),
		configs:          make(map[string]*models.IntegrationConfig),
		running:          make(map[string]*entry),
		reconnects:       make(map[string]*reconnectState),
		buckets:          make(map[string]*rate.Limiter),
		platformDefaults: make(map[string]RateLimit),
		stopCh:           make(chan struct{}),
		now:              time.Now,
	}
}

// RegisterPlatform binds a platform tag to its adapter factory.
func (m *Manager) RegisterPlatform(platform string, factory Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[platform] = factory
}

// SetPlatformDefault sets the default send rate limit for a platform.
func (m *Manager) SetPlatformDefault(platform string, limit RateLimit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.platformDefaults[platform] = limit
}

// AddConfig registers an integration config.
func (m *Manager) AddConfig(cfg *models.IntegrationConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.Status == "" {
		cfg.Status = models.IntegrationDisconnected
	}
	m.configs[cfg.ID] = cfg
}

// Configs returns a snapshot of all registered configs.
func (m *Manager) Configs() []models.IntegrationConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.IntegrationConfig, 0, len(m.configs))
	for _, cfg := range m.configs {
		out = append(out, *cfg)
	}
	return out
}

// GetConfig returns a snapshot of one config.
func (m *Manager) GetConfig(id string) (*models.IntegrationConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	snapshot := *cfg
	return &snapshot, nil
}

// StartIntegration instantiates, initialises, and starts one integration.
// On failure the config status is set to error and the failure returned.
func (m *Manager) StartIntegration(ctx context.Context, id string) error {
	m.mu.Lock()
	cfg, ok := m.configs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !cfg.Enabled {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDisabled, id)
	}
	if _, already := m.running[id]; already {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	factory, ok := m.factories[cfg.Platform]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPlatform, cfg.Platform)
	}
	cfg.Status = models.IntegrationConnecting
	cfg.ErrorMessage = ""
	m.mu.Unlock()

	adapter := factory()
	deps := Deps{
		Logger:    m.logger.With("integration_id", id, "platform", cfg.Platform),
		OnMessage: func(msg models.UnifiedMessage) { m.handleInbound(id, msg) },
	}

	fail := func(err error) error {
		m.mu.Lock()
		cfg.Status = models.IntegrationError
		cfg.ErrorMessage = err.Error()
		m.mu.Unlock()
		return err
	}

	if err := adapter.Init(cfg.Config, deps); err != nil {
		return fail(fmt.Errorf("init integration %s: %w", id, err))
	}
	if err := adapter.Start(ctx); err != nil {
		return fail(fmt.Errorf("start integration %s: %w", id, err))
	}

	now := m.now()
	m.mu.Lock()
	m.running[id] = &entry{adapter: adapter, cfg: cfg, healthy: true, startedAt: now}
	delete(m.reconnects, id)
	limit := m.sendLimitLocked(adapter, cfg.Platform)
	m.buckets[id] = rate.NewLimiter(rate.Limit(limit), limit)
	cfg.Status = models.IntegrationConnected
	cfg.ConnectedAt = &now
	m.mu.Unlock()

	m.logger.Info("Integration started", "integration_id", id, "platform", cfg.Platform)
	return nil
}

// sendLimitLocked resolves the per-second send ceiling: adapter override →
// platform default → global default. Caller holds mu.
func (m *Manager) sendLimitLocked(adapter Adapter, platform string) int {
	if rl, ok := adapter.(RateLimited); ok {
		if limit := rl.PlatformRateLimit(); limit != nil && limit.MaxPerSecond > 0 {
			return limit.MaxPerSecond
		}
	}
	if def, ok := m.platformDefaults[platform]; ok && def.MaxPerSecond > 0 {
		return def.MaxPerSecond
	}
	return defaultMaxPerSecond
}

// StopIntegration stops one integration. Adapter stop errors are swallowed;
// the registry entry, reconnect state, and rate bucket are always removed.
func (m *Manager) StopIntegration(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.running[id]
	if !ok {
		cfg, exists := m.configs[id]
		if !exists {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		cfg.Status = models.IntegrationDisconnected
		m.mu.Unlock()
		return nil
	}
	delete(m.running, id)
	delete(m.reconnects, id)
	delete(m.buckets, id)
	e.cfg.Status = models.IntegrationDisconnected
	e.cfg.ConnectedAt = nil
	m.mu.Unlock()

	if err := e.adapter.Stop(ctx); err != nil {
		m.logger.Warn("Adapter stop failed", "integration_id", id, "error", err)
	}
	m.logger.Info("Integration stopped", "integration_id", id)
	return nil
}

// StartAll starts every enabled config. Individual failures are logged and
// do not abort the batch. Also starts the health loop on first call.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.configs))
	for id, cfg := range m.configs {
		if cfg.Enabled {
			ids = append(ids, id)
		}
	}
	startLoop := !m.started
	m.started = true
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.StartIntegration(ctx, id); err != nil {
			m.logger.Error("Failed to start integration during batch start",
				"integration_id", id, "error", err)
		}
	}

	if startLoop {
		m.wg.Add(1)
		go m.runHealthLoop()
	}
}

// StopAll stops the health loop and every running integration.
func (m *Manager) StopAll(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.StopIntegration(ctx, id); err != nil {
			m.logger.Warn("Failed to stop integration during shutdown",
				"integration_id", id, "error", err)
		}
	}
}

// SendMessage delivers text through a running integration, subject to its
// token bucket. On success the outbound row is persisted and counters are
// updated.
func (m *Manager) SendMessage(ctx context.Context, integrationID, chatID, text string, metadata map[string]any) (string, error) {
	m.mu.Lock()
	e, ok := m.running[integrationID]
	bucket := m.buckets[integrationID]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotRunning, integrationID)
	}

	if bucket != nil && !bucket.Allow() {
		return "", &RateLimitExceededError{IntegrationID: integrationID}
	}

	platformMsgID, err := e.adapter.SendMessage(ctx, chatID, text, metadata)
	if err != nil {
		return "", fmt.Errorf("send via %s: %w", integrationID, err)
	}

	now := m.now()
	msg := &models.UnifiedMessage{
		ID:            models.NewID(),
		IntegrationID: integrationID,
		Platform:      e.cfg.Platform,
		Direction:     models.DirectionOutbound,
		ChatID:        chatID,
		Text:          text,
		Metadata:      metadata,
		PlatformMsgID: platformMsgID,
		Timestamp:     now,
	}
	if m.store != nil {
		if serr := m.store.Insert(ctx, msg); serr != nil {
			m.logger.Warn("Failed to persist outbound message",
				"integration_id", integrationID, "error", serr)
		}
	}

	m.mu.Lock()
	e.cfg.MessageCount++
	e.cfg.LastMessageAt = &now
	m.mu.Unlock()

	return platformMsgID, nil
}

// handleInbound persists an inbound message and forwards it to the handler.
func (m *Manager) handleInbound(integrationID string, msg models.UnifiedMessage) {
	now := m.now()
	if msg.ID == "" {
		msg.ID = models.NewID()
	}
	msg.IntegrationID = integrationID
	msg.Direction = models.DirectionInbound
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}

	m.mu.Lock()
	if e, ok := m.running[integrationID]; ok {
		msg.Platform = e.cfg.Platform
		e.cfg.MessageCount++
		e.cfg.LastMessageAt = &now
	}
	handler := m.InboundHandler
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Insert(context.Background(), &msg); err != nil {
			m.logger.Warn("Failed to persist inbound message",
				"integration_id", integrationID, "error", err)
		}
	}
	if handler != nil {
		handler(msg)
	}
}

// ────────────────────────────────────────────────────────────
// Health + reconnect loop
// ────────────────────────────────────────────────────────────

func (m *Manager) runHealthLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkHealth(context.Background())
		}
	}
}

// checkHealth probes every running integration and drives the reconnect
// protocol for unhealthy ones. Exposed to tests via direct call.
func (m *Manager) checkHealth(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.mu.Lock()
		e, ok := m.running[id]
		m.mu.Unlock()
		if !ok {
			continue
		}

		healthy := e.adapter.IsHealthy()
		m.mu.Lock()
		e.healthy = healthy
		m.mu.Unlock()

		if !healthy {
			m.attemptReconnect(ctx, id, e)
		}
	}
}

// attemptReconnect runs one step of the backoff protocol for an unhealthy
// integration: give up past maxRetries, otherwise stop + restart once the
// backoff deadline has passed.
func (m *Manager) attemptReconnect(ctx context.Context, id string, e *entry) {
	m.mu.Lock()
	state, ok := m.reconnects[id]
	if !ok {
		state = &reconnectState{}
		m.reconnects[id] = state
	}

	if state.retryCount >= m.cfg.MaxRetries {
		// Terminal: remove from the registry and stop retrying until an
		// explicit StartIntegration.
		delete(m.running, id)
		delete(m.reconnects, id)
		delete(m.buckets, id)
		e.cfg.Status = models.IntegrationError
		e.cfg.ErrorMessage = "Max reconnect retries exceeded"
		m.mu.Unlock()
		m.logger.Error("Integration exceeded reconnect retries, giving up",
			"integration_id", id, "retries", m.cfg.MaxRetries)
		return
	}

	now := m.now()
	if now.Before(state.nextRetryAt) {
		m.mu.Unlock()
		return
	}

	state.retryCount++
	// Backoff: baseDelay * 2^(retryCount-1).
	backoff := time.Duration(float64(m.cfg.BaseDelay) * math.Pow(2, float64(state.retryCount-1)))
	state.nextRetryAt = now.Add(backoff)
	retryCount := state.retryCount
	m.mu.Unlock()

	m.logger.Warn("Integration unhealthy, attempting reconnect",
		"integration_id", id, "attempt", retryCount, "next_backoff", backoff)

	// Stop (swallow errors), remove the registry entry, then start fresh.
	if err := e.adapter.Stop(ctx); err != nil {
		m.logger.Debug("Stop during reconnect failed", "integration_id", id, "error", err)
	}
	m.mu.Lock()
	delete(m.running, id)
	delete(m.buckets, id)
	m.mu.Unlock()

	if err := m.StartIntegration(ctx, id); err != nil {
		m.logger.Warn("Reconnect attempt failed",
			"integration_id", id, "attempt", retryCount, "error", err)
		// Keep the stopped entry in the registry so the next health tick
		// continues the protocol; only the terminal give-up removes it.
		m.mu.Lock()
		if _, racing := m.running[id]; !racing {
			e.healthy = false
			m.running[id] = e
		}
		m.mu.Unlock()
		return
	}

	// Success clears the reconnect state (StartIntegration already did).
	m.logger.Info("Integration reconnected", "integration_id", id, "attempts", retryCount)
}

// TestConnection probes an integration's platform without starting it.
func (m *Manager) TestConnection(ctx context.Context, id string) (TestResult, error) {
	m.mu.Lock()
	cfg, ok := m.configs[id]
	if !ok {
		m.mu.Unlock()
		return TestResult{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	factory, ok := m.factories[cfg.Platform]
	m.mu.Unlock()
	if !ok {
		return TestResult{}, fmt.Errorf("%w: %s", ErrUnknownPlatform, cfg.Platform)
	}

	adapter := factory()
	if err := adapter.Init(cfg.Config, Deps{Logger: m.logger, OnMessage: func(models.UnifiedMessage) {}}); err != nil {
		return TestResult{OK: false, Message: err.Error()}, nil
	}
	tester, ok := adapter.(ConnectionTester)
	if !ok {
		return TestResult{OK: false, Message: "adapter does not support connection tests"}, nil
	}
	return tester.TestConnection(ctx), nil
}

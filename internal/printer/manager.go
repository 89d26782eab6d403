// Package printer implements the BLE transport and command-delivery
// manager for receipt printers: a connection state machine with
// automatic recovery, an adaptive flow-control loop, a priority command
// queue with per-command retry, pooled chunk buffers and health
// self-repair, all coordinated by a single drain goroutine.
package printer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agions/bleprint/internal/ble"
	"github.com/agions/bleprint/internal/history"
	"github.com/agions/bleprint/internal/metrics"
)

// escInit is the ESC/POS initialize sequence, used as a harmless probe
// write to validate a restored link.
var escInit = []byte{0x1B, 0x40}

// ConnState is the connection lifecycle state. It is owned exclusively
// by the manager; every other component only reads it.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Reconnection defaults.
const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultConnectTimeout       = 10 * time.Second
)

// Config configures a Manager. The zero value of any field falls back
// to the package default.
type Config struct {
	ServiceUUID    string
	WriteCharUUID  string
	NotifyCharUUID string

	QueueBound    int
	DrainInterval time.Duration
	RetryDelay    time.Duration

	Flow FlowParams

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ConnectTimeout       time.Duration

	PoolSizes     []int
	PoolBucketCap int

	QualityCheckInterval time.Duration
	SignalWarningDBm     int
	QualityWarningRatio  float64

	SweepInterval     time.Duration
	DeviceCacheTTL    time.Duration
	InactivityTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ServiceUUID == "" {
		c.ServiceUUID = ble.DefaultPrintServiceUUID
	}
	if c.WriteCharUUID == "" {
		c.WriteCharUUID = ble.DefaultWriteCharUUID
	}
	if c.NotifyCharUUID == "" {
		c.NotifyCharUUID = ble.DefaultNotifyCharUUID
	}
	if c.QueueBound <= 0 {
		c.QueueBound = DefaultQueueBound
	}
	if c.Flow.MaxChunkSize == 0 {
		c.Flow = DefaultFlowParams()
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.QualityCheckInterval <= 0 {
		c.QualityCheckInterval = DefaultQualityCheckInterval
	}
	if c.SignalWarningDBm == 0 {
		c.SignalWarningDBm = DefaultSignalWarningDBm
	}
	if c.QualityWarningRatio <= 0 {
		c.QualityWarningRatio = DefaultQualityWarningRatio
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.DeviceCacheTTL <= 0 {
		c.DeviceCacheTTL = DefaultDeviceCacheTTL
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
}

// ConnectOptions configure a single connect attempt. Retry policy lives
// with the caller; Connect itself makes exactly one attempt.
type ConnectOptions struct {
	Timeout time.Duration
}

// Manager is the transport and command-delivery manager. Construct one
// per adapter with New and pass it by handle; there is no process-wide
// instance.
type Manager struct {
	cfg     Config
	adapter ble.Adapter
	logger  *zap.Logger

	flow     *flowController
	pool     *BufferPool
	stats    *statsAggregator
	queue    *commandQueue
	sched    *scheduler
	pipeline *pipeline
	events   *eventBus
	history  history.Store
	metrics  *metrics.Collector
	governor *governor

	mu             sync.RWMutex
	state          ConnState
	deviceID       string
	initialized    bool
	closed         bool
	reconnecting   bool
	lastFlowParams FlowParams
	lastActivity   time.Time
	deviceCache    map[string]ble.DeviceRecord

	qm *qualityMonitor

	closeSignal chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// Option customizes optional manager collaborators.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithHistory sets the connection-history store.
func WithHistory(s history.Store) Option {
	return func(m *Manager) { m.history = s }
}

// WithMetrics sets the prometheus collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// New constructs a Manager around the given adapter and starts its
// scheduler and resource governor. Call Close to tear it down.
func New(adapter ble.Adapter, cfg Config, opts ...Option) *Manager {
	cfg.applyDefaults()

	m := &Manager{
		cfg:          cfg,
		adapter:      adapter,
		logger:       zap.NewNop(),
		state:        StateDisconnected,
		deviceCache:  make(map[string]ble.DeviceRecord),
		lastActivity: time.Now(),
		closeSignal:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.events = newEventBus()
	m.flow = newFlowController(cfg.Flow, m.logger)
	m.pool = NewBufferPool(cfg.PoolSizes, cfg.PoolBucketCap)
	m.stats = newStatsAggregator()
	m.queue = newCommandQueue(cfg.QueueBound)
	m.pipeline = newPipeline(adapter, m.pool, m.stats, m.flow, m.logger,
		cfg.ServiceUUID, cfg.WriteCharUUID, m.connectedDevice)
	m.sched = newScheduler(m.queue, m.sendPending, m.linkReady, m.events,
		m.logger, cfg.DrainInterval, cfg.RetryDelay)
	m.qm = newQualityMonitor(m)
	m.governor = newGovernor(m)
	m.lastFlowParams = m.flow.Params()

	adapter.OnDisconnect(m.handleAdapterDisconnect)
	adapter.OnDeviceFound(m.handleDeviceFound)

	m.sched.start()
	m.governor.start()
	return m
}

// Init powers up the adapter.
func (m *Manager) Init(ctx context.Context) error {
	if err := m.adapter.Init(ctx); err != nil {
		return fmt.Errorf("%w: %v", ble.ErrAdapterUnavailable, err)
	}
	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

// StartDiscovery begins a scan cycle.
func (m *Manager) StartDiscovery(ctx context.Context, opts ble.DiscoveryOptions) error {
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = m.cfg.ServiceUUID
	}
	return m.adapter.StartDiscovery(ctx, opts)
}

// StopDiscovery ends the scan cycle.
func (m *Manager) StopDiscovery() error {
	return m.adapter.StopDiscovery()
}

// DiscoveredDevices returns the cached devices from the current and
// recent scan cycles, newest signal data winning.
func (m *Manager) DiscoveredDevices() []ble.DeviceRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ble.DeviceRecord, 0, len(m.deviceCache))
	for _, rec := range m.deviceCache {
		out = append(out, rec)
	}
	return out
}

func (m *Manager) handleDeviceFound(rec ble.DeviceRecord) {
	m.mu.Lock()
	m.deviceCache[rec.ID] = rec
	m.mu.Unlock()
	m.events.publish(Event{Type: EventDeviceFound, DeviceID: rec.ID, Detail: rec.Name})
}

// Connect establishes a connection to deviceID. It makes exactly one
// adapter attempt; on failure the attempt is recorded in connection
// history and the error returned.
func (m *Manager) Connect(ctx context.Context, deviceID string, opts ConnectOptions) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.state == StateConnected {
		if m.deviceID == deviceID {
			m.mu.Unlock()
			return nil
		}
		// One active device at a time: release the current link before
		// attempting the new one.
		prev := m.deviceID
		m.mu.Unlock()
		if err := m.Disconnect(); err != nil {
			return fmt.Errorf("%w: releasing %s: %v", ErrConnectFailed, prev, err)
		}
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrManagerClosed
		}
	}
	if m.state == StateConnecting || m.state == StateDisconnecting {
		m.mu.Unlock()
		return fmt.Errorf("%w: busy in state %s", ErrConnectFailed, m.state)
	}
	m.state = StateConnecting
	name := m.deviceCache[deviceID].Name
	m.mu.Unlock()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.ConnectTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := m.adapter.Connect(cctx, deviceID)

	m.mu.Lock()
	if err != nil {
		m.state = StateDisconnected
	} else {
		m.state = StateConnected
		m.deviceID = deviceID
		m.lastActivity = time.Now()
	}
	m.mu.Unlock()

	m.recordHistory(deviceID, name, err == nil)

	if err != nil {
		m.logger.Warn("connect failed",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	m.logger.Info("connected", zap.String("device_id", deviceID))
	m.qm.start()
	m.sched.Kick()
	m.events.publish(Event{Type: EventConnected, DeviceID: deviceID})
	if m.metrics != nil {
		m.metrics.ConnectsTotal.Inc()
	}
	return nil
}

// Disconnect tears down the active connection. It is idempotent and
// leaves queued commands pending; they resume after the next successful
// connect.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.state = StateDisconnecting
	deviceID := m.deviceID
	m.lastFlowParams = m.flow.Params()
	m.mu.Unlock()

	m.qm.stop()
	err := m.adapter.Disconnect(deviceID)

	m.mu.Lock()
	m.state = StateDisconnected
	m.deviceID = ""
	m.mu.Unlock()

	m.events.publish(Event{Type: EventDisconnected, DeviceID: deviceID})
	if err != nil {
		return fmt.Errorf("printer: disconnect: %w", err)
	}
	return nil
}

// handleAdapterDisconnect runs on the adapter callback goroutine.
func (m *Manager) handleAdapterDisconnect(deviceID string, unexpected bool) {
	m.mu.Lock()
	if m.deviceID != deviceID {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	m.deviceID = ""
	m.lastFlowParams = m.flow.Params()
	alreadyReconnecting := m.reconnecting
	closed := m.closed
	if unexpected && !alreadyReconnecting && !closed {
		m.reconnecting = true
	}
	m.mu.Unlock()

	m.qm.stop()
	m.events.publish(Event{
		Type:     EventDisconnected,
		DeviceID: deviceID,
		Detail:   map[bool]string{true: "unexpected", false: "requested"}[unexpected],
	})

	if unexpected && !alreadyReconnecting && !closed {
		m.logger.Warn("unexpected disconnect, starting recovery",
			zap.String("device_id", deviceID))
		m.wg.Add(1)
		go m.reconnectLoop(deviceID)
	}
}

// reconnectLoop retries the lost connection with exponential backoff:
// base * 2^(attempt-1), capped at the configured ceiling, for at most
// MaxReconnectAttempts attempts.
func (m *Manager) reconnectLoop(deviceID string) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	delay := m.cfg.ReconnectBaseDelay
	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-m.closeSignal:
			return
		case <-time.After(delay):
		}

		m.events.publish(Event{
			Type:     EventReconnecting,
			DeviceID: deviceID,
			Detail:   fmt.Sprintf("attempt %d/%d", attempt, m.cfg.MaxReconnectAttempts),
		})
		if m.metrics != nil {
			m.metrics.ReconnectsTotal.Inc()
		}

		err := m.Connect(context.Background(), deviceID, ConnectOptions{})
		if err == nil {
			if rerr := m.restoreState(context.Background()); rerr != nil {
				m.logger.Warn("state restoration failed after reconnect",
					zap.String("device_id", deviceID),
					zap.Error(rerr),
				)
				m.events.publish(Event{
					Type:     EventRestoreFailed,
					DeviceID: deviceID,
					Err:      rerr,
				})
			}
			m.logger.Info("reconnected",
				zap.String("device_id", deviceID),
				zap.Int("attempt", attempt),
			)
			return
		}

		delay *= 2
		if delay > m.cfg.ReconnectMaxDelay {
			delay = m.cfg.ReconnectMaxDelay
		}
	}

	m.logger.Error("reconnect attempts exhausted", zap.String("device_id", deviceID))
	m.events.publish(Event{
		Type:     EventReconnectFailed,
		DeviceID: deviceID,
		Err:      ErrConnectFailed,
	})
}

// restoreState re-applies the pre-drop flow parameters, validates the
// link with a probe write and restarts the quality monitor. A failed
// probe reports restoration as failed; it does not loop.
func (m *Manager) restoreState(ctx context.Context) error {
	m.mu.RLock()
	saved := m.lastFlowParams
	m.mu.RUnlock()
	m.flow.Reset(saved)

	if err := m.probe(ctx); err != nil {
		return fmt.Errorf("printer: restore probe: %w", err)
	}
	m.qm.start()
	m.sched.Kick()
	return nil
}

// probe issues a harmless write to validate the link.
func (m *Manager) probe(ctx context.Context) error {
	deviceID, ok := m.connectedDevice()
	if !ok {
		return ErrNotConnected
	}
	return m.adapter.Write(ctx, deviceID, m.cfg.ServiceUUID, m.cfg.WriteCharUUID, escInit)
}

func (m *Manager) connectedDevice() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deviceID, m.state == StateConnected
}

func (m *Manager) linkReady() bool {
	_, ok := m.connectedDevice()
	return ok
}

// State returns the connection lifecycle state.
func (m *Manager) State() ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ConnectedDevice returns the active device id, empty when none.
func (m *Manager) ConnectedDevice() string {
	id, _ := m.connectedDevice()
	return id
}

// WriteData sends data as a single unchunked characteristic write.
func (m *Manager) WriteData(ctx context.Context, data []byte) error {
	deviceID, ok := m.connectedDevice()
	if !ok {
		return ErrNotConnected
	}
	start := time.Now()
	err := m.adapter.Write(ctx, deviceID, m.cfg.ServiceUUID, m.cfg.WriteCharUUID, data)
	m.stats.RecordWrite(len(data), err == nil)
	m.touchActivity()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if m.metrics != nil {
		m.metrics.BytesSentTotal.Add(float64(len(data)))
		m.metrics.WriteDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

// WriteDataInChunks sends data through the chunked pipeline. Pass
// chunkSize <= 0 or delay < 0 to use the current flow parameters.
func (m *Manager) WriteDataInChunks(ctx context.Context, data []byte, chunkSize int, delay time.Duration) (ChunkResult, error) {
	start := time.Now()
	res, err := m.pipeline.SendChunked(ctx, data, chunkSize, delay)
	if m.metrics != nil {
		m.metrics.BytesSentTotal.Add(float64(res.BytesSent))
		m.metrics.RetriesTotal.Add(float64(res.Retries))
		m.metrics.WriteDuration.Observe(time.Since(start).Seconds())
	}
	m.touchActivity()
	m.refreshMetrics()
	return res, err
}

// WriteBatch delivers commands per opts. The stats cycle restarts at
// the top of every batch.
func (m *Manager) WriteBatch(ctx context.Context, commands [][]byte, opts BatchOptions) (BatchResult, error) {
	if !m.linkReady() {
		return BatchResult{}, ErrNotConnected
	}
	m.stats.Reset()
	res := m.pipeline.SendBatch(ctx, commands, opts)
	m.touchActivity()
	m.refreshMetrics()
	return res, nil
}

// QueueCommand enqueues payload for ordered delivery and returns a
// handle the caller can Wait on. Enqueue never blocks: at the bound it
// fails with ErrQueueFull.
func (m *Manager) QueueCommand(payload []byte, opts QueueOptions) (*PendingCommand, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrManagerClosed
	}

	cmd := newPendingCommand(payload, opts)
	if err := m.queue.Enqueue(cmd); err != nil {
		m.events.publish(Event{Type: EventQueueFull, Detail: opts.Description})
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.QueueDepth.Set(float64(m.queue.Len()))
	}
	m.sched.Kick()
	return cmd, nil
}

// sendPending delivers one queued command through the pipeline.
func (m *Manager) sendPending(ctx context.Context, cmd *PendingCommand) error {
	params := m.flow.Params()

	var err error
	if cmd.UseChunking || len(cmd.Payload) > params.ChunkSize {
		var res ChunkResult
		res, err = m.pipeline.SendChunked(ctx, cmd.Payload, params.ChunkSize, params.ChunkDelay)
		if m.metrics != nil {
			m.metrics.BytesSentTotal.Add(float64(res.BytesSent))
			m.metrics.RetriesTotal.Add(float64(res.Retries))
		}
	} else {
		err = m.WriteData(ctx, cmd.Payload)
	}
	m.stats.RecordCommand(err == nil)
	if m.metrics != nil {
		m.metrics.CommandsTotal.Inc()
		if err != nil {
			m.metrics.CommandsFailed.Inc()
		}
	}
	m.touchActivity()
	m.refreshMetrics()
	return err
}

// PauseCommandQueue halts future dequeues. An in-flight command
// completes normally.
func (m *Manager) PauseCommandQueue() { m.sched.Pause() }

// ResumeCommandQueue restarts draining.
func (m *Manager) ResumeCommandQueue() { m.sched.Resume() }

// ClearCommandQueue removes all pending commands, rejecting their
// callers with ErrQueueCleared when rejectRemaining is set. It returns
// the number of removed commands.
func (m *Manager) ClearCommandQueue(rejectRemaining bool) int {
	n := m.queue.Clear(rejectRemaining)
	if m.metrics != nil {
		m.metrics.QueueDepth.Set(0)
	}
	return n
}

// QueueLen reports the number of pending commands.
func (m *Manager) QueueLen() int { return m.queue.Len() }

// TransmissionStats returns the counters for the current cycle.
func (m *Manager) TransmissionStats() TransmissionStats { return m.stats.Snapshot() }

// FlowControlParams returns the current flow tuning snapshot.
func (m *Manager) FlowControlParams() FlowParams { return m.flow.Params() }

// SetFlowControlParams applies a manual override, clamped to bounds.
func (m *Manager) SetFlowControlParams(o FlowOverride) FlowParams {
	p := m.flow.Override(o)
	m.events.publish(Event{Type: EventFlowAdjusted, Detail: "manual override"})
	m.refreshMetrics()
	return p
}

// Subscribe returns a channel of manager events and a cancel func.
// Handlers draining the channel must not block the scheduler; slow
// subscribers lose events.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	return m.events.subscribe(buffer)
}

// PerformanceReport aggregates the live observable state.
type PerformanceReport struct {
	State       string            `json:"state"`
	DeviceID    string            `json:"deviceId"`
	Stats       TransmissionStats `json:"stats"`
	Flow        FlowParams        `json:"flow"`
	QueueDepth  int               `json:"queueDepth"`
	PowerMode   PowerMode         `json:"powerMode"`
	PoolHitRate float64           `json:"poolHitRate"`
}

// GetPerformanceReport snapshots transport performance for callers and
// the monitoring surface.
func (m *Manager) GetPerformanceReport() PerformanceReport {
	id, _ := m.connectedDevice()
	return PerformanceReport{
		State:       m.State().String(),
		DeviceID:    id,
		Stats:       m.stats.Snapshot(),
		Flow:        m.flow.Params(),
		QueueDepth:  m.queue.Len(),
		PowerMode:   m.governor.Mode(),
		PoolHitRate: m.pool.HitRate(),
	}
}

func (m *Manager) recordHistory(deviceID, name string, success bool) {
	if m.history == nil {
		return
	}
	if err := m.history.RecordConnect(context.Background(), deviceID, name, success); err != nil {
		m.logger.Warn("history update failed", zap.Error(err))
	}
}

func (m *Manager) touchActivity() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()
}

func (m *Manager) idleSince() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastActivity
}

// refreshMetrics mirrors shared gauges into prometheus.
func (m *Manager) refreshMetrics() {
	if m.metrics == nil {
		return
	}
	snap := m.stats.Snapshot()
	params := m.flow.Params()
	m.metrics.QueueDepth.Set(float64(m.queue.Len()))
	m.metrics.ChunkSize.Set(float64(params.ChunkSize))
	m.metrics.TransmissionQuality.Set(snap.SuccessRate)
	m.metrics.PoolHitRate.Set(m.pool.HitRate())
}

// Close tears the manager down deterministically: scheduler, governor,
// quality monitor, adapter link and event bus.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.closeOnce.Do(func() { close(m.closeSignal) })
	m.sched.stop()
	m.governor.stop()
	m.qm.stop()
	err := m.Disconnect()
	m.wg.Wait()
	m.events.close()
	return err
}

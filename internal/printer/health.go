package printer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agions/bleprint/internal/ble"
)

// Health defaults.
const (
	DefaultQualityCheckInterval = 15 * time.Second
	DefaultSignalWarningDBm     = -80
	DefaultQualityWarningRatio  = 0.8

	batteryWarningLevel = 20
)

// HealthStatus is the overall verdict of a diagnosis.
type HealthStatus string

const (
	HealthHealthy HealthStatus = "healthy"
	HealthWarning HealthStatus = "warning"
	HealthError   HealthStatus = "error"
)

// HealthSnapshot is the on-demand health view. It is recomputed per
// Diagnose call and never persisted.
type HealthSnapshot struct {
	Status              HealthStatus `json:"status"`
	Issues              []string     `json:"issues"`
	BatteryLevel        int          `json:"batteryLevel"`
	BatteryKnown        bool         `json:"batteryKnown"`
	SignalStrength      int          `json:"signalStrength"`
	SignalKnown         bool         `json:"signalKnown"`
	TransmissionQuality float64      `json:"transmissionQuality"`
}

// qualityMonitor periodically samples signal strength and transmission
// quality while a connection is up, raising warnings and triggering the
// optimization routine on poor quality. The ticker interval follows the
// active power mode.
type qualityMonitor struct {
	m *Manager

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func newQualityMonitor(m *Manager) *qualityMonitor {
	return &qualityMonitor{m: m}
}

func (qm *qualityMonitor) start() {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	if qm.running {
		return
	}
	qm.running = true
	qm.stopCh = make(chan struct{})
	qm.wg.Add(1)
	go qm.loop(qm.stopCh)
}

func (qm *qualityMonitor) stop() {
	qm.mu.Lock()
	if !qm.running {
		qm.mu.Unlock()
		return
	}
	qm.running = false
	close(qm.stopCh)
	qm.mu.Unlock()
	qm.wg.Wait()
}

// restart re-arms the ticker, picking up an interval change.
func (qm *qualityMonitor) restart() {
	qm.stop()
	if qm.m.linkReady() {
		qm.start()
	}
}

func (qm *qualityMonitor) loop(stopCh chan struct{}) {
	defer qm.wg.Done()

	interval := qm.m.governor.QualityCheckInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			qm.check()
		}
	}
}

func (qm *qualityMonitor) check() {
	m := qm.m
	deviceID, ok := m.connectedDevice()
	if !ok {
		return
	}

	quality := m.flow.Params().LastQuality

	if rssi, err := m.adapter.SignalStrength(deviceID); err == nil && rssi < m.cfg.SignalWarningDBm {
		m.events.publish(Event{
			Type:     EventHealthWarning,
			DeviceID: deviceID,
			Detail:   fmt.Sprintf("weak signal: %d dBm", rssi),
		})
	}

	if quality > 0 && quality < m.cfg.QualityWarningRatio {
		m.events.publish(Event{
			Type:     EventHealthWarning,
			DeviceID: deviceID,
			Detail:   fmt.Sprintf("poor transmission quality: %.2f", quality),
		})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := m.optimizeTransmission(ctx); err != nil {
			m.logger.Warn("transmission optimization failed", zap.Error(err))
		}
		cancel()
	}
}

// optimizeTransmission is the lightweight repair routine for a degraded
// link: bounce characteristic notifications, validate with a probe
// write and fall back to the default flow parameters.
func (m *Manager) optimizeTransmission(ctx context.Context) error {
	deviceID, ok := m.connectedDevice()
	if !ok {
		return ErrNotConnected
	}

	if err := m.adapter.SetNotify(ctx, deviceID, m.cfg.ServiceUUID, m.cfg.NotifyCharUUID, false); err != nil {
		m.logger.Debug("notification disable failed", zap.Error(err))
	}
	if err := m.adapter.SetNotify(ctx, deviceID, m.cfg.ServiceUUID, m.cfg.NotifyCharUUID, true); err != nil {
		m.logger.Debug("notification enable failed", zap.Error(err))
	}

	if err := m.probe(ctx); err != nil {
		return fmt.Errorf("printer: optimization probe: %w", err)
	}

	// Start the tuning loop over from a conservative baseline.
	baseline := DefaultFlowParams()
	baseline.MinChunkSize = m.cfg.Flow.MinChunkSize
	baseline.MaxChunkSize = m.cfg.Flow.MaxChunkSize
	baseline.MinChunkDelay = m.cfg.Flow.MinChunkDelay
	baseline.MaxChunkDelay = m.cfg.Flow.MaxChunkDelay
	m.flow.Reset(baseline)
	m.events.publish(Event{Type: EventFlowAdjusted, DeviceID: deviceID, Detail: "optimization reset"})
	return nil
}

// batteryLevel reads the peripheral's standard battery characteristic.
func (m *Manager) batteryLevel(ctx context.Context) (int, bool) {
	deviceID, ok := m.connectedDevice()
	if !ok {
		return 0, false
	}
	data, err := m.adapter.Read(ctx, deviceID, ble.BatteryServiceUUID, ble.BatteryLevelUUID)
	if err != nil || len(data) == 0 {
		return 0, false
	}
	return int(data[0]), true
}

// Diagnose aggregates initialization state, connection state, battery,
// signal and a live write test into a health verdict.
func (m *Manager) Diagnose(ctx context.Context) HealthSnapshot {
	snap := HealthSnapshot{Status: HealthHealthy}

	m.mu.RLock()
	initialized := m.initialized
	state := m.state
	deviceID := m.deviceID
	m.mu.RUnlock()

	if !initialized {
		snap.Status = HealthError
		snap.Issues = append(snap.Issues, "adapter not initialized")
		return snap
	}
	if state != StateConnected {
		snap.Status = HealthError
		snap.Issues = append(snap.Issues, fmt.Sprintf("not connected (state %s)", state))
		return snap
	}

	if level, ok := m.batteryLevel(ctx); ok {
		snap.BatteryLevel = level
		snap.BatteryKnown = true
		if level < batteryWarningLevel {
			snap.Status = HealthWarning
			snap.Issues = append(snap.Issues, fmt.Sprintf("battery low: %d%%", level))
		}
	}

	if rssi, err := m.adapter.SignalStrength(deviceID); err == nil {
		snap.SignalStrength = rssi
		snap.SignalKnown = true
		if rssi < m.cfg.SignalWarningDBm {
			snap.Status = HealthWarning
			snap.Issues = append(snap.Issues, fmt.Sprintf("weak signal: %d dBm", rssi))
		}
	}

	snap.TransmissionQuality = m.flow.Params().LastQuality
	if snap.TransmissionQuality > 0 && snap.TransmissionQuality < m.cfg.QualityWarningRatio {
		snap.Status = HealthWarning
		snap.Issues = append(snap.Issues, fmt.Sprintf("transmission quality degraded: %.2f", snap.TransmissionQuality))
	}

	if err := m.probe(ctx); err != nil {
		snap.Status = HealthError
		snap.Issues = append(snap.Issues, fmt.Sprintf("write test failed: %v", err))
	}

	return snap
}

// AutoTroubleshoot escalates link repair: first the lightweight
// optimize/diagnose pass, then a full disconnect, adapter reset,
// reconnect and queue resume.
func (m *Manager) AutoTroubleshoot(ctx context.Context) error {
	m.mu.RLock()
	deviceID := m.deviceID
	m.mu.RUnlock()

	if snap := m.Diagnose(ctx); snap.Status == HealthHealthy {
		return nil
	}

	if m.linkReady() {
		if err := m.optimizeTransmission(ctx); err == nil {
			if snap := m.Diagnose(ctx); snap.Status != HealthError {
				return nil
			}
		}
	}

	// Hard path: full teardown and rebuild.
	m.logger.Warn("escalating troubleshoot: adapter reset", zap.String("device_id", deviceID))
	m.PauseCommandQueue()
	defer m.ResumeCommandQueue()

	if err := m.Disconnect(); err != nil {
		m.logger.Debug("disconnect during troubleshoot", zap.Error(err))
	}
	if err := m.adapter.Reset(ctx); err != nil {
		return fmt.Errorf("%w: adapter reset: %v", ErrDiagnosticFailure, err)
	}
	if deviceID == "" {
		return fmt.Errorf("%w: no device to reconnect", ErrDiagnosticFailure)
	}
	if err := m.Connect(ctx, deviceID, ConnectOptions{}); err != nil {
		return fmt.Errorf("%w: reconnect: %v", ErrDiagnosticFailure, err)
	}
	if snap := m.Diagnose(ctx); snap.Status == HealthError {
		return fmt.Errorf("%w: %v", ErrDiagnosticFailure, snap.Issues)
	}
	return nil
}

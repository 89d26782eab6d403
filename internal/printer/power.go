package printer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Resource governor defaults.
const (
	DefaultSweepInterval     = 60 * time.Second
	DefaultDeviceCacheTTL    = 5 * time.Minute
	DefaultInactivityTimeout = 5 * time.Minute

	// sweepTrimKeep is how many buffers each pool bucket retains after a
	// sweep.
	sweepTrimKeep = 2

	// battery thresholds for PowerAuto mode resolution
	autoLowBattery  = 20
	autoHighBattery = 80
)

// PowerMode selects a power/throughput tradeoff.
type PowerMode string

const (
	PowerAggressive  PowerMode = "aggressive"
	PowerBalanced    PowerMode = "balanced"
	PowerPerformance PowerMode = "performance"
	PowerAuto        PowerMode = "auto"
)

// powerProfile is the fixed parameter triple a mode applies.
type powerProfile struct {
	chunkSize            int
	chunkDelay           time.Duration
	qualityCheckInterval time.Duration
}

var powerProfiles = map[PowerMode]powerProfile{
	PowerAggressive:  {chunkSize: 64, chunkDelay: 40 * time.Millisecond, qualityCheckInterval: 60 * time.Second},
	PowerBalanced:    {chunkSize: 128, chunkDelay: 20 * time.Millisecond, qualityCheckInterval: 30 * time.Second},
	PowerPerformance: {chunkSize: 256, chunkDelay: 10 * time.Millisecond, qualityCheckInterval: 10 * time.Second},
}

// governor applies the idle/power policy: periodic sweeps trim the
// buffer pool and expire stale discovery cache entries, and a long
// enough idle window releases pooled memory and stops the non-essential
// monitors.
type governor struct {
	m *Manager

	mu                sync.Mutex
	enabled           bool
	mode              PowerMode
	inactivityTimeout time.Duration
	idleParked        bool

	closeSignal chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

func newGovernor(m *Manager) *governor {
	return &governor{
		m:                 m,
		mode:              PowerBalanced,
		inactivityTimeout: m.cfg.InactivityTimeout,
		closeSignal:       make(chan struct{}),
	}
}

func (g *governor) start() {
	g.wg.Add(1)
	go g.sweepLoop()
}

func (g *governor) stop() {
	g.closeOnce.Do(func() { close(g.closeSignal) })
	g.wg.Wait()
}

// Mode returns the configured power mode.
func (g *governor) Mode() PowerMode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// resolveMode maps PowerAuto to a concrete mode based on battery level.
func (g *governor) resolveMode(mode PowerMode) PowerMode {
	if mode != PowerAuto {
		return mode
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	level, ok := g.m.batteryLevel(ctx)
	switch {
	case !ok:
		return PowerBalanced
	case level <= autoLowBattery:
		return PowerAggressive
	case level >= autoHighBattery:
		return PowerPerformance
	default:
		return PowerBalanced
	}
}

// QualityCheckInterval reports the monitor interval for the active
// mode, falling back to the manager config.
func (g *governor) QualityCheckInterval() time.Duration {
	g.mu.Lock()
	mode := g.mode
	enabled := g.enabled
	g.mu.Unlock()
	if enabled {
		if prof, ok := powerProfiles[mode]; ok {
			return prof.qualityCheckInterval
		}
	}
	return g.m.cfg.QualityCheckInterval
}

func (g *governor) sweepLoop() {
	defer g.wg.Done()

	interval := g.m.cfg.SweepInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.closeSignal:
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

func (g *governor) sweep() {
	m := g.m

	m.pool.Trim(sweepTrimKeep)

	// Expire stale discovery cache entries.
	cutoff := time.Now().Add(-m.cfg.DeviceCacheTTL)
	m.mu.Lock()
	for id, rec := range m.deviceCache {
		if rec.LastSeen.Before(cutoff) {
			delete(m.deviceCache, id)
		}
	}
	m.mu.Unlock()

	// Idle parking: release pooled memory and stop the quality monitor
	// until activity resumes.
	g.mu.Lock()
	timeout := g.inactivityTimeout
	parked := g.idleParked
	g.mu.Unlock()

	idle := time.Since(m.idleSince())
	if !parked && idle > timeout {
		m.logger.Info("idle window elapsed, parking resources",
			zap.Duration("idle", idle))
		m.pool.DropAll()
		m.qm.stop()
		g.mu.Lock()
		g.idleParked = true
		g.mu.Unlock()
	} else if parked && idle <= timeout {
		if m.linkReady() {
			m.qm.start()
		}
		g.mu.Lock()
		g.idleParked = false
		g.mu.Unlock()
	}
}

// SetPowerManagement enables or disables power governance. mode selects
// the parameter profile (PowerAuto derives it from battery level);
// switching modes re-applies flow parameters and restarts the quality
// monitor with the new interval.
func (m *Manager) SetPowerManagement(enabled bool, mode PowerMode, inactivityTimeout time.Duration) {
	g := m.governor

	resolved := g.resolveMode(mode)
	prof, known := powerProfiles[resolved]

	g.mu.Lock()
	g.enabled = enabled
	if known {
		g.mode = resolved
	}
	if inactivityTimeout > 0 {
		g.inactivityTimeout = inactivityTimeout
	}
	g.mu.Unlock()

	if enabled && known {
		m.flow.Override(FlowOverride{
			ChunkSize:  &prof.chunkSize,
			ChunkDelay: &prof.chunkDelay,
		})
	}
	m.qm.restart()

	m.logger.Info("power management updated",
		zap.Bool("enabled", enabled),
		zap.String("mode", string(resolved)),
	)
	m.events.publish(Event{Type: EventPowerModeChange, Detail: string(resolved)})
}

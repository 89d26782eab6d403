package printer

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Flow control defaults. The 20 byte floor matches the usable payload of
// the minimum BLE MTU (23 bytes minus the ATT header).
const (
	DefaultChunkSize    = 128
	DefaultMinChunkSize = 20
	DefaultMaxChunkSize = 512

	DefaultChunkDelay    = 20 * time.Millisecond
	DefaultMinChunkDelay = 5 * time.Millisecond
	DefaultMaxChunkDelay = 200 * time.Millisecond

	DefaultCommandDelay = 50 * time.Millisecond

	DefaultQualityThreshold = 0.90

	// stableQuality is the bar above which the controller cautiously
	// reclaims throughput.
	stableQuality = 0.98

	chunkStep = 32
	delayStep = 10 * time.Millisecond
)

// FlowParams is an immutable snapshot of the transport tuning knobs. The
// pipeline reads a snapshot before every send; only the controller's
// tuning step (or an explicit override) produces a new one.
type FlowParams struct {
	ChunkSize    int           `json:"chunkSize"`
	ChunkDelay   time.Duration `json:"chunkDelayMs"`
	CommandDelay time.Duration `json:"commandDelayMs"`
	AutoAdjust   bool          `json:"autoAdjust"`

	MinChunkSize  int           `json:"minChunkSize"`
	MaxChunkSize  int           `json:"maxChunkSize"`
	MinChunkDelay time.Duration `json:"minChunkDelay"`
	MaxChunkDelay time.Duration `json:"maxChunkDelay"`

	QualityThreshold float64 `json:"qualityThreshold"`
	LastQuality      float64 `json:"lastQuality"`
}

// DefaultFlowParams returns the initial tuning snapshot.
func DefaultFlowParams() FlowParams {
	return FlowParams{
		ChunkSize:        DefaultChunkSize,
		ChunkDelay:       DefaultChunkDelay,
		CommandDelay:     DefaultCommandDelay,
		AutoAdjust:       true,
		MinChunkSize:     DefaultMinChunkSize,
		MaxChunkSize:     DefaultMaxChunkSize,
		MinChunkDelay:    DefaultMinChunkDelay,
		MaxChunkDelay:    DefaultMaxChunkDelay,
		QualityThreshold: DefaultQualityThreshold,
	}
}

// clamp forces the mutable knobs back inside their configured bounds.
func (p FlowParams) clamp() FlowParams {
	if p.ChunkSize < p.MinChunkSize {
		p.ChunkSize = p.MinChunkSize
	}
	if p.ChunkSize > p.MaxChunkSize {
		p.ChunkSize = p.MaxChunkSize
	}
	if p.ChunkDelay < p.MinChunkDelay {
		p.ChunkDelay = p.MinChunkDelay
	}
	if p.ChunkDelay > p.MaxChunkDelay {
		p.ChunkDelay = p.MaxChunkDelay
	}
	if p.CommandDelay < 0 {
		p.CommandDelay = 0
	}
	return p
}

// FlowOverride carries the caller-settable subset of FlowParams. Nil
// fields keep the current value. Overrides are clamped, never rejected.
type FlowOverride struct {
	ChunkSize    *int
	ChunkDelay   *time.Duration
	CommandDelay *time.Duration
	AutoAdjust   *bool
}

// QualitySample summarizes one transmission unit for the tuning step.
type QualitySample struct {
	TotalBytes      int
	SuccessfulBytes int
	Retries         int
}

// Quality returns successfulBytes/totalBytes, 0 when nothing was sent.
func (s QualitySample) Quality() float64 {
	if s.TotalBytes == 0 {
		return 0
	}
	return float64(s.SuccessfulBytes) / float64(s.TotalBytes)
}

// flowController owns the FlowParams snapshot. Readers load it without
// locking; the write path is serialized by wmu.
type flowController struct {
	wmu    sync.Mutex
	params atomic.Pointer[FlowParams]
	logger *zap.Logger
}

func newFlowController(initial FlowParams, logger *zap.Logger) *flowController {
	if logger == nil {
		logger = zap.NewNop()
	}
	fc := &flowController{logger: logger}
	initial = initial.clamp()
	fc.params.Store(&initial)
	return fc
}

// Params returns the current snapshot.
func (fc *flowController) Params() FlowParams {
	return *fc.params.Load()
}

// Override applies a manual parameter change, bypassing auto-tuning but
// clamped to the same bounds.
func (fc *flowController) Override(o FlowOverride) FlowParams {
	fc.wmu.Lock()
	defer fc.wmu.Unlock()

	p := *fc.params.Load()
	if o.ChunkSize != nil {
		p.ChunkSize = *o.ChunkSize
	}
	if o.ChunkDelay != nil {
		p.ChunkDelay = *o.ChunkDelay
	}
	if o.CommandDelay != nil {
		p.CommandDelay = *o.CommandDelay
	}
	if o.AutoAdjust != nil {
		p.AutoAdjust = *o.AutoAdjust
	}
	p = p.clamp()
	fc.params.Store(&p)
	return p
}

// Observe runs one tuning step from a measured transmission unit and
// reports whether the parameters changed. Poor quality trades throughput
// for reliability (smaller chunks, longer delay); sustained clean
// transfers cautiously reclaim it. The band in between changes nothing,
// which keeps the controller from oscillating.
func (fc *flowController) Observe(sample QualitySample) bool {
	fc.wmu.Lock()
	defer fc.wmu.Unlock()

	p := *fc.params.Load()
	quality := sample.Quality()
	prev := p

	p.LastQuality = quality
	if p.AutoAdjust && sample.TotalBytes > 0 {
		switch {
		case quality < p.QualityThreshold:
			p.ChunkSize -= chunkStep
			p.ChunkDelay += delayStep

		case quality > stableQuality && sample.Retries == 0:
			if p.ChunkSize < p.MaxChunkSize {
				p.ChunkSize += chunkStep
			} else {
				p.ChunkDelay -= delayStep
			}
		}
	}
	p = p.clamp()
	fc.params.Store(&p)

	changed := p.ChunkSize != prev.ChunkSize || p.ChunkDelay != prev.ChunkDelay
	if changed {
		fc.logger.Debug("flow parameters adjusted",
			zap.Float64("quality", quality),
			zap.Int("chunk_size", p.ChunkSize),
			zap.Duration("chunk_delay", p.ChunkDelay),
		)
	}
	return changed
}

// Reset restores tuning to the given baseline, keeping bounds.
func (fc *flowController) Reset(baseline FlowParams) {
	fc.wmu.Lock()
	defer fc.wmu.Unlock()
	baseline = baseline.clamp()
	fc.params.Store(&baseline)
}

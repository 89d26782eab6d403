package printer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agions/bleprint/internal/ble"
)

// ChunkResult reports the outcome of one chunked transfer.
type ChunkResult struct {
	Chunks     int
	Retries    int
	BytesSent  int
	FailedIdxs []int
}

// BatchOptions control WriteBatch behavior.
type BatchOptions struct {
	// Parallel enables bounded-parallel sending of independent command
	// sequences. Within a sequence order is always preserved.
	Parallel    bool
	MaxParallel int
	BatchSize   int

	// CommandDelay overrides the flow controller's inter-command delay
	// when > 0.
	CommandDelay time.Duration
}

// BatchResult aggregates a WriteBatch outcome.
type BatchResult struct {
	Success     bool
	FailedCount int
	Stats       TransmissionStats
}

// pipeline turns a byte payload into a sequence of characteristic writes
// sized and paced by the flow controller. It owns no connection state;
// the device callback reports the currently connected peripheral.
type pipeline struct {
	adapter ble.Adapter
	pool    *BufferPool
	stats   *statsAggregator
	flow    *flowController
	logger  *zap.Logger

	serviceUUID string
	writeChar   string

	device func() (string, bool)
}

func newPipeline(adapter ble.Adapter, pool *BufferPool, stats *statsAggregator, flow *flowController, logger *zap.Logger, serviceUUID, writeChar string, device func() (string, bool)) *pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &pipeline{
		adapter:     adapter,
		pool:        pool,
		stats:       stats,
		flow:        flow,
		logger:      logger,
		serviceUUID: serviceUUID,
		writeChar:   writeChar,
		device:      device,
	}
}

// writeChunk copies one chunk of payload into a pool buffer (when it
// fits a pooled class) and writes it. The borrowed buffer is returned
// before writeChunk returns, success or failure.
func (pl *pipeline) writeChunk(ctx context.Context, deviceID string, chunk []byte) error {
	var buf []byte
	pooled := len(chunk) <= pl.pool.MaxPooledSize()
	if pooled {
		buf = pl.pool.Acquire(len(chunk))
		defer pl.pool.Release(buf)
	} else {
		buf = make([]byte, len(chunk))
	}
	copy(buf, chunk)

	err := pl.adapter.Write(ctx, deviceID, pl.serviceUUID, pl.writeChar, buf)
	pl.stats.RecordWrite(len(chunk), err == nil)
	return err
}

// SendChunked splits payload into ceil(len/chunkSize) chunks and writes
// them in order with chunkDelay between writes. Chunks that fail on the
// first pass are retried once, after all first-pass chunks have been
// attempted, with double the delay. Success requires every chunk to
// eventually land.
func (pl *pipeline) SendChunked(ctx context.Context, payload []byte, chunkSize int, chunkDelay time.Duration) (ChunkResult, error) {
	params := pl.flow.Params()
	if chunkSize <= 0 {
		chunkSize = params.ChunkSize
	}
	if chunkDelay < 0 {
		chunkDelay = params.ChunkDelay
	}

	deviceID, ok := pl.device()
	if !ok {
		return ChunkResult{}, ErrNotConnected
	}

	total := len(payload)
	numChunks := (total + chunkSize - 1) / chunkSize
	res := ChunkResult{Chunks: numChunks}
	if total == 0 {
		return res, nil
	}

	var failed []int
	for i := 0; i < numChunks; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if i > 0 && chunkDelay > 0 {
			time.Sleep(chunkDelay)
		}
		start := i * chunkSize
		end := start + chunkSize
		if end > total {
			end = total
		}
		if err := pl.writeChunk(ctx, deviceID, payload[start:end]); err != nil {
			pl.logger.Debug("chunk write failed",
				zap.Int("chunk", i),
				zap.Int("size", end-start),
				zap.Error(err),
			)
			failed = append(failed, i)
			continue
		}
		res.BytesSent += end - start
	}

	// Second pass: retry failed chunks once with double the delay.
	retryDelay := chunkDelay * 2
	for _, i := range failed {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if retryDelay > 0 {
			time.Sleep(retryDelay)
		}
		res.Retries++
		pl.stats.RecordRetries(1)

		start := i * chunkSize
		end := start + chunkSize
		if end > total {
			end = total
		}
		if err := pl.writeChunk(ctx, deviceID, payload[start:end]); err != nil {
			res.FailedIdxs = append(res.FailedIdxs, i)
			continue
		}
		res.BytesSent += end - start
	}

	failedBytes := 0
	for _, i := range res.FailedIdxs {
		end := (i + 1) * chunkSize
		if end > total {
			end = total
		}
		failedBytes += end - i*chunkSize
	}
	sample := QualitySample{
		TotalBytes:      res.BytesSent + failedBytes,
		SuccessfulBytes: res.BytesSent,
		Retries:         res.Retries,
	}
	pl.flow.Observe(sample)

	if len(res.FailedIdxs) > 0 {
		return res, fmt.Errorf("%w: %d of %d chunks undelivered", ErrWriteFailed, len(res.FailedIdxs), numChunks)
	}
	return res, nil
}

// sendSequence delivers an ordered slice of commands one after another.
func (pl *pipeline) sendSequence(ctx context.Context, commands [][]byte, commandDelay time.Duration) (failed int) {
	for i, cmd := range commands {
		if ctx.Err() != nil {
			failed += len(commands) - i
			return failed
		}
		if i > 0 && commandDelay > 0 {
			time.Sleep(commandDelay)
		}
		params := pl.flow.Params()
		if _, err := pl.SendChunked(ctx, cmd, params.ChunkSize, params.ChunkDelay); err != nil {
			failed++
			pl.stats.RecordCommand(false)
			continue
		}
		pl.stats.RecordCommand(true)
	}
	return failed
}

// SendBatch delivers a set of commands either strictly sequentially or
// as bounded-parallel batches. Each batch is itself an ordered
// sub-sequence; only whole batches run concurrently.
func (pl *pipeline) SendBatch(ctx context.Context, commands [][]byte, opts BatchOptions) BatchResult {
	commandDelay := opts.CommandDelay
	if commandDelay <= 0 {
		commandDelay = pl.flow.Params().CommandDelay
	}

	var failed int
	if !opts.Parallel || len(commands) <= 1 {
		failed = pl.sendSequence(ctx, commands, commandDelay)
	} else {
		batchSize := opts.BatchSize
		if batchSize <= 0 {
			batchSize = 4
		}
		maxParallel := opts.MaxParallel
		if maxParallel <= 0 {
			maxParallel = 2
		}

		var batches [][][]byte
		for start := 0; start < len(commands); start += batchSize {
			end := start + batchSize
			if end > len(commands) {
				end = len(commands)
			}
			batches = append(batches, commands[start:end])
		}

		sem := make(chan struct{}, maxParallel)
		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, batch := range batches {
			wg.Add(1)
			sem <- struct{}{}
			go func(batch [][]byte) {
				defer wg.Done()
				defer func() { <-sem }()
				n := pl.sendSequence(ctx, batch, commandDelay)
				mu.Lock()
				failed += n
				mu.Unlock()
			}(batch)
		}
		wg.Wait()
	}

	return BatchResult{
		Success:     failed == 0,
		FailedCount: failed,
		Stats:       pl.stats.Snapshot(),
	}
}

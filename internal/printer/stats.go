package printer

import (
	"sync"
	"time"
)

// TransmissionStats is a snapshot of the running transfer counters for
// the current batch/drain cycle, plus derived rates.
type TransmissionStats struct {
	TotalBytes         uint64        `json:"totalBytes"`
	SuccessfulBytes    uint64        `json:"successfulBytes"`
	TotalCommands      uint64        `json:"totalCommands"`
	SuccessfulCommands uint64        `json:"successfulCommands"`
	RetryCount         uint64        `json:"retryCount"`
	StartTime          time.Time     `json:"startTime"`
	EndTime            time.Time     `json:"endTime"`
	SuccessRate        float64       `json:"successRate"`
	Duration           time.Duration `json:"durationMs"`
	BytesPerSecond     float64       `json:"bytesPerSecond"`
}

// statsAggregator accumulates transmission counters. Reset at the start
// of each batch cycle, accumulated during it.
type statsAggregator struct {
	mu sync.Mutex

	totalBytes         uint64
	successfulBytes    uint64
	totalCommands      uint64
	successfulCommands uint64
	retryCount         uint64
	startTime          time.Time
	endTime            time.Time
}

func newStatsAggregator() *statsAggregator {
	return &statsAggregator{startTime: time.Now()}
}

// Reset clears all counters and restarts the cycle clock.
func (s *statsAggregator) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalBytes = 0
	s.successfulBytes = 0
	s.totalCommands = 0
	s.successfulCommands = 0
	s.retryCount = 0
	s.startTime = time.Now()
	s.endTime = time.Time{}
}

// RecordWrite accounts for a single chunk write attempt.
func (s *statsAggregator) RecordWrite(n int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalBytes += uint64(n)
	if ok {
		s.successfulBytes += uint64(n)
	}
	s.endTime = time.Now()
}

// RecordCommand accounts for one fully-attempted command delivery.
func (s *statsAggregator) RecordCommand(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalCommands++
	if ok {
		s.successfulCommands++
	}
	s.endTime = time.Now()
}

// RecordRetries adds n to the retry counter.
func (s *statsAggregator) RecordRetries(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryCount += uint64(n)
}

// Quality returns successfulBytes/totalBytes in [0,1], 0 when no bytes
// have been attempted.
func (s *statsAggregator) Quality() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.totalBytes == 0 {
		return 0
	}
	return float64(s.successfulBytes) / float64(s.totalBytes)
}

// Snapshot returns the counters together with the derived fields.
func (s *statsAggregator) Snapshot() TransmissionStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := TransmissionStats{
		TotalBytes:         s.totalBytes,
		SuccessfulBytes:    s.successfulBytes,
		TotalCommands:      s.totalCommands,
		SuccessfulCommands: s.successfulCommands,
		RetryCount:         s.retryCount,
		StartTime:          s.startTime,
		EndTime:            s.endTime,
	}
	if s.totalBytes > 0 {
		snap.SuccessRate = float64(s.successfulBytes) / float64(s.totalBytes)
	}
	end := s.endTime
	if end.IsZero() {
		end = time.Now()
	}
	snap.Duration = end.Sub(s.startTime)
	if secs := snap.Duration.Seconds(); secs > 0 {
		snap.BytesPerSecond = float64(s.successfulBytes) / secs
	}
	return snap
}

// Package history persists per-device connection history: when a
// printer was last seen, how often connects succeed, and whether the
// user favorited it. The bound keeps the list small; favorites are
// exempt from eviction.
package history

import (
	"context"
	"errors"
	"time"
)

// MaxEntries bounds the number of non-favorite entries a store retains.
const MaxEntries = 10

// successRateWeight is the weight of the previous rate in the running
// average; a new sample contributes 1-successRateWeight.
const successRateWeight = 0.8

var ErrNotFound = errors.New("history: entry not found")

// Entry is one device's connection record. SuccessRate stays in [0,1]
// and is recomputed as a weighted running average on every attempt.
type Entry struct {
	DeviceID      string    `json:"deviceId"`
	Name          string    `json:"name,omitempty"`
	LastConnected time.Time `json:"lastConnected"`
	ConnectCount  int       `json:"connectCount"`
	SuccessRate   float64   `json:"successRate"`
	Favorite      bool      `json:"favorite"`
}

// update folds one connect attempt into the entry.
func (e *Entry) update(name string, success bool, now time.Time) {
	if name != "" {
		e.Name = name
	}
	sample := 0.0
	if success {
		sample = 1.0
		e.LastConnected = now
	}
	if e.ConnectCount == 0 {
		e.SuccessRate = sample
	} else {
		e.SuccessRate = successRateWeight*e.SuccessRate + (1-successRateWeight)*sample
	}
	e.ConnectCount++
}

// Store is the connection-history repository interface.
type Store interface {
	// RecordConnect folds a connect attempt into the device's entry,
	// creating it if needed and evicting the stalest non-favorite entry
	// past the bound.
	RecordConnect(ctx context.Context, deviceID, name string, success bool) error

	Get(ctx context.Context, deviceID string) (Entry, error)

	// List returns all entries, most recently connected first.
	List(ctx context.Context) ([]Entry, error)

	SetFavorite(ctx context.Context, deviceID string, favorite bool) error
	Delete(ctx context.Context, deviceID string) error
}

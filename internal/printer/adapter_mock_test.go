package printer

import (
	"context"
	"errors"
	"sync"

	"github.com/agions/bleprint/internal/ble"
)

// fakeAdapter is a scriptable in-memory ble.Adapter for tests.
type fakeAdapter struct {
	mu sync.Mutex

	initialized bool
	connected   map[string]bool
	writes      [][]byte
	writeSeq    int

	// failWrites marks 1-based write sequence numbers that fail.
	failWrites map[int]bool
	// failAllWrites makes every write fail.
	failAllWrites bool
	// connectErr fails every Connect when set.
	connectErr error
	// connectCalls counts Connect invocations.
	connectCalls int

	rssi        int
	battery     byte
	resetCalls  int
	notifyCalls int

	onDisconnect  ble.DisconnectFunc
	onDeviceFound ble.DeviceFoundFunc
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		connected:  make(map[string]bool),
		failWrites: make(map[int]bool),
		rssi:       -50,
		battery:    90,
	}
}

func (f *fakeAdapter) Init(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialized = true
	return nil
}

func (f *fakeAdapter) Reset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalls++
	f.connected = make(map[string]bool)
	return nil
}

func (f *fakeAdapter) StartDiscovery(ctx context.Context, opts ble.DiscoveryOptions) error {
	return nil
}
func (f *fakeAdapter) StopDiscovery() error { return nil }

func (f *fakeAdapter) DiscoveredDevices() []ble.DeviceRecord { return nil }

func (f *fakeAdapter) Connect(ctx context.Context, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected[deviceID] = true
	return nil
}

func (f *fakeAdapter) Disconnect(deviceID string) error {
	f.mu.Lock()
	delete(f.connected, deviceID)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Write(ctx context.Context, deviceID, serviceUUID, charUUID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeSeq++
	if f.failAllWrites || f.failWrites[f.writeSeq] {
		return errors.New("simulated write failure")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.writes = append(f.writes, buf)
	return nil
}

func (f *fakeAdapter) Read(ctx context.Context, deviceID, serviceUUID, charUUID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if charUUID == ble.BatteryLevelUUID {
		return []byte{f.battery}, nil
	}
	return nil, nil
}

func (f *fakeAdapter) SetNotify(ctx context.Context, deviceID, serviceUUID, charUUID string, enabled bool) error {
	f.mu.Lock()
	f.notifyCalls++
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) SignalStrength(deviceID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rssi, nil
}

func (f *fakeAdapter) OnDisconnect(fn ble.DisconnectFunc) { f.onDisconnect = fn }

func (f *fakeAdapter) OnDeviceFound(fn ble.DeviceFoundFunc) { f.onDeviceFound = fn }

// dropConnection simulates a link loss seen by the adapter.
func (f *fakeAdapter) dropConnection(deviceID string, unexpected bool) {
	f.mu.Lock()
	delete(f.connected, deviceID)
	fn := f.onDisconnect
	f.mu.Unlock()
	if fn != nil {
		fn(deviceID, unexpected)
	}
}

// writtenPayloads returns copies of all successful writes in order.
func (f *fakeAdapter) writtenPayloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

// isConnected reports whether the adapter holds a live link to deviceID.
func (f *fakeAdapter) isConnected(deviceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[deviceID]
}

func (f *fakeAdapter) connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

var _ ble.Adapter = (*fakeAdapter)(nil)

package ble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter implements Adapter on top of tinygo.org/x/bluetooth,
// which backs onto BlueZ on Linux, CoreBluetooth on macOS and WinRT on
// Windows. Device ids are the string form of the platform address (a MAC
// on Linux, a CoreBluetooth UUID on macOS).
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
	logger  *zap.Logger

	mu          sync.Mutex
	initialized bool
	scanning    bool
	discovered  map[string]DeviceRecord
	connected   map[string]*tinyGoConn

	onDisconnect  DisconnectFunc
	onDeviceFound DeviceFoundFunc

	// local disconnects are recorded so the adapter-level connect
	// handler can tell an expected drop from an unexpected one
	localDrops map[string]bool
}

type tinyGoConn struct {
	device bluetooth.Device
	chars  map[string]bluetooth.DeviceCharacteristic // key: serviceUUID + "/" + charUUID
	rssi   int
}

// NewTinyGoAdapter creates the production BLE backend.
func NewTinyGoAdapter(logger *zap.Logger) *TinyGoAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TinyGoAdapter{
		adapter:    bluetooth.DefaultAdapter,
		logger:     logger,
		discovered: make(map[string]DeviceRecord),
		connected:  make(map[string]*tinyGoConn),
		localDrops: make(map[string]bool),
	}
}

// Init powers up the radio and registers the adapter-level
// connect/disconnect handler.
func (a *TinyGoAdapter) Init(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return nil
	}
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		_, known := a.connected[id]
		local := a.localDrops[id]
		delete(a.connected, id)
		delete(a.localDrops, id)
		fn := a.onDisconnect
		a.mu.Unlock()
		if known && fn != nil {
			fn(id, !local)
		}
	})

	a.initialized = true
	return nil
}

// Reset drops all connections and re-enables the radio.
func (a *TinyGoAdapter) Reset(ctx context.Context) error {
	a.mu.Lock()
	conns := make([]*tinyGoConn, 0, len(a.connected))
	for id, c := range a.connected {
		a.localDrops[id] = true
		conns = append(conns, c)
	}
	a.connected = make(map[string]*tinyGoConn)
	a.initialized = false
	a.mu.Unlock()

	for _, c := range conns {
		c.device.Disconnect()
	}
	return a.Init(ctx)
}

func (a *TinyGoAdapter) StartDiscovery(ctx context.Context, opts DiscoveryOptions) error {
	a.mu.Lock()
	if !a.initialized {
		a.mu.Unlock()
		return ErrAdapterUnavailable
	}
	if a.scanning {
		a.mu.Unlock()
		return nil
	}
	a.scanning = true
	a.discovered = make(map[string]DeviceRecord)
	a.mu.Unlock()

	var filter bluetooth.UUID
	filtered := opts.ServiceUUID != ""
	if filtered {
		var err error
		filter, err = bluetooth.ParseUUID(opts.ServiceUUID)
		if err != nil {
			return fmt.Errorf("ble: parse service UUID: %w", err)
		}
	}

	scanCtx := ctx
	var cancel context.CancelFunc
	if opts.Duration > 0 {
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
	}

	go func() {
		if cancel != nil {
			defer cancel()
		}
		done := make(chan struct{})
		go func() {
			select {
			case <-scanCtx.Done():
				a.adapter.StopScan()
			case <-done:
			}
		}()

		// Scan blocks until StopScan is called.
		err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if filtered && !result.HasServiceUUID(filter) {
				return
			}
			rec := DeviceRecord{
				ID:       result.Address.String(),
				Name:     result.LocalName(),
				RSSI:     int(result.RSSI),
				LastSeen: time.Now(),
			}
			a.mu.Lock()
			_, seen := a.discovered[rec.ID]
			a.discovered[rec.ID] = rec
			fn := a.onDeviceFound
			a.mu.Unlock()
			if !seen && fn != nil {
				fn(rec)
			}
		})
		close(done)
		if err != nil && scanCtx.Err() == nil {
			a.logger.Warn("scan ended with error", zap.Error(err))
		}
		a.mu.Lock()
		a.scanning = false
		a.mu.Unlock()
	}()

	return nil
}

func (a *TinyGoAdapter) StopDiscovery() error {
	a.mu.Lock()
	scanning := a.scanning
	a.mu.Unlock()
	if !scanning {
		return nil
	}
	return a.adapter.StopScan()
}

func (a *TinyGoAdapter) DiscoveredDevices() []DeviceRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]DeviceRecord, 0, len(a.discovered))
	for _, rec := range a.discovered {
		out = append(out, rec)
	}
	return out
}

func (a *TinyGoAdapter) Connect(ctx context.Context, deviceID string) error {
	a.mu.Lock()
	if !a.initialized {
		a.mu.Unlock()
		return ErrAdapterUnavailable
	}
	rssi := 0
	if rec, ok := a.discovered[deviceID]; ok {
		rssi = rec.RSSI
	}
	a.mu.Unlock()

	var addr bluetooth.Address
	addr.Set(deviceID)

	// tinygo's Connect blocks with its own internal timeout; wrap it so
	// the caller's ctx is still honored.
	type result struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- result{device, err}
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("ble: connect %s: %w", deviceID, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("ble: connect %s: %w", deviceID, res.err)
		}
		a.mu.Lock()
		a.connected[deviceID] = &tinyGoConn{
			device: res.device,
			chars:  make(map[string]bluetooth.DeviceCharacteristic),
			rssi:   rssi,
		}
		delete(a.localDrops, deviceID)
		a.mu.Unlock()
		return nil
	}
}

func (a *TinyGoAdapter) Disconnect(deviceID string) error {
	a.mu.Lock()
	conn, ok := a.connected[deviceID]
	if ok {
		a.localDrops[deviceID] = true
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.device.Disconnect()
}

// characteristic resolves and caches a GATT characteristic handle.
func (a *TinyGoAdapter) characteristic(deviceID, serviceUUID, charUUID string) (bluetooth.DeviceCharacteristic, error) {
	key := serviceUUID + "/" + charUUID

	a.mu.Lock()
	conn, ok := a.connected[deviceID]
	if !ok {
		a.mu.Unlock()
		return bluetooth.DeviceCharacteristic{}, ErrDeviceNotFound
	}
	if char, cached := conn.chars[key]; cached {
		a.mu.Unlock()
		return char, nil
	}
	a.mu.Unlock()

	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: parse service UUID: %w", err)
	}
	chrUUID, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: parse characteristic UUID: %w", err)
	}

	svcs, err := conn.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return bluetooth.DeviceCharacteristic{}, ErrCharacteristicNotFound
	}
	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{chrUUID})
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return bluetooth.DeviceCharacteristic{}, ErrCharacteristicNotFound
	}

	a.mu.Lock()
	conn.chars[key] = chars[0]
	a.mu.Unlock()
	return chars[0], nil
}

func (a *TinyGoAdapter) Write(ctx context.Context, deviceID, serviceUUID, charUUID string, data []byte) error {
	char, err := a.characteristic(deviceID, serviceUUID, charUUID)
	if err != nil {
		return err
	}
	if _, err := char.WriteWithoutResponse(data); err != nil {
		return fmt.Errorf("ble: write %d bytes: %w", len(data), err)
	}
	return nil
}

func (a *TinyGoAdapter) Read(ctx context.Context, deviceID, serviceUUID, charUUID string) ([]byte, error) {
	char, err := a.characteristic(deviceID, serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 512)
	n, err := char.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("ble: read: %w", err)
	}
	return buf[:n], nil
}

func (a *TinyGoAdapter) SetNotify(ctx context.Context, deviceID, serviceUUID, charUUID string, enabled bool) error {
	char, err := a.characteristic(deviceID, serviceUUID, charUUID)
	if err != nil {
		return err
	}
	if !enabled {
		// tinygo has no explicit unsubscribe on all platforms; install a
		// no-op handler instead.
		return char.EnableNotifications(nil)
	}
	return char.EnableNotifications(func([]byte) {})
}

func (a *TinyGoAdapter) SignalStrength(deviceID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if conn, ok := a.connected[deviceID]; ok {
		return conn.rssi, nil
	}
	if rec, ok := a.discovered[deviceID]; ok {
		return rec.RSSI, nil
	}
	return 0, ErrDeviceNotFound
}

func (a *TinyGoAdapter) OnDisconnect(fn DisconnectFunc) {
	a.mu.Lock()
	a.onDisconnect = fn
	a.mu.Unlock()
}

func (a *TinyGoAdapter) OnDeviceFound(fn DeviceFoundFunc) {
	a.mu.Lock()
	a.onDeviceFound = fn
	a.mu.Unlock()
}

var _ Adapter = (*TinyGoAdapter)(nil)

package printer

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agions/bleprint/internal/ble"
)

// testConfig returns a Config with timings tightened for tests. Fields
// already set by the caller are kept.
func testConfig(cfg Config) Config {
	if cfg.DrainInterval == 0 {
		cfg.DrainInterval = time.Millisecond
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 2 * time.Millisecond
	}
	if cfg.ReconnectBaseDelay == 0 {
		cfg.ReconnectBaseDelay = 5 * time.Millisecond
	}
	if cfg.ReconnectMaxDelay == 0 {
		cfg.ReconnectMaxDelay = 20 * time.Millisecond
	}
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = 3
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = time.Second
	}
	if cfg.QualityCheckInterval == 0 {
		cfg.QualityCheckInterval = time.Hour
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Hour
	}
	if cfg.InactivityTimeout == 0 {
		cfg.InactivityTimeout = time.Hour
	}
	return cfg
}

func newTestManager(t *testing.T, cfg Config, opts ...Option) (*Manager, *fakeAdapter) {
	t.Helper()
	fake := newFakeAdapter()
	m := New(fake, testConfig(cfg), opts...)
	t.Cleanup(func() { m.Close() })
	if err := m.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return m, fake
}

func connectTestManager(t *testing.T, m *Manager) {
	t.Helper()
	if err := m.Connect(context.Background(), "printer-1", ConnectOptions{}); err != nil {
		t.Fatal(err)
	}
}

// waitEvent drains events until one of the wanted type arrives.
func waitEvent(t *testing.T, events <-chan Event, want EventType, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed waiting for %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestManagerConnectLifecycle(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	if got := m.State(); got != StateDisconnected {
		t.Fatalf("initial state = %s", got)
	}
	connectTestManager(t, m)
	if got := m.State(); got != StateConnected {
		t.Fatalf("state = %s, want CONNECTED", got)
	}
	if got := m.ConnectedDevice(); got != "printer-1" {
		t.Fatalf("device = %q", got)
	}

	// Connecting to the already-connected device is a no-op.
	connectTestManager(t, m)

	if err := m.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if got := m.State(); got != StateDisconnected {
		t.Fatalf("state = %s, want DISCONNECTED", got)
	}
	if err := m.Disconnect(); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
}

func TestManagerConnectFailure(t *testing.T) {
	m, fake := newTestManager(t, Config{})
	fake.connectErr = errors.New("out of range")

	err := m.Connect(context.Background(), "printer-1", ConnectOptions{})
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("err = %v, want ErrConnectFailed", err)
	}
	if got := m.State(); got != StateDisconnected {
		t.Fatalf("state after failure = %s", got)
	}
	if n := fake.connects(); n != 1 {
		t.Fatalf("adapter attempts = %d, want exactly 1", n)
	}
}

func TestManagerConnectSwitchReleasesPreviousDevice(t *testing.T) {
	m, fake := newTestManager(t, Config{})
	connectTestManager(t, m)

	events, cancelSub := m.Subscribe(16)
	defer cancelSub()

	if err := m.Connect(context.Background(), "printer-2", ConnectOptions{}); err != nil {
		t.Fatal(err)
	}
	if got := m.ConnectedDevice(); got != "printer-2" {
		t.Fatalf("device = %q, want printer-2", got)
	}
	if fake.isConnected("printer-1") {
		t.Fatal("old adapter link still live after switching devices")
	}
	if !fake.isConnected("printer-2") {
		t.Fatal("new adapter link not established")
	}

	ev := waitEvent(t, events, EventDisconnected, time.Second)
	if ev.DeviceID != "printer-1" {
		t.Fatalf("disconnected device = %q, want printer-1", ev.DeviceID)
	}
	waitEvent(t, events, EventConnected, time.Second)
}

func TestManagerWriteRequiresConnection(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	if err := m.WriteData(context.Background(), []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if _, err := m.WriteDataInChunks(context.Background(), []byte("x"), 0, -1); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("chunked err = %v, want ErrNotConnected", err)
	}
	if _, err := m.WriteBatch(context.Background(), [][]byte{{1}}, BatchOptions{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("batch err = %v, want ErrNotConnected", err)
	}
}

func TestManagerQueueDrainsByPriority(t *testing.T) {
	m, fake := newTestManager(t, Config{})

	// Queued while disconnected; nothing may be sent yet.
	payloads := map[int][]byte{1: []byte("low"), 10: []byte("high"), 5: []byte("mid")}
	var cmds []*PendingCommand
	for _, prio := range []int{1, 10, 5} {
		cmd, err := m.QueueCommand(payloads[prio], QueueOptions{Priority: prio})
		if err != nil {
			t.Fatal(err)
		}
		cmds = append(cmds, cmd)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(fake.writtenPayloads()); n != 0 {
		t.Fatalf("%d writes before connect", n)
	}

	connectTestManager(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, cmd := range cmds {
		if err := cmd.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}

	writes := fake.writtenPayloads()
	want := [][]byte{[]byte("high"), []byte("mid"), []byte("low")}
	if len(writes) != len(want) {
		t.Fatalf("writes = %d, want %d", len(writes), len(want))
	}
	for i := range want {
		if !bytes.Equal(writes[i], want[i]) {
			t.Fatalf("write %d = %q, want %q", i, writes[i], want[i])
		}
	}
}

func TestManagerQueueCommandRetriesThenSucceeds(t *testing.T) {
	m, fake := newTestManager(t, Config{})
	connectTestManager(t, m)

	fake.mu.Lock()
	fake.failWrites[1] = true
	fake.mu.Unlock()

	cmd, err := m.QueueCommand([]byte("receipt"), QueueOptions{})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cmd.Wait(ctx); err != nil {
		t.Fatalf("command failed despite retry budget: %v", err)
	}
	if n := len(fake.writtenPayloads()); n != 1 {
		t.Fatalf("successful writes = %d, want 1", n)
	}
}

func TestManagerRetryDelayDoesNotStallQueue(t *testing.T) {
	m, fake := newTestManager(t, Config{RetryDelay: 300 * time.Millisecond})
	connectTestManager(t, m)
	m.PauseCommandQueue()

	flaky, err := m.QueueCommand([]byte("flaky"), QueueOptions{})
	if err != nil {
		t.Fatal(err)
	}
	steady, err := m.QueueCommand([]byte("steady"), QueueOptions{})
	if err != nil {
		t.Fatal(err)
	}

	// First write (the flaky command's initial attempt) fails.
	fake.mu.Lock()
	fake.failWrites[1] = true
	fake.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	m.ResumeCommandQueue()

	if err := steady.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed >= 300*time.Millisecond {
		t.Fatalf("second command waited out the retry delay: %v", elapsed)
	}

	if err := flaky.Wait(ctx); err != nil {
		t.Fatalf("flaky command failed despite retry budget: %v", err)
	}
	writes := fake.writtenPayloads()
	if len(writes) != 2 || !bytes.Equal(writes[0], []byte("steady")) || !bytes.Equal(writes[1], []byte("flaky")) {
		t.Fatalf("write order = %q, want [steady flaky]", writes)
	}
}

func TestManagerQueueCommandTerminalFailure(t *testing.T) {
	m, fake := newTestManager(t, Config{})
	connectTestManager(t, m)

	events, cancelSub := m.Subscribe(16)
	defer cancelSub()

	fake.mu.Lock()
	fake.failAllWrites = true
	fake.mu.Unlock()

	cmd, err := m.QueueCommand([]byte("receipt"), QueueOptions{MaxRetries: 2})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	werr := cmd.Wait(ctx)

	var cerr *CommandError
	if !errors.As(werr, &cerr) {
		t.Fatalf("err = %v, want *CommandError", werr)
	}
	if cerr.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3 (initial + 2 retries)", cerr.Attempts)
	}
	waitEvent(t, events, EventCommandFailed, 2*time.Second)
}

func TestManagerQueueFull(t *testing.T) {
	m, _ := newTestManager(t, Config{QueueBound: 2})

	events, cancelSub := m.Subscribe(16)
	defer cancelSub()

	for i := 0; i < 2; i++ {
		if _, err := m.QueueCommand([]byte{byte(i)}, QueueOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := m.QueueCommand([]byte{9}, QueueOptions{}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	waitEvent(t, events, EventQueueFull, time.Second)

	if n := m.ClearCommandQueue(true); n != 2 {
		t.Fatalf("cleared %d, want 2", n)
	}
	if m.QueueLen() != 0 {
		t.Fatalf("queue len = %d, want 0", m.QueueLen())
	}
}

func TestManagerPauseHoldsQueue(t *testing.T) {
	m, fake := newTestManager(t, Config{})
	connectTestManager(t, m)

	m.PauseCommandQueue()
	cmd, err := m.QueueCommand([]byte("held"), QueueOptions{})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(fake.writtenPayloads()); n != 0 {
		t.Fatalf("%d writes while paused", n)
	}

	m.ResumeCommandQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cmd.Wait(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestManagerReconnectBackoffExhaustion(t *testing.T) {
	m, fake := newTestManager(t, Config{})
	connectTestManager(t, m)

	events, cancelSub := m.Subscribe(32)
	defer cancelSub()

	fake.mu.Lock()
	fake.connectErr = errors.New("radio gone")
	fake.mu.Unlock()

	fake.dropConnection("printer-1", true)

	waitEvent(t, events, EventDisconnected, time.Second)
	for i := 0; i < 3; i++ {
		waitEvent(t, events, EventReconnecting, 2*time.Second)
	}
	ev := waitEvent(t, events, EventReconnectFailed, 2*time.Second)
	if !errors.Is(ev.Err, ErrConnectFailed) {
		t.Fatalf("event err = %v, want ErrConnectFailed", ev.Err)
	}

	// initial connect + one adapter attempt per backoff round
	if n := fake.connects(); n != 4 {
		t.Fatalf("adapter attempts = %d, want 4", n)
	}
	if got := m.State(); got != StateDisconnected {
		t.Fatalf("state = %s, want DISCONNECTED", got)
	}
}

func TestManagerReconnectRestoresFlowParams(t *testing.T) {
	m, fake := newTestManager(t, Config{})
	connectTestManager(t, m)

	chunk := 96
	m.SetFlowControlParams(FlowOverride{ChunkSize: &chunk})

	events, cancelSub := m.Subscribe(32)
	defer cancelSub()

	fake.dropConnection("printer-1", true)
	waitEvent(t, events, EventConnected, 2*time.Second)

	// The probe write lands shortly after the reconnect event.
	deadline := time.Now().Add(2 * time.Second)
	for {
		var probed bool
		for _, w := range fake.writtenPayloads() {
			if bytes.Equal(w, []byte{0x1B, 0x40}) {
				probed = true
			}
		}
		if probed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no probe write after reconnect")
		}
		time.Sleep(time.Millisecond)
	}

	if got := m.State(); got != StateConnected {
		t.Fatalf("state = %s, want CONNECTED", got)
	}
	if got := m.FlowControlParams().ChunkSize; got != 96 {
		t.Fatalf("chunk size = %d, want the pre-drop 96", got)
	}
}

func TestManagerReconnectRestoreFailureIsReported(t *testing.T) {
	m, fake := newTestManager(t, Config{})
	connectTestManager(t, m)

	events, cancelSub := m.Subscribe(32)
	defer cancelSub()

	// The restore probe is the first write after the link comes back.
	fake.mu.Lock()
	fake.failWrites[1] = true
	fake.mu.Unlock()

	fake.dropConnection("printer-1", true)

	waitEvent(t, events, EventConnected, 2*time.Second)
	ev := waitEvent(t, events, EventRestoreFailed, 2*time.Second)
	if ev.DeviceID != "printer-1" {
		t.Fatalf("device = %q, want printer-1", ev.DeviceID)
	}
	if ev.Err == nil {
		t.Fatal("restore failure event carries no error")
	}
}

func TestManagerRequestedDisconnectDoesNotReconnect(t *testing.T) {
	m, fake := newTestManager(t, Config{})
	connectTestManager(t, m)

	fake.dropConnection("printer-1", false)
	time.Sleep(50 * time.Millisecond)

	if n := fake.connects(); n != 1 {
		t.Fatalf("adapter attempts = %d, want 1 (no recovery)", n)
	}
}

func TestManagerDeviceCache(t *testing.T) {
	m, fake := newTestManager(t, Config{})

	fake.onDeviceFound(ble.DeviceRecord{ID: "printer-2", Name: "Kitchen", RSSI: -60, LastSeen: time.Now()})
	devices := m.DiscoveredDevices()
	if len(devices) != 1 || devices[0].ID != "printer-2" {
		t.Fatalf("devices = %+v", devices)
	}
}

func TestManagerSetFlowControlParamsClamps(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	huge := 100000
	p := m.SetFlowControlParams(FlowOverride{ChunkSize: &huge})
	if p.ChunkSize != DefaultMaxChunkSize {
		t.Fatalf("chunk size = %d, want clamp to %d", p.ChunkSize, DefaultMaxChunkSize)
	}
}

func TestManagerPerformanceReport(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	connectTestManager(t, m)

	if err := m.WriteData(context.Background(), []byte("hello")); err != nil {
		t.Fatal(err)
	}

	rep := m.GetPerformanceReport()
	if rep.State != "CONNECTED" {
		t.Fatalf("state = %s", rep.State)
	}
	if rep.DeviceID != "printer-1" {
		t.Fatalf("device = %s", rep.DeviceID)
	}
	if rep.Stats.SuccessfulBytes != 5 {
		t.Fatalf("successful bytes = %d, want 5", rep.Stats.SuccessfulBytes)
	}
	if rep.Flow.ChunkSize == 0 {
		t.Fatal("flow params missing from report")
	}
}

func TestManagerClose(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	connectTestManager(t, m)

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.QueueCommand([]byte("x"), QueueOptions{}); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("err = %v, want ErrManagerClosed", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

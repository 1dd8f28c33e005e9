package meter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/NotCoffee418/dlt645_meter/pkg/config"
	"github.com/NotCoffee418/dlt645_meter/pkg/metrics"
	"github.com/NotCoffee418/dlt645_meter/pkg/port_reader"
	"github.com/NotCoffee418/dlt645_meter/pkg/simulator"
	"github.com/NotCoffee418/dlt645_meter/pkg/types"
)

const waitFor = 3 * time.Second

func testConfig() *config.InterpreterAPIConfig {
	cfg := config.DefaultInterpreterAPIConfig()
	cfg.Serial.Baudrate = 2400
	cfg.Serial.BaudRates = []uint{2400, 9600}
	cfg.Protocol.CommandTimeoutMs = 60
	cfg.Protocol.DiscoveryTimeoutMs = 60
	cfg.Protocol.PowerRatio = 1
	cfg.Protocol.PublishIntervalMs = 10
	return cfg
}

// recorder is a Sink that keeps everything it receives.
type recorder struct {
	mu     sync.Mutex
	events []types.MeterEvent
}

func (r *recorder) Publish(events []types.MeterEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

func (r *recorder) has(q types.Quantity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Quantity == q {
			return true
		}
	}
	return false
}

func startMeter(t *testing.T, cfg *config.InterpreterAPIConfig, sim *simulator.Meter) (*Meter, *recorder) {
	t.Helper()
	m := New(cfg, sim, zap.NewNop(), metrics.NewMeterMetrics(prometheus.NewRegistry()))
	rec := &recorder{}
	m.AddSink(rec)
	m.AddSink(NewLogSink(zap.NewNop(), zapcore.DebugLevel))
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return m, rec
}

func waitDiscovered(t *testing.T, m *Meter) types.Snapshot {
	t.Helper()
	var snap types.Snapshot
	require.Eventually(t, func() bool {
		s, ok := m.Latest()
		snap = s
		return ok && s.DeviceAddress != ""
	}, waitFor, 5*time.Millisecond)
	return snap
}

func TestDiscoveryAndPolling(t *testing.T) {
	sim := simulator.New(simulator.DefaultOptions(), zap.NewNop())
	m, rec := startMeter(t, testConfig(), sim)

	snap := waitDiscovered(t, m)
	assert.Equal(t, "000012345678", snap.DeviceAddress)
	assert.Equal(t, uint(2400), snap.BaudRate)

	for _, q := range []types.Quantity{
		types.QuantityActivePower,
		types.QuantityActiveEnergy,
		types.QuantityVoltageA,
		types.QuantityCurrentA,
		types.QuantityPowerFactor,
		types.QuantityFrequency,
		types.QuantityReverseEnergy,
		types.QuantityDate,
		types.QuantityTime,
	} {
		assert.Eventually(t, func() bool { return rec.has(q) }, waitFor, 5*time.Millisecond, "quantity %s", q)
	}

	snap, _ = m.Latest()
	assert.InDelta(t, 230, snap.VoltageAV, 3)
	assert.InDelta(t, 50, snap.FrequencyHz, 0.1)
	assert.InDelta(t, 0.985, snap.PowerFactor, 0.001)
}

func TestDiscoveryByAddressRequest(t *testing.T) {
	cfg := testConfig()
	cfg.Protocol.DiscoveryMode = config.DiscoveryModeAddress
	sim := simulator.New(simulator.DefaultOptions(), zap.NewNop())
	m, rec := startMeter(t, cfg, sim)

	waitDiscovered(t, m)
	assert.True(t, rec.has(types.QuantityDeviceAddress))
}

func TestDiscoveryRotatesBaudRate(t *testing.T) {
	opts := simulator.DefaultOptions()
	opts.BaudRate = 9600
	sim := simulator.New(opts, zap.NewNop())
	m, _ := startMeter(t, testConfig(), sim)

	require.Eventually(t, func() bool {
		s, ok := m.Latest()
		return ok && s.DeviceAddress != "" && s.BaudRate == 9600
	}, waitFor, 5*time.Millisecond)
}

func TestRelayAndClockActions(t *testing.T) {
	sim := simulator.New(simulator.DefaultOptions(), zap.NewNop())
	m, _ := startMeter(t, testConfig(), sim)
	waitDiscovered(t, m)
	ctx := context.Background()

	require.NoError(t, m.TripRelay(ctx))
	assert.False(t, sim.RelayClosed())

	require.NoError(t, m.CloseRelay(ctx))
	assert.True(t, sim.RelayClosed())

	require.NoError(t, m.SetDate(ctx))
	require.NoError(t, m.SetTime(ctx))
	require.NoError(t, m.BroadcastTimeSync(ctx))
	assert.WithinDuration(t, time.Now(), sim.Clock(), time.Minute)
}

func TestWrongPasswordIsReported(t *testing.T) {
	opts := simulator.DefaultOptions()
	opts.Password = [3]byte{0x11, 0x11, 0x11}
	sim := simulator.New(opts, zap.NewNop())
	m, _ := startMeter(t, testConfig(), sim)
	waitDiscovered(t, m)

	err := m.TripRelay(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "password")
	assert.True(t, sim.RelayClosed())
}

func TestActionWithoutAck(t *testing.T) {
	sim := simulator.New(simulator.DefaultOptions(), zap.NewNop())
	m, _ := startMeter(t, testConfig(), sim)
	waitDiscovered(t, m)

	sim.SetSilent(true)
	err := m.TripRelay(context.Background())
	assert.ErrorIs(t, err, ErrNotAcknowledged)
}

func TestActionBeforeDiscovery(t *testing.T) {
	opts := simulator.DefaultOptions()
	opts.BaudRate = 19200
	sim := simulator.New(opts, zap.NewNop())
	m, _ := startMeter(t, testConfig(), sim)

	err := m.TripRelay(context.Background())
	assert.ErrorIs(t, err, ErrAddressUnknown)
	_, ok := m.Latest()
	assert.False(t, ok)
}

func TestActionsAfterStop(t *testing.T) {
	sim := simulator.New(simulator.DefaultOptions(), zap.NewNop())
	m, _ := startMeter(t, testConfig(), sim)
	m.Stop()
	m.Stop()

	assert.ErrorIs(t, m.TripRelay(context.Background()), ErrNotRunning)
	assert.False(t, sim.IsOpen())
	assert.Error(t, m.Start(context.Background()), "a stopped meter cannot be restarted")
}

// brokenPort is a device node that cannot be opened.
type brokenPort struct{}

func (brokenPort) Open(uint) error           { return errors.New("no such device") }
func (brokenPort) Close() error              { return nil }
func (brokenPort) IsOpen() bool              { return false }
func (brokenPort) Write([]byte) (int, error) { return 0, port_reader.ErrPortClosed }
func (brokenPort) ReadTimeout([]byte, time.Duration) (int, error) {
	return 0, port_reader.ErrPortClosed
}
func (brokenPort) Flush() (int, error) { return 0, port_reader.ErrPortClosed }

func TestStartFailsWhenPortCannotOpen(t *testing.T) {
	m := New(testConfig(), brokenPort{}, zap.NewNop(), nil)
	err := m.Start(context.Background())
	assert.ErrorContains(t, err, "no such device")
	assert.ErrorIs(t, m.TripRelay(context.Background()), ErrNotRunning)
}

func TestLatestEventsKeepsNewestPerQuantity(t *testing.T) {
	m := New(testConfig(), brokenPort{}, zap.NewNop(), nil)
	assert.Empty(t, m.LatestEvents())

	batches := [][]types.MeterEvent{
		{
			{Quantity: types.QuantityActivePower, Value: 100},
			{Quantity: types.QuantityVoltageA, Value: 230},
		},
		{
			{Quantity: types.QuantityActivePower, Value: -30},
			{Quantity: types.QuantityReversePowerAlert, Value: -30},
		},
		{
			{Quantity: types.QuantityFrequency, Value: 50},
		},
	}
	for _, batch := range batches {
		for _, ev := range batch {
			m.rememberEvent(ev)
		}
	}

	assert.Equal(t, []types.MeterEvent{
		{Quantity: types.QuantityActivePower, Value: -30},
		{Quantity: types.QuantityVoltageA, Value: 230},
		{Quantity: types.QuantityFrequency, Value: 50},
	}, m.LatestEvents())
}

func TestLatestEventsAfterPolling(t *testing.T) {
	sim := simulator.New(simulator.DefaultOptions(), zap.NewNop())
	m, _ := startMeter(t, testConfig(), sim)
	waitDiscovered(t, m)

	require.Eventually(t, func() bool { return len(m.LatestEvents()) >= 3 }, waitFor, 5*time.Millisecond)
	seen := map[types.Quantity]int{}
	for _, ev := range m.LatestEvents() {
		seen[ev.Quantity]++
	}
	assert.Equal(t, 1, seen[types.QuantityDeviceAddress])
	for q, n := range seen {
		assert.Equal(t, 1, n, "quantity %s", q)
		assert.NotEqual(t, types.QuantityReversePowerAlert, q)
	}
}

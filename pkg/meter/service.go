package meter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/NotCoffee418/dlt645_meter/pkg/config"
	"github.com/NotCoffee418/dlt645_meter/pkg/dlt645"
	"github.com/NotCoffee418/dlt645_meter/pkg/measurement"
	"github.com/NotCoffee418/dlt645_meter/pkg/metrics"
	"github.com/NotCoffee418/dlt645_meter/pkg/port_reader"
	"github.com/NotCoffee418/dlt645_meter/pkg/scheduler"
	"github.com/NotCoffee418/dlt645_meter/pkg/types"
)

// New wires a meter on port. cfg must have passed config.Validate.
func New(cfg *config.InterpreterAPIConfig, port port_reader.Port, logger *zap.Logger, m *metrics.MeterMetrics) *Meter {
	cycler := port_reader.NewBaudRateCycler(cfg.Serial.Baudrate, cfg.Serial.BaudRates)
	cache := measurement.NewCache()
	return &Meter{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		session: port_reader.NewSession(port, cycler, cfg.Serial.RxBufferSize, logger.Named("session"), m),
		cache:   cache,
		decoder: measurement.NewDecoder(cache, logger.Named("decoder"), m),
		sched:   scheduler.NewState(cfg.Protocol.PowerRatio),
		address: dlt645.UnassignedAddress,
		creds:   cfg.Protocol.Credentials(),
		actions: make(chan action, ActionQueueSize),
		stopped: make(chan struct{}),
	}
}

// AddSink registers s. Sinks must be added before Start.
func (m *Meter) AddSink(s Sink) {
	m.sinks = append(m.sinks, s)
}

// Start opens the port and launches the poll and publish loops. Failing to
// open the port is the only error that stops the meter; everything after
// that is logged and retried. A meter cannot be restarted after Stop.
func (m *Meter) Start(ctx context.Context) error {
	if m.cancel != nil {
		return errors.New("meter already started")
	}
	if err := m.session.Open(); err != nil {
		return fmt.Errorf("open meter port: %w", err)
	}
	m.baud.Store(uint64(m.session.BaudRate()))
	m.metrics.SetAddressDiscovered(false)

	ctx, m.cancel = context.WithCancel(ctx)
	m.running.Store(true)
	m.wg.Add(2)
	go m.work(ctx)
	go m.publish(ctx)

	m.logger.Info("meter started",
		zap.Uint("baud", m.session.BaudRate()),
		zap.String("discovery_mode", m.cfg.Protocol.DiscoveryMode),
		zap.Int("power_ratio", m.cfg.Protocol.PowerRatio))
	return nil
}

// Stop cancels both loops and waits for them. An in-flight request is allowed
// to finish or time out first.
func (m *Meter) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	m.cancel()
	m.wg.Wait()
	if err := m.session.Close(); err != nil {
		m.logger.Warn("closing port failed", zap.Error(err))
	}
	m.logger.Info("meter stopped")
}

// Latest returns the snapshot of everything published so far.
func (m *Meter) Latest() (types.Snapshot, bool) {
	m.snapshotMu.RLock()
	defer m.snapshotMu.RUnlock()
	return m.snapshot, m.hasSnapshot
}

// LatestEvents returns the last published event of every quantity, so a new
// subscriber can start from current values. Reverse power alerts are edges,
// not values, and are never replayed.
func (m *Meter) LatestEvents() []types.MeterEvent {
	m.snapshotMu.RLock()
	defer m.snapshotMu.RUnlock()
	return append([]types.MeterEvent(nil), m.lastEvents...)
}

func (m *Meter) rememberEvent(ev types.MeterEvent) {
	if ev.Quantity == types.QuantityReversePowerAlert {
		return
	}
	for i := range m.lastEvents {
		if m.lastEvents[i].Quantity == ev.Quantity {
			m.lastEvents[i] = ev
			return
		}
	}
	m.lastEvents = append(m.lastEvents, ev)
}

func (m *Meter) TripRelay(ctx context.Context) error {
	return m.submit(ctx, scheduler.RequestRelayTrip)
}

func (m *Meter) CloseRelay(ctx context.Context) error {
	return m.submit(ctx, scheduler.RequestRelayClose)
}

// SetDate writes the host's current date to the meter.
func (m *Meter) SetDate(ctx context.Context) error {
	return m.submit(ctx, scheduler.RequestWriteDate)
}

// SetTime writes the host's current time of day to the meter.
func (m *Meter) SetTime(ctx context.Context) error {
	return m.submit(ctx, scheduler.RequestWriteTime)
}

// BroadcastTimeSync sends the host time to every meter on the bus. Meters do
// not answer, so success only means the frame was written.
func (m *Meter) BroadcastTimeSync(ctx context.Context) error {
	return m.submit(ctx, scheduler.RequestBroadcastTimeSync)
}

// submit queues an action for the poll loop and waits for its outcome. If ctx
// ends first the action still runs, its result is dropped.
func (m *Meter) submit(ctx context.Context, kind scheduler.RequestKind) error {
	if !m.running.Load() {
		return ErrNotRunning
	}
	a := action{kind: kind, result: make(chan error, 1)}
	select {
	case m.actions <- a:
	default:
		return ErrQueueFull
	}

	select {
	case err := <-a.result:
		return err
	case <-m.stopped:
		select {
		case err := <-a.result:
			return err
		default:
			return ErrNotRunning
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// work is the poll loop. Queued actions take precedence over the next poll.
func (m *Meter) work(ctx context.Context) {
	defer m.wg.Done()
	defer close(m.stopped)
	defer m.failPending()

	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case a := <-m.actions:
			a.result <- m.runAction(a.kind)
			continue
		default:
		}
		m.poll(ctx, m.sched.Next())
	}
}

func (m *Meter) failPending() {
	for {
		select {
		case a := <-m.actions:
			a.result <- ErrNotRunning
		default:
			return
		}
	}
}

func (m *Meter) poll(ctx context.Context, req scheduler.RequestDescriptor) {
	address := m.address
	di := req.DataIdentifier
	timeout := m.cfg.Protocol.CommandTimeout()
	if req.Kind == scheduler.RequestDiscovery {
		timeout = m.cfg.Protocol.DiscoveryTimeout()
		if m.cfg.Protocol.DiscoveryMode == config.DiscoveryModeAddress {
			address = dlt645.BroadcastAddress
			di = dlt645.DIDeviceAddress
		}
	}

	frame := dlt645.BuildReadFrame(address, di)
	m.metrics.FrameSent(req.Name)
	parsed, err := m.session.Exchange(frame, timeout, req.MayRotateBaud)
	m.baud.Store(uint64(m.session.BaudRate()))
	if err != nil {
		m.handleError(ctx, req, err, timeout)
		return
	}
	m.handleFrame(parsed)
}

func (m *Meter) handleFrame(parsed *dlt645.ParsedFrame) {
	m.metrics.FrameParsed(fmt.Sprintf("0x%02X", parsed.Control))
	m.learnAddress(parsed.Address)

	if !parsed.HasIdentifier {
		return
	}
	if err := m.decoder.Decode(parsed.DataIdentifier, parsed.Payload()); err != nil {
		m.logger.Warn("decode failed, keeping previous value",
			zap.Stringer("di", parsed.DataIdentifier), zap.Error(err))
	}
}

// learnAddress adopts the address of any reply from a real device. This is
// how discovery completes, whatever address the request was sent to.
func (m *Meter) learnAddress(addr dlt645.Address) {
	if !addr.IsDevice() {
		return
	}
	if addr != m.address {
		if m.address.IsDevice() {
			m.logger.Warn("meter address changed",
				zap.Stringer("from", m.address), zap.Stringer("to", addr))
		} else {
			m.logger.Info("meter address discovered",
				zap.Stringer("address", addr), zap.Uint("baud", m.session.BaudRate()))
		}
		m.address = addr
		m.cache.UpdateAddress(addr)
	}
	if !m.sched.Discovered() {
		m.sched.SetDiscovered(true)
		m.metrics.SetAddressDiscovered(true)
	}
}

func framingReason(err error) string {
	switch {
	case errors.Is(err, dlt645.ErrIncomplete):
		return "incomplete"
	case errors.Is(err, dlt645.ErrNoStart):
		return "no_start"
	case errors.Is(err, dlt645.ErrMissingSecondDelimiter):
		return "missing_delimiter"
	case errors.Is(err, dlt645.ErrUnknownControl):
		return "unknown_control"
	case errors.Is(err, dlt645.ErrBadEnd):
		return "bad_end"
	case errors.Is(err, dlt645.ErrChecksum):
		return "checksum"
	}
	return ""
}

func (m *Meter) handleError(ctx context.Context, req scheduler.RequestDescriptor, err error, timeout time.Duration) {
	var perr *dlt645.ProtocolError
	if errors.Is(err, port_reader.ErrTimeout) {
		m.metrics.ReceiveTimeout(req.Name)
		m.logger.Error("request timed out",
			zap.String("request", req.Name), zap.Uint("baud", m.session.BaudRate()), zap.Error(err))
		return
	}
	if errors.As(err, &perr) {
		m.metrics.FrameError("protocol")
		m.logger.Warn("meter reported an error", zap.String("request", req.Name), zap.Error(err))
		return
	}
	if reason := framingReason(err); reason != "" {
		m.metrics.FrameError(reason)
		m.logger.Warn("discarded malformed response", zap.String("request", req.Name), zap.Error(err))
		return
	}

	// Transport failure: drop the port and fall back to discovery, which
	// reopens it. The pause keeps a dead device from spinning the loop.
	m.metrics.FrameError("transport")
	m.logger.Error("transport failure", zap.String("request", req.Name), zap.Error(err))
	if err := m.session.Close(); err != nil {
		m.logger.Warn("closing port failed", zap.Error(err))
	}
	if m.sched.Discovered() {
		m.sched.SetDiscovered(false)
		m.metrics.SetAddressDiscovered(false)
	}
	select {
	case <-ctx.Done():
	case <-time.After(timeout):
	}
}

func (m *Meter) runAction(kind scheduler.RequestKind) error {
	req := scheduler.Descriptor(kind)
	now := m.now()
	timeout := m.cfg.Protocol.CommandTimeout()

	if kind == scheduler.RequestBroadcastTimeSync {
		if err := m.session.Send(dlt645.BuildBroadcastTimeSyncFrame(now), timeout); err != nil {
			return fmt.Errorf("%s: %w", req.Name, err)
		}
		m.metrics.FrameSent(req.Name)
		m.logger.Info("broadcast time sync sent", zap.Time("time", now))
		return nil
	}

	if !m.address.IsDevice() {
		return fmt.Errorf("%s: %w", req.Name, ErrAddressUnknown)
	}

	var frame []byte
	switch kind {
	case scheduler.RequestRelayTrip:
		frame = dlt645.BuildRelayControlFrame(m.address, m.relayControl(dlt645.RelayTrip, now))
	case scheduler.RequestRelayClose:
		frame = dlt645.BuildRelayControlFrame(m.address, m.relayControl(dlt645.RelayClose, now))
	case scheduler.RequestWriteDate:
		frame = dlt645.BuildWriteFrame(m.address, dlt645.DIDate, append(m.creds.Bytes(), dlt645.DatePayload(now)...))
	case scheduler.RequestWriteTime:
		frame = dlt645.BuildWriteFrame(m.address, dlt645.DITime, append(m.creds.Bytes(), dlt645.TimePayload(now)...))
	default:
		return fmt.Errorf("unsupported action %s", kind)
	}

	m.metrics.FrameSent(req.Name)
	parsed, err := m.session.Exchange(frame, timeout, false)
	if err != nil {
		if errors.Is(err, port_reader.ErrTimeout) {
			m.metrics.ReceiveTimeout(req.Name)
			return fmt.Errorf("%s: %w (%v)", req.Name, ErrNotAcknowledged, err)
		}
		return fmt.Errorf("%s: %w", req.Name, err)
	}
	m.metrics.FrameParsed(fmt.Sprintf("0x%02X", parsed.Control))
	if !parsed.IsAcknowledgement() {
		return fmt.Errorf("%s: %w: control 0x%02X", req.Name, ErrUnexpectedReply, parsed.Control)
	}

	m.logger.Info("meter acknowledged", zap.String("action", req.Name), zap.Stringer("address", m.address))
	return nil
}

func (m *Meter) relayControl(cmd dlt645.RelayCommand, now time.Time) dlt645.RelayControl {
	return dlt645.RelayControl{
		Credentials: m.creds,
		Command:     cmd,
		ValidUntil:  now.Add(m.cfg.Protocol.RelayValidity()),
	}
}

// publish periodically drains the cache and fans the events out to the sinks.
func (m *Meter) publish(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Protocol.PublishInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.flush()
			return
		case <-ticker.C:
			m.flush()
		}
	}
}

func (m *Meter) flush() {
	values, flags := m.cache.Drain()
	if flags == 0 {
		return
	}
	events := values.Events(flags, m.now())

	m.snapshotMu.Lock()
	for _, ev := range events {
		m.snapshot.Apply(ev)
		m.rememberEvent(ev)
	}
	m.snapshot.BaudRate = uint(m.baud.Load())
	m.hasSnapshot = true
	m.snapshotMu.Unlock()

	for _, s := range m.sinks {
		s.Publish(events)
	}
}

package simulator

import (
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/NotCoffee418/dlt645_meter/pkg/bcd"
	"github.com/NotCoffee418/dlt645_meter/pkg/dlt645"
	"github.com/NotCoffee418/dlt645_meter/pkg/port_reader"
)

// DL/T 645 error status bits returned in error replies.
const (
	errStatusNoData   byte = 0x02
	errStatusPassword byte = 0x04
)

func New(opts Options, logger *zap.Logger) *Meter {
	return newMeter(opts, logger, time.Now)
}

func newMeter(opts Options, logger *zap.Logger, now func() time.Time) *Meter {
	if opts.PowerPeriod <= 0 {
		opts.PowerPeriod = DefaultOptions().PowerPeriod
	}
	start := now()
	return &Meter{
		opts:        opts,
		logger:      logger,
		now:         now,
		start:       start,
		lastSample:  start,
		notify:      make(chan struct{}, 1),
		relayClosed: true,
		energyKWH:   12345.67,
		reverseKWH:  321.09,
	}
}

func (m *Meter) Open(baudRate uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = true
	m.baud = baudRate
	m.rx = nil
	m.logger.Info("simulated meter connected", zap.Uint("baud", baudRate), zap.Stringer("address", m.opts.Address))
	return nil
}

func (m *Meter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	m.rx = nil
	return nil
}

func (m *Meter) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// RelayClosed reports the simulated relay position.
func (m *Meter) RelayClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.relayClosed
}

// SetSilent makes the meter ignore every request, as if the line was cut.
func (m *Meter) SetSilent(silent bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.silent = silent
}

// Clock returns the simulated meter clock.
func (m *Meter) Clock() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Add(m.clockOffset)
}

// Write accepts one request frame and queues the reply, if any.
func (m *Meter) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return 0, port_reader.ErrPortClosed
	}
	if m.silent {
		return len(p), nil
	}
	if m.opts.BaudRate != 0 && m.baud != m.opts.BaudRate {
		// wrong rate: the meter sees garbage and stays silent
		return len(p), nil
	}

	req, err := dlt645.ParseRequest(p)
	if err != nil {
		m.logger.Debug("simulated meter ignored frame", zap.Error(err))
		return len(p), nil
	}
	if reply := m.handle(req); reply != nil {
		m.rx = append(m.rx, reply...)
		select {
		case m.notify <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Flush drops queued replies the master has not read.
func (m *Meter) Flush() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return 0, port_reader.ErrPortClosed
	}
	n := len(m.rx)
	m.rx = nil
	select {
	case <-m.notify:
	default:
	}
	return n, nil
}

func (m *Meter) ReadTimeout(p []byte, timeout time.Duration) (int, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		m.mu.Lock()
		if !m.open {
			m.mu.Unlock()
			return 0, port_reader.ErrPortClosed
		}
		if len(m.rx) > 0 {
			n := copy(p, m.rx)
			m.rx = m.rx[n:]
			m.mu.Unlock()
			return n, nil
		}
		m.mu.Unlock()

		select {
		case <-m.notify:
		case <-deadline.C:
			return 0, nil
		}
	}
}

// handle builds the reply to req. Callers hold m.mu.
func (m *Meter) handle(req *dlt645.ParsedFrame) []byte {
	if req.Control == dlt645.ControlBroadcastTimeSync {
		if err := m.syncClock(req.Data); err != nil {
			m.logger.Debug("simulated meter rejected time sync", zap.Error(err))
		}
		return nil
	}

	if req.Address != m.opts.Address && !req.Address.IsBroadcast() && !req.Address.IsUnassigned() {
		return nil
	}
	if m.opts.ResponseDelay > 0 {
		time.Sleep(m.opts.ResponseDelay)
	}

	switch req.Control {
	case dlt645.ControlRead:
		payload, ok := m.register(req.DataIdentifier)
		if !ok {
			return m.reply(dlt645.ControlReadError, []byte{errStatusNoData})
		}
		return m.reply(dlt645.ControlReadResponse, append(req.DataIdentifier.Bytes(), payload...))

	case dlt645.ControlWrite:
		body := req.Payload()
		if !m.authorised(body) {
			return m.reply(dlt645.ControlWriteError, []byte{errStatusPassword})
		}
		if err := m.write(req.DataIdentifier, body[8:]); err != nil {
			m.logger.Debug("simulated meter rejected write", zap.Error(err))
			return m.reply(dlt645.ControlWriteError, []byte{errStatusNoData})
		}
		return m.reply(dlt645.ControlWriteResponse, nil)

	case dlt645.ControlRelay:
		if !m.authorised(req.Data) || len(req.Data) < 9 {
			return m.reply(dlt645.ControlRelayError, []byte{errStatusPassword})
		}
		switch dlt645.RelayCommand(req.Data[8]) {
		case dlt645.RelayTrip:
			m.relayClosed = false
		case dlt645.RelayClose, dlt645.RelayCloseAllowed:
			m.relayClosed = true
		default:
			return m.reply(dlt645.ControlRelayError, []byte{0x01})
		}
		m.logger.Info("simulated relay switched", zap.Bool("closed", m.relayClosed))
		return m.reply(dlt645.ControlRelayResponse, nil)
	}
	return nil
}

func (m *Meter) reply(control byte, data []byte) []byte {
	return dlt645.BuildResponseFrame(m.opts.Address, control, data)
}

func (m *Meter) authorised(creds []byte) bool {
	if len(creds) < 8 {
		return false
	}
	return creds[1] == m.opts.Password[0] && creds[2] == m.opts.Password[1] && creds[3] == m.opts.Password[2]
}

func (m *Meter) write(di dlt645.DataIdentifier, value []byte) error {
	clock := m.now().Add(m.clockOffset)
	switch di {
	case dlt645.DIDate:
		if len(value) < 4 {
			return errors.New("date needs 4 bytes")
		}
		set := time.Date(2000+bcd.ToInt(value[3]), time.Month(bcd.ToInt(value[2])), bcd.ToInt(value[1]),
			clock.Hour(), clock.Minute(), clock.Second(), 0, clock.Location())
		m.clockOffset += set.Sub(clock)
	case dlt645.DITime:
		if len(value) < 3 {
			return errors.New("time needs 3 bytes")
		}
		set := time.Date(clock.Year(), clock.Month(), clock.Day(),
			bcd.ToInt(value[0]), bcd.ToInt(value[1]), bcd.ToInt(value[2]), 0, clock.Location())
		m.clockOffset += set.Sub(clock)
	default:
		return fmt.Errorf("register %s is read-only", di)
	}
	return nil
}

func (m *Meter) syncClock(data []byte) error {
	if len(data) < 5 {
		return errors.New("time sync needs 5 bytes")
	}
	now := m.now()
	set := time.Date(2000+bcd.ToInt(data[0]), time.Month(bcd.ToInt(data[1])), bcd.ToInt(data[2]),
		bcd.ToInt(data[3]), bcd.ToInt(data[4]), now.Second(), 0, now.Location())
	m.clockOffset = set.Sub(now)
	return nil
}

// powerW is the instantaneous power; zero while the relay is open.
func (m *Meter) powerW(t time.Time) float64 {
	if !m.relayClosed {
		return 0
	}
	phase := 2 * math.Pi * float64(t.Sub(m.start)) / float64(m.opts.PowerPeriod)
	return m.opts.PeakPowerW * math.Sin(phase)
}

// integrate advances the energy registers to t.
func (m *Meter) integrate(t time.Time) {
	hours := t.Sub(m.lastSample).Hours()
	m.lastSample = t
	if hours <= 0 {
		return
	}
	w := m.powerW(t)
	if w >= 0 {
		m.energyKWH += w / 1000 * hours
	} else {
		m.reverseKWH += -w / 1000 * hours
	}
}

// register returns the BCD payload of di.
func (m *Meter) register(di dlt645.DataIdentifier) ([]byte, bool) {
	now := m.now()
	m.integrate(now)

	power := m.powerW(now)
	voltage := 230 + 2*math.Sin(float64(now.Unix())/7)
	current := power / voltage
	clock := now.Add(m.clockOffset)

	switch di {
	case dlt645.DIActivePowerTotal:
		return signedBCD(power/1000, 4, 3), true
	case dlt645.DIActiveEnergyTotal:
		return unsignedBCD(m.energyKWH, 2, 4), true
	case dlt645.DIReverseEnergyTotal:
		return unsignedBCD(m.reverseKWH, 2, 4), true
	case dlt645.DIVoltageA:
		return unsignedBCD(voltage, 1, 2), true
	case dlt645.DICurrentA:
		return signedBCD(current, 3, 3), true
	case dlt645.DIPowerFactorTotal:
		return signedBCD(0.985, 3, 2), true
	case dlt645.DIFrequency:
		return unsignedBCD(50+0.02*math.Sin(float64(now.Unix())/11), 2, 2), true
	case dlt645.DIDate:
		return dlt645.DatePayload(clock), true
	case dlt645.DITime:
		return dlt645.TimePayload(clock), true
	case dlt645.DIDeviceAddress:
		return append([]byte(nil), m.opts.Address[:]...), true
	}
	return nil, false
}

func unsignedBCD(v float64, decimals, size int) []byte {
	return bcd.Encode(uint64(math.Round(math.Abs(v)*math.Pow10(decimals))), size)
}

func signedBCD(v float64, decimals, size int) []byte {
	b := unsignedBCD(v, decimals, size)
	if v < 0 {
		b[size-1] |= 0x80
	}
	return b
}

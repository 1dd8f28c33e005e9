package port_reader

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/NotCoffee418/dlt645_meter/pkg/dlt645"
	"github.com/NotCoffee418/dlt645_meter/pkg/metrics"
)

// NewSession wires port, a receive buffer of rxBufferSize bytes and the baud
// cycler. The port is opened by Open.
func NewSession(port Port, cycler *BaudRateCycler, rxBufferSize int, logger *zap.Logger, m *metrics.MeterMetrics) *Session {
	return &Session{
		port:        port,
		deframer:    dlt645.NewDeframer(rxBufferSize),
		cycler:      cycler,
		logger:      logger,
		metrics:     m,
		quietWindow: DefaultQuietWindow,
		readBuf:     make([]byte, 256),
	}
}

// Open opens the port at the cycler's current rate.
func (s *Session) Open() error {
	baud := s.cycler.Current()
	if err := s.port.Open(baud); err != nil {
		return err
	}
	s.metrics.SetBaudRate(baud)
	s.state = StateIdle
	return nil
}

func (s *Session) Close() error {
	s.state = StateIdle
	return s.port.Close()
}

func (s *Session) State() SessionState {
	return s.state
}

func (s *Session) BaudRate() uint {
	return s.cycler.Current()
}

// Send writes frame and arms timeout for the next Receive. Stale bytes, both
// in the deframer and still queued on the port, are discarded so a late reply
// to an earlier request is never paired with this one.
func (s *Session) Send(frame []byte, timeout time.Duration) error {
	if !s.port.IsOpen() {
		return ErrPortClosed
	}
	s.deframer.Reset()
	dropped, err := s.port.Flush()
	if err != nil {
		return fmt.Errorf("flush input: %w", err)
	}
	if dropped > 0 {
		s.logger.Debug("stale input discarded", zap.Int("bytes", dropped))
	}

	n, err := s.port.Write(frame)
	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if n != len(frame) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrShortWrite, n, len(frame))
	}

	s.logger.Debug("frame sent", zap.String("hex", fmt.Sprintf("% X", frame)))
	s.timeout = timeout
	s.state = StateSent
	return nil
}

// Receive waits up to the armed timeout for the first byte, then keeps
// reading until the line has been quiet for the quiet window, and parses what
// was collected. It returns an error wrapping ErrTimeout when nothing arrived.
func (s *Session) Receive() (*dlt645.ParsedFrame, error) {
	s.state = StateAwaitingFirstByte
	start := time.Now()

	n, err := s.port.ReadTimeout(s.readBuf, s.timeout)
	if err != nil {
		s.state = StateIdle
		return nil, fmt.Errorf("read first byte: %w", err)
	}
	if n == 0 {
		s.state = StateTimedOut
		return nil, fmt.Errorf("%w after %s (limit %s)", ErrTimeout,
			time.Since(start).Round(time.Millisecond), s.timeout)
	}

	s.state = StateDraining
	s.feed(s.readBuf[:n])
	for {
		n, err = s.port.ReadTimeout(s.readBuf, s.quietWindow)
		if err != nil {
			s.logger.Warn("read aborted while draining", zap.Error(err))
			break
		}
		if n == 0 {
			break
		}
		s.feed(s.readBuf[:n])
	}

	s.state = StateDelivered
	s.logger.Debug("response received",
		zap.String("hex", fmt.Sprintf("% X", s.deframer.Bytes())),
		zap.Duration("elapsed", time.Since(start)))
	return s.deframer.Parse()
}

func (s *Session) feed(p []byte) {
	if s.deframer.Feed(p) {
		s.logger.Warn("receive buffer overflow, older bytes dropped")
		s.metrics.FrameError("overflow")
	}
}

// Exchange sends frame and waits for the reply. When mayRotateBaud is set a
// timeout moves the port to the next candidate baud rate, and a port left
// closed by a failed reopen is opened again first.
func (s *Session) Exchange(frame []byte, timeout time.Duration, mayRotateBaud bool) (*dlt645.ParsedFrame, error) {
	if mayRotateBaud && !s.port.IsOpen() {
		if err := s.Open(); err != nil {
			return nil, fmt.Errorf("reopen at %d baud: %w", s.cycler.Current(), err)
		}
	}

	if err := s.Send(frame, timeout); err != nil {
		return nil, err
	}
	parsed, err := s.Receive()
	if errors.Is(err, ErrTimeout) && mayRotateBaud {
		if rerr := s.rotateBaud(); rerr != nil {
			s.logger.Error("baud rate change failed", zap.Error(rerr))
		}
	}
	return parsed, err
}

// rotateBaud closes the port and reopens it at the next candidate rate.
func (s *Session) rotateBaud() error {
	from := s.cycler.Current()
	to := s.cycler.Advance()
	s.logger.Info("no reply to discovery, switching baud rate", zap.Uint("from", from), zap.Uint("to", to))

	if err := s.port.Close(); err != nil {
		s.logger.Warn("close before baud change failed", zap.Error(err))
	}
	if err := s.port.Open(to); err != nil {
		return fmt.Errorf("open at %d baud: %w", to, err)
	}
	s.metrics.BaudRotated(to)
	s.state = StateIdle
	return nil
}

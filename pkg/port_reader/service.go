package port_reader

import (
	"fmt"
	"io"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"go.uber.org/zap"
)

// NewSerialPort prepares a port on device; nothing is opened until Open.
func NewSerialPort(device string, logger *zap.Logger) *SerialPort {
	return &SerialPort{
		device: device,
		logger: logger,
	}
}

// Open the device at baudRate with 8 data bits, even parity and 1 stop bit.
func (p *SerialPort) Open(baudRate uint) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.port != nil {
		return fmt.Errorf("serial port %s already open", p.device)
	}

	options := serial.OpenOptions{
		PortName:        p.device,
		BaudRate:        baudRate,
		DataBits:        8,
		StopBits:        1,
		ParityMode:      serial.PARITY_EVEN,
		MinimumReadSize: 1,
	}

	port, err := serial.Open(options)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s at %d baud: %w", p.device, baudRate, err)
	}

	p.attach(port, baudRate)
	p.logger.Info("serial port opened", zap.String("device", p.device), zap.Uint("baud", baudRate))
	return nil
}

// attach starts reading from an opened device. Callers hold p.mu.
func (p *SerialPort) attach(port io.ReadWriteCloser, baudRate uint) {
	p.port = port
	p.baud = baudRate
	p.chunks = make(chan []byte, 64)
	p.done = make(chan struct{})
	p.pending = nil
	go pump(port, p.chunks, p.done)
}

// pump copies everything read from r into chunks until r fails or done is
// closed. chunks is closed on exit.
func pump(r io.Reader, chunks chan<- []byte, done <-chan struct{}) {
	defer close(chunks)
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case chunks <- chunk:
			case <-done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *SerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.port == nil {
		return nil
	}
	close(p.done)
	err := p.port.Close()
	p.port = nil
	p.chunks = nil
	p.pending = nil
	p.logger.Info("serial port closed", zap.String("device", p.device))
	return err
}

func (p *SerialPort) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port != nil
}

func (p *SerialPort) BaudRate() uint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baud
}

func (p *SerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	port := p.port
	p.mu.Unlock()

	if port == nil {
		return 0, ErrPortClosed
	}
	return port.Write(b)
}

// Flush drops the leftover of a partial read and every chunk the reader
// goroutine queued so far. It never blocks.
func (p *SerialPort) Flush() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chunks == nil {
		return 0, ErrPortClosed
	}

	n := len(p.pending)
	p.pending = nil
	for {
		select {
		case chunk, ok := <-p.chunks:
			if !ok {
				return n, nil
			}
			n += len(chunk)
		default:
			return n, nil
		}
	}
}

// ReadTimeout waits up to timeout for data. Bytes already received are
// returned immediately.
func (p *SerialPort) ReadTimeout(b []byte, timeout time.Duration) (int, error) {
	p.mu.Lock()
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		p.mu.Unlock()
		return n, nil
	}
	chunks := p.chunks
	p.mu.Unlock()

	if chunks == nil {
		return 0, ErrPortClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case chunk, ok := <-chunks:
		if !ok {
			return 0, fmt.Errorf("%w: reader stopped", ErrPortClosed)
		}
		n := copy(b, chunk)
		if n < len(chunk) {
			p.mu.Lock()
			p.pending = append(p.pending, chunk[n:]...)
			p.mu.Unlock()
		}
		return n, nil
	case <-timer.C:
		return 0, nil
	}
}

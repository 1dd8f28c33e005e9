package port_reader

import (
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/NotCoffee418/dlt645_meter/pkg/dlt645"
	"github.com/NotCoffee418/dlt645_meter/pkg/metrics"
)

var (
	ErrPortClosed = errors.New("serial port not open")
	ErrShortWrite = errors.New("short write")
	ErrTimeout    = errors.New("no response")
)

// Port is a byte stream to a meter. ReadTimeout returns (0, nil) when no byte
// arrived within timeout. Flush drops everything received but not yet read
// and reports how many bytes went.
type Port interface {
	Open(baudRate uint) error
	Close() error
	IsOpen() bool
	Write(p []byte) (int, error)
	ReadTimeout(p []byte, timeout time.Duration) (int, error)
	Flush() (int, error)
}

// SerialPort is a Port on a local serial device, always 8E1 as DL/T 645
// requires. A reader goroutine pumps the device into a channel so reads can
// be bounded by a timeout.
type SerialPort struct {
	device string
	logger *zap.Logger

	mu      sync.Mutex
	port    io.ReadWriteCloser
	chunks  chan []byte
	done    chan struct{}
	pending []byte
	baud    uint
}

// SessionState is the per-request state of a Session.
type SessionState int

const (
	StateIdle SessionState = iota
	StateSent
	StateAwaitingFirstByte
	StateDraining
	StateDelivered
	StateTimedOut
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSent:
		return "sent"
	case StateAwaitingFirstByte:
		return "awaiting_first_byte"
	case StateDraining:
		return "draining"
	case StateDelivered:
		return "delivered"
	case StateTimedOut:
		return "timed_out"
	}
	return "unknown"
}

// DefaultQuietWindow ends the drain phase of a receive: once a read of this
// length returns nothing the meter is considered done transmitting.
const DefaultQuietWindow = 20 * time.Millisecond

// Session owns the port and the receive buffer. It runs one request at a time
// and must only be used from a single goroutine.
type Session struct {
	port     Port
	deframer *dlt645.Deframer
	cycler   *BaudRateCycler
	logger   *zap.Logger
	metrics  *metrics.MeterMetrics

	state       SessionState
	timeout     time.Duration
	quietWindow time.Duration
	readBuf     []byte
}

// BaudRateCycler walks the candidate baud rates. It only moves when a
// discovery request times out.
type BaudRateCycler struct {
	rates []uint
	index int
}

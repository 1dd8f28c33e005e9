// Package simulator provides a software DL/T 645 meter behind the
// port_reader.Port interface, used when no serial hardware is attached.
package simulator

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/NotCoffee418/dlt645_meter/pkg/dlt645"
)

type Options struct {
	Address dlt645.Address
	// BaudRate is the only rate the meter answers at; 0 answers at any rate.
	BaudRate uint
	// Password guards writes and relay control.
	Password [3]byte

	// PeakPowerW and PowerPeriod shape the power curve, a sine that spends
	// half of each period feeding back into the grid.
	PeakPowerW  float64
	PowerPeriod time.Duration

	// ResponseDelay is applied before every reply.
	ResponseDelay time.Duration
}

func DefaultOptions() Options {
	return Options{
		Address:     dlt645.Address{0x78, 0x56, 0x34, 0x12, 0x00, 0x00},
		PeakPowerW:  1800,
		PowerPeriod: 2 * time.Minute,
	}
}

// Meter is the simulated device.
type Meter struct {
	opts   Options
	logger *zap.Logger
	now    func() time.Time
	start  time.Time

	mu          sync.Mutex
	open        bool
	baud        uint
	rx          []byte
	notify      chan struct{}
	relayClosed bool
	silent      bool
	clockOffset time.Duration
	energyKWH   float64
	reverseKWH  float64
	lastSample  time.Time
}

// Package meter runs the poll loop against one DL/T 645 meter and publishes
// what it decodes.
package meter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
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

var (
	ErrNotRunning      = errors.New("meter not running")
	ErrQueueFull       = errors.New("action queue full")
	ErrAddressUnknown  = errors.New("meter address not discovered yet")
	ErrNotAcknowledged = errors.New("meter did not acknowledge")
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// ActionQueueSize bounds the actions waiting for the poll loop.
const ActionQueueSize = 8

// Sink receives every batch of freshly decoded values. Publish is called from
// the publisher goroutine and should not block for long.
type Sink interface {
	Publish(events []types.MeterEvent)
}

type SinkFunc func(events []types.MeterEvent)

func (f SinkFunc) Publish(events []types.MeterEvent) {
	f(events)
}

type action struct {
	kind   scheduler.RequestKind
	result chan error
}

// Meter owns the transport session, the scheduler state and the measurement
// cache. Only the worker goroutine touches the session, the scheduler and
// the address; the publisher only drains the cache.
type Meter struct {
	cfg     *config.InterpreterAPIConfig
	logger  *zap.Logger
	metrics *metrics.MeterMetrics
	now     func() time.Time

	session *port_reader.Session
	cache   *measurement.Cache
	decoder *measurement.Decoder
	sched   *scheduler.State
	address dlt645.Address
	creds   dlt645.Credentials

	actions chan action
	sinks   []Sink

	snapshotMu  sync.RWMutex
	snapshot    types.Snapshot
	hasSnapshot bool
	// newest event per quantity, in first-seen order
	lastEvents []types.MeterEvent
	baud       atomic.Uint64

	running atomic.Bool
	cancel  context.CancelFunc
	stopped chan struct{}
	wg      sync.WaitGroup
}

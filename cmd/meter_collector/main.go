// Meter collector subscribes to the interpreter API and logs every meter event.
// Depends on the interpreter API being online.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/NotCoffee418/dlt645_meter/pkg/config"
	"github.com/NotCoffee418/dlt645_meter/pkg/interpreter"
	"github.com/NotCoffee418/dlt645_meter/pkg/logging"
	"github.com/NotCoffee418/dlt645_meter/pkg/meter"
	"github.com/NotCoffee418/dlt645_meter/pkg/types"
)

func main() {
	if err := config.LoadMeterCollectorConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load meter collector config: %v\n", err)
		os.Exit(1)
	}
	cfg := config.ActiveMeterCollectorConfig

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink := meter.NewLogSink(logger.Named("events"), zapcore.InfoLevel)
	err = interpreter.StartListener(ctx, cfg.InterpreterAPIHost, cfg.TLSEnabled, logger.Named("listener"),
		func(ev *types.MeterEvent) {
			sink.Publish([]types.MeterEvent{*ev})
		})
	if err != nil {
		logger.Fatal("listener stopped", zap.Error(err))
	}
}

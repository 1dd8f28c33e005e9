// Interpreter API drives the DL/T 645 meter on the serial port and serves its
// readings over HTTP, websocket and optionally MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/NotCoffee418/dlt645_meter/pkg/config"
	"github.com/NotCoffee418/dlt645_meter/pkg/interpreter"
	"github.com/NotCoffee418/dlt645_meter/pkg/logging"
	"github.com/NotCoffee418/dlt645_meter/pkg/meter"
	"github.com/NotCoffee418/dlt645_meter/pkg/metrics"
	"github.com/NotCoffee418/dlt645_meter/pkg/mqttpub"
	"github.com/NotCoffee418/dlt645_meter/pkg/port_reader"
	"github.com/NotCoffee418/dlt645_meter/pkg/simulator"
)

func main() {
	if err := config.LoadInterpreterAPIConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load interpreter API config: %v\n", err)
		os.Exit(1)
	}
	cfg := config.ActiveInterpreterAPIConfig

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("interpreter api stopped", zap.Error(err))
	}
}

func run(cfg *config.InterpreterAPIConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	meterMetrics := metrics.NewMeterMetrics(reg)

	var port port_reader.Port
	if cfg.Simulate {
		logger.Info("using simulated meter")
		port = simulator.New(simulator.DefaultOptions(), logger.Named("simulator"))
	} else {
		port = port_reader.NewSerialPort(cfg.Serial.Device, logger.Named("serial"))
	}

	m := meter.New(cfg, port, logger.Named("meter"), meterMetrics)
	hub := interpreter.NewHub(logger.Named("ws"), m.LatestEvents)
	m.AddSink(hub)
	m.AddSink(meter.NewLogSink(logger.Named("events"), zapcore.DebugLevel))

	if cfg.MQTT.Enabled {
		pub := mqttpub.New(cfg.MQTT, m, logger.Named("mqtt"))
		if err := pub.Connect(); err != nil {
			// paho keeps retrying in the background once connected; the first
			// connection has to succeed
			return fmt.Errorf("mqtt: %w", err)
		}
		defer pub.Disconnect()
		m.AddSink(pub)
	}

	if err := m.Start(ctx); err != nil {
		return err
	}
	defer m.Stop()
	go hub.Run(ctx)

	if !cfg.HTTP.MetricsEnabled {
		reg = nil
	}
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTP.ListenAddress, cfg.HTTP.ListenPort),
		Handler:           newRouter(m, hub, reg, logger.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting DL/T 645 interpreter API", zap.String("listen", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

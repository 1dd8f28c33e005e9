package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/NotCoffee418/dlt645_meter/pkg/dlt645"
	"github.com/NotCoffee418/dlt645_meter/pkg/meter"
	"github.com/NotCoffee418/dlt645_meter/pkg/metrics"
	"github.com/NotCoffee418/dlt645_meter/pkg/types"
)

const actionTimeout = 30 * time.Second

// meterAPI is what the HTTP handlers need from meter.Meter.
type meterAPI interface {
	Latest() (types.Snapshot, bool)
	TripRelay(ctx context.Context) error
	CloseRelay(ctx context.Context) error
	SetDate(ctx context.Context) error
	SetTime(ctx context.Context) error
	BroadcastTimeSync(ctx context.Context) error
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	var perr *dlt645.ProtocolError
	switch {
	case errors.Is(err, meter.ErrAddressUnknown):
		return http.StatusConflict
	case errors.Is(err, meter.ErrQueueFull), errors.Is(err, meter.ErrNotRunning):
		return http.StatusServiceUnavailable
	case errors.Is(err, meter.ErrNotAcknowledged), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &perr), errors.Is(err, meter.ErrUnexpectedReply):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func actionHandler(name string, action func(ctx context.Context) error, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "use POST"})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), actionTimeout)
		defer cancel()
		if err := action(ctx); err != nil {
			logger.Warn("meter action failed", zap.String("action", name), zap.Error(err))
			writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "action": name})
	}
}

// newRouter builds the HTTP API. ws and reg may be nil.
func newRouter(m meterAPI, ws http.Handler, reg *prometheus.Registry, logger *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"message": "DL/T 645 Meter API",
			"status":  "running",
		})
	})

	mux.HandleFunc("/latest", func(w http.ResponseWriter, r *http.Request) {
		snapshot, ok := m.Latest()
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "No readings available yet"})
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
	})

	if ws != nil {
		mux.Handle("/ws", ws)
	}
	if reg != nil {
		mux.Handle("/metrics", metrics.Handler(reg))
	}

	mux.Handle("/relay/trip", actionHandler("relay_trip", m.TripRelay, logger))
	mux.Handle("/relay/close", actionHandler("relay_close", m.CloseRelay, logger))
	mux.Handle("/clock/date", actionHandler("write_date", m.SetDate, logger))
	mux.Handle("/clock/time", actionHandler("write_time", m.SetTime, logger))
	mux.Handle("/clock/broadcast", actionHandler("broadcast_time_sync", m.BroadcastTimeSync, logger))
	return mux
}

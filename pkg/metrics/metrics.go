// Package metrics holds the Prometheus registry and the meter driver counters.
// A nil *MeterMetrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry creates a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

type MeterMetrics struct {
	FramesSent         *prometheus.CounterVec // labels: request
	ReceiveTimeouts    *prometheus.CounterVec // labels: request
	FrameErrors        *prometheus.CounterVec // labels: reason
	FramesParsed       *prometheus.CounterVec // labels: control
	BaudRotations      prometheus.Counter
	Decoded            *prometheus.CounterVec // labels: quantity
	ReversePowerAlerts prometheus.Counter
	BaudRate           prometheus.Gauge
	AddressDiscovered  prometheus.Gauge
}

// NewMeterMetrics registers and returns the driver metrics.
func NewMeterMetrics(reg prometheus.Registerer) *MeterMetrics {
	m := &MeterMetrics{
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dlt645_frames_sent_total",
			Help: "Frames written to the serial line by request.",
		}, []string{"request"}),
		ReceiveTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dlt645_receive_timeouts_total",
			Help: "Requests that got no reply before their deadline.",
		}, []string{"request"}),
		FrameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dlt645_frame_errors_total",
			Help: "Discarded receive buffers by reason.",
		}, []string{"reason"}),
		FramesParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dlt645_frames_parsed_total",
			Help: "Valid frames by control code.",
		}, []string{"control"}),
		BaudRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dlt645_baud_rotations_total",
			Help: "Baud rate changes after a discovery timeout.",
		}),
		Decoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dlt645_decoded_total",
			Help: "Decoded register values by quantity.",
		}, []string{"quantity"}),
		ReversePowerAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dlt645_reverse_power_alerts_total",
			Help: "Transitions from forward to reverse power flow.",
		}),
		BaudRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dlt645_baud_rate",
			Help: "Current serial baud rate.",
		}),
		AddressDiscovered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dlt645_address_discovered",
			Help: "1 once the meter address is known.",
		}),
	}
	reg.MustRegister(m.FramesSent, m.ReceiveTimeouts, m.FrameErrors, m.FramesParsed,
		m.BaudRotations, m.Decoded, m.ReversePowerAlerts, m.BaudRate, m.AddressDiscovered)
	return m
}

func (m *MeterMetrics) FrameSent(request string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(request).Inc()
}

func (m *MeterMetrics) ReceiveTimeout(request string) {
	if m == nil {
		return
	}
	m.ReceiveTimeouts.WithLabelValues(request).Inc()
}

func (m *MeterMetrics) FrameError(reason string) {
	if m == nil {
		return
	}
	m.FrameErrors.WithLabelValues(reason).Inc()
}

func (m *MeterMetrics) FrameParsed(control string) {
	if m == nil {
		return
	}
	m.FramesParsed.WithLabelValues(control).Inc()
}

func (m *MeterMetrics) BaudRotated(baud uint) {
	if m == nil {
		return
	}
	m.BaudRotations.Inc()
	m.BaudRate.Set(float64(baud))
}

func (m *MeterMetrics) SetBaudRate(baud uint) {
	if m == nil {
		return
	}
	m.BaudRate.Set(float64(baud))
}

func (m *MeterMetrics) ValueDecoded(quantity string) {
	if m == nil {
		return
	}
	m.Decoded.WithLabelValues(quantity).Inc()
}

func (m *MeterMetrics) ReversePowerAlert() {
	if m == nil {
		return
	}
	m.ReversePowerAlerts.Inc()
}

func (m *MeterMetrics) SetAddressDiscovered(discovered bool) {
	if m == nil {
		return
	}
	if discovered {
		m.AddressDiscovered.Set(1)
	} else {
		m.AddressDiscovered.Set(0)
	}
}

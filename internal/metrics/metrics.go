package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/micro-ha/ser-gateway/internal/model"
)

const (
	namespace = "ser"
	subsystem = "gateway"

	TaskChannel = "channel"
	TaskEvent   = "event"
	TaskPrune   = "prune"
	TaskSchema  = "schema"
)

// Metrics holds the gateway collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	eventsHarvested  *prometheus.CounterVec
	recordsMalformed *prometheus.CounterVec
	pollErrors       *prometheus.CounterVec
	pollDuration     *prometheus.HistogramVec
	deviceStatus     *prometheus.GaugeVec
	eventsPruned     *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		eventsHarvested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_harvested_total",
			Help:      "Decoded events handed to the event sinks",
		}, []string{"device"}),
		recordsMalformed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "records_malformed_total",
			Help:      "Event records skipped because they could not be decoded",
		}, []string{"device"}),
		pollErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "poll_errors_total",
			Help:      "Failed poll cycles by task",
		}, []string{"device", "task"}),
		pollDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "poll_duration_seconds",
			Help:      "Duration of poll cycles by task",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"device", "task"}),
		deviceStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "device_status",
			Help:      "1 for the current operational status of a device",
		}, []string{"device", "status"}),
		eventsPruned: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_pruned_total",
			Help:      "Stored events deleted by retention pruning",
		}, []string{"device"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveHarvest(device string, events, malformed int) {
	if m == nil {
		return
	}
	m.eventsHarvested.WithLabelValues(device).Add(float64(events))
	m.recordsMalformed.WithLabelValues(device).Add(float64(malformed))
}

func (m *Metrics) ObservePoll(device, task string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.pollDuration.WithLabelValues(device, task).Observe(took.Seconds())
	if err != nil {
		m.pollErrors.WithLabelValues(device, task).Inc()
	}
}

func (m *Metrics) ObservePruned(device string, rows int64) {
	if m == nil {
		return
	}
	m.eventsPruned.WithLabelValues(device).Add(float64(rows))
}

// SetStatus marks status as current for device and clears the other statuses.
func (m *Metrics) SetStatus(device string, status model.DeviceStatus) {
	if m == nil {
		return
	}
	for _, s := range model.AllDeviceStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.deviceStatus.WithLabelValues(device, string(s)).Set(v)
	}
}

// Forget drops every series of a removed device.
func (m *Metrics) Forget(device string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"device": device}
	m.eventsHarvested.DeletePartialMatch(labels)
	m.recordsMalformed.DeletePartialMatch(labels)
	m.pollErrors.DeletePartialMatch(labels)
	m.pollDuration.DeletePartialMatch(labels)
	m.deviceStatus.DeletePartialMatch(labels)
	m.eventsPruned.DeletePartialMatch(labels)
}

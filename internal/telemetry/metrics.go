package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TicksTotal           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "thermal_ticks_total", Help: "Scheduler ticks by outcome"}, []string{"outcome"})
	PowerTransitions     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "thermal_power_transitions_total", Help: "Power mode transitions"}, []string{"from", "to"})
	ProfileApplyFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "thermal_profile_apply_failures_total", Help: "Failed power profile applications"})
	SensorFailures       = prometheus.NewCounter(prometheus.CounterOpts{Name: "thermal_sensor_failures_total", Help: "Cycles where the sensor could not be read"})
	EnqueueCounter       = prometheus.NewCounter(prometheus.CounterOpts{Name: "thermal_tasks_enqueued_total", Help: "Total enqueued tasks"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "thermal_rate_limit_rejects_total", Help: "Enqueue requests rejected by rate limiter"})
	TasksCompleted       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "thermal_tasks_completed_total", Help: "Tasks finished, by outcome"}, []string{"outcome"})
	HistoryExported      = prometheus.NewCounter(prometheus.CounterOpts{Name: "thermal_history_exported_total", Help: "History entries exported to object storage"})
	QueueDepthGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "thermal_queue_depth", Help: "Pending tasks in the queue"})
	TemperatureGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "thermal_temperature_celsius", Help: "Last valid temperature reading"})
	powerStateGauge      = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "thermal_power_state", Help: "Current power state (1 for active state)"}, []string{"state"})
)

// SetPowerState flips the power_state gauge so exactly one label is 1.
func SetPowerState(state string) {
	for _, s := range []string{"normal", "low_power", "emergency"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		powerStateGauge.WithLabelValues(s).Set(v)
	}
}

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TicksTotal,
			PowerTransitions,
			ProfileApplyFailures,
			SensorFailures,
			EnqueueCounter,
			RateLimitRejects,
			TasksCompleted,
			HistoryExported,
			QueueDepthGauge,
			TemperatureGauge,
			powerStateGauge,
		)
	})
	return promhttp.Handler()
}

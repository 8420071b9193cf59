package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type schedulerMetrics struct {
	queueSize    *prometheus.GaugeVec
	activeTasks  *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	laneResets   prometheus.Counter

	cronRunsTotal   *prometheus.CounterVec
	cronRunDuration prometheus.Histogram
	cronJobsLoaded  prometheus.Gauge
	cronPersists    prometheus.Counter

	heartbeatFiresTotal *prometheus.CounterVec
	heartbeatDuration   prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *schedulerMetrics
)

func getMetrics() *schedulerMetrics {
	metricsOnce.Do(func() {
		m := &schedulerMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "queue_size",
					Help: "Current queue depth by lane.",
				},
				[]string{"lane"},
			),
			activeTasks: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "queue_active_tasks",
					Help: "Currently executing tasks by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dequeue_total",
					Help: "Total task completions by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "task_duration_seconds",
					Help:    "Task execution duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			laneResets: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "lane_resets_total",
					Help: "Total registry-wide lane resets.",
				},
			),
			cronRunsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "cron_runs_total",
					Help: "Total cron job runs by status.",
				},
				[]string{"status"},
			),
			cronRunDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "cron_run_duration_seconds",
					Help:    "Cron job execution duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			cronJobsLoaded: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "cron_jobs_loaded",
					Help: "Jobs currently loaded from the cron store.",
				},
			),
			cronPersists: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "cron_persists_total",
					Help: "Total cron store writes.",
				},
			),
			heartbeatFiresTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "heartbeat_fires_total",
					Help: "Total heartbeat fires by status.",
				},
				[]string{"status"},
			),
			heartbeatDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "heartbeat_duration_seconds",
					Help:    "Heartbeat callback duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.activeTasks,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.laneResets,
			m.cronRunsTotal,
			m.cronRunDuration,
			m.cronJobsLoaded,
			m.cronPersists,
			m.heartbeatFiresTotal,
			m.heartbeatDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetActiveTasks(lane string, active int) {
	m := getMetrics()
	m.activeTasks.WithLabelValues(lane).Set(float64(active))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.dequeueTotal.WithLabelValues(lane, status).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordLaneReset() {
	getMetrics().laneResets.Inc()
}

func RecordCronRun(status string, duration time.Duration) {
	m := getMetrics()
	m.cronRunsTotal.WithLabelValues(status).Inc()
	m.cronRunDuration.Observe(duration.Seconds())
}

func SetCronJobsLoaded(count int) {
	getMetrics().cronJobsLoaded.Set(float64(count))
}

func RecordCronPersist() {
	getMetrics().cronPersists.Inc()
}

func RecordHeartbeatFire(status string, duration time.Duration) {
	m := getMetrics()
	m.heartbeatFiresTotal.WithLabelValues(status).Inc()
	m.heartbeatDuration.Observe(duration.Seconds())
}

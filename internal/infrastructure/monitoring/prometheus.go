package monitoring

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// monitorCollector exposes the Monitor's atomic counters as Prometheus
// metrics without double-counting: values are read at scrape time.
type monitorCollector struct {
	monitor *Monitor

	requestsTotal   *prometheus.Desc
	requestsSuccess *prometheus.Desc
	requestsFailed  *prometheus.Desc
	toolCallsTotal  *prometheus.Desc
	toolCallsOK     *prometheus.Desc
	toolCallsFailed *prometheus.Desc
	modelCalls      *prometheus.Desc
	tokensUsed      *prometheus.Desc
	errorsTotal     *prometheus.Desc
	activeSessions  *prometheus.Desc
	requestLatency  *prometheus.Desc
	toolLatency     *prometheus.Desc
}

func newMonitorCollector(m *Monitor) *monitorCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("agentcore_"+name, help, nil, nil)
	}
	return &monitorCollector{
		monitor:         m,
		requestsTotal:   desc("requests_total", "Total number of requests processed"),
		requestsSuccess: desc("requests_success_total", "Total successful requests"),
		requestsFailed:  desc("requests_failed_total", "Total failed requests"),
		toolCallsTotal:  desc("tool_calls_total", "Total tool calls executed"),
		toolCallsOK:     desc("tool_calls_success_total", "Total successful tool calls"),
		toolCallsFailed: desc("tool_calls_failed_total", "Total failed tool calls"),
		modelCalls:      desc("model_calls_total", "Total LLM model calls"),
		tokensUsed:      desc("model_tokens_used_total", "Total tokens consumed"),
		errorsTotal:     desc("errors_total", "Total errors encountered"),
		activeSessions:  desc("active_sessions", "Number of active sessions"),
		requestLatency:  desc("request_latency_avg_ms", "Average request latency in milliseconds"),
		toolLatency:     desc("tool_latency_avg_ms", "Average tool execution latency in milliseconds"),
	}
}

func (c *monitorCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requestsTotal
	ch <- c.requestsSuccess
	ch <- c.requestsFailed
	ch <- c.toolCallsTotal
	ch <- c.toolCallsOK
	ch <- c.toolCallsFailed
	ch <- c.modelCalls
	ch <- c.tokensUsed
	ch <- c.errorsTotal
	ch <- c.activeSessions
	ch <- c.requestLatency
	ch <- c.toolLatency
}

func (c *monitorCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.monitor.metrics
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(c.requestsTotal, atomic.LoadUint64(&m.RequestsTotal))
	counter(c.requestsSuccess, atomic.LoadUint64(&m.RequestsSuccess))
	counter(c.requestsFailed, atomic.LoadUint64(&m.RequestsFailed))
	counter(c.toolCallsTotal, atomic.LoadUint64(&m.ToolCallsTotal))
	counter(c.toolCallsOK, atomic.LoadUint64(&m.ToolCallsSuccess))
	counter(c.toolCallsFailed, atomic.LoadUint64(&m.ToolCallsFailed))
	counter(c.modelCalls, atomic.LoadUint64(&m.ModelCallsTotal))
	counter(c.tokensUsed, atomic.LoadUint64(&m.ModelTokensUsed))
	counter(c.errorsTotal, atomic.LoadUint64(&m.ErrorsTotal))
	ch <- prometheus.MustNewConstMetric(c.activeSessions, prometheus.GaugeValue, float64(atomic.LoadInt64(&m.ActiveSessions)))

	if n := atomic.LoadUint64(&m.RequestLatencyCount); n > 0 {
		avgMs := float64(atomic.LoadUint64(&m.RequestLatencySum)) / float64(n) / 1e6
		ch <- prometheus.MustNewConstMetric(c.requestLatency, prometheus.GaugeValue, avgMs)
	}
	if n := atomic.LoadUint64(&m.ToolLatencyCount); n > 0 {
		avgMs := float64(atomic.LoadUint64(&m.ToolLatencySum)) / float64(n) / 1e6
		ch <- prometheus.MustNewConstMetric(c.toolLatency, prometheus.GaugeValue, avgMs)
	}
}

// PrometheusHandler returns an http.Handler serving the Monitor's counters
// plus the standard Go runtime collectors. Mount it at "/metrics".
func (m *Monitor) PrometheusHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		newMonitorCollector(m),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

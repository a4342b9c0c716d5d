// Package metrics exposes bridge counters on a Prometheus endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stat bundles the process-wide bridge counters.
type Stat struct {
	ActiveConnections prometheus.Gauge
	FramesDecoded     prometheus.Counter
	FramingErrors     prometheus.Counter
	QueriesSent       prometheus.Counter
	QueriesExpired    prometheus.Counter
	RepliesOrphaned   prometheus.Counter
	SettingsRejected  prometheus.Counter
	MessagesPublished prometheus.Counter
}

// Default holds the bridge counters. Incremented from the connection
// workers; registered once at startup.
var Default = Stat{
	ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{Name: "voltronic_active_connections", Help: "The number of live inverter TCP connections"}),
	FramesDecoded:     prometheus.NewCounter(prometheus.CounterOpts{Name: "voltronic_frames_decoded_total", Help: "The total number of well-formed envelopes received"}),
	FramingErrors:     prometheus.NewCounter(prometheus.CounterOpts{Name: "voltronic_framing_errors_total", Help: "The total number of CRC or framing failures"}),
	QueriesSent:       prometheus.NewCounter(prometheus.CounterOpts{Name: "voltronic_queries_sent_total", Help: "The total number of queries transmitted to inverters"}),
	QueriesExpired:    prometheus.NewCounter(prometheus.CounterOpts{Name: "voltronic_queries_expired_total", Help: "The total number of queries dropped by timeout GC"}),
	RepliesOrphaned:   prometheus.NewCounter(prometheus.CounterOpts{Name: "voltronic_replies_orphaned_total", Help: "The total number of replies with no matching query"}),
	SettingsRejected:  prometheus.NewCounter(prometheus.CounterOpts{Name: "voltronic_settings_rejected_total", Help: "The total number of NAKed setting commands"}),
	MessagesPublished: prometheus.NewCounter(prometheus.CounterOpts{Name: "voltronic_mqtt_published_total", Help: "The total number of MQTT state publications"}),
}

// Register installs the counters in the default registry.
func (s *Stat) Register() {
	prometheus.MustRegister(s.ActiveConnections)
	prometheus.MustRegister(s.FramesDecoded)
	prometheus.MustRegister(s.FramingErrors)
	prometheus.MustRegister(s.QueriesSent)
	prometheus.MustRegister(s.QueriesExpired)
	prometheus.MustRegister(s.RepliesOrphaned)
	prometheus.MustRegister(s.SettingsRejected)
	prometheus.MustRegister(s.MessagesPublished)
}

// Httpd serves /metrics on addr. It blocks like http.ListenAndServe.
func Httpd(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}

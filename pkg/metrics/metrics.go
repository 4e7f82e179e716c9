// Package metrics counts download attempts and fetches with Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mget"

// Recorder is safe for concurrent use. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	attempts *prometheus.CounterVec
	fetches  *prometheus.CounterVec
	bytes    prometheus.Counter
	cacheHit prometheus.Counter
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Download attempts by outcome (success, failure, permission_denied, rejected).",
		}, []string{"outcome"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Completed fetches by result (ok, failed).",
		}, []string{"result"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Bytes written by download attempts, including rejected ones.",
		}),
		cacheHit: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Fetches satisfied from a verified cache file without downloading.",
		}),
	}
	r.registry.MustRegister(r.attempts, r.fetches, r.bytes, r.cacheHit)
	return r
}

func (r *Recorder) Attempt(outcome string, bytes int64) {
	if r == nil {
		return
	}
	r.attempts.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		r.bytes.Add(float64(bytes))
	}
}

func (r *Recorder) Fetch(ok bool) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	r.fetches.WithLabelValues(result).Inc()
}

func (r *Recorder) CacheHit() {
	if r == nil {
		return
	}
	r.cacheHit.Inc()
}

func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// WriteTextfile dumps the current values in the text exposition format, for node_exporter's textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.registry)
}

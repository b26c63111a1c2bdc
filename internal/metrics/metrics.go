package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "commitlog"

var (
	Appends = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appends_total",
			Help:      "Total records appended to the log.",
		},
	)
	AppendedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appended_bytes_total",
			Help:      "Total store bytes written, length prefixes included.",
		},
	)
	Reads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reads_total",
			Help:      "Total record reads by result.",
		},
		[]string{"result"},
	)
	Rotations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_rotations_total",
			Help:      "Total segments created because the active segment was maxed.",
		},
	)
	TruncatedSegments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "truncated_segments_total",
			Help:      "Total segments removed by truncation.",
		},
	)
	Segments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "segments",
			Help:      "Segments currently open.",
		},
	)
	Requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Front-end requests by transport, operation and status.",
		},
		[]string{"transport", "operation", "status"},
	)
)

// Result labels for Reads.
const (
	ReadOK       = "ok"
	ReadNotFound = "not_found"
	ReadError    = "error"
)

// Collectors returns every collector in this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		Appends,
		AppendedBytes,
		Reads,
		Rotations,
		TruncatedSegments,
		Segments,
		Requests,
	}
}

// Register registers every collector with reg. Collectors that are already
// registered are left in place so that several agents can share a registry.
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

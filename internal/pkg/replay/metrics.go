package replay

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "rtsphelper"

// Registry renders the summary as Prometheus metrics
func (s *Summary) Registry() *prometheus.Registry {
	registry := prometheus.NewRegistry()

	packets := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "replay_packets_total",
			Help:      "Replayed packets by outcome",
		},
		[]string{"kind"},
	)
	for kind, v := range map[string]uint64{
		"all":        s.Packets.Packets,
		"skipped":    s.Packets.Skipped,
		"tcp":        s.Packets.TCP,
		"udp":        s.Packets.UDP,
		"control":    s.Packets.Control,
		"related":    s.Packets.Related,
		"dropped":    s.Packets.Dropped,
		"rewritten":  s.Packets.Rewritten,
		"translated": s.Packets.Translated,
		"written":    s.Packets.Written,
	} {
		packets.WithLabelValues(kind).Add(float64(v))
	}

	helper := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "helper_events_total",
			Help:      "RTSP helper events",
		},
		[]string{"event"},
	)
	for event, v := range map[string]int64{
		"inspected":   s.Helper.Inspected,
		"setup":       s.Helper.Setups,
		"teardown":    s.Helper.Teardowns,
		"expectation": s.Helper.Expectations,
		"rewrite":     s.Helper.Rewrites,
		"drop":        s.Helper.Drops,
	} {
		helper.WithLabelValues(event).Add(float64(v))
	}

	expectations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "conntrack_expectations_ended_total",
			Help:      "Expectations that left the table",
		},
		[]string{"reason"},
	)
	expectations.WithLabelValues("realized").Add(float64(s.Conntrack.Realized))
	expectations.WithLabelValues("evicted").Add(float64(s.Conntrack.Evicted))
	expectations.WithLabelValues("timed_out").Add(float64(s.Conntrack.TimedOut))

	tracked := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "conntrack_entries",
			Help:      "Table entries when the replay ended",
		},
		[]string{"type"},
	)
	tracked.WithLabelValues("connection").Set(float64(s.Conntrack.Connections))
	tracked.WithLabelValues("expectation").Set(float64(s.Conntrack.Expectations))

	registry.MustRegister(packets, helper, expectations, tracked)
	return registry
}

// WriteMetrics writes the summary in the node exporter textfile format
func (s *Summary) WriteMetrics(path string) error {
	if err := prometheus.WriteToTextfile(path, s.Registry()); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}

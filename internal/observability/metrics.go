// Package observability bundles Prometheus metrics for the controller and
// the normalization pipeline.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the service records.
type Collector struct {
	gatherer prometheus.Gatherer

	TreeOps        *prometheus.CounterVec
	EntriesByType  *prometheus.CounterVec
	DedupDropped   prometheus.Counter
	Reconciliation *prometheus.CounterVec
	TreeNodes      prometheus.Gauge
}

// NewCollector registers the service metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	treeOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "simdeck_tree_ops_total",
		Help: "Total tree operations, labeled by operation and outcome.",
	}, []string{"op", "outcome"})
	treeOps, err := registerCounterVec(reg, treeOps, "simdeck_tree_ops_total")
	if err != nil {
		return nil, err
	}

	entries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "simdeck_log_entries_total",
		Help: "Normalized log entries produced, labeled by entry type.",
	}, []string{"type"})
	entries, err = registerCounterVec(reg, entries, "simdeck_log_entries_total")
	if err != nil {
		return nil, err
	}

	dropped, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "simdeck_dedup_dropped_total",
		Help: "Raw events discarded as duplicates before normalization.",
	}), "simdeck_dedup_dropped_total")
	if err != nil {
		return nil, err
	}

	reconciliation := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "simdeck_experiment_reconciliations_total",
		Help: "Placeholder reconciliation results, labeled by tier or failure.",
	}, []string{"result"})
	reconciliation, err = registerCounterVec(reg, reconciliation, "simdeck_experiment_reconciliations_total")
	if err != nil {
		return nil, err
	}

	nodes, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "simdeck_tree_nodes",
		Help: "Current number of nodes in the selected simulation tree.",
	}), "simdeck_tree_nodes")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:       gatherer,
		TreeOps:        treeOps,
		EntriesByType:  entries,
		DedupDropped:   dropped,
		Reconciliation: reconciliation,
		TreeNodes:      nodes,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// RecordOp counts one tree operation outcome. Nil-safe so callers can run
// without a collector wired in.
func (c *Collector) RecordOp(op, outcome string) {
	if c == nil || c.TreeOps == nil {
		return
	}
	c.TreeOps.WithLabelValues(op, outcome).Inc()
}

// RecordEntry counts one normalized log entry.
func (c *Collector) RecordEntry(entryType string) {
	if c == nil || c.EntriesByType == nil {
		return
	}
	c.EntriesByType.WithLabelValues(entryType).Inc()
}

// RecordDedupDropped counts discarded duplicate events.
func (c *Collector) RecordDedupDropped(n int) {
	if c == nil || c.DedupDropped == nil || n <= 0 {
		return
	}
	c.DedupDropped.Add(float64(n))
}

// RecordReconciliation counts one placeholder reconciliation result.
func (c *Collector) RecordReconciliation(result string) {
	if c == nil || c.Reconciliation == nil {
		return
	}
	c.Reconciliation.WithLabelValues(result).Inc()
}

// SetTreeNodes updates the node count gauge.
func (c *Collector) SetTreeNodes(n int) {
	if c == nil || c.TreeNodes == nil {
		return
	}
	c.TreeNodes.Set(float64(n))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

package settlement

import "dvpsettle/observability"

// Metrics exposes Prometheus collectors for settlement instrumentation.
type Metrics = observability.SettlementMetrics

// NewMetrics returns the lazily initialised metrics registry.
func NewMetrics() *Metrics { return observability.Settlement() }

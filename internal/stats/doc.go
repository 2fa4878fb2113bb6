// Package stats keeps the process-wide scan counters.
//
// A single Statistics value is created before the first module runs and is
// shared by the circuit build loop and the event engine. Counters only grow.
// When a Prometheus registerer is supplied the counters are mirrored into
// it so that a running scan can be observed over /metrics.
package stats

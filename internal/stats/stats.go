package stats

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is a consistent copy of the counters.
type Snapshot struct {
	// TotalCircuits is the number of circuits the build loop set out to create.
	TotalCircuits int
	// FailedCircuits counts circuits that failed to build or whose stream failed.
	FailedCircuits int
	// ProbedCircuits counts circuits handed to a probe.
	ProbedCircuits int
	// ModulesRun counts completed module runs.
	ModulesRun int
	// Elapsed is the time since the Statistics value was created.
	Elapsed time.Duration
}

// FailureRate returns the percentage of failed circuits, or 0 when no
// circuit was attempted.
func (s Snapshot) FailureRate() float64 {
	if s.TotalCircuits == 0 {
		return 0
	}
	return float64(s.FailedCircuits) / float64(s.TotalCircuits) * 100
}

// Statistics holds the scan counters. It is safe for concurrent use.
type Statistics struct {
	mu       sync.Mutex
	snapshot Snapshot
	started  time.Time
	now      func() time.Time

	metrics *metrics
}

// Option configures a Statistics value.
type Option func(*Statistics)

// WithRegisterer mirrors the counters into Prometheus counters registered
// with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Statistics) {
		s.metrics = newMetrics(reg)
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Statistics) {
		s.now = now
	}
}

// New returns zeroed counters. The elapsed time is measured from now.
func New(opts ...Option) *Statistics {
	s := &Statistics{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.now()
	return s
}

// AddCircuits records n circuits the build loop is about to request.
func (s *Statistics) AddCircuits(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.snapshot.TotalCircuits += n
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.total.Add(float64(n))
	}
}

// IncFailed records one failed circuit.
func (s *Statistics) IncFailed() {
	s.mu.Lock()
	s.snapshot.FailedCircuits++
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.failed.Inc()
	}
}

// IncProbed records one circuit handed to a probe.
func (s *Statistics) IncProbed() {
	s.mu.Lock()
	s.snapshot.ProbedCircuits++
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.probed.Inc()
	}
}

// IncModules records one completed module run.
func (s *Statistics) IncModules() {
	s.mu.Lock()
	s.snapshot.ModulesRun++
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.modules.Inc()
	}
}

// Snapshot returns a copy of the counters.
func (s *Statistics) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot
	snap.Elapsed = s.now().Sub(s.started)
	return snap
}

// String returns the summary line printed when a scan ends.
func (s *Statistics) String() string {
	snap := s.Snapshot()
	return fmt.Sprintf("Ran %d module(s) in %s and %d/%d circuits failed (%.2f%%).",
		snap.ModulesRun,
		snap.Elapsed.Round(time.Second),
		snap.FailedCircuits,
		snap.TotalCircuits,
		snap.FailureRate(),
	)
}

package model

import (
	"sort"
	"time"
)

// RunStats is the statistics snapshot stored with a run.
type RunStats struct {
	TotalCircuits  int `json:"total_circuits"`
	FailedCircuits int `json:"failed_circuits"`
	ProbedCircuits int `json:"probed_circuits"`
	ModulesRun     int `json:"modules_run"`
}

// FailureRate returns the percentage of failed circuits, or 0 when no
// circuit was attempted.
func (s RunStats) FailureRate() float64 {
	if s.TotalCircuits == 0 {
		return 0
	}
	return float64(s.FailedCircuits) / float64(s.TotalCircuits) * 100
}

// RunReport is the result of one invocation of the scan command.
type RunReport struct {
	// ID is the database identifier, 0 until the run is stored.
	ID int64 `json:"id,omitempty"`

	// FirstHop is the fingerprint of the relay every circuit started at.
	FirstHop string `json:"first_hop"`

	// Country is the country filter, if any.
	Country string `json:"country,omitempty"`

	// StartedAt and FinishedAt bound the run.
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Modules lists the module runs in execution order.
	Modules []*ModuleRun `json:"modules"`

	// Stats is the final statistics snapshot.
	Stats RunStats `json:"stats"`
}

// NewRunReport creates an empty report for a run starting now.
func NewRunReport(firstHop, country string) *RunReport {
	return &RunReport{
		FirstHop:  firstHop,
		Country:   country,
		StartedAt: time.Now(),
		Modules:   make([]*ModuleRun, 0),
	}
}

// Duration returns the run's wall-clock time, or 0 while it is running.
func (r *RunReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Results returns every probe record of the run.
func (r *RunReport) Results() []*ProbeRecord {
	var out []*ProbeRecord
	for _, m := range r.Modules {
		out = append(out, m.Results...)
	}
	return out
}

// CountByVerdict tallies the probe records by verdict.
func (r *RunReport) CountByVerdict() map[Verdict]int {
	counts := make(map[Verdict]int)
	for _, rec := range r.Results() {
		counts[rec.Verdict]++
	}
	return counts
}

// Suspicious returns the records with VerdictSuspicious, sorted by module
// and then by fingerprint.
func (r *RunReport) Suspicious() []*ProbeRecord {
	var out []*ProbeRecord
	for _, rec := range r.Results() {
		if rec.Verdict == VerdictSuspicious {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		return out[i].ExitFingerprint < out[j].ExitFingerprint
	})
	return out
}

// RunSummary is a stored run without its probe results.
type RunSummary struct {
	ID         int64     `json:"id"`
	FirstHop   string    `json:"first_hop"`
	Country    string    `json:"country,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Stats      RunStats  `json:"stats"`

	// Suspicious is the number of suspicious probe results of the run.
	Suspicious int `json:"suspicious"`
}

// HistoryEntry is a stored probe result with the run it belongs to.
type HistoryEntry struct {
	RunID  int64        `json:"run_id"`
	Record *ProbeRecord `json:"record"`
}

package model

import (
	"encoding/json"
	"testing"
	"time"
)

// TestVerdictString tests the String method of Verdict.
func TestVerdictString(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		verdict  Verdict
		expected string
	}{
		{VerdictClean, "CLEAN"},
		{VerdictSuspicious, "SUSPICIOUS"},
		{VerdictError, "ERROR"},
		{Verdict(42), "UNKNOWN"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			t.Parallel()
			if tc.verdict.String() != tc.expected {
				t.Errorf("got %q, expected %q", tc.verdict.String(), tc.expected)
			}
		})
	}
}

// TestParseVerdict tests case-insensitive parsing.
func TestParseVerdict(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"clean", "CLEAN", " Clean "} {
		v, err := ParseVerdict(s)
		if err != nil || v != VerdictClean {
			t.Errorf("ParseVerdict(%q) = %v, %v", s, v, err)
		}
	}
	if _, err := ParseVerdict("bogus"); err == nil {
		t.Error("expected error for unknown verdict")
	}
}

// TestVerdictJSON tests that verdicts are encoded by name.
func TestVerdictJSON(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(&ProbeRecord{Module: "checktest", Verdict: VerdictSuspicious})
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["verdict"] != "SUSPICIOUS" {
		t.Errorf("verdict = %v, expected SUSPICIOUS", decoded["verdict"])
	}

	var rec ProbeRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Verdict != VerdictSuspicious {
		t.Errorf("decoded verdict = %v", rec.Verdict)
	}
}

// TestRunReport tests the aggregate helpers.
func TestRunReport(t *testing.T) {
	t.Parallel()

	r := NewRunReport("AAAA", "de")
	r.Modules = append(r.Modules,
		&ModuleRun{
			Name: "httpcontent",
			Results: []*ProbeRecord{
				{Module: "httpcontent", ExitFingerprint: "CC", Verdict: VerdictSuspicious},
				{Module: "httpcontent", ExitFingerprint: "BB", Verdict: VerdictSuspicious},
				{Module: "httpcontent", ExitFingerprint: "DD", Verdict: VerdictClean},
			},
		},
		&ModuleRun{
			Name: "checktest",
			Results: []*ProbeRecord{
				{Module: "checktest", ExitFingerprint: "EE", Verdict: VerdictSuspicious},
				{Module: "checktest", ExitFingerprint: "FF", Verdict: VerdictError},
			},
		},
		&ModuleRun{Name: "broken", Error: "unresolved destination"},
	)

	t.Run("results flatten all modules", func(t *testing.T) {
		t.Parallel()
		if got := len(r.Results()); got != 5 {
			t.Errorf("len(Results()) = %d, expected 5", got)
		}
	})

	t.Run("count by verdict", func(t *testing.T) {
		t.Parallel()
		counts := r.CountByVerdict()
		if counts[VerdictSuspicious] != 3 || counts[VerdictClean] != 1 || counts[VerdictError] != 1 {
			t.Errorf("unexpected counts: %v", counts)
		}
	})

	t.Run("suspicious sorted by module then fingerprint", func(t *testing.T) {
		t.Parallel()
		got := r.Suspicious()
		want := []string{"EE", "BB", "CC"}
		if len(got) != len(want) {
			t.Fatalf("len = %d, expected %d", len(got), len(want))
		}
		for i, fp := range want {
			if got[i].ExitFingerprint != fp {
				t.Errorf("Suspicious()[%d] = %s, expected %s", i, got[i].ExitFingerprint, fp)
			}
		}
	})

	t.Run("skipped module", func(t *testing.T) {
		t.Parallel()
		if !r.Modules[2].Skipped() || r.Modules[0].Skipped() {
			t.Error("unexpected Skipped() result")
		}
	})

	t.Run("duration", func(t *testing.T) {
		t.Parallel()
		done := &RunReport{StartedAt: time.Unix(100, 0), FinishedAt: time.Unix(160, 0)}
		if done.Duration() != time.Minute {
			t.Errorf("Duration() = %v, expected 1m", done.Duration())
		}
		if (&RunReport{StartedAt: time.Unix(100, 0)}).Duration() != 0 {
			t.Error("expected 0 duration while running")
		}
	})
}

func TestRunStatsFailureRate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		stats RunStats
		want  float64
	}{
		{name: "no circuits", stats: RunStats{}, want: 0},
		{name: "none failed", stats: RunStats{TotalCircuits: 4}, want: 0},
		{name: "quarter failed", stats: RunStats{TotalCircuits: 8, FailedCircuits: 2}, want: 25},
		{name: "all failed", stats: RunStats{TotalCircuits: 3, FailedCircuits: 3}, want: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.stats.FailureRate(); got != tt.want {
				t.Errorf("FailureRate() = %v, expected %v", got, tt.want)
			}
		})
	}
}

package models

import (
	"fmt"
	"io"
	"sort"
	"time"
)

// StageSummary is the outcome of one batch stage over all patients
type StageSummary struct {
	Stage    string
	Reports  []PatientReport
	Duration time.Duration
}

// Sort orders the reports by patient ID. Workers finish in any order.
func (s *StageSummary) Sort() {
	sort.Slice(s.Reports, func(i, j int) bool { return s.Reports[i].PatientID < s.Reports[j].PatientID })
}

// FailedPatients returns the IDs of the patients with a failed report
func (s *StageSummary) FailedPatients() []string {
	var ids []string
	for i := range s.Reports {
		if s.Reports[i].Failed() {
			ids = append(ids, s.Reports[i].PatientID)
		}
	}
	return ids
}

// Print writes a short per-stage tally followed by one line per failed patient
func (s *StageSummary) Print(w io.Writer) {
	var cached, computed, failed int
	for i := range s.Reports {
		cached += s.Reports[i].Count(Cached)
		computed += s.Reports[i].Count(Computed)
		failed += s.Reports[i].Count(Failed)
	}

	fmt.Fprintf(w, "\n%s finished in %.2f seconds\n", s.Stage, s.Duration.Seconds())
	fmt.Fprintf(w, "- Patients: %d (%d failed)\n", len(s.Reports), len(s.FailedPatients()))
	fmt.Fprintf(w, "- Artifacts: %d computed, %d cached, %d failed\n", computed, cached, failed)
	for i := range s.Reports {
		if err := s.Reports[i].FirstError(); err != nil {
			fmt.Fprintf(w, "  %s: %v\n", s.Reports[i].PatientID, err)
		}
	}
}

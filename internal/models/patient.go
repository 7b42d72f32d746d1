// Package models holds the data types shared by every pipeline stage.
package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrMissingInput is returned when a file or directory a stage expects to
// read is absent. It is fatal for the patient, never for the batch.
var ErrMissingInput = errors.New("missing input")

// MissingInput wraps ErrMissingInput with the path that was not found
func MissingInput(what, path string) error {
	return fmt.Errorf("%w: %s not found at %s", ErrMissingInput, what, path)
}

// Patient is identified by the name of its study directory
type Patient struct {
	ID string
}

// JobDescriptor carries the resolved input and output paths of one patient
// for the batch preprocessor. It is built fresh for every run and consumed
// by exactly one worker.
type JobDescriptor struct {
	Patient Patient

	// CTDicomDir and RTDicomDir are the sorted DICOM series of the patient
	CTDicomDir string
	RTDicomDir string

	// NRRDDir and NIfTIDir are the per-patient output directories
	NRRDDir  string
	NIfTIDir string

	// CTNRRDPath is the CT volume in the lossless working encoding
	CTNRRDPath string

	// CTNIfTIPath is the CT volume in the compressed inference encoding
	CTNIfTIPath string

	// RTMaskDir receives one binary mask per structure of the RTSTRUCT
	RTMaskDir string

	// RTListPath is the manifest of the structures exported from the RTSTRUCT
	RTListPath string

	// NRRDLogPath and NIfTILogPath collect the converter output
	NRRDLogPath  string
	NIfTILogPath string

	// Verbose mirrors the converter output to the console
	Verbose bool
}

// ArtifactStatus is the outcome of producing one output file
type ArtifactStatus int

const (
	// Cached means the artifact already existed and no work was done
	Cached ArtifactStatus = iota
	// Computed means the artifact was produced during this run
	Computed
	// Failed means producing the artifact was attempted and failed
	Failed
)

func (s ArtifactStatus) String() string {
	switch s {
	case Cached:
		return "cached"
	case Computed:
		return "computed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ArtifactResult records what happened to one output file of a patient
type ArtifactResult struct {
	Name   string
	Path   string
	Status ArtifactStatus
	Err    error
}

// PatientReport collects the artifact outcomes of one patient for one stage
type PatientReport struct {
	PatientID string
	Artifacts []ArtifactResult
	Duration  time.Duration

	// Err is set when the patient could not be processed at all
	Err error
}

// Add appends an artifact outcome to the report
func (r *PatientReport) Add(name, path string, status ArtifactStatus, err error) {
	r.Artifacts = append(r.Artifacts, ArtifactResult{Name: name, Path: path, Status: status, Err: err})
}

// Failed reports whether the patient or any of its artifacts failed
func (r *PatientReport) Failed() bool {
	if r.Err != nil {
		return true
	}
	for _, a := range r.Artifacts {
		if a.Status == Failed {
			return true
		}
	}
	return false
}

// FirstError returns the patient error or the first artifact error
func (r *PatientReport) FirstError() error {
	if r.Err != nil {
		return r.Err
	}
	for _, a := range r.Artifacts {
		if a.Err != nil {
			return fmt.Errorf("%s: %w", a.Name, a.Err)
		}
	}
	return nil
}

// Count returns how many artifacts ended with the given status
func (r *PatientReport) Count(status ArtifactStatus) int {
	n := 0
	for _, a := range r.Artifacts {
		if a.Status == status {
			n++
		}
	}
	return n
}

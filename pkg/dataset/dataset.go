// Package dataset gathers the NIfTI CT volumes of every preprocessed patient
// into the flat input directory of the inference command, named after its
// `<case>_0000.nii.gz` single-channel convention.
package dataset

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"ctsegpipe/internal/models"
	"ctsegpipe/pkg/config"
	"ctsegpipe/pkg/layout"
)

// ArtifactModelInput is the artifact name used in patient reports
const ArtifactModelInput = "model_input"

// Assemble copies the CT NIfTI of each patient found under the NRRD root to
// the model input directory. Existing destinations are left untouched.
func Assemble(cfg *config.Config) (*models.StageSummary, error) {
	start := time.Now()
	l := cfg.Layout()

	patients, err := layout.ListPatientDirs(l.NRRDRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to list preprocessed patients: %w", err)
	}
	if err := os.MkdirAll(l.ModelInputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create model input directory: %w", err)
	}

	summary := &models.StageSummary{Stage: "Dataset preparation"}
	for i, p := range patients {
		fmt.Printf("\rProcessing patient %d/%d (%s)...", i+1, len(patients), p.ID)

		report := models.PatientReport{PatientID: p.ID}
		src, dst := l.CTNIfTIPath(p.ID), l.ModelInputPath(p.ID)
		status, err := copyIfAbsent(src, dst)
		if err != nil {
			log.Printf("Warning: patient %s: %v", p.ID, err)
		}
		report.Add(ArtifactModelInput, dst, status, err)
		summary.Reports = append(summary.Reports, report)
	}
	if len(patients) > 0 {
		fmt.Println(" Done.")
	}

	summary.Duration = time.Since(start)
	return summary, nil
}

// copyIfAbsent copies src to dst through a temporary file in the
// destination directory, so dst either does not exist or is complete.
func copyIfAbsent(src, dst string) (models.ArtifactStatus, error) {
	exists, err := layout.Exists(dst)
	if err != nil {
		return models.Failed, err
	}
	if exists {
		return models.Cached, nil
	}

	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return models.Failed, models.MissingInput("CT NIfTI", src)
		}
		return models.Failed, fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".copy-*")
	if err != nil {
		return models.Failed, fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return models.Failed, fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		return models.Failed, fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return models.Failed, fmt.Errorf("failed to move %s into place: %w", dst, err)
	}
	return models.Computed, nil
}

// Package dicomseg encodes the predicted label volumes as DICOM
// Segmentation objects referencing the source CT series.
package dicomseg

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"ctsegpipe/internal/models"
	"ctsegpipe/pkg/config"
	"ctsegpipe/pkg/layout"
	"ctsegpipe/pkg/tool"
)

// ArtifactSeg is the artifact name used in patient reports
const ArtifactSeg = "dicom_seg"

// Options describe one encoder invocation
type Options struct {
	// Command is the encoder executable, itkimage2segimage by default
	Command string

	LabelImage        string
	ReferenceDICOMDir string
	MetadataJSON      string
	Output            string

	// SkipEmptySlices omits frames without any segmented voxel
	SkipEmptySlices bool

	LogPath string
}

// Args returns the encoder command line
func (o Options) Args() []string {
	args := []string{
		"--inputImageList", o.LabelImage,
		"--inputDICOMDirectory", o.ReferenceDICOMDir,
		"--outputDICOM", o.Output,
		"--inputMetadata", o.MetadataJSON,
	}
	if o.SkipEmptySlices {
		args = append(args, "--skip")
	}
	return args
}

// Export encodes one label volume unless the output already exists
func Export(ctx context.Context, exec tool.Executor, o Options) (models.ArtifactStatus, error) {
	if o.Command == "" {
		o.Command = "itkimage2segimage"
	}

	if ok, err := layout.Exists(o.Output); err != nil {
		return models.Failed, err
	} else if ok {
		return models.Cached, nil
	}

	for _, in := range []struct{ what, path string }{
		{"label volume", o.LabelImage},
		{"CT series", o.ReferenceDICOMDir},
		{"segment metadata", o.MetadataJSON},
	} {
		if ok, err := layout.Exists(in.path); err != nil || !ok {
			return models.Failed, models.MissingInput(in.what, in.path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(o.Output), 0755); err != nil {
		return models.Failed, fmt.Errorf("failed to create output directory: %w", err)
	}

	_, err := exec.Run(ctx, tool.Command{Name: o.Command, Args: o.Args(), LogPath: o.LogPath})
	if err != nil {
		return models.Failed, fmt.Errorf("failed to export DICOM-SEG: %w", err)
	}
	return models.Computed, nil
}

// Run exports a DICOM-SEG for every patient with an aligned prediction
func Run(ctx context.Context, cfg *config.Config, exec tool.Executor) (*models.StageSummary, error) {
	start := time.Now()
	l := cfg.Layout()

	patients, err := layout.ListPatientDirs(l.NRRDRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to list patients: %w", err)
	}

	summary := &models.StageSummary{Stage: "DICOM-SEG export"}
	for i, p := range patients {
		labelPath := l.PredLabelPath(p.ID)
		if ok, _ := layout.Exists(labelPath); !ok {
			continue
		}
		fmt.Printf("\rExporting DICOM-SEG %d/%d (%s)...", i+1, len(patients), p.ID)

		out := l.DicomSegPath(p.ID)
		status, err := Export(ctx, exec, Options{
			Command:           cfg.DicomSeg.Command,
			LabelImage:        labelPath,
			ReferenceDICOMDir: l.CTDicomDir(p.ID),
			MetadataJSON:      cfg.DicomSeg.MetadataJSON,
			Output:            out,
			SkipEmptySlices:   cfg.DicomSeg.SkipEmptySlices,
			LogPath:           filepath.Join(filepath.Dir(out), p.ID+"_dicomseg.log"),
		})
		if err != nil {
			log.Printf("Warning: patient %s: %v", p.ID, err)
		}

		report := models.PatientReport{PatientID: p.ID}
		report.Add(ArtifactSeg, out, status, err)
		summary.Reports = append(summary.Reports, report)
	}
	if len(summary.Reports) > 0 {
		fmt.Println()
	}

	summary.Duration = time.Since(start)
	return summary, nil
}

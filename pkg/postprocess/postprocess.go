// Package postprocess turns the label volumes written by the inference
// command into per-structure binary masks on the grid of the original CT.
package postprocess

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"ctsegpipe/internal/models"
	"ctsegpipe/pkg/config"
	"ctsegpipe/pkg/layout"
	"ctsegpipe/pkg/nrrd"
	"ctsegpipe/pkg/plastimatch"
	"ctsegpipe/pkg/visualization"
)

var (
	// ErrGridMismatch is returned when a prediction still does not cover the
	// CT voxel grid after resampling
	ErrGridMismatch = errors.New("prediction grid does not match the CT grid")

	// ErrUnmappedLabels is returned in strict mode when a prediction holds
	// labels the label map does not know
	ErrUnmappedLabels = errors.New("prediction contains unmapped labels")
)

// Artifact names used in patient reports
const (
	ArtifactPredLabel = "pred_label"
	ArtifactQC        = "qc"
	ArtifactProbMaps  = "prob_map"
)

// Processor post-processes the predictions of one dataset
type Processor struct {
	Conv   plastimatch.Converter
	Layout layout.Layout

	// Labels maps the prediction labels to structure names
	Labels models.LabelMap

	// Structures are the masks written per patient, in this order
	Structures []string

	// Force recomputes masks that already exist
	Force bool

	// FailOnUnmapped turns unknown labels into a patient failure
	FailOnUnmapped bool

	// QCSnapshots writes a JPEG preview of each mask, upscaled by QCScale
	QCSnapshots bool
	QCScale     int

	// ExportProbMaps writes the class probabilities of the .npz archive as
	// ProbMapType rasters
	ExportProbMaps bool
	ProbMapType    string
}

// NewProcessor builds the processor of the postprocess stage
func NewProcessor(cfg *config.Config, conv plastimatch.Converter) *Processor {
	return &Processor{
		Conv:           conv,
		Layout:         cfg.Layout(),
		Labels:         cfg.Post.LabelMap,
		Structures:     cfg.Post.StructuresToExport,
		Force:          cfg.Post.Force,
		FailOnUnmapped: cfg.Post.UnmappedLabels == "fail",
		QCSnapshots:    cfg.Post.QCSnapshots,
		QCScale:        2,
		ExportProbMaps: cfg.Infer.ExportProbMaps,
		ProbMapType:    cfg.Post.ProbMapDType,
	}
}

// Run processes every patient with a prediction, one after the other. A
// failing patient is logged and does not stop the batch.
func (p *Processor) Run(ctx context.Context) (*models.StageSummary, error) {
	start := time.Now()

	patients, err := layout.ListPredictions(p.Layout.ModelOutputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list predictions: %w", err)
	}

	summary := &models.StageSummary{Stage: "Post-processing"}
	for i, pat := range patients {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fmt.Printf("\nProcessing patient %d/%d (%s)\n", i+1, len(patients), pat.ID)

		report := p.ProcessPatient(ctx, pat.ID)
		if err := report.FirstError(); err != nil {
			log.Printf("Warning: patient %s: %v", pat.ID, err)
		}
		summary.Reports = append(summary.Reports, report)
	}

	summary.Duration = time.Since(start)
	return summary, nil
}

// ProcessPatient converts the prediction of one patient, aligns it to the CT
// grid when needed and writes one binary mask per structure, then the
// probability maps when enabled. Nothing is written when an input is missing.
func (p *Processor) ProcessPatient(ctx context.Context, pat string) models.PatientReport {
	start := time.Now()
	report := models.PatientReport{PatientID: pat}
	defer func() { report.Duration = time.Since(start) }()

	l := p.Layout
	predPath, ctPath := l.PredictionPath(pat), l.CTNRRDPath(pat)
	for _, in := range []struct{ what, path string }{
		{"prediction", predPath},
		{"CT volume", ctPath},
	} {
		ok, err := layout.Exists(in.path)
		if err != nil {
			report.Err = err
			return report
		}
		if !ok {
			report.Err = models.MissingInput(in.what, in.path)
			return report
		}
	}

	p.exportMasks(ctx, pat, &report)
	if p.ExportProbMaps && report.Err == nil {
		p.exportProbMaps(pat, &report)
	}
	return report
}

// exportMasks aligns the prediction and writes one binary mask per structure
func (p *Processor) exportMasks(ctx context.Context, pat string, report *models.PatientReport) {
	l := p.Layout
	ctPath := l.CTNRRDPath(pat)
	maskDir := l.PredMaskDir(pat)
	if !p.Force {
		cached, err := p.allMasksExist(maskDir)
		if err != nil {
			report.Err = err
			return
		}
		if cached {
			for _, s := range p.Structures {
				report.Add(s, layout.MaskPath(maskDir, s), models.Cached, nil)
			}
			return
		}
	}

	ctHeader, err := nrrd.ReadHeader(ctPath)
	if err != nil {
		report.Err = fmt.Errorf("failed to read CT header: %w", err)
		return
	}
	ctGrid := ctHeader.Grid()

	labelPath := l.PredLabelPath(pat)
	vol, err := p.alignPrediction(ctx, pat, ctGrid)
	if err != nil {
		report.Add(ArtifactPredLabel, labelPath, models.Failed, err)
		return
	}
	report.Add(ArtifactPredLabel, labelPath, models.Computed, nil)

	masks, unmapped, err := Decompose(vol, p.Labels, p.Structures)
	if err != nil {
		report.Err = err
		return
	}
	if len(unmapped) > 0 {
		desc := describeUnmapped(unmapped)
		if p.FailOnUnmapped {
			report.Err = fmt.Errorf("%w: %s", ErrUnmappedLabels, desc)
			return
		}
		log.Printf("Warning: patient %s: ignoring voxels with unmapped labels (%s)", pat, desc)
	}

	if err := os.MkdirAll(maskDir, 0755); err != nil {
		report.Err = fmt.Errorf("failed to create mask directory: %w", err)
		return
	}

	for _, s := range p.Structures {
		mask := masks[s]
		// The mask inherits the CT geometry, not the one of the converted prediction
		mask.Grid = ctGrid

		path := layout.MaskPath(maskDir, s)
		if !p.Force {
			ok, err := layout.Exists(path)
			if err != nil {
				report.Add(s, path, models.Failed, err)
				continue
			}
			if ok {
				report.Add(s, path, models.Cached, nil)
				continue
			}
		}

		fmt.Printf("Exporting binary mask for %s...", s)
		if err := nrrd.Write(path, mask, nil); err != nil {
			fmt.Println(" Failed.")
			report.Add(s, path, models.Failed, fmt.Errorf("failed to write mask: %w", err))
			continue
		}
		fmt.Println(" Done.")
		report.Add(s, path, models.Computed, nil)

		if p.QCSnapshots {
			if _, err := visualization.SaveAxialSnapshot(mask, l.QCDir(pat), s, p.QCScale); err != nil {
				log.Printf("Warning: patient %s: %v", pat, err)
			}
		}
	}
}

// alignPrediction converts the prediction to NRRD and resamples it onto the
// CT grid when spacing or dimensions differ. At most one resample is run.
func (p *Processor) alignPrediction(ctx context.Context, pat string, ctGrid models.Grid) (*models.Volume, error) {
	l := p.Layout
	dir := l.PatientNRRDDir(pat)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	rawPath := filepath.Join(dir, pat+"_pred_raw.nrrd")
	labelPath := l.PredLabelPath(pat)
	defer os.Remove(rawPath)

	err := p.Conv.Convert(ctx, plastimatch.ConvertArgs{
		Input:     l.PredictionPath(pat),
		OutputImg: rawPath,
		LogPath:   l.NRRDLogPath(pat),
	})
	if err != nil {
		return nil, err
	}

	rawHeader, err := nrrd.ReadHeader(rawPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read converted prediction: %w", err)
	}
	rawGrid := rawHeader.Grid()

	if !rawGrid.SameDims(ctGrid) || !rawGrid.SameSpacing(ctGrid) {
		fmt.Printf("Prediction grid differs from CT (%s vs %s), resampling\n", rawGrid, ctGrid)
		err := p.Conv.Resample(ctx, plastimatch.ResampleArgs{
			Input:         rawPath,
			Output:        labelPath,
			Spacing:       ctGrid.Spacing(),
			Dim:           ctGrid.Sizes,
			Origin:        ctGrid.Origin,
			Interpolation: "nn",
			LogPath:       l.NRRDLogPath(pat),
		})
		if err != nil {
			return nil, err
		}
	} else {
		switch {
		case !rawGrid.SameOrientation(ctGrid):
			log.Printf("Warning: patient %s: prediction orientation differs from CT, using the CT geometry", pat)
		case !rawGrid.Equal(ctGrid):
			log.Printf("Warning: patient %s: prediction origin differs from CT, using the CT geometry", pat)
		}
		if err := os.Rename(rawPath, labelPath); err != nil {
			return nil, fmt.Errorf("failed to move prediction into place: %w", err)
		}
	}

	vol, err := nrrd.Read(labelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read aligned prediction: %w", err)
	}
	if !vol.Grid.SameDims(ctGrid) {
		return nil, fmt.Errorf("%w: %s vs %s", ErrGridMismatch, vol.Grid, ctGrid)
	}
	return vol, nil
}

func (p *Processor) allMasksExist(dir string) (bool, error) {
	for _, s := range p.Structures {
		ok, err := layout.Exists(layout.MaskPath(dir, s))
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func describeUnmapped(counts map[int32]int) string {
	labels := make([]int, 0, len(counts))
	for l := range counts {
		labels = append(labels, int(l))
	}
	sort.Ints(labels)

	desc := ""
	for i, l := range labels {
		if i > 0 {
			desc += ", "
		}
		desc += fmt.Sprintf("label %d: %d voxels", l, counts[int32(l)])
	}
	return desc
}

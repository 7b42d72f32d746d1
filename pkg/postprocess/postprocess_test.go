package postprocess

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ctsegpipe/internal/models"
	"ctsegpipe/pkg/layout"
	"ctsegpipe/pkg/nrrd"
	"ctsegpipe/pkg/plastimatch"
)

var segthor = []string{"Esophagus", "Heart", "Trachea", "Aorta"}

func ctGrid() models.Grid {
	return models.NewAxisAlignedGrid([3]int{4, 4, 2}, [3]float64{0.8, 0.8, 2.5}, [3]float64{-10, -20, 30})
}

// labelVolume fills a grid with the repeating pattern 0,1,2,3,4
func labelVolume(g models.Grid) *models.Volume {
	vol := models.NewVolume(g)
	for i := range vol.Data {
		vol.Data[i] = int32(i % 5)
	}
	return vol
}

// fakeConverter writes pred at every conversion and resamples with a plain
// nearest-neighbor index lookup
type fakeConverter struct {
	pred      *models.Volume
	converts  int
	resamples int

	// brokenDims makes Resample ignore the requested dimensions
	brokenDims *[3]int
}

func (f *fakeConverter) Convert(ctx context.Context, args plastimatch.ConvertArgs) error {
	f.converts++
	return nrrd.Write(args.OutputImg, f.pred, nil)
}

func (f *fakeConverter) Resample(ctx context.Context, args plastimatch.ResampleArgs) error {
	f.resamples++
	if args.Interpolation != "nn" {
		return plastimatch.ErrNonNearestInterpolation
	}
	in, err := nrrd.Read(args.Input)
	if err != nil {
		return err
	}
	dims := args.Dim
	if f.brokenDims != nil {
		dims = *f.brokenDims
	}
	out := models.NewVolume(models.NewAxisAlignedGrid(dims, args.Spacing, args.Origin))
	src := in.Grid.Sizes
	for z := 0; z < dims[2]; z++ {
		for y := 0; y < dims[1]; y++ {
			for x := 0; x < dims[0]; x++ {
				out.Data[out.Index(x, y, z)] = in.Data[in.Index(x*src[0]/dims[0], y*src[1]/dims[1], z*src[2]/dims[2])]
			}
		}
	}
	return nrrd.Write(args.Output, out, nil)
}

func (f *fakeConverter) calls() int { return f.converts + f.resamples }

// newProcessor lays out a dataset with a CT volume and a prediction file
// for each patient.
func newProcessor(t *testing.T, conv *fakeConverter, patients ...string) *Processor {
	t.Helper()
	base := t.TempDir()
	l := layout.Layout{
		NRRDRoot:       filepath.Join(base, "nrrd"),
		ModelOutputDir: filepath.Join(base, "output"),
		RTFolderName:   "rt_segmasks",
		PredFolderName: "pred_segmasks",
	}
	if err := os.MkdirAll(l.ModelOutputDir, 0755); err != nil {
		t.Fatalf("Failed to create output dir: %v", err)
	}
	for _, p := range patients {
		if err := os.MkdirAll(l.PatientNRRDDir(p), 0755); err != nil {
			t.Fatalf("Failed to create patient dir: %v", err)
		}
		if err := nrrd.Write(l.CTNRRDPath(p), models.NewVolume(ctGrid()), nil); err != nil {
			t.Fatalf("Failed to write CT: %v", err)
		}
		if err := os.WriteFile(l.PredictionPath(p), []byte("nifti"), 0644); err != nil {
			t.Fatalf("Failed to write prediction: %v", err)
		}
	}
	return &Processor{
		Conv:       conv,
		Layout:     l,
		Labels:     models.SegTHORLabels(),
		Structures: segthor,
	}
}

func TestDecomposePartition(t *testing.T) {
	vol := labelVolume(ctGrid())
	vol.Data[0] = 7
	vol.Data[5] = 7

	masks, unmapped, err := Decompose(vol, models.SegTHORLabels(), segthor)
	if err != nil {
		t.Fatalf("Decompose failed: %v", err)
	}
	if unmapped[7] != 2 || len(unmapped) != 1 {
		t.Errorf("expected 2 voxels of unmapped label 7, got %v", unmapped)
	}

	for i, v := range vol.Data {
		sum := int32(0)
		for _, s := range segthor {
			m := masks[s].Data[i]
			if m != 0 && m != 1 {
				t.Fatalf("mask %s has non-binary value %d", s, m)
			}
			sum += m
		}
		mapped := v >= 1 && v <= 4
		if (sum == 1) != mapped || sum > 1 {
			t.Fatalf("voxel %d with label %d is set in %d masks", i, v, sum)
		}
	}

	for _, s := range segthor {
		label, _ := models.SegTHORLabels().LabelOf(s)
		if got, want := masks[s].NonZero(), vol.Count(int32(label)); got != want {
			t.Errorf("%s: expected %d voxels, got %d", s, want, got)
		}
	}

	if _, _, err := Decompose(vol, models.SegTHORLabels(), []string{"Liver"}); err == nil {
		t.Errorf("expected an error for a structure without a label")
	}
}

func TestProcessPatientOnCTGrid(t *testing.T) {
	pred := labelVolume(ctGrid())
	conv := &fakeConverter{pred: pred}
	p := newProcessor(t, conv, "P1")

	report := p.ProcessPatient(context.Background(), "P1")
	if report.Failed() {
		t.Fatalf("ProcessPatient failed: %v", report.FirstError())
	}
	if conv.converts != 1 || conv.resamples != 0 {
		t.Errorf("expected 1 conversion and no resample, got %d and %d", conv.converts, conv.resamples)
	}

	for _, s := range segthor {
		mask, err := nrrd.Read(layout.MaskPath(p.Layout.PredMaskDir("P1"), s))
		if err != nil {
			t.Fatalf("Failed to read %s mask: %v", s, err)
		}
		if !mask.Grid.Equal(ctGrid()) {
			t.Errorf("%s mask grid %s differs from CT %s", s, mask.Grid, ctGrid())
		}
		label, _ := p.Labels.LabelOf(s)
		if got, want := mask.NonZero(), pred.Count(int32(label)); got != want {
			t.Errorf("%s: expected %d voxels, got %d", s, want, got)
		}
	}

	if _, err := os.Stat(p.Layout.PredLabelPath("P1")); err != nil {
		t.Errorf("expected the aligned label volume to be kept: %v", err)
	}
	if _, err := os.Stat(filepath.Join(p.Layout.PatientNRRDDir("P1"), "P1_pred_raw.nrrd")); !os.IsNotExist(err) {
		t.Errorf("expected the temporary conversion to be removed")
	}
}

func TestProcessPatientOverridesDivergentGeometry(t *testing.T) {
	// Same dims and spacing as the CT, but shifted and with a flipped x axis
	divergent := ctGrid()
	divergent.Origin = [3]float64{120, -5, 0}
	divergent.Directions[0] = [3]float64{-0.8, 0, 0}

	tests := []struct {
		name string
		grid models.Grid
	}{
		{"origin and orientation", divergent},
		{"origin only", models.NewAxisAlignedGrid([3]int{4, 4, 2}, [3]float64{0.8, 0.8, 2.5}, [3]float64{5, 5, 5})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.grid.Equal(ctGrid()) {
				t.Fatalf("fixture grid must differ from the CT grid")
			}
			conv := &fakeConverter{pred: labelVolume(tt.grid)}
			p := newProcessor(t, conv, "P1")

			report := p.ProcessPatient(context.Background(), "P1")
			if report.Failed() {
				t.Fatalf("ProcessPatient failed: %v", report.FirstError())
			}
			if conv.resamples != 0 {
				t.Errorf("expected no resample for matching dims and spacing, got %d", conv.resamples)
			}

			for _, s := range segthor {
				mask, err := nrrd.Read(layout.MaskPath(p.Layout.PredMaskDir("P1"), s))
				if err != nil {
					t.Fatalf("Failed to read %s mask: %v", s, err)
				}
				if !mask.Grid.Equal(ctGrid()) {
					t.Errorf("%s mask grid %s, expected the CT grid %s", s, mask.Grid, ctGrid())
				}
			}
		})
	}
}

func TestProcessPatientReportsStatErrors(t *testing.T) {
	conv := &fakeConverter{pred: labelVolume(ctGrid())}
	p := newProcessor(t, conv, "P1")
	// The second mask would live below the file of the first one
	p.Labels = models.LabelMap{{Label: 1, Structure: "Esophagus"}, {Label: 2, Structure: "Esophagus.nrrd/Wall"}}
	p.Structures = []string{"Esophagus", "Esophagus.nrrd/Wall"}

	report := p.ProcessPatient(context.Background(), "P1")
	var failed *models.ArtifactResult
	for i := range report.Artifacts {
		if report.Artifacts[i].Name == "Esophagus.nrrd/Wall" {
			failed = &report.Artifacts[i]
		}
	}
	if failed == nil || failed.Status != models.Failed {
		t.Fatalf("expected a failed artifact for the unreachable mask, got %v", report.Artifacts)
	}
	if !strings.Contains(failed.Err.Error(), "failed to stat") {
		t.Errorf("expected the stat error to be reported, got %v", failed.Err)
	}
}

func TestProcessPatientResamplesOnce(t *testing.T) {
	coarse := models.NewAxisAlignedGrid([3]int{2, 2, 1}, [3]float64{1.6, 1.6, 5}, [3]float64{-10, -20, 30})
	conv := &fakeConverter{pred: labelVolume(coarse)}
	p := newProcessor(t, conv, "P1")

	report := p.ProcessPatient(context.Background(), "P1")
	if report.Failed() {
		t.Fatalf("ProcessPatient failed: %v", report.FirstError())
	}
	if conv.resamples != 1 {
		t.Errorf("expected exactly one resample, got %d", conv.resamples)
	}

	for _, s := range segthor {
		mask, err := nrrd.Read(layout.MaskPath(p.Layout.PredMaskDir("P1"), s))
		if err != nil {
			t.Fatalf("Failed to read %s mask: %v", s, err)
		}
		if !mask.Grid.Equal(ctGrid()) {
			t.Errorf("%s mask grid %s differs from CT %s", s, mask.Grid, ctGrid())
		}
	}
}

func TestProcessPatientGridMismatch(t *testing.T) {
	coarse := models.NewAxisAlignedGrid([3]int{2, 2, 1}, [3]float64{1.6, 1.6, 5}, [3]float64{})
	conv := &fakeConverter{pred: labelVolume(coarse), brokenDims: &[3]int{3, 3, 2}}
	p := newProcessor(t, conv, "P1")

	report := p.ProcessPatient(context.Background(), "P1")
	if !errors.Is(report.FirstError(), ErrGridMismatch) {
		t.Fatalf("expected ErrGridMismatch, got %v", report.FirstError())
	}
	if conv.resamples != 1 {
		t.Errorf("expected a single resample attempt, got %d", conv.resamples)
	}
	if _, err := os.Stat(p.Layout.PredMaskDir("P1")); !os.IsNotExist(err) {
		t.Errorf("expected no masks to be written")
	}
}

func TestProcessPatientMissingPrediction(t *testing.T) {
	conv := &fakeConverter{pred: labelVolume(ctGrid())}
	p := newProcessor(t, conv, "P1")
	if err := os.Remove(p.Layout.PredictionPath("P1")); err != nil {
		t.Fatalf("Failed to remove prediction: %v", err)
	}

	report := p.ProcessPatient(context.Background(), "P1")
	if !errors.Is(report.Err, models.ErrMissingInput) {
		t.Fatalf("expected ErrMissingInput, got %v", report.Err)
	}
	if conv.calls() != 0 {
		t.Errorf("expected no tool calls, got %d", conv.calls())
	}

	entries, err := os.ReadDir(p.Layout.PatientNRRDDir("P1"))
	if err != nil {
		t.Fatalf("Failed to list patient dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the CT volume in the patient dir, got %d entries", len(entries))
	}
}

func TestProcessPatientIsIdempotent(t *testing.T) {
	conv := &fakeConverter{pred: labelVolume(ctGrid())}
	p := newProcessor(t, conv, "P1")

	if r := p.ProcessPatient(context.Background(), "P1"); r.Failed() {
		t.Fatalf("first run failed: %v", r.FirstError())
	}
	first := conv.calls()

	report := p.ProcessPatient(context.Background(), "P1")
	if conv.calls() != first {
		t.Errorf("expected no tool calls on a complete tree, got %d", conv.calls()-first)
	}
	if report.Count(models.Cached) != len(segthor) {
		t.Errorf("expected all masks cached, got %v", report.Artifacts)
	}

	p.Force = true
	report = p.ProcessPatient(context.Background(), "P1")
	if report.Count(models.Computed) != len(segthor)+1 {
		t.Errorf("expected forced recomputation, got %v", report.Artifacts)
	}
}

func TestUnmappedLabels(t *testing.T) {
	pred := labelVolume(ctGrid())
	pred.Data[3] = 9

	t.Run("fail", func(t *testing.T) {
		p := newProcessor(t, &fakeConverter{pred: pred}, "P1")
		p.FailOnUnmapped = true

		report := p.ProcessPatient(context.Background(), "P1")
		if !errors.Is(report.Err, ErrUnmappedLabels) {
			t.Fatalf("expected ErrUnmappedLabels, got %v", report.Err)
		}
		if _, err := os.Stat(p.Layout.PredMaskDir("P1")); !os.IsNotExist(err) {
			t.Errorf("expected no masks in strict mode")
		}
	})

	t.Run("warn", func(t *testing.T) {
		p := newProcessor(t, &fakeConverter{pred: pred}, "P1")

		report := p.ProcessPatient(context.Background(), "P1")
		if report.Failed() {
			t.Fatalf("expected unmapped labels to be tolerated, got %v", report.FirstError())
		}
		if report.Count(models.Computed) != len(segthor)+1 {
			t.Errorf("expected all masks written, got %v", report.Artifacts)
		}
	})
}

func TestRunContinuesAfterFailure(t *testing.T) {
	conv := &fakeConverter{pred: labelVolume(ctGrid())}
	p := newProcessor(t, conv, "P1", "P2", "P3")
	if err := os.Remove(p.Layout.CTNRRDPath("P2")); err != nil {
		t.Fatalf("Failed to remove CT: %v", err)
	}
	p.QCSnapshots = true
	p.QCScale = 2

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := summary.FailedPatients(); len(got) != 1 || got[0] != "P2" {
		t.Errorf("expected only P2 to fail, got %v", got)
	}
	if _, err := os.Stat(filepath.Join(p.Layout.QCDir("P3"), "Heart_axial.jpg")); err != nil {
		t.Errorf("expected a QC snapshot for P3: %v", err)
	}
}

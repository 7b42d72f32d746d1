package dicomseg

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"ctsegpipe/internal/models"
	"ctsegpipe/pkg/config"
	"ctsegpipe/pkg/tool"
)

// writingExec pretends to be the encoder and creates the output file
type writingExec struct {
	commands []tool.Command
}

func (w *writingExec) Run(ctx context.Context, c tool.Command) (*tool.Result, error) {
	w.commands = append(w.commands, c)
	for i, a := range c.Args {
		if a == "--outputDICOM" {
			return &tool.Result{}, os.WriteFile(c.Args[i+1], []byte("DICM"), 0644)
		}
	}
	return nil, errors.New("no output")
}

func TestExportArguments(t *testing.T) {
	o := Options{
		LabelImage:        "/nrrd/P1/P1_pred_segthor.nrrd",
		ReferenceDICOMDir: "/dicom/P1/CT",
		MetadataJSON:      "/conf/segthor.json",
		Output:            "/dicomseg/P1/P1_SEG.dcm",
		SkipEmptySlices:   true,
	}
	want := []string{
		"--inputImageList", "/nrrd/P1/P1_pred_segthor.nrrd",
		"--inputDICOMDirectory", "/dicom/P1/CT",
		"--outputDICOM", "/dicomseg/P1/P1_SEG.dcm",
		"--inputMetadata", "/conf/segthor.json",
		"--skip",
	}
	if got := o.Args(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestRunExportsOncePerPatient(t *testing.T) {
	base := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Data.BasePath = base
	cfg.Dataset.Name = "TEST"
	cfg.DicomSeg.MetadataJSON = filepath.Join(base, "meta.json")
	if err := os.WriteFile(cfg.DicomSeg.MetadataJSON, []byte("{}"), 0644); err != nil {
		t.Fatalf("Failed to write metadata: %v", err)
	}

	l := cfg.Layout()
	for _, p := range []string{"P1", "P2", "P3"} {
		if err := os.MkdirAll(l.PatientNRRDDir(p), 0755); err != nil {
			t.Fatalf("Failed to create dir: %v", err)
		}
		if p == "P3" {
			continue // no prediction yet
		}
		if err := os.WriteFile(l.PredLabelPath(p), []byte("nrrd"), 0644); err != nil {
			t.Fatalf("Failed to write label volume: %v", err)
		}
		if p == "P1" {
			if err := os.MkdirAll(l.CTDicomDir(p), 0755); err != nil {
				t.Fatalf("Failed to create CT dir: %v", err)
			}
		}
	}

	exec := &writingExec{}
	summary, err := Run(context.Background(), cfg, exec)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(summary.Reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(summary.Reports))
	}
	if summary.Reports[0].Count(models.Computed) != 1 {
		t.Errorf("expected P1 to be exported, got %v", summary.Reports[0].Artifacts)
	}
	if !errors.Is(summary.Reports[1].FirstError(), models.ErrMissingInput) {
		t.Errorf("expected P2 to miss its CT series, got %v", summary.Reports[1].FirstError())
	}

	summary, err = Run(context.Background(), cfg, exec)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if len(exec.commands) != 1 {
		t.Errorf("expected a single encoder call over both runs, got %d", len(exec.commands))
	}
	if summary.Reports[0].Count(models.Cached) != 1 {
		t.Errorf("expected P1 to be cached, got %v", summary.Reports[0].Artifacts)
	}
}

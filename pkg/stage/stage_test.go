package stage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ctsegpipe/internal/models"
	"ctsegpipe/pkg/config"
)

func writeConfig(t *testing.T, dir, extra string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	body := "data:\n  base_path: " + dir + "\ndataset:\n  name: LUNG1\n" + extra
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestBootstrapRejectsIncompleteConfig(t *testing.T) {
	dir := t.TempDir()
	_, err := Bootstrap(config.StageInfer, writeConfig(t, dir, ""))
	if err == nil || !strings.Contains(err.Error(), "data.model_input_path") {
		t.Fatalf("expected missing key error, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "processed")); !os.IsNotExist(statErr) {
		t.Errorf("nothing should be written before validation succeeds")
	}
}

func TestBootstrapWithLedger(t *testing.T) {
	dir := t.TempDir()
	conf := writeConfig(t, dir, "ledger:\n  path: "+filepath.Join(dir, "ledger.db")+"\n")

	env, err := Bootstrap(config.StagePreprocess, conf)
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if env.RunID == "" || env.Ledger == nil {
		t.Fatalf("expected an open ledger and a run ID")
	}
	if _, err := os.Stat(filepath.Join(dir, "processed", "LUNG1", "config_preprocess.yaml")); err != nil {
		t.Errorf("expected configuration snapshot: %v", err)
	}

	summary := &models.StageSummary{Stage: "Preprocessing", Reports: []models.PatientReport{
		{PatientID: "P2", Err: errors.New("no CT")},
		{PatientID: "P1"},
	}}
	if code := env.Finish(summary); code != 1 {
		t.Errorf("expected exit code 1 with a failed patient, got %d", code)
	}
	if summary.Reports[0].PatientID != "P1" {
		t.Errorf("summary should be sorted before printing")
	}
}

func TestFinishWithoutFailures(t *testing.T) {
	dir := t.TempDir()
	env, err := Bootstrap(config.StagePreprocess, writeConfig(t, dir, ""))
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if code := env.Finish(&models.StageSummary{Stage: "Preprocessing"}); code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}
}

func TestReportNeverFails(t *testing.T) {
	dir := t.TempDir()
	conf := filepath.Join(dir, "config.yaml")
	body := "data:\n  base_path: " + dir + "\n  output_path_nii: " + dir + "\ndataset:\n  name: LUNG1\n" +
		"eval:\n  structures_to_eval: [Heart]\n  results_base_path: " + dir + "\n"
	if err := os.WriteFile(conf, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	env, err := Bootstrap(config.StageEvaluate, conf)
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	summary := &models.StageSummary{Stage: "Evaluation", Reports: []models.PatientReport{{PatientID: "P1", Err: errors.New("tool_failed")}}}
	if code := env.Report(summary); code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}
}

package inference

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"ctsegpipe/internal/models"
	"ctsegpipe/pkg/tool"
)

type recordingExec struct {
	commands []tool.Command
	err      error
}

func (r *recordingExec) Run(ctx context.Context, c tool.Command) (*tool.Result, error) {
	r.commands = append(r.commands, c)
	return &tool.Result{}, r.err
}

func newOptions(t *testing.T, files ...string) Options {
	t.Helper()
	dir := t.TempDir()
	in := filepath.Join(dir, "input")
	if err := os.MkdirAll(in, 0755); err != nil {
		t.Fatalf("Failed to create input dir: %v", err)
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(in, f), nil, 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", f, err)
		}
	}
	return Options{
		InputDir:  in,
		OutputDir: filepath.Join(dir, "output"),
		TaskName:  "Task055_SegTHOR",
		Model:     "3d_fullres",
	}
}

func TestPredictArguments(t *testing.T) {
	tests := []struct {
		name     string
		tta      bool
		probMaps bool
		tail     []string
	}{
		{"defaults", false, false, []string{"--disable_tta"}},
		{"tta", true, false, nil},
		{"prob maps", false, true, []string{"--disable_tta", "--save_npz"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOptions(t, "P1_0000.nii.gz")
			o.UseTTA, o.ExportProbMaps = tt.tta, tt.probMaps
			exec := &recordingExec{}

			if err := Predict(context.Background(), exec, o); err != nil {
				t.Fatalf("Predict failed: %v", err)
			}
			if len(exec.commands) != 1 {
				t.Fatalf("expected 1 command, got %d", len(exec.commands))
			}

			c := exec.commands[0]
			if c.Name != "nnUNet_predict" {
				t.Errorf("expected nnUNet_predict, got %s", c.Name)
			}
			want := append([]string{
				"--input_folder", o.InputDir,
				"--output_folder", o.OutputDir,
				"--task_name", "Task055_SegTHOR",
				"--model", "3d_fullres",
			}, tt.tail...)
			if !reflect.DeepEqual(c.Args, want) {
				t.Errorf("expected args %v, got %v", want, c.Args)
			}
			if _, err := os.Stat(o.OutputDir); err != nil {
				t.Errorf("expected output dir to be created: %v", err)
			}
		})
	}
}

func TestPredictValidation(t *testing.T) {
	t.Run("unknown model", func(t *testing.T) {
		o := newOptions(t, "P1_0000.nii.gz")
		o.Model = "3d_halfres"
		exec := &recordingExec{}
		if err := Predict(context.Background(), exec, o); !errors.Is(err, ErrUnknownModel) {
			t.Errorf("expected ErrUnknownModel, got %v", err)
		}
		if len(exec.commands) != 0 {
			t.Errorf("expected no command to run")
		}
	})

	t.Run("no volumes", func(t *testing.T) {
		o := newOptions(t, "notes.txt")
		if err := Predict(context.Background(), &recordingExec{}, o); !errors.Is(err, models.ErrMissingInput) {
			t.Errorf("expected ErrMissingInput, got %v", err)
		}
	})

	t.Run("tool failure", func(t *testing.T) {
		o := newOptions(t, "P1_0000.nii.gz")
		exitErr := &tool.ExitError{Tool: "nnUNet_predict", ExitCode: 1}
		err := Predict(context.Background(), &recordingExec{err: exitErr}, o)
		var got *tool.ExitError
		if !errors.As(err, &got) || got.ExitCode != 1 {
			t.Errorf("expected the exit error to propagate, got %v", err)
		}
	})
}

// Package inference runs the segmentation model over the assembled dataset.
package inference

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"ctsegpipe/internal/models"
	"ctsegpipe/pkg/config"
	"ctsegpipe/pkg/layout"
	"ctsegpipe/pkg/tool"
)

// ErrUnknownModel is returned for a model configuration the command does not ship
var ErrUnknownModel = errors.New("unknown model")

// Options configure one inference run
type Options struct {
	// Command is the inference executable, nnUNet_predict by default
	Command string

	InputDir  string
	OutputDir string
	TaskName  string
	Model     string

	// UseTTA enables test time augmentation (mirroring); slower
	UseTTA bool

	// ExportProbMaps also writes the softmax probabilities as .npz
	ExportProbMaps bool

	// LogPath collects the command output in addition to the console
	LogPath string
}

// OptionsFromConfig builds the options of the infer stage
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Command:        cfg.Infer.Command,
		InputDir:       cfg.Data.ModelInputPath,
		OutputDir:      cfg.Data.OutputPathNii,
		TaskName:       cfg.Infer.TaskName,
		Model:          cfg.Infer.Model,
		UseTTA:         cfg.Infer.UseTTA,
		ExportProbMaps: cfg.Infer.ExportProbMaps,
	}
}

// Args returns the command line of the inference command
func (o Options) Args() []string {
	args := []string{
		"--input_folder", o.InputDir,
		"--output_folder", o.OutputDir,
		"--task_name", o.TaskName,
		"--model", o.Model,
	}
	if !o.UseTTA {
		args = append(args, "--disable_tta")
	}
	if o.ExportProbMaps {
		args = append(args, "--save_npz")
	}
	return args
}

// Validate checks the model name and that the input directory holds at
// least one NIfTI volume. It returns the sorted input files.
func (o Options) Validate() ([]string, error) {
	known := false
	for _, m := range config.InferenceModels {
		if o.Model == m {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("%w %q, expected one of %s", ErrUnknownModel, o.Model, strings.Join(config.InferenceModels, ", "))
	}

	entries, err := os.ReadDir(o.InputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.MissingInput("model input directory", o.InputDir)
		}
		return nil, fmt.Errorf("failed to read model input directory: %w", err)
	}
	var inputs []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), layout.PredictionSuffix) {
			inputs = append(inputs, e.Name())
		}
	}
	if len(inputs) == 0 {
		return nil, models.MissingInput("NIfTI volume", o.InputDir)
	}
	sort.Strings(inputs)
	return inputs, nil
}

// Predict runs the inference command once over the whole input directory.
// The output directory is created beforehand. A non-zero exit status is
// returned as a *tool.ExitError.
func Predict(ctx context.Context, exec tool.Executor, o Options) error {
	if o.Command == "" {
		o.Command = "nnUNet_predict"
	}

	inputs, err := o.Validate()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(o.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	fmt.Printf("Running `%s` with `%s` model on %d volume(s)...\n", o.Command, o.Model, len(inputs))
	start := time.Now()

	_, err = exec.Run(ctx, tool.Command{
		Name:    o.Command,
		Args:    o.Args(),
		LogPath: o.LogPath,
		Verbose: true,
	})
	if err != nil {
		return fmt.Errorf("inference failed: %w", err)
	}

	fmt.Printf("Done in %.2f seconds.\n", time.Since(start).Seconds())
	return nil
}

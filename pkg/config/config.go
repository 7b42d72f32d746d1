// Package config provides configuration loading and management for ctsegpipe.
// Every stage reads the same YAML document; each stage checks only the keys
// it needs through RequireFor.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ctsegpipe/internal/models"
	"ctsegpipe/pkg/layout"
)

// Stage names a pipeline entry point
type Stage string

const (
	StagePull        Stage = "pull"
	StagePreprocess  Stage = "preprocess"
	StagePrepDataset Stage = "prepdataset"
	StageInfer       Stage = "infer"
	StagePostprocess Stage = "postprocess"
	StageEvaluate    Stage = "evaluate"
	StageExportSeg   Stage = "exportseg"
)

// InferenceModels are the models accepted by the inference command
var InferenceModels = []string{"2d", "3d_lowres", "3d_fullres", "3d_cascade_fullres"}

// ProbMapTypes are the voxel types probability maps can be exported as
var ProbMapTypes = []string{"uint8", "uint16", "float32"}

// Config represents the pipeline configuration loaded from YAML
type Config struct {
	// Data locations
	Data struct {
		// BasePath is the root of the raw and processed data trees
		BasePath string `yaml:"base_path"`

		// PreprocBasePath holds the processed datasets, <base_path>/processed when empty
		PreprocBasePath string `yaml:"preproc_base_path"`

		// ModelInputPath is the flat directory the inference command reads
		ModelInputPath string `yaml:"model_input_path"`

		// OutputPathNii is the directory the inference command writes predictions to
		OutputPathNii string `yaml:"output_path_nii"`

		RTSegmasksFolderName   string `yaml:"rt_segmasks_folder_name"`
		PredSegmasksFolderName string `yaml:"pred_segmasks_folder_name"`
	} `yaml:"data"`

	Dataset struct {
		// Name is used as a path component of every dataset directory
		Name string `yaml:"name"`
	} `yaml:"dataset"`

	// Processing parameters
	Proc struct {
		// CPUCores is the size of the worker pool; 1 runs sequentially
		CPUCores int `yaml:"cpu_cores"`

		// ToolTimeout bounds every external tool invocation, e.g. "30m"; empty means no limit
		ToolTimeout string `yaml:"tool_timeout"`

		// PlastimatchPath overrides the plastimatch executable
		PlastimatchPath string `yaml:"plastimatch_path"`
	} `yaml:"proc"`

	// Inference parameters
	Infer struct {
		Command        string `yaml:"command"`
		TaskName       string `yaml:"task_name"`
		Model          string `yaml:"model"`
		UseTTA         bool   `yaml:"use_tta"`
		ExportProbMaps bool   `yaml:"export_prob_maps"`
	} `yaml:"infer"`

	// Post-processing parameters
	Post struct {
		// StructuresToExport selects the binary masks written per patient
		StructuresToExport []string `yaml:"structures_to_export"`

		// LabelMap is the label order of the model, SegTHOR by default
		LabelMap models.LabelMap `yaml:"label_map"`

		// Force recomputes masks that already exist
		Force bool `yaml:"force"`

		// QCSnapshots writes a JPEG preview per exported mask
		QCSnapshots bool `yaml:"qc_snapshots"`

		// UnmappedLabels is "warn" or "fail" for labels missing from LabelMap
		UnmappedLabels string `yaml:"unmapped_labels"`

		// ProbMapDType is uint8, uint16 or float32, used when infer.export_prob_maps is set
		ProbMapDType string `yaml:"prob_map_dtype"`
	} `yaml:"post"`

	// Evaluation parameters
	Eval struct {
		StructuresToEval []string `yaml:"structures_to_eval"`
		ResultsBasePath  string   `yaml:"results_base_path"`
	} `yaml:"eval"`

	// DICOM-SEG export parameters
	DicomSeg struct {
		Command         string `yaml:"command"`
		MetadataJSON    string `yaml:"metadata_json"`
		SkipEmptySlices bool   `yaml:"skip_empty_slices"`
	} `yaml:"dicomseg"`

	// Object storage pull parameters
	Pull struct {
		// Manifest lists one gs:// URI per line
		Manifest  string `yaml:"manifest"`
		RemoveRaw bool   `yaml:"remove_raw"`
		Workers   int    `yaml:"workers"`

		// Anonymous reads public buckets without credentials
		Anonymous bool `yaml:"anonymous"`
	} `yaml:"pull"`

	Ledger struct {
		// Path of the SQLite run ledger; empty disables it
		Path string `yaml:"path"`
	} `yaml:"ledger"`
}

// DefaultConfig returns a configuration with default values. Paths that
// identify a dataset have no default.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Data.RTSegmasksFolderName = "rt_segmasks"
	cfg.Data.PredSegmasksFolderName = "pred_segmasks"

	cfg.Proc.CPUCores = 1

	cfg.Infer.Command = "nnUNet_predict"
	cfg.Infer.TaskName = "Task055_SegTHOR"
	cfg.Infer.Model = "3d_fullres"

	cfg.Post.LabelMap = models.SegTHORLabels()
	cfg.Post.UnmappedLabels = "warn"
	cfg.Post.ProbMapDType = "uint8"

	cfg.DicomSeg.Command = "itkimage2segimage"
	cfg.DicomSeg.SkipEmptySlices = true

	cfg.Pull.RemoveRaw = true
	cfg.Pull.Workers = 4

	return cfg
}

// LoadConfig loads configuration from a YAML file. Unlike a missing key, a
// missing file is an error: every stage needs at least the dataset location.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Unknown keys are ignored
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// RequireFor checks that every key the stage depends on is present and
// valid. All problems are reported in one error.
func (c *Config) RequireFor(stage Stage) error {
	var missing, invalid []string
	need := func(key, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}

	need("data.base_path", c.Data.BasePath)
	need("dataset.name", c.Dataset.Name)

	if _, err := c.ToolTimeout(); err != nil {
		invalid = append(invalid, err.Error())
	}

	switch stage {
	case StagePull:
		need("pull.manifest", c.Pull.Manifest)
		if c.Pull.Workers < 1 {
			invalid = append(invalid, "pull.workers must be at least 1")
		}

	case StagePreprocess:
		if c.Proc.CPUCores < 1 {
			invalid = append(invalid, "proc.cpu_cores must be at least 1")
		}

	case StagePrepDataset:
		need("data.model_input_path", c.Data.ModelInputPath)

	case StageInfer:
		need("data.model_input_path", c.Data.ModelInputPath)
		need("data.output_path_nii", c.Data.OutputPathNii)
		need("infer.task_name", c.Infer.TaskName)
		if !contains(InferenceModels, c.Infer.Model) {
			invalid = append(invalid, fmt.Sprintf("infer.model %q is not one of %s", c.Infer.Model, strings.Join(InferenceModels, ", ")))
		}

	case StagePostprocess:
		need("data.output_path_nii", c.Data.OutputPathNii)
		if len(c.Post.StructuresToExport) == 0 {
			missing = append(missing, "post.structures_to_export")
		}
		if err := c.Post.LabelMap.Validate(); err != nil {
			invalid = append(invalid, "post.label_map: "+err.Error())
		}
		for _, s := range c.Post.StructuresToExport {
			if _, ok := c.Post.LabelMap.LabelOf(s); !ok {
				invalid = append(invalid, fmt.Sprintf("post.structures_to_export: %q has no label in post.label_map", s))
			}
		}
		if c.Post.UnmappedLabels != "warn" && c.Post.UnmappedLabels != "fail" {
			invalid = append(invalid, fmt.Sprintf("post.unmapped_labels must be warn or fail, got %q", c.Post.UnmappedLabels))
		}
		if c.Infer.ExportProbMaps && !contains(ProbMapTypes, c.Post.ProbMapDType) {
			invalid = append(invalid, fmt.Sprintf("post.prob_map_dtype %q is not one of %s", c.Post.ProbMapDType, strings.Join(ProbMapTypes, ", ")))
		}

	case StageEvaluate:
		need("data.output_path_nii", c.Data.OutputPathNii)
		need("eval.results_base_path", c.Eval.ResultsBasePath)
		if len(c.Eval.StructuresToEval) == 0 {
			missing = append(missing, "eval.structures_to_eval")
		}

	case StageExportSeg:
		need("dicomseg.metadata_json", c.DicomSeg.MetadataJSON)
	}

	if len(missing) == 0 && len(invalid) == 0 {
		return nil
	}
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing required keys: "+strings.Join(missing, ", "))
	}
	parts = append(parts, invalid...)
	return fmt.Errorf("invalid configuration for %s: %s", stage, strings.Join(parts, "; "))
}

// ToolTimeout parses proc.tool_timeout
func (c *Config) ToolTimeout() (time.Duration, error) {
	if c.Proc.ToolTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Proc.ToolTimeout)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("proc.tool_timeout %q is not a valid duration", c.Proc.ToolTimeout)
	}
	return d, nil
}

// Layout resolves the on-disk directory convention of the dataset
func (c *Config) Layout() layout.Layout {
	preproc := c.Data.PreprocBasePath
	if preproc == "" {
		preproc = filepath.Join(c.Data.BasePath, "processed")
	}
	processed := filepath.Join(preproc, c.Dataset.Name)

	return layout.Layout{
		DicomRoot:      filepath.Join(c.Data.BasePath, "raw", c.Dataset.Name, "dicom"),
		DownloadRoot:   filepath.Join(c.Data.BasePath, "raw", c.Dataset.Name, "download"),
		ProcessedRoot:  processed,
		NRRDRoot:       filepath.Join(processed, "nrrd"),
		NIfTIRoot:      filepath.Join(processed, "nii"),
		DicomSegRoot:   filepath.Join(processed, "dicomseg"),
		ModelInputDir:  c.Data.ModelInputPath,
		ModelOutputDir: c.Data.OutputPathNii,
		RTFolderName:   c.Data.RTSegmasksFolderName,
		PredFolderName: c.Data.PredSegmasksFolderName,
	}
}

// Snapshot writes the resolved configuration next to the processed dataset
// so every stage run leaves a record of what it ran with.
func (c *Config) Snapshot(stage Stage) (string, error) {
	path := filepath.Join(c.Layout().ProcessedRoot, "config_"+string(stage)+".yaml")
	return path, SaveConfig(c, path)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Package plastimatch wraps the plastimatch command line for format
// conversion, label-safe resampling and overlap/distance statistics.
package plastimatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"ctsegpipe/pkg/tool"
)

var (
	// ErrNonNearestInterpolation is returned when a label volume would be
	// resampled with a continuous kernel
	ErrNonNearestInterpolation = errors.New("label volumes must be resampled with nearest-neighbor interpolation")

	// ErrUnparsableOutput is returned when a statistics command prints
	// nothing that can be recognised
	ErrUnparsableOutput = errors.New("no statistics found in tool output")
)

// Converter converts between raster encodings and resamples label volumes
type Converter interface {
	Convert(ctx context.Context, args ConvertArgs) error
	Resample(ctx context.Context, args ResampleArgs) error
}

// MetricTool computes overlap and boundary statistics between two binary masks
type MetricTool interface {
	Dice(ctx context.Context, reference, test string) (map[string]float64, error)
	Hausdorff(ctx context.Context, reference, test string) (map[string]float64, error)
}

// ConvertArgs are the options of `plastimatch convert`. Empty fields are
// not passed.
type ConvertArgs struct {
	Input        string
	OutputImg    string
	ReferencedCT string
	OutputPrefix string
	PrefixFormat string
	OutputSSList string

	LogPath string
	Verbose bool
}

func (a ConvertArgs) argv() []string {
	argv := []string{"convert", "--input", a.Input}
	for _, opt := range []struct{ flag, value string }{
		{"--output-img", a.OutputImg},
		{"--referenced-ct", a.ReferencedCT},
		{"--output-prefix", a.OutputPrefix},
		{"--prefix-format", a.PrefixFormat},
		{"--output-ss-list", a.OutputSSList},
	} {
		if opt.value != "" {
			argv = append(argv, opt.flag, opt.value)
		}
	}
	return argv
}

// ResampleArgs are the options of `plastimatch resample`
type ResampleArgs struct {
	Input   string
	Output  string
	Spacing [3]float64
	Dim     [3]int
	Origin  [3]float64

	// Interpolation must be "nn" for label volumes
	Interpolation string

	LogPath string
	Verbose bool
}

func (a ResampleArgs) argv() []string {
	return []string{
		"resample",
		"--input", a.Input,
		"--output", a.Output,
		"--spacing", joinFloats(a.Spacing),
		"--dim", fmt.Sprintf("%d %d %d", a.Dim[0], a.Dim[1], a.Dim[2]),
		"--origin", joinFloats(a.Origin),
		"--interpolation", a.Interpolation,
	}
}

func joinFloats(v [3]float64) string {
	parts := make([]string, 3)
	for i, f := range v {
		parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
	}
	return strings.Join(parts, " ")
}

// Plastimatch runs the plastimatch binary through an Executor
type Plastimatch struct {
	Exec tool.Executor

	// Binary is the executable name or path, "plastimatch" when empty
	Binary string
}

// New creates a Plastimatch bound to an executor
func New(exec tool.Executor, binary string) *Plastimatch {
	if binary == "" {
		binary = "plastimatch"
	}
	return &Plastimatch{Exec: exec, Binary: binary}
}

// Convert runs `plastimatch convert`
func (p *Plastimatch) Convert(ctx context.Context, args ConvertArgs) error {
	if args.Input == "" {
		return fmt.Errorf("plastimatch convert: no input")
	}
	_, err := p.Exec.Run(ctx, tool.Command{
		Name:    p.Binary,
		Args:    args.argv(),
		LogPath: args.LogPath,
		Verbose: args.Verbose,
	})
	if err != nil {
		return fmt.Errorf("failed to convert %s: %w", args.Input, err)
	}
	return nil
}

// Resample runs `plastimatch resample`. Only nearest-neighbor interpolation
// is accepted.
func (p *Plastimatch) Resample(ctx context.Context, args ResampleArgs) error {
	if args.Interpolation == "" {
		args.Interpolation = "nn"
	}
	if args.Interpolation != "nn" {
		return fmt.Errorf("%w (got %q)", ErrNonNearestInterpolation, args.Interpolation)
	}
	_, err := p.Exec.Run(ctx, tool.Command{
		Name:      p.Binary,
		Args:      args.argv(),
		LogPath:   args.LogPath,
		AppendLog: true,
		Verbose:   args.Verbose,
	})
	if err != nil {
		return fmt.Errorf("failed to resample %s: %w", args.Input, err)
	}
	return nil
}

// Dice runs `plastimatch dice --dice` and returns the overlap statistics
func (p *Plastimatch) Dice(ctx context.Context, reference, test string) (map[string]float64, error) {
	return p.stats(ctx, "--dice", reference, test, diceKeys)
}

// Hausdorff runs `plastimatch dice --hausdorff` and returns the distance
// statistics
func (p *Plastimatch) Hausdorff(ctx context.Context, reference, test string) (map[string]float64, error) {
	return p.stats(ctx, "--hausdorff", reference, test, hausdorffKeys)
}

func (p *Plastimatch) stats(ctx context.Context, mode, reference, test string, keys map[string]string) (map[string]float64, error) {
	res, err := p.Exec.Run(ctx, tool.Command{
		Name: p.Binary,
		Args: []string{"dice", mode, reference, test},
	})
	if err != nil {
		return nil, err
	}
	return ParseStats(res.Output, keys)
}

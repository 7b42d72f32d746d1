// Package tool runs the external programs the pipeline delegates to
// (converter, inference command, DICOM-SEG encoder) and turns their exit
// status into Go errors.
package tool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ErrToolNotFound is returned when the executable is not on the PATH
var ErrToolNotFound = errors.New("tool not found")

// Command describes one invocation of an external program
type Command struct {
	// Name is the executable, resolved through the PATH
	Name string

	// Args are passed verbatim, without shell interpretation
	Args []string

	// LogPath receives stdout and stderr; empty discards them unless Verbose
	LogPath string

	// AppendLog keeps previous log content instead of truncating it
	AppendLog bool

	// Verbose mirrors the program output to the console
	Verbose bool
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result reports how an invocation ended
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// ExitError is returned when a program exits with a non-zero status
type ExitError struct {
	Tool     string
	Args     []string
	ExitCode int
	LogPath  string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Tool, e.ExitCode)
	if e.LogPath != "" {
		msg += " (see " + e.LogPath + ")"
	}
	return msg
}

// Executor runs commands. Stages depend on this interface so tests can
// replace the real programs.
type Executor interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// Runner is the Executor backed by os/exec
type Runner struct {
	// Timeout bounds every invocation; zero means no limit
	Timeout time.Duration

	// Console receives verbose output, os.Stdout when nil
	Console io.Writer
}

// NewRunner creates a runner with the given per-invocation timeout
func NewRunner(timeout time.Duration) *Runner {
	return &Runner{Timeout: timeout}
}

// Run executes the command and waits for it. The combined output is also
// returned in Result.Output so callers can parse it.
func (r *Runner) Run(ctx context.Context, c Command) (*Result, error) {
	path, err := exec.LookPath(c.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, c.Name)
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var out strings.Builder
	writers := []io.Writer{&out}

	if c.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(c.LogPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		if c.AppendLog {
			flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		}
		logFile, err := os.OpenFile(c.LogPath, flags, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		defer logFile.Close()
		fmt.Fprintf(logFile, "$ %s\n", c)
		writers = append(writers, logFile)
	}

	if c.Verbose {
		console := r.Console
		if console == nil {
			console = os.Stdout
		}
		writers = append(writers, console)
	}

	cmd := exec.CommandContext(ctx, path, c.Args...)
	w := io.MultiWriter(writers...)
	cmd.Stdout = w
	cmd.Stderr = w
	// children that inherited the pipes must not keep Wait blocked after a kill
	cmd.WaitDelay = time.Second

	start := time.Now()
	runErr := cmd.Run()
	res := &Result{Output: out.String(), Duration: time.Since(start)}

	if runErr != nil {
		if ctx.Err() != nil {
			return res, fmt.Errorf("%s interrupted after %s: %w", c.Name, res.Duration.Round(time.Millisecond), ctx.Err())
		}
		var ee *exec.ExitError
		if errors.As(runErr, &ee) {
			res.ExitCode = ee.ExitCode()
			return res, &ExitError{Tool: c.Name, Args: c.Args, ExitCode: res.ExitCode, LogPath: c.LogPath}
		}
		return res, fmt.Errorf("failed to run %s: %w", c.Name, runErr)
	}
	return res, nil
}

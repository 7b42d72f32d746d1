// Package stage holds the start-up and shutdown steps shared by every
// pipeline command.
package stage

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"ctsegpipe/internal/models"
	"ctsegpipe/pkg/config"
	"ctsegpipe/pkg/ledger"
	"ctsegpipe/pkg/plastimatch"
	"ctsegpipe/pkg/tool"
)

// Env is what a command needs after its configuration has been validated
type Env struct {
	Stage       config.Stage
	Config      *config.Config
	Runner      *tool.Runner
	Plastimatch *plastimatch.Plastimatch

	// Ledger is nil when ledger.path is empty
	Ledger *ledger.Ledger
	RunID  string
}

// Bootstrap loads and validates the configuration of a stage, snapshots it,
// builds the tool runner and opens the run ledger.
func Bootstrap(stage config.Stage, confPath string) (*Env, error) {
	cfg, err := config.LoadConfig(confPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireFor(stage); err != nil {
		return nil, err
	}

	timeout, _ := cfg.ToolTimeout()
	runner := tool.NewRunner(timeout)
	env := &Env{
		Stage:       stage,
		Config:      cfg,
		Runner:      runner,
		Plastimatch: plastimatch.New(runner, cfg.Proc.PlastimatchPath),
	}

	snapshot, err := cfg.Snapshot(stage)
	if err != nil {
		log.Printf("Warning: failed to snapshot configuration: %v", err)
	}

	if cfg.Ledger.Path != "" {
		l, err := ledger.Open(cfg.Ledger.Path)
		if err != nil {
			return nil, err
		}
		runID, err := l.StartRun(string(stage), cfg.Dataset.Name)
		if err != nil {
			l.Close()
			return nil, err
		}
		env.Ledger, env.RunID = l, runID
	}

	fmt.Println("================================")
	fmt.Printf("CTSEGPIPE %s\n", strings.ToUpper(string(stage)))
	fmt.Printf("Dataset: %s\n", cfg.Dataset.Name)
	if snapshot != "" {
		fmt.Printf("Configuration snapshot: %s\n", snapshot)
	}
	if env.RunID != "" {
		fmt.Printf("Run ID: %s\n", env.RunID)
	}
	fmt.Println("================================")

	return env, nil
}

// Context returns a context cancelled on SIGINT or SIGTERM
func Context() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Finish prints the summary, records it in the ledger and returns the
// process exit code: 1 when any patient failed.
func (e *Env) Finish(summary *models.StageSummary) int {
	code := 0
	if summary != nil {
		summary.Sort()
		summary.Print(os.Stdout)
		if len(summary.FailedPatients()) > 0 {
			code = 1
		}
	}
	e.close(summary, code)
	return code
}

// Report prints and records a summary whose failures are results rather
// than errors, such as metric failures, and always succeeds.
func (e *Env) Report(summary *models.StageSummary) int {
	summary.Sort()
	summary.Print(os.Stdout)
	e.close(summary, 0)
	return 0
}

// Fail records an aborted run and returns the exit code for it
func (e *Env) Fail(err error) int {
	log.Printf("%s failed: %v", e.Stage, err)
	e.close(nil, 1)
	return 1
}

func (e *Env) close(summary *models.StageSummary, code int) {
	if e.Ledger == nil {
		return
	}
	defer e.Ledger.Close()

	if summary != nil {
		if err := e.Ledger.RecordSummary(e.RunID, summary); err != nil {
			log.Printf("Warning: failed to record run %s: %v", e.RunID, err)
		}
	}
	status := "ok"
	if code != 0 {
		status = "failed"
	}
	if err := e.Ledger.FinishRun(e.RunID, status); err != nil {
		log.Printf("Warning: failed to finish run %s: %v", e.RunID, err)
	}
}

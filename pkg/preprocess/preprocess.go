// Package preprocess converts the sorted DICOM series of every patient into
// the working (NRRD) and inference (NIfTI) encodings.
//
// Three artifacts are produced per patient, each skipped when already on
// disk: the CT volume as NRRD, one NRRD mask per RTSTRUCT structure plus the
// structure list, and the CT volume as compressed NIfTI.
package preprocess

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"ctsegpipe/internal/models"
	"ctsegpipe/pkg/config"
	"ctsegpipe/pkg/layout"
	"ctsegpipe/pkg/plastimatch"
)

// Artifact names used in patient reports
const (
	ArtifactCTNRRD  = "ct_nrrd"
	ArtifactRTMasks = "rt_masks"
	ArtifactCTNIfTI = "ct_nifti"
)

// BuildJobs creates one job per patient directory under the DICOM root.
// A patient without a CT series still gets a job; it fails when run.
func BuildJobs(cfg *config.Config) ([]models.JobDescriptor, error) {
	l := cfg.Layout()
	patients, err := layout.ListPatientDirs(l.DicomRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to list patients: %w", err)
	}

	// Tool output is only mirrored to the console when jobs do not interleave
	verbose := cfg.Proc.CPUCores <= 1

	jobs := make([]models.JobDescriptor, 0, len(patients))
	for _, p := range patients {
		jobs = append(jobs, l.Job(p.ID, verbose))
	}
	return jobs, nil
}

// RunJob produces the artifacts of one patient. Artifacts are independent:
// a failed conversion does not prevent the others from being attempted.
func RunJob(ctx context.Context, conv plastimatch.Converter, job models.JobDescriptor) models.PatientReport {
	start := time.Now()
	report := models.PatientReport{PatientID: job.Patient.ID}
	defer func() { report.Duration = time.Since(start) }()

	if ok, err := isDir(job.CTDicomDir); err != nil || !ok {
		report.Err = models.MissingInput("CT series", job.CTDicomDir)
		return report
	}

	for _, dir := range []string{job.NRRDDir, job.NIfTIDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			report.Err = fmt.Errorf("failed to create %s: %w", dir, err)
			return report
		}
	}

	// CT -> NRRD
	produce(&report, ArtifactCTNRRD, job.CTNRRDPath, []string{job.CTNRRDPath}, func() error {
		return conv.Convert(ctx, plastimatch.ConvertArgs{
			Input:     job.CTDicomDir,
			OutputImg: job.CTNRRDPath,
			LogPath:   job.NRRDLogPath,
			Verbose:   job.Verbose,
		})
	})

	// RTSTRUCT -> one NRRD mask per structure
	if ok, err := isDir(job.RTDicomDir); err != nil || !ok {
		log.Printf("Patient %s: no RTSTRUCT series at %s, skipping ground-truth masks", job.Patient.ID, job.RTDicomDir)
	} else {
		produce(&report, ArtifactRTMasks, job.RTMaskDir, []string{job.RTMaskDir, job.RTListPath}, func() error {
			return conv.Convert(ctx, plastimatch.ConvertArgs{
				Input:        job.RTDicomDir,
				ReferencedCT: job.CTDicomDir,
				OutputPrefix: job.RTMaskDir,
				PrefixFormat: "nrrd",
				OutputSSList: job.RTListPath,
				LogPath:      job.NRRDLogPath,
				Verbose:      job.Verbose,
			})
		})
	}

	// CT -> NIfTI
	produce(&report, ArtifactCTNIfTI, job.CTNIfTIPath, []string{job.CTNIfTIPath}, func() error {
		return conv.Convert(ctx, plastimatch.ConvertArgs{
			Input:     job.CTDicomDir,
			OutputImg: job.CTNIfTIPath,
			LogPath:   job.NIfTILogPath,
			Verbose:   job.Verbose,
		})
	})

	return report
}

// produce runs fn unless every path in outputs already exists
func produce(report *models.PatientReport, name, path string, outputs []string, fn func() error) {
	cached := true
	for _, out := range outputs {
		ok, err := layout.Exists(out)
		if err != nil {
			report.Add(name, path, models.Failed, err)
			return
		}
		cached = cached && ok
	}
	if cached {
		report.Add(name, path, models.Cached, nil)
		return
	}

	if err := fn(); err != nil {
		log.Printf("Warning: patient %s: %s failed: %v", report.PatientID, name, err)
		report.Add(name, path, models.Failed, err)
		return
	}
	report.Add(name, path, models.Computed, nil)
}

// safeRunJob isolates a job: a panic becomes a failed report
func safeRunJob(ctx context.Context, conv plastimatch.Converter, job models.JobDescriptor) (report models.PatientReport) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Warning: patient %s: job panicked: %v\n%s", job.Patient.ID, r, debug.Stack())
			report = models.PatientReport{
				PatientID: job.Patient.ID,
				Err:       fmt.Errorf("job panicked: %v", r),
			}
		}
	}()
	return RunJob(ctx, conv, job)
}

// Run preprocesses every patient of the dataset on a pool of
// proc.cpu_cores workers. It only returns an error when the batch cannot
// start; per-patient failures are in the summary.
func Run(ctx context.Context, cfg *config.Config, conv plastimatch.Converter) (*models.StageSummary, error) {
	start := time.Now()

	jobs, err := BuildJobs(cfg)
	if err != nil {
		return nil, err
	}

	l := cfg.Layout()
	for _, dir := range []string{l.NRRDRoot, l.NIfTIRoot} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	workers := cfg.Proc.CPUCores
	if workers < 1 {
		workers = 1
	}
	if workers > 1 {
		fmt.Printf("Running on %d cores.\n", workers)
	}

	summary := &models.StageSummary{Stage: "Preprocessing"}
	summary.Reports = RunJobs(ctx, conv, jobs, workers)
	summary.Sort()
	summary.Duration = time.Since(start)
	return summary, nil
}

// RunJobs runs the jobs on a bounded pool and returns the reports in
// completion order.
func RunJobs(ctx context.Context, conv plastimatch.Converter, jobs []models.JobDescriptor, workers int) []models.PatientReport {
	results := make(chan models.PatientReport)

	go func() {
		var g errgroup.Group
		g.SetLimit(workers)
		for _, job := range jobs {
			job := job
			g.Go(func() error {
				results <- safeRunJob(ctx, conv, job)
				return nil
			})
		}
		g.Wait()
		close(results)
	}()

	reports := make([]models.PatientReport, 0, len(jobs))
	for res := range results {
		reports = append(reports, res)
		progress := float64(len(reports)) / float64(len(jobs)) * 100
		fmt.Printf("\rPreprocessing: %.1f%% complete", progress)
	}
	if len(jobs) > 0 {
		fmt.Println()
	}
	return reports
}

func isDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

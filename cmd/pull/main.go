package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"ctsegpipe/pkg/config"
	"ctsegpipe/pkg/dicomsort"
	"ctsegpipe/pkg/gcs"
	"ctsegpipe/pkg/stage"
)

func main() {
	confPath := flag.String("conf", "config.yaml", "Path to the YAML configuration file")
	flag.Parse()

	env, err := stage.Bootstrap(config.StagePull, *confPath)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	os.Exit(run(env))
}

func run(env *stage.Env) int {
	ctx, stop := stage.Context()
	defer stop()

	cfg := env.Config
	l := cfg.Layout()

	store, err := gcs.NewGCS(ctx, cfg.Pull.Anonymous)
	if err != nil {
		return env.Fail(err)
	}
	defer store.Close()

	fmt.Printf("Downloading objects listed in %s to %s\n", cfg.Pull.Manifest, l.DownloadRoot)
	res, err := gcs.DownloadManifest(ctx, store, cfg.Pull.Manifest, l.DownloadRoot, cfg.Pull.Workers)
	if err != nil {
		return env.Fail(err)
	}
	fmt.Printf("- Downloaded: %d, already present: %d, failed: %d\n", res.Downloaded, res.Existing, len(res.Failed))

	// A partial download is still sorted; the raw tree is kept for a retry
	removeRaw := cfg.Pull.RemoveRaw && len(res.Failed) == 0

	fmt.Printf("Sorting DICOM files into %s\n", l.DicomRoot)
	sorted, err := dicomsort.Sort(l.DownloadRoot, l.DicomRoot, removeRaw)
	if err != nil {
		return env.Fail(err)
	}
	fmt.Printf("- Sorted: %d, already present: %d, rejected: %d\n", sorted.Sorted, sorted.Existing, len(sorted.Rejected))

	if len(res.Failed) > 0 {
		return env.Fail(fmt.Errorf("%d object(s) could not be downloaded", len(res.Failed)))
	}
	return env.Finish(nil)
}

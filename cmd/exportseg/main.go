package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"ctsegpipe/pkg/config"
	"ctsegpipe/pkg/dicomseg"
	"ctsegpipe/pkg/stage"
)

func main() {
	confPath := flag.String("conf", "config.yaml", "Path to the YAML configuration file")
	flag.Parse()

	env, err := stage.Bootstrap(config.StageExportSeg, *confPath)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	os.Exit(run(env))
}

func run(env *stage.Env) int {
	ctx, stop := stage.Context()
	defer stop()

	fmt.Println("Exporting predictions as DICOM-SEG...")
	summary, err := dicomseg.Run(ctx, env.Config, env.Runner)
	if err != nil {
		return env.Fail(err)
	}
	return env.Finish(summary)
}

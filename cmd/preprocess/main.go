package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"ctsegpipe/pkg/config"
	"ctsegpipe/pkg/preprocess"
	"ctsegpipe/pkg/stage"
)

func main() {
	confPath := flag.String("conf", "config.yaml", "Path to the YAML configuration file")
	flag.Parse()

	env, err := stage.Bootstrap(config.StagePreprocess, *confPath)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	os.Exit(run(env))
}

func run(env *stage.Env) int {
	ctx, stop := stage.Context()
	defer stop()

	fmt.Printf("Converting DICOM series with %d worker(s)...\n", env.Config.Proc.CPUCores)
	summary, err := preprocess.Run(ctx, env.Config, env.Plastimatch)
	if err != nil {
		return env.Fail(err)
	}
	return env.Finish(summary)
}

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"ctsegpipe/pkg/config"
	"ctsegpipe/pkg/inference"
	"ctsegpipe/pkg/stage"
)

func main() {
	confPath := flag.String("conf", "config.yaml", "Path to the YAML configuration file")
	flag.Parse()

	env, err := stage.Bootstrap(config.StageInfer, *confPath)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	os.Exit(run(env))
}

func run(env *stage.Env) int {
	ctx, stop := stage.Context()
	defer stop()

	opts := inference.OptionsFromConfig(env.Config)
	fmt.Printf("Running %s (%s, %s)...\n", opts.Command, opts.TaskName, opts.Model)

	start := time.Now()
	if err := inference.Predict(ctx, env.Runner, opts); err != nil {
		return env.Fail(err)
	}
	fmt.Printf("\nInference completed in %.2f seconds\n", time.Since(start).Seconds())
	fmt.Printf("Predictions saved to: %s\n", opts.OutputDir)
	return env.Finish(nil)
}

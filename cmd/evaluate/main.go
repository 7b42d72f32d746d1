package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"ctsegpipe/pkg/config"
	"ctsegpipe/pkg/evaluation"
	"ctsegpipe/pkg/stage"
)

func main() {
	confPath := flag.String("conf", "config.yaml", "Path to the YAML configuration file")
	flag.Parse()

	env, err := stage.Bootstrap(config.StageEvaluate, *confPath)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	os.Exit(run(env))
}

func run(env *stage.Env) int {
	ctx, stop := stage.Context()
	defer stop()

	results, err := evaluation.NewEvaluator(env.Config, env.Plastimatch).Evaluate(ctx)
	if err != nil {
		return env.Fail(err)
	}

	written, err := results.Export(env.Config.Eval.ResultsBasePath)
	if err != nil {
		return env.Fail(err)
	}
	fmt.Println("\nResults saved to:")
	for _, p := range written {
		fmt.Println(p)
	}

	// Metric failures are part of the results, not a failed run
	return env.Report(results.Summary())
}

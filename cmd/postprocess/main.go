package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"ctsegpipe/pkg/config"
	"ctsegpipe/pkg/postprocess"
	"ctsegpipe/pkg/stage"
)

func main() {
	confPath := flag.String("conf", "config.yaml", "Path to the YAML configuration file")
	flag.Parse()

	env, err := stage.Bootstrap(config.StagePostprocess, *confPath)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	os.Exit(run(env))
}

func run(env *stage.Env) int {
	ctx, stop := stage.Context()
	defer stop()

	fmt.Printf("Post-processing predictions in %s\n", env.Config.Data.OutputPathNii)
	summary, err := postprocess.NewProcessor(env.Config, env.Plastimatch).Run(ctx)
	if err != nil {
		return env.Fail(err)
	}
	return env.Finish(summary)
}

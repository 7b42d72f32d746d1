package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"ctsegpipe/pkg/config"
	"ctsegpipe/pkg/dataset"
	"ctsegpipe/pkg/stage"
)

func main() {
	confPath := flag.String("conf", "config.yaml", "Path to the YAML configuration file")
	flag.Parse()

	env, err := stage.Bootstrap(config.StagePrepDataset, *confPath)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	os.Exit(run(env))
}

func run(env *stage.Env) int {
	fmt.Printf("Assembling model input in %s\n", env.Config.Data.ModelInputPath)
	summary, err := dataset.Assemble(env.Config)
	if err != nil {
		return env.Fail(err)
	}
	return env.Finish(summary)
}

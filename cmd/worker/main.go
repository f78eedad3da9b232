package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/veilswap/middleware/pkg/app/worker"
	"github.com/veilswap/middleware/pkg/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := worker.NewServer(cfg).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Worker exited: %v\n", err)
		os.Exit(1)
	}
}

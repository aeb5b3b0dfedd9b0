// Package main starts the tourism media monitor.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/baikalmedia/tourism-monitor/internal/app"
	"github.com/baikalmedia/tourism-monitor/internal/config"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	once := flag.Bool("once", false, "Harvest every source once and exit")
	serve := flag.Bool("serve", false, "Run the ops server (the default when no mode flag is given)")
	flag.Parse()

	if *once && *serve {
		fmt.Fprintln(os.Stderr, "choose one of -once or -serve")
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	a, err := app.Build(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build failed: %v\n", err)
		os.Exit(1)
	}

	run := a.Run
	if *once {
		run = a.RunOnce
	}
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		os.Exit(1)
	}
}

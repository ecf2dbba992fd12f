package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/darwin7381/oao-to-sub001/internal/app"

	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [serve|migrate]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		command = "serve"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "serve":
		if err := app.RunServer(ctx, *configPath); err != nil {
			log.Fatalf("server exited: %v", err)
		}
	case "migrate":
		if err := app.Migrate(ctx, *configPath); err != nil {
			log.Fatalf("migrate failed: %v", err)
		}
		log.Info("migrations applied")
	default:
		flag.Usage()
		os.Exit(2)
	}
}

// Package main starts the stream service and handles termination.
//
// The process is a transport adapter around phenobase change detection and
// viewer fan-out so analysis pipelines keep sole ownership of the table.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	streamcmd "github.com/louisbranch/phenostream/internal/cmd/stream"
)

func main() {
	cfg, err := streamcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[STREAM] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := streamcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}

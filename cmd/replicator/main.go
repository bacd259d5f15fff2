package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/avfleet/handoff/pkg/config"
	"github.com/avfleet/handoff/pkg/model"
	"github.com/avfleet/handoff/pkg/replicator"
	"github.com/avfleet/handoff/pkg/store"
)

func main() {
	mode := flag.String("mode", "", "Replication mode: initial+stream or stream_only (overrides REPLICATOR_MODE)")
	reseed := flag.Bool("reseed", false, "In initial+stream mode, clear the global replica and copy everything again before streaming")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", *logLevel, err)
		os.Exit(1)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := config.FromEnv()
	if *mode != "" {
		cfg.ReplicatorMode = *mode
	}
	repMode := replicator.Mode(cfg.ReplicatorMode)
	if repMode != replicator.ModeInitialStream && repMode != replicator.ModeStreamOnly {
		fmt.Fprintf(os.Stderr, "invalid replicator mode %q\n", cfg.ReplicatorMode)
		os.Exit(1)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sources := make([]replicator.Source, 0, len(model.Regions))
	for _, region := range model.Regions {
		regionClient, err := store.Connect(connectCtx, cfg.StoreURI(region))
		if err != nil {
			logrus.Fatalf("connect %s store: %v", region, err)
		}
		defer regionClient.Disconnect(context.Background())
		rides := store.NewMongoRides(regionClient, cfg.RegionDatabase, region)
		sources = append(sources, replicator.Source{Region: region, Rides: rides, Watcher: rides})
	}

	globalClient, err := store.Connect(connectCtx, cfg.GlobalStoreURI)
	if err != nil {
		logrus.Fatalf("connect global store: %v", err)
	}
	defer globalClient.Disconnect(context.Background())
	global := store.NewMongoGlobal(globalClient, cfg.GlobalDatabase)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rep := replicator.New(sources, global, repMode, *reseed)
	if err := rep.Run(ctx); err != nil {
		logrus.Fatalf("replicator error: %v", err)
	}
}

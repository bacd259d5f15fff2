package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/avfleet/handoff/pkg/client"
	"github.com/avfleet/handoff/pkg/config"
	"github.com/avfleet/handoff/pkg/coordinator"
	"github.com/avfleet/handoff/pkg/model"
	"github.com/avfleet/handoff/pkg/store"
	"github.com/avfleet/handoff/pkg/txlog"
)

func main() {
	addr := flag.String("addr", ":8000", "Listen address")
	phxEndpoint := flag.String("phx-endpoint", "", "Phoenix participant base URL")
	laEndpoint := flag.String("la-endpoint", "", "Los Angeles participant base URL")
	globalURI := flag.String("global-uri", "", "Global store URI (overrides MONGO_URI_GLOBAL)")
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
	if *phxEndpoint != "" {
		cfg.RegionEndpoints[model.RegionPHX] = *phxEndpoint
	}
	if *laEndpoint != "" {
		cfg.RegionEndpoints[model.RegionLA] = *laEndpoint
	}
	if *globalURI != "" {
		cfg.GlobalStoreURI = *globalURI
	}

	clients := make(map[model.Region]coordinator.RegionClient, len(cfg.RegionEndpoints))
	for region, endpoint := range cfg.RegionEndpoints {
		clients[region] = client.NewForURL(endpoint)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	globalClient, err := store.Connect(ctx, cfg.GlobalStoreURI)
	if err != nil {
		logrus.Fatalf("connect global store: %v", err)
	}
	defer globalClient.Disconnect(context.Background())

	tl := txlog.NewMongoLog(globalClient, cfg.GlobalDatabase)
	if err := tl.EnsureIndexes(ctx); err != nil {
		logrus.Fatalf("ensure transaction log indexes: %v", err)
	}
	global := store.NewMongoGlobal(globalClient, cfg.GlobalDatabase)

	registry := prometheus.NewRegistry()
	metrics := coordinator.NewMetrics(registry)

	monitor := coordinator.NewHealthMonitor(clients, cfg.HealthPollInterval)
	coord := coordinator.New(tl, clients, monitor, coordinator.Config{
		PrepareDeadline: cfg.PrepareDeadline,
		CommitDeadline:  cfg.CommitDeadline,
	}, metrics)
	qr := coordinator.NewQueryRouter(clients, global, tl)
	recovery := coordinator.NewRecovery(tl, clients, cfg.RecoveryGrace, cfg.RecoveryGrace, metrics)

	srv := coordinator.NewServer(coordinator.DefaultServerConfig(*addr), coord, qr, tl, monitor, recovery, registry)
	if err := srv.Start(); err != nil {
		logrus.Fatalf("server error: %v", err)
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/avfleet/handoff/pkg/config"
	"github.com/avfleet/handoff/pkg/model"
	"github.com/avfleet/handoff/pkg/participant"
	"github.com/avfleet/handoff/pkg/store"
	"github.com/avfleet/handoff/pkg/txlog"
)

func main() {
	region := flag.String("region", "PHX", "Region served by this participant (PHX or LA)")
	addr := flag.String("addr", ":8001", "Listen address")
	mongoURI := flag.String("mongo-uri", "", "Regional store URI (overrides MONGO_URI_<region>)")
	globalURI := flag.String("global-uri", "", "Global store URI for transaction log lookups (overrides MONGO_URI_GLOBAL)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", *logLevel, err)
		os.Exit(1)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	r := model.Region(*region)
	if !r.Valid() {
		fmt.Fprintf(os.Stderr, "invalid region %q: must be PHX or LA\n", *region)
		os.Exit(1)
	}

	cfg := config.FromEnv()
	uri := *mongoURI
	if uri == "" {
		uri = cfg.StoreURI(r)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := store.Connect(ctx, uri)
	if err != nil {
		logrus.Fatalf("connect regional store: %v", err)
	}
	defer client.Disconnect(context.Background())

	rides := store.NewMongoRides(client, cfg.RegionDatabase, r)
	if err := rides.EnsureIndexes(ctx); err != nil {
		logrus.Fatalf("ensure ride indexes: %v", err)
	}
	records := participant.NewMongoRecords(client, cfg.RegionDatabase)
	if err := records.EnsureIndexes(ctx); err != nil {
		logrus.Fatalf("ensure record indexes: %v", err)
	}

	// An optional read handle on the coordinator log lets the stale
	// record sweeper follow the coordinator's verdict.
	var tlReader participant.TxLogReader
	gURI := *globalURI
	if gURI == "" {
		gURI = cfg.GlobalStoreURI
	}
	if gURI != "" {
		globalClient, err := store.Connect(ctx, gURI)
		if err != nil {
			logrus.Warnf("global store unreachable, sweeper runs without transaction log: %v", err)
		} else {
			defer globalClient.Disconnect(context.Background())
			tlReader = txlog.NewMongoLog(globalClient, cfg.GlobalDatabase)
		}
	}

	svc := participant.NewService(rides, records, tlReader)

	srvCfg := participant.DefaultServerConfig(*addr)
	srvCfg.RecoveryGrace = cfg.RecoveryGrace
	srv := participant.NewServer(srvCfg, svc, rides)

	if err := srv.Start(); err != nil {
		logrus.Fatalf("server error: %v", err)
	}
}

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/birdayz/opstream"
	pebblestore "github.com/birdayz/opstream/stores/pebble"
)

func main() {
	var (
		brokers = flag.String("brokers", "localhost:9092", "comma-separated Kafka brokers")
		group   = flag.String("group", "opstream", "consumer group")
		topic   = flag.String("topic", "deltas", "topic carrying sequenced operations")
		dataDir = flag.String("data-dir", "./data", "pebble store directory")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	store, err := pebblestore.Open(*dataDir)
	if err != nil {
		log.Error("failed to open store", "dir", *dataDir, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	consumer, err := opstream.NewConsumer(
		strings.Split(*brokers, ","),
		*group,
		*topic,
		store,
		opstream.WithLog(log),
		opstream.WithContentStore(store),
	)
	if err != nil {
		log.Error("failed to create consumer", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := consumer.Run(ctx); err != nil {
		log.Error("consumer exited", "error", err)
		os.Exit(1)
	}
}

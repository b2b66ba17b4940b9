// Command golbroker runs the standalone broker process described in
// spec.md §4.F: it accepts worker subscriptions and Distributor control
// RPCs on one address, and partitions each turn into bands across the
// subscribed pool. It does not limit how many connections issue control
// RPCs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pborman/options"
	"github.com/sirupsen/logrus"

	"github.com/cserra/golswarm/internal/broker"
)

type brokerOptions struct {
	Listen       string `getopt:"-l --listen=ADDR address to accept worker and distributor connections on"`
	Threads      int    `getopt:"-t --threads=N expected worker count, logged at startup; runs start with whatever workers are subscribed"`
	SliceTimeout int    `getopt:"--slice-timeout=SECONDS per-band RPC timeout before a worker is considered dead"`
	Help         bool   `getopt:"--help print usage"`
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := brokerOptions{
		Listen:       ":7070",
		Threads:      8,
		SliceTimeout: 10,
	}
	if err := options.RegisterAndParse(&opts); err != nil {
		fmt.Fprintln(os.Stderr, "golbroker:", err)
		return 2
	}
	if opts.Help {
		options.Usage()
		return 0
	}

	log := newLogger()
	log.WithFields(logrus.Fields{
		"listen":        opts.Listen,
		"threads":       opts.Threads,
		"slice_timeout": opts.SliceTimeout,
	}).Info("golbroker: starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("golbroker: signal received, shutting down")
		cancel()
	}()

	b := broker.New(time.Duration(opts.SliceTimeout)*time.Second, log)
	srv := broker.NewServer(b, log)
	if err := srv.ListenAndServe(ctx, opts.Listen); err != nil {
		log.WithError(err).Error("golbroker: server exited with error")
		return 3
	}
	return 0
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if parsed, err := logrus.ParseLevel(lvl); err == nil {
			log.SetLevel(parsed)
		}
	}
	if bt, _ := strconv.ParseBool(os.Getenv("BACKTRACE")); bt {
		log.SetReportCaller(true)
	}
	return log
}

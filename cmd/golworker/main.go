// Command golworker runs a single compute worker: it subscribes to a
// broker, then serves PROCESS_SLICE dial-backs on its own listen address
// (spec.md §4.E).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pborman/options"
	"github.com/sirupsen/logrus"

	"github.com/cserra/golswarm/internal/worker"
)

type workerOptions struct {
	Listen string `getopt:"-l --listen=ADDR address to listen on for broker dial-backs"`
	Broker string `getopt:"-b --broker=ADDR broker address to subscribe to"`
	Help   bool   `getopt:"--help print usage"`
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := workerOptions{
		Listen: ":7071",
		Broker: "localhost:7070",
	}
	if err := options.RegisterAndParse(&opts); err != nil {
		fmt.Fprintln(os.Stderr, "golworker:", err)
		return 2
	}
	if opts.Help {
		options.Usage()
		return 0
	}

	log := newLogger()
	log.WithFields(logrus.Fields{"listen": opts.Listen, "broker": opts.Broker}).Info("golworker: starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("golworker: signal received, shutting down")
		cancel()
	}()

	w := worker.New(opts.Listen, opts.Broker, log)
	if err := w.Run(ctx); err != nil {
		log.WithError(err).Error("golworker: exited with error")
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

// Command gol is the distributor-side client described in spec.md §4.G:
// it dials a broker, feeds it an initial grid, and renders the turn
// count / alive count while forwarding S/P/Q/K keypresses.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/pborman/options"
	"github.com/sirupsen/logrus"

	"github.com/cserra/golswarm/cellset"
	"github.com/cserra/golswarm/internal/gol"
	"github.com/cserra/golswarm/internal/ioshim"
	"github.com/cserra/golswarm/internal/protocol"
)

type distributorOptions struct {
	Broker    string `getopt:"-b --broker=ADDR broker address to connect to"`
	Threads   int    `getopt:"-t --threads=N worker count the broker should expect"`
	Width     int    `getopt:"-w --width=N image width"`
	Height    int    `getopt:"-h --height=N image height, must equal width"`
	FPS       int    `getopt:"-f --fps=N GUI refresh rate; accepted but unused, no GUI surface is rendered"`
	Turns     int    `getopt:"--turns=N number of turns to evolve"`
	Headless  bool   `getopt:"--headless disable interactive status rendering"`
	InputDir  string `getopt:"--input-dir=DIR directory holding the initial PGM"`
	OutputDir string `getopt:"--output-dir=DIR directory to write PGM snapshots to"`
	Help      bool   `getopt:"--help print usage"`
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := distributorOptions{
		Broker:    "localhost:7070",
		Threads:   8,
		Width:     512,
		Height:    512,
		FPS:       60,
		Turns:     10_000_000,
		InputDir:  "images",
		OutputDir: "out",
	}
	if err := options.RegisterAndParse(&opts); err != nil {
		fmt.Fprintln(os.Stderr, "gol:", err)
		return 2
	}
	if opts.Help {
		options.Usage()
		return 0
	}
	if opts.Width != opts.Height {
		fmt.Fprintln(os.Stderr, "gol: width and height must be equal")
		return 2
	}

	log := newLogger()

	geom, err := cellset.NewGeometry(uint32(opts.Width))
	if err != nil {
		fmt.Fprintln(os.Stderr, "gol:", err)
		return 2
	}
	params := protocol.Params{
		Width:  uint32(opts.Width),
		Height: uint32(opts.Height),
		Turns:  uint32(opts.Turns),
	}

	broker, err := gol.DialBroker(opts.Broker, geom)
	if err != nil {
		log.WithError(err).Error("gol: failed to dial broker")
		return 3
	}
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan gol.Event, 1000)
	keypresses := make(chan rune, 10)

	isTTY := isatty.IsTerminal(os.Stdout.Fd())
	var sink ioshim.Sink
	if opts.Headless {
		sink = ioshim.NewHeadlessSink(log)
	} else {
		sink = ioshim.NewInteractiveSink(log, isTTY)
	}
	go sink.Consume(ctx, events)

	installSigintBridge(ctx, cancel, keypresses, log)
	go readKeypresses(ctx, keypresses, log)

	io := ioshim.NewPGMIO(opts.InputDir, opts.OutputDir)
	d := gol.New(broker, io, params, geom, events, keypresses, log)

	if err := d.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return 0
		}
		log.WithError(err).Error("gol: run failed")
		return 3
	}
	return 0
}

// installSigintBridge implements the "graceful SIGINT→'Q' keypress"
// behavior: the first Ctrl-C is translated into a synthetic 'Q'
// keypress so the distributor shuts down cleanly through the same path
// as an operator-typed quit; a second Ctrl-C cancels ctx directly.
func installSigintBridge(ctx context.Context, cancel context.CancelFunc, keypresses chan<- rune, log *logrus.Logger) {
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
			log.Info("gol: signal received, requesting quit")
			select {
			case keypresses <- 'Q':
			default:
			}
		case <-ctx.Done():
			return
		}
		select {
		case <-sig:
			log.Warn("gol: second signal received, forcing shutdown")
			cancel()
		case <-ctx.Done():
		}
	}()
}

func readKeypresses(ctx context.Context, keypresses chan<- rune, log *logrus.Logger) {
	r := bufio.NewReader(os.Stdin)
	for {
		b, err := r.ReadByte()
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Debug("gol: keypress source closed")
			}
			return
		}
		switch b {
		case 'S', 'P', 'Q', 'K':
			select {
			case keypresses <- rune(b):
			case <-ctx.Done():
				return
			default:
				log.Warn("gol: keypress channel full, dropping keypress")
			}
		}
	}
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

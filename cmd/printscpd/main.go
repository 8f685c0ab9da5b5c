// Command printscpd runs the Basic Grayscale Print Management SCP
// daemon: it loads a YAML config tree, wires the enrichment client and
// UID generator, and serves associations until a peer requests shutdown
// over the private shutdown abstract syntax or the process receives
// SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/softus/vdprintd/config"
	"github.com/softus/vdprintd/enrich"
	"github.com/softus/vdprintd/printscp"
	"github.com/softus/vdprintd/server"
	"github.com/softus/vdprintd/supervisor"
	"github.com/softus/vdprintd/uidgen"
)

func main() {
	configPath := flag.String("config", "printscpd.yaml", "path to the YAML config file")
	flag.Parse()

	root, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "printscpd: loading config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(root.Get("log-level", "info")),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := printscp.Deps{
		Root:         root,
		EnrichClient: &enrich.Client{HTTPClient: &http.Client{}, Logger: logger},
		UIDGen:       uidgen.New(root.Get("uid-root", uidgen.DefaultRoot)),
		Logger:       logger,
	}

	port := root.GetInt("port", 10005)
	address := fmt.Sprintf(":%d", port)

	srv := server.New(root.Get("aetitle", "PRINT_SCP"),
		printscp.NewHandlerFactory(deps),
		server.WithLogger(logger),
		server.WithAETitleValidator(knownPrinter(root)),
		server.WithShutdownHandler(stop),
	)

	listener, err := listenWithRetry(address, logger)
	if err != nil {
		logger.Error("printscpd: failed to bind listener", "address", address, "error", err)
		os.Exit(1)
	}
	defer listener.Close()

	sv := supervisor.New(srv, root, deps.EnrichClient, logger)

	err = sv.Run(ctx, listener)
	switch {
	case err == nil:
		logger.Info("printscpd: shutdown complete")
	case errors.Is(err, context.Canceled):
		logger.Info("printscpd: stopped", "reason", err.Error())
	default:
		logger.Error("printscpd: terminated unexpectedly", "error", err)
		os.Exit(1)
	}
}

// knownPrinter builds an AETitleValidator that accepts a Called AE Title
// only when it names a configured printer group, matching §4.8's
// "initialize acceptor" gate.
func knownPrinter(root *config.View) func(string) bool {
	return func(calledAETitle string) bool {
		for _, name := range root.ChildGroups() {
			if name == calledAETitle {
				return true
			}
		}
		return false
	}
}

// parseLevel maps the configured log-level string onto slog's levels,
// defaulting to Info on anything unrecognized.
func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// listenWithRetry binds address, retrying to tolerate a predecessor
// process's sockets still draining through TIME_WAIT (§4.8 step 1).
func listenWithRetry(address string, logger *slog.Logger) (net.Listener, error) {
	const attempts = 20
	const delay = 200 * time.Millisecond

	var lastErr error
	for i := 0; i < attempts; i++ {
		listener, err := net.Listen("tcp", address)
		if err == nil {
			return listener, nil
		}
		lastErr = err
		logger.Debug("printscpd: bind failed, retrying", "address", address, "attempt", i+1, "error", err)
		time.Sleep(delay)
	}
	return nil, lastErr
}

// Package supervisor implements the listener/worker supervision
// (component C8) and the retry worker (component C9). The process-per-
// association and fork-per-retry-worker model of the original is
// redesigned for Go: a goroutine-per-association accept loop (the
// teacher's server.Server.Serve, unchanged) runs alongside a single
// long-lived goroutine that ticks the retry worker, preserving the
// observable contract that at most one retry pass runs at a time and
// that "next-spool-ts" is persisted before a new pass starts.
package supervisor

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/softus/vdprintd/config"
	"github.com/softus/vdprintd/enrich"
	"github.com/softus/vdprintd/server"
)

// Supervisor owns the DICOM listener and the retry-worker ticker for
// one daemon process.
type Supervisor struct {
	Server       *server.Server
	Root         *config.View
	EnrichClient *enrich.Client
	Logger       *slog.Logger
}

// New builds a Supervisor around an already-configured server.Server.
func New(srv *server.Server, root *config.View, enrichClient *enrich.Client, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{Server: srv, Root: root, EnrichClient: enrichClient, Logger: logger}
}

// Run starts the retry-worker ticker and blocks serving associations on
// listener until ctx is cancelled or the listener fails.
func (sv *Supervisor) Run(ctx context.Context, listener net.Listener) error {
	go sv.retryLoop(ctx)
	return sv.Server.Serve(ctx, listener)
}

// retryLoop waits for the configured interval (resuming from a
// persisted "next-spool-ts" across restarts) and then runs one retry
// pass, computing and persisting the following due time first so a
// crash mid-pass cannot cause a double-spawn or starve retries (§5).
func (sv *Supervisor) retryLoop(ctx context.Context) {
	spoolPath := sv.Root.Get("spool-path", "")
	if spoolPath == "" {
		sv.Logger.Debug("supervisor: spool-path unset, retry worker disabled")
		return
	}

	for {
		if !sv.sleepUntilDue(ctx) {
			return
		}

		interval := time.Duration(sv.Root.GetInt("spool-interval-in-seconds", 600)) * time.Second
		sv.Root.Set("next-spool-ts", time.Now().Add(interval).Format(time.RFC3339))
		if err := sv.Root.Sync(); err != nil {
			sv.Logger.Error("supervisor: failed to persist next-spool-ts", "error", err)
		}

		worker := NewRetryWorker(sv.Root, sv.EnrichClient, sv.Logger)
		worker.Run(ctx, spoolPath)
	}
}

// sleepUntilDue blocks until the persisted next-spool-ts (or, if unset
// or unparsable, immediately), returning false if ctx was cancelled
// first.
func (sv *Supervisor) sleepUntilDue(ctx context.Context) bool {
	delay := time.Duration(0)
	if ts := sv.Root.Get("next-spool-ts", ""); ts != "" {
		if due, err := time.Parse(time.RFC3339, ts); err == nil {
			if until := time.Until(due); until > 0 {
				delay = until
			}
		}
	}

	if delay == 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

package supervisor

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/softus/vdprintd/config"
	"github.com/softus/vdprintd/dicom"
	"github.com/softus/vdprintd/enrich"
	"github.com/softus/vdprintd/spool"
	"github.com/softus/vdprintd/storeclient"
	"github.com/softus/vdprintd/types"
)

var (
	retiredPrintQueueIDTag = dicom.Tag{Group: 0x2100, Element: 0x0160}
	sopInstanceUIDTag      = dicom.Tag{Group: 0x0008, Element: 0x0018}
)

// RetryWorker runs one Phase A (re-enrich) + Phase B (re-store) pass
// over the spool directory (component C9). It is a value, not a
// goroutine handle: the supervisor's retryLoop runs it to completion
// synchronously before the next tick, which is what makes "at most one
// retry worker alive at a time" trivially true in this redesign.
type RetryWorker struct {
	root         *config.View
	enrichClient *enrich.Client
	logger       *slog.Logger
}

// NewRetryWorker builds a RetryWorker sharing the daemon's config tree
// and enrichment client.
func NewRetryWorker(root *config.View, enrichClient *enrich.Client, logger *slog.Logger) *RetryWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryWorker{root: root, enrichClient: enrichClient, logger: logger}
}

// Run executes Phase A then Phase B against spoolPath and returns once
// both have made a single pass over whatever was on disk when they
// started (the retry worker is an end-state per §4.9: it does not loop
// internally, the supervisor's ticker calls it again next due time).
func (w *RetryWorker) Run(ctx context.Context, spoolPath string) {
	w.phaseReenrich(spoolPath)
	w.phaseRestore(spoolPath)
}

// phaseReenrich implements §4.9 Phase A: load every file directly under
// spoolPath, impersonate the printer identity recorded in
// RETIRED_PrintQueueID, and re-run enrichment. A successful re-enrich
// attempts delivery to every configured storage server, demoting
// per-server failures into <spool>/<server>/ and always removing the
// original root file; a failed re-enrich leaves the file for the next
// tick.
func (w *RetryWorker) phaseReenrich(spoolPath string) {
	paths, err := spool.List(spoolPath)
	if err != nil {
		w.logger.Warn("supervisor: failed to list spool root", "path", spoolPath, "error", err)
		return
	}

	for _, path := range paths {
		dataset, err := spool.Load(path)
		if err != nil {
			w.logger.Warn("supervisor: failed to load spooled dataset, leaving in place", "path", path, "error", err)
			continue
		}

		printer := dataset.GetString(retiredPrintQueueIDTag)
		printerView := w.root.BeginGroup(printer)
		enrichCfg := config.DecodeEnrichConfig(printerView)
		rules := append(config.ReadTagRules(w.root), config.ReadTagRules(printerView)...)

		if !w.enrichClient.Query(context.Background(), enrichCfg, rules, nil, dataset) {
			w.logger.Debug("supervisor: re-enrich still failing, leaving spooled", "path", path, "printer", printer)
			continue
		}

		sopInstanceUID := dataset.GetString(sopInstanceUIDTag)
		for _, serverName := range w.root.GetStrings("storage-servers") {
			w.storeOrDemote(spoolPath, serverName, dataset, sopInstanceUID)
		}

		if !spool.Remove(path) {
			w.logger.Warn("supervisor: failed to remove re-enriched spool file", "path", path)
		}
	}
}

// phaseRestore implements §4.9 Phase B: for every configured storage
// server, resend each file spooled under <spool>/<server>/, removing it
// on success and leaving it for the next tick on failure.
func (w *RetryWorker) phaseRestore(spoolPath string) {
	for _, serverName := range w.root.GetStrings("storage-servers") {
		dir := filepath.Join(spoolPath, serverName)
		paths, err := spool.List(dir)
		if err != nil {
			continue
		}

		serverCfg, err := config.DecodeServerConfig(w.root.BeginGroup(serverName))
		if err != nil {
			w.logger.Warn("supervisor: invalid storage server config, skipping", "server", serverName, "error", err)
			continue
		}

		for _, path := range paths {
			dataset, err := spool.Load(path)
			if err != nil {
				w.logger.Warn("supervisor: failed to load per-server spooled dataset, leaving in place", "path", path, "error", err)
				continue
			}

			sopInstanceUID := dataset.GetString(sopInstanceUIDTag)
			if err := storeclient.SendToServer(serverCfg, dataset, types.SecondaryCaptureImageStorage, sopInstanceUID, types.ExplicitVRLittleEndian); err != nil {
				w.logger.Debug("supervisor: re-store still failing, leaving spooled", "path", path, "server", serverName, "error", err)
				continue
			}

			if !spool.Remove(path) {
				w.logger.Warn("supervisor: failed to remove re-stored spool file", "path", path)
			}
		}
	}
}

// storeOrDemote attempts delivery to one storage server, saving dataset
// into the server's per-destination spool directory on failure.
func (w *RetryWorker) storeOrDemote(spoolPath, serverName string, dataset *dicom.Dataset, sopInstanceUID string) {
	serverCfg, err := config.DecodeServerConfig(w.root.BeginGroup(serverName))
	if err != nil {
		w.logger.Warn("supervisor: invalid storage server config", "server", serverName, "error", err)
		return
	}

	if err := storeclient.SendToServer(serverCfg, dataset, types.SecondaryCaptureImageStorage, sopInstanceUID, types.ExplicitVRLittleEndian); err != nil {
		w.logger.Warn("supervisor: failed to re-store, demoting to per-server spool", "server", serverName, "error", err)
		if _, saveErr := spool.Save(filepath.Join(spoolPath, serverName), dataset, types.SecondaryCaptureImageStorage, sopInstanceUID); saveErr != nil {
			w.logger.Error("supervisor: failed to demote spool entry", "server", serverName, "error", saveErr)
		}
	}
}

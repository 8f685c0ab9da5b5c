package supervisor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/softus/vdprintd/config"
	"github.com/softus/vdprintd/dicom"
	"github.com/softus/vdprintd/enrich"
	"github.com/softus/vdprintd/spool"
	"github.com/softus/vdprintd/types"
)

func newTestRoot(t *testing.T) *config.View {
	t.Helper()
	root, err := config.Load(filepath.Join(t.TempDir(), "cfg.yaml"))
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return root
}

func spooledDataset(printer, sopInstanceUID string) *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.AddElement(sopInstanceUIDTag, dicom.VR_UI, sopInstanceUID)
	ds.AddElement(retiredPrintQueueIDTag, dicom.VR_SH, printer)
	return ds
}

func TestPhaseReenrich_StillFailingLeavesFileInPlace(t *testing.T) {
	root := newTestRoot(t)
	// query.url points at a closed port, so Query fails and the root
	// file is left in place for the next pass.
	spoolDir := t.TempDir()

	printer := root.BeginGroup("P1")
	printer.Set("query.url", "http://localhost:1/")

	if _, err := spool.Save(spoolDir, spooledDataset("P1", "1.2.3.6"), types.SecondaryCaptureImageStorage, "1.2.3.6"); err != nil {
		t.Fatalf("spool.Save: %v", err)
	}

	w := NewRetryWorker(root, enrich.New(), nil)
	w.phaseReenrich(spoolDir)

	files, err := spool.List(spoolDir)
	if err != nil {
		t.Fatalf("spool.List: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected the spooled file to remain after a failing re-enrich, got %d files", len(files))
	}
}

func TestPhaseReenrich_SuccessWithoutStorageServersRemovesFile(t *testing.T) {
	root := newTestRoot(t)
	spoolDir := t.TempDir()

	// P1 has no query.url configured at all: Query short-circuits to
	// success immediately (§4.4: empty URL is not a failure).
	if _, err := spool.Save(spoolDir, spooledDataset("P1", "1.2.3.7"), types.SecondaryCaptureImageStorage, "1.2.3.7"); err != nil {
		t.Fatalf("spool.Save: %v", err)
	}

	w := NewRetryWorker(root, enrich.New(), nil)
	w.phaseReenrich(spoolDir)

	files, err := spool.List(spoolDir)
	if err != nil {
		t.Fatalf("spool.List: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("expected the spooled file to be removed after a successful re-enrich, got %d files remaining", len(files))
	}
}

func TestPhaseRestore_FailureLeavesFileInPlace(t *testing.T) {
	root := newTestRoot(t)
	spoolDir := t.TempDir()
	root.Set("storage-servers", "S1")

	server := root.BeginGroup("S1")
	server.Set("aetitle", "CALLER")
	server.Set("address", "127.0.0.1")
	server.Set("store-port", "1")
	server.Set("store-aetitle", "DEST")

	serverDir := filepath.Join(spoolDir, "S1")
	if _, err := spool.Save(serverDir, spooledDataset("P1", "1.2.3.8"), types.SecondaryCaptureImageStorage, "1.2.3.8"); err != nil {
		t.Fatalf("spool.Save: %v", err)
	}

	w := NewRetryWorker(root, enrich.New(), nil)
	w.phaseRestore(spoolDir)

	files, err := spool.List(serverDir)
	if err != nil {
		t.Fatalf("spool.List: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected the spooled file to remain after a failing re-store, got %d files", len(files))
	}
}

func TestPhaseRestore_EmptyDirectoryIsNoOp(t *testing.T) {
	root := newTestRoot(t)
	root.Set("storage-servers", "S1")
	spoolDir := t.TempDir()

	w := NewRetryWorker(root, enrich.New(), nil)
	w.phaseRestore(spoolDir) // must not panic on a server dir that doesn't exist yet
}

func TestSupervisor_RunDisablesRetryWithoutSpoolPath(t *testing.T) {
	root := newTestRoot(t)
	sv := New(nil, root, enrich.New(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sv.retryLoop(ctx) // spool-path unset: must return immediately, not block
}

package printscp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/softus/vdprintd/config"
	"github.com/softus/vdprintd/dicom"
	"github.com/softus/vdprintd/dimse"
	"github.com/softus/vdprintd/enrich"
	"github.com/softus/vdprintd/pdu"
	"github.com/softus/vdprintd/spool"
	"github.com/softus/vdprintd/types"
	"github.com/softus/vdprintd/uidgen"
)

func imageBoxRequest(sopInstanceUID string) *types.Message {
	return &types.Message{
		CommandField:            types.NSetRQ,
		MessageID:               1,
		RequestedSOPClassUID:    types.BasicGrayscaleImageBoxSOPClass,
		RequestedSOPInstanceUID: sopInstanceUID,
	}
}

func TestStoreImage_EnrichmentDownSpools(t *testing.T) {
	spoolDir := t.TempDir()

	root, err := config.Load(filepath.Join(t.TempDir(), "cfg.yaml"))
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	root.Set("spool-path", spoolDir)
	printer := root.BeginGroup("P1")
	printer.Set("query.url", "http://localhost:1/")

	deps := Deps{Root: root, EnrichClient: enrich.New(), UIDGen: uidgen.New(uidgen.DefaultRoot)}
	assoc := &pdu.AssociationContext{CalledAETitle: "P1", CallingAETitle: "SCU"}
	s := newSession(deps, assoc)

	rq := dicom.NewDataset()
	msg := imageBoxRequest("1.2.3.4")
	_, _, err = s.HandleDIMSE(context.Background(), msg, nil, dimse.MessageContext{Dataset: rq})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	files, err := spool.List(spoolDir)
	if err != nil {
		t.Fatalf("spool.List: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected one spooled file, got %d", len(files))
	}

	spooled, err := spool.Load(files[0])
	if err != nil {
		t.Fatalf("spool.Load: %v", err)
	}
	if got := spooled.GetString(retiredPrintQueueIDTag); got != "P1" {
		t.Errorf("expected RETIRED_PrintQueueID=P1, got %q", got)
	}
	if got := spooled.GetString(dicom.Tag{Group: 0x0010, Element: 0x0020}); got != "0" {
		t.Errorf("expected PatientID=0, got %q", got)
	}
	if got := spooled.GetString(dicom.Tag{Group: 0x0010, Element: 0x0010}); got != "^" {
		t.Errorf("expected PatientName=^, got %q", got)
	}
}

func TestStoreImage_EnrichmentUpTransliteratesAndClearsSpool(t *testing.T) {
	spoolDir := t.TempDir()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]map[string]string{
			{"tag": "PatientID", "value": "42"},
			{"tag": "PatientName", "value": "IVANOV"},
		})
	})
	enrichSrv := httptest.NewServer(mux)
	defer enrichSrv.Close()

	root, err := config.Load(filepath.Join(t.TempDir(), "cfg.yaml"))
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	root.Set("spool-path", spoolDir)
	printer := root.BeginGroup("P1")
	printer.Set("query.url", enrichSrv.URL+"/")
	printer.Set("query.content-type", "application/json")

	deps := Deps{Root: root, EnrichClient: enrich.New(), UIDGen: uidgen.New(uidgen.DefaultRoot)}
	assoc := &pdu.AssociationContext{CalledAETitle: "P1", CallingAETitle: "SCU"}
	s := newSession(deps, assoc)

	rq := dicom.NewDataset()
	msg := imageBoxRequest("1.2.3.5")
	_, _, err = s.HandleDIMSE(context.Background(), msg, nil, dimse.MessageContext{Dataset: rq})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	files, err := spool.List(spoolDir)
	if err != nil {
		t.Fatalf("spool.List: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("expected no spooled file after successful enrichment (no storage-servers configured), got %d", len(files))
	}

	if got := rq.GetString(dicom.Tag{Group: 0x0010, Element: 0x0020}); got != "42" {
		t.Errorf("expected PatientID=42 merged from enrichment response, got %q", got)
	}
	if got := rq.GetString(dicom.Tag{Group: 0x0010, Element: 0x0010}); got != "ИВАНОВ" {
		t.Errorf("expected transliterated PatientName=ИВАНОВ, got %q", got)
	}
	if got := rq.GetString(specificCharacterSetTag); got != "ISO_IR 192" {
		t.Errorf("expected SpecificCharacterSet=ISO_IR 192, got %q", got)
	}
}

func TestFlattenBasicGrayscaleImageSequence(t *testing.T) {
	ds := dicom.NewDataset()
	item := dicom.NewDataset()
	pixelTag := dicom.Tag{Group: 0x7FE0, Element: 0x0010}
	item.AddElement(pixelTag, dicom.VR_OW, []byte{1, 2, 3})
	ds.AddSequence(basicGrayscaleImageSeq, []*dicom.Dataset{item})

	flattenBasicGrayscaleImageSequence(ds)

	if _, ok := ds.GetElement(basicGrayscaleImageSeq); ok {
		t.Error("expected sequence tag to be removed")
	}
	if _, ok := ds.GetElement(pixelTag); !ok {
		t.Error("expected pixel data element to be flattened to dataset root")
	}
}

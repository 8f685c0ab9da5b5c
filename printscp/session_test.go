package printscp

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/softus/vdprintd/config"
	"github.com/softus/vdprintd/dicom"
	"github.com/softus/vdprintd/dimse"
	"github.com/softus/vdprintd/pdu"
	"github.com/softus/vdprintd/types"
	"github.com/softus/vdprintd/uidgen"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	root, err := config.Load(filepath.Join(t.TempDir(), "cfg.yaml"))
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	deps := Deps{Root: root, UIDGen: uidgen.New(uidgen.DefaultRoot)}
	assoc := &pdu.AssociationContext{CalledAETitle: "P1", CallingAETitle: "SCU"}
	return newSession(deps, assoc)
}

func TestHandleDIMSE_CEchoRoundTrip(t *testing.T) {
	s := newTestSession(t)

	req := &types.Message{CommandField: types.CEchoRQ, MessageID: 1, AffectedSOPClassUID: types.VerificationSOPClass}
	resp, ds, err := s.HandleDIMSE(context.Background(), req, nil, dimse.MessageContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.CommandField != types.CEchoRSP {
		t.Errorf("expected CEchoRSP, got 0x%04x", resp.CommandField)
	}
	if resp.Status != types.StatusSuccess {
		t.Errorf("expected success status, got 0x%04x", resp.Status)
	}
	if resp.MessageIDBeingRespondedTo != 1 {
		t.Errorf("expected MessageIDBeingRespondedTo=1, got %d", resp.MessageIDBeingRespondedTo)
	}
	if ds != nil {
		t.Errorf("expected no dataset, got %v", ds)
	}
}

func TestHandleDIMSE_FilmSessionDuplicate(t *testing.T) {
	s := newTestSession(t)

	create := &types.Message{CommandField: types.NCreateRQ, MessageID: 1, AffectedSOPClassUID: types.BasicFilmSessionSOPClass}

	first, _, err := s.HandleDIMSE(context.Background(), create, nil, dimse.MessageContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Status != types.StatusSuccess {
		t.Fatalf("expected first N-CREATE to succeed, got status 0x%04x", first.Status)
	}
	if first.AffectedSOPInstanceUID == "" {
		t.Fatal("expected a minted AffectedSOPInstanceUID")
	}
	if s.studyUID == "" {
		t.Fatal("expected session studyUID to be recorded after success")
	}

	second, _, err := s.HandleDIMSE(context.Background(), create, nil, dimse.MessageContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Status != types.StatusDuplicateSOPInstance {
		t.Errorf("expected DuplicateSOPInstance status, got 0x%04x", second.Status)
	}
	if second.AffectedSOPInstanceUID != "" {
		t.Errorf("expected empty AffectedSOPInstanceUID on duplicate, got %q", second.AffectedSOPInstanceUID)
	}
}

func TestHandleDIMSE_FilmBoxSizing(t *testing.T) {
	s := newTestSession(t)

	rq := dicom.NewDataset()
	rq.AddElement(imageDisplayFormatTag, dicom.VR_CS, `STANDARD\2,3`)

	msg := &types.Message{CommandField: types.NCreateRQ, MessageID: 1, AffectedSOPClassUID: types.BasicFilmBoxSOPClass}
	resp, rspDataset, err := s.HandleDIMSE(context.Background(), msg, nil, dimse.MessageContext{Dataset: rq})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != types.StatusSuccess {
		t.Fatalf("expected success, got status 0x%04x", resp.Status)
	}

	items := rspDataset.GetSequence(referencedImageBoxSequenceTag)
	if len(items) != 6 {
		t.Fatalf("expected 6 referenced image box items, got %d", len(items))
	}

	seen := map[string]bool{}
	for _, item := range items {
		uid := item.GetString(referencedSOPInstanceUIDTag)
		if uid == "" {
			t.Error("expected non-empty ReferencedSOPInstanceUID")
		}
		if seen[uid] {
			t.Errorf("duplicate ReferencedSOPInstanceUID %q", uid)
		}
		seen[uid] = true
		if item.GetString(referencedSOPClassUIDTag) != types.BasicGrayscaleImageBoxSOPClass {
			t.Errorf("unexpected ReferencedSOPClassUID %q", item.GetString(referencedSOPClassUIDTag))
		}
	}
}

func TestHandleDIMSE_UnsupportedNCreateSOPClass(t *testing.T) {
	s := newTestSession(t)

	msg := &types.Message{CommandField: types.NCreateRQ, MessageID: 1, AffectedSOPClassUID: "1.2.3.4.5"}
	resp, _, err := s.HandleDIMSE(context.Background(), msg, nil, dimse.MessageContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != types.StatusNoSuchSOPClass {
		t.Errorf("expected NoSuchSOPClass, got 0x%04x", resp.Status)
	}
}

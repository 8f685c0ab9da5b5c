// Package storeclient implements the one-shot C-STORE SCU a print
// session uses to relay a synthesized image to a configured storage
// peer (component C2). Association setup, presentation context
// negotiation, and C-STORE framing are delegated to the client
// package; this package only adds the transfer-syntax fallback list
// and the StoreError taxonomy from the design.
package storeclient

import (
	"fmt"
	"time"

	"github.com/softus/vdprintd/client"
	"github.com/softus/vdprintd/config"
	"github.com/softus/vdprintd/dicom"
	"github.com/softus/vdprintd/types"
)

// Kind distinguishes the three ways a store can fail, matching the
// design's StoreError::{Association,NoContext,Dimse} tagged sum.
type Kind int

const (
	KindAssociation Kind = iota
	KindNoContext
	KindDimse
)

// StoreError is returned by SendToServer on any failure.
type StoreError struct {
	Kind    Kind
	Status  uint16
	Comment string
	Err     error
}

func (e *StoreError) Error() string {
	switch e.Kind {
	case KindNoContext:
		return "storeclient: no accepted presentation context"
	case KindDimse:
		if e.Comment != "" {
			return fmt.Sprintf("storeclient: C-STORE failed, status 0x%04x: %s", e.Status, e.Comment)
		}
		return fmt.Sprintf("storeclient: C-STORE failed, status 0x%04x", e.Status)
	default:
		return fmt.Sprintf("storeclient: association failed: %v", e.Err)
	}
}

func (e *StoreError) Unwrap() error { return e.Err }

// SendToServer opens an association to the peer described by server,
// negotiates a single presentation context for sopClassUID (proposing
// preferredTransferSyntax first, then the standard fallback list), and
// issues a C-STORE for dataset. The association is always released or
// aborted before returning, regardless of outcome (§4.2 step 7).
func SendToServer(server *config.ServerConfig, dataset *dicom.Dataset, sopClassUID, sopInstanceUID, preferredTransferSyntax string) error {
	candidates := transferSyntaxCandidates(preferredTransferSyntax)

	timeout := time.Duration(server.Timeout) * time.Second
	assoc, err := client.Connect(fmt.Sprintf("%s:%d", server.Address, server.StorePort), client.Config{
		CallingAETitle: server.AETitle,
		CalledAETitle:  server.StoreAETitle,
		MaxPDULength:   uint32(server.StorePDUSize),
		ConnectTimeout: timeout,
		ReadTimeout:    timeout,
		WriteTimeout:   timeout,
		ProposedContexts: []client.ProposedContext{
			{AbstractSyntax: sopClassUID, TransferSyntaxes: candidates},
		},
	})
	if err != nil {
		return &StoreError{Kind: KindAssociation, Err: err}
	}
	defer assoc.Close()

	acceptedTS, err := assoc.GetNegotiatedTransferSyntax(sopClassUID)
	if err != nil || acceptedTS == "" {
		return &StoreError{Kind: KindNoContext, Err: err}
	}

	data, err := dicom.EncodeDatasetWithTransferSyntax(dataset, acceptedTS)
	if err != nil {
		return &StoreError{Kind: KindAssociation, Err: fmt.Errorf("encode dataset: %w", err)}
	}

	resp, err := assoc.SendCStore(&client.CStoreRequest{
		SOPClassUID:    sopClassUID,
		SOPInstanceUID: sopInstanceUID,
		Data:           data,
		MessageID:      assoc.NextMessageID(),
	})
	if err != nil {
		return &StoreError{Kind: KindAssociation, Err: err}
	}

	if resp.Status != types.StatusSuccess {
		return &StoreError{Kind: KindDimse, Status: resp.Status, Comment: resp.Comment}
	}

	return nil
}

// transferSyntaxCandidates builds the proposal list in §4.2 order: the
// dataset's current on-the-wire transfer syntax first (if known), then
// native Explicit VR, opposite-endian Explicit VR, then Implicit VR LE,
// skipping duplicates.
func transferSyntaxCandidates(preferred string) []string {
	fallback := []string{
		types.ExplicitVRLittleEndian,
		types.ExplicitVRBigEndian,
		types.ImplicitVRLittleEndian,
	}

	candidates := make([]string, 0, len(fallback)+1)
	seen := make(map[string]bool)
	if preferred != "" {
		candidates = append(candidates, preferred)
		seen[preferred] = true
	}
	for _, ts := range fallback {
		if !seen[ts] {
			candidates = append(candidates, ts)
			seen[ts] = true
		}
	}
	return candidates
}

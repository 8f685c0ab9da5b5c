package client

import (
	"fmt"
	"log/slog"

	"github.com/softus/vdprintd/dimse"
)

// CStoreRequest represents a C-STORE request
type CStoreRequest struct {
	SOPClassUID    string
	SOPInstanceUID string
	Data           []byte
	MessageID      uint16
}

// CStoreResponse represents a C-STORE response
type CStoreResponse struct {
	Status         uint16
	Comment        string
	MessageID      uint16
	SOPClassUID    string
	SOPInstanceUID string
}

// SendCStore sends a C-STORE request over the negotiated presentation
// context for req.SOPClassUID and waits for the response. Framing,
// encoding, and PDV fragmentation are delegated to the shared dimse
// package so this association and the print SCP's own command path
// never drift apart.
func (a *Association) SendCStore(req *CStoreRequest) (*CStoreResponse, error) {
	presContextID, err := a.GetPresentationContextID(req.SOPClassUID)
	if err != nil {
		return nil, fmt.Errorf("no presentation context for SOP class %s: %w", req.SOPClassUID, err)
	}

	resp, err := dimse.SendCStore(a.conn, presContextID, a.maxPDULength, &dimse.CStoreRequest{
		SOPClassUID:    req.SOPClassUID,
		SOPInstanceUID: req.SOPInstanceUID,
		Data:           req.Data,
		MessageID:      req.MessageID,
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("sent C-STORE-RQ",
		"sop_class", req.SOPClassUID,
		"sop_instance", req.SOPInstanceUID,
		"data_size", len(req.Data))

	return &CStoreResponse{
		Status:         resp.Status,
		Comment:        resp.Comment,
		MessageID:      resp.MessageID,
		SOPClassUID:    resp.SOPClassUID,
		SOPInstanceUID: resp.SOPInstanceUID,
	}, nil
}

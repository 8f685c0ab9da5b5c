package dimse

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/softus/vdprintd/dicom"
	"github.com/softus/vdprintd/types"
)

// Command types, aliased from types for callers that only import dimse.
const (
	CStoreRQ   = types.CStoreRQ
	CStoreRSP  = types.CStoreRSP
	CEchoRQ    = types.CEchoRQ
	CEchoRSP   = types.CEchoRSP
	NGetRQ     = types.NGetRQ
	NGetRSP    = types.NGetRSP
	NSetRQ     = types.NSetRQ
	NSetRSP    = types.NSetRSP
	NActionRQ  = types.NActionRQ
	NActionRSP = types.NActionRSP
	NCreateRQ  = types.NCreateRQ
	NCreateRSP = types.NCreateRSP
	NDeleteRQ  = types.NDeleteRQ
	NDeleteRSP = types.NDeleteRSP
)

// Status codes
const (
	StatusSuccess = types.StatusSuccess
	StatusPending = types.StatusPending
	StatusFailure = types.StatusFailure
)

// NoDataSetPresent mirrors types.NoDataSetPresent for local readability.
const NoDataSetPresent = types.NoDataSetPresent

// PDULayer is the transport-layer surface the DIMSE service needs: sending
// a response and learning which transfer syntax was negotiated for a
// presentation context.
type PDULayer interface {
	SendDIMSEResponse(presContextID byte, commandData []byte) error
	SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, datasetData []byte) error
	GetTransferSyntax(presContextID byte) (string, error)
}

// MessageContext carries per-message metadata a Handler needs beyond the
// command set itself.
type MessageContext struct {
	PresentationContextID byte
	TransferSyntaxUID     string
	Dataset               *dicom.Dataset
}

// Handler processes one complete DIMSE request and returns the response
// command plus an optional response dataset. Every print management
// operation (C-ECHO, N-GET, N-SET, N-ACTION, N-CREATE, N-DELETE) is a
// single request/response exchange, so one interface method covers all of
// them; there is no C-GET-style multi-response streaming to support.
type Handler interface {
	HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta MessageContext) (*types.Message, *dicom.Dataset, error)
}

// Service reassembles PDV fragments into complete DIMSE messages and
// dispatches them to a Handler.
type Service struct {
	handler     Handler
	commandData []byte
	datasetData []byte
	currentMsg  *types.Message
	logger      *slog.Logger
	transferUID string
	contextID   byte
}

// NewService creates a new DIMSE service bound to a handler.
func NewService(handler Handler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		handler: handler,
		logger:  logger,
	}
}

// HandleDIMSEMessage processes one PDV fragment, accumulating command/dataset
// bytes until a complete message is assembled, then dispatches it.
//
// msgCtrlHeader bit 0 distinguishes command (1) from dataset (0) fragments;
// bit 1 marks the last fragment of that stream.
func (d *Service) HandleDIMSEMessage(presContextID byte, msgCtrlHeader byte, data []byte, pduLayer PDULayer) error {
	ctx := context.Background()

	d.logger.Debug("processing DIMSE message",
		"context_id", presContextID,
		"control_header", fmt.Sprintf("0x%02x", msgCtrlHeader))

	tsUID, err := pduLayer.GetTransferSyntax(presContextID)
	if err != nil {
		d.logger.Warn("failed to retrieve transfer syntax for presentation context",
			"context_id", presContextID, "error", err)
	}
	if tsUID != "" {
		d.transferUID = tsUID
	}
	d.contextID = presContextID

	isCommand := (msgCtrlHeader & 0x01) != 0
	isLastFragment := (msgCtrlHeader & 0x02) != 0

	if isCommand {
		d.commandData = append(d.commandData, data...)
		if isLastFragment {
			msg, err := DecodeCommand(d.commandData)
			if err != nil {
				return fmt.Errorf("failed to parse DIMSE command: %w", err)
			}
			d.currentMsg = msg

			if !msg.HasDataset() {
				return d.processCompleteMessage(ctx, presContextID, pduLayer)
			}
		}
	} else {
		d.datasetData = append(d.datasetData, data...)
		if isLastFragment {
			return d.processCompleteMessage(ctx, presContextID, pduLayer)
		}
	}

	return nil
}

func (d *Service) processCompleteMessage(ctx context.Context, presContextID byte, pduLayer PDULayer) error {
	if d.currentMsg == nil {
		return fmt.Errorf("no current message to process")
	}

	d.logger.InfoContext(ctx, "processing complete DIMSE message",
		"command_field", fmt.Sprintf("0x%04x", d.currentMsg.CommandField),
		"message_id", d.currentMsg.MessageID,
		"dataset_size", len(d.datasetData))

	tsUID := d.transferUID
	if tsUID == "" {
		if negotiatedTS, err := pduLayer.GetTransferSyntax(presContextID); err == nil {
			tsUID = negotiatedTS
		} else {
			d.logger.WarnContext(ctx, "unable to determine transfer syntax for presentation context",
				"context_id", presContextID, "error", err)
		}
	}
	d.currentMsg.TransferSyntaxUID = tsUID

	var parsedDataset *dicom.Dataset
	if len(d.datasetData) > 0 {
		var err error
		parsedDataset, err = dicom.ParseDatasetWithTransferSyntax(d.datasetData, tsUID)
		if err != nil {
			d.logger.WarnContext(ctx, "failed to parse dataset with negotiated transfer syntax",
				"transfer_syntax", tsUID, "error", err)
		}
	}

	meta := MessageContext{
		PresentationContextID: presContextID,
		TransferSyntaxUID:     tsUID,
		Dataset:               parsedDataset,
	}

	defer d.resetState()

	responseMsg, responseDataset, err := d.handler.HandleDIMSE(ctx, d.currentMsg, d.datasetData, meta)
	if err != nil {
		return fmt.Errorf("service handler failed: %w", err)
	}

	responseTS := responseMsg.TransferSyntaxUID
	if responseTS == "" {
		responseTS = tsUID
	}

	var encodedDataset []byte
	if responseDataset != nil {
		var encodeErr error
		encodedDataset, encodeErr = dicom.EncodeDatasetWithTransferSyntax(responseDataset, responseTS)
		if encodeErr != nil {
			return fmt.Errorf("failed to encode response dataset using transfer syntax %s: %w", responseTS, encodeErr)
		}
	}

	responseMsg.TransferSyntaxUID = responseTS
	return d.sendDIMSEResponse(responseMsg, encodedDataset, presContextID, pduLayer)
}

func (d *Service) resetState() {
	d.commandData = nil
	d.datasetData = nil
	d.currentMsg = nil
	d.transferUID = ""
	d.contextID = 0
}

func (d *Service) sendDIMSEResponse(msg *types.Message, data []byte, presContextID byte, pduLayer PDULayer) error {
	commandData, err := EncodeCommand(msg)
	if err != nil {
		return fmt.Errorf("failed to encode DIMSE response command: %w", err)
	}
	return pduLayer.SendDIMSEResponseWithDataset(presContextID, commandData, data)
}

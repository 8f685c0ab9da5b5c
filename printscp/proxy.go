package printscp

import (
	"context"
	"fmt"

	"github.com/softus/vdprintd/dicom"
	"github.com/softus/vdprintd/dimse"
	"github.com/softus/vdprintd/types"
)

// handleProxied implements §4.7: the downstream command and dataset are
// forwarded upstream on the presentation context negotiated for the
// same abstract syntax (the two associations assign context IDs
// independently, so matching is by abstract syntax rather than by raw
// numeric ID), the upstream's response is read back, and the same side
// effects §4.6.2 runs locally (study/series tracking, image-box
// storage) still run against it.
func (s *Session) handleProxied(ctx context.Context, msg *types.Message, meta dimse.MessageContext) (*types.Message, *dicom.Dataset, error) {
	abstractSyntax := abstractSyntaxFor(msg)

	presID, err := s.upstream.GetPresentationContextID(abstractSyntax)
	if err != nil {
		return nil, nil, fmt.Errorf("printscp: proxy: %w", err)
	}
	upstreamTS, err := s.upstream.GetNegotiatedTransferSyntax(abstractSyntax)
	if err != nil {
		return nil, nil, fmt.Errorf("printscp: proxy: %w", err)
	}

	var datasetBytes []byte
	if meta.Dataset != nil {
		datasetBytes, err = dicom.EncodeDatasetWithTransferSyntax(meta.Dataset, upstreamTS)
		if err != nil {
			return nil, nil, fmt.Errorf("printscp: proxy: encoding request dataset: %w", err)
		}
	}

	commandData, err := dimse.EncodeCommand(msg)
	if err != nil {
		return nil, nil, fmt.Errorf("printscp: proxy: encoding command: %w", err)
	}

	if err := dimse.SendDIMSEMessage(s.upstream.Conn(), presID, s.upstream.MaxPDULength(), commandData, datasetBytes); err != nil {
		return nil, nil, fmt.Errorf("printscp: proxy: forwarding to upstream: %w", err)
	}

	respMsg, respDatasetData, err := dimse.ReceiveDIMSEMessage(s.upstream.Conn())
	if err != nil {
		return nil, nil, fmt.Errorf("printscp: proxy: receiving from upstream: %w", err)
	}

	if want := types.ResponseCommandFor(msg.CommandField); respMsg.CommandField != want {
		s.logger.Warn("printscp: proxy: unexpected response command from upstream",
			"request_command", msg.CommandField, "expected_response_command", want,
			"got_response_command", respMsg.CommandField)
	}

	// §4.7: the downstream request's status_detail travels upstream as
	// part of msg above; the upstream response's status_detail is logged
	// here and stripped, never relayed back downstream.
	if respMsg.StatusDetail != nil {
		s.logger.Info("printscp: proxy: upstream status detail",
			"error_comment", respMsg.StatusDetail.ErrorComment, "error_id", respMsg.StatusDetail.ErrorID)
		respMsg.StatusDetail = nil
	}

	var respDataset *dicom.Dataset
	if len(respDatasetData) > 0 {
		respDataset, err = dicom.ParseDatasetWithTransferSyntax(respDatasetData, upstreamTS)
		if err != nil {
			return nil, nil, fmt.Errorf("printscp: proxy: parsing upstream response dataset: %w", err)
		}
	}

	respMsg.TransferSyntaxUID = meta.TransferSyntaxUID

	s.afterExchange(msg, respMsg, meta.Dataset, respDataset)

	return respMsg, respDataset, nil
}

// abstractSyntaxFor resolves the abstract syntax a command addresses,
// the key used to find the matching presentation context on the
// upstream association.
func abstractSyntaxFor(msg *types.Message) string {
	switch msg.CommandField {
	case types.CEchoRQ:
		return types.VerificationSOPClass
	case types.NCreateRQ:
		return msg.AffectedSOPClassUID
	default:
		return msg.RequestedSOPClassUID
	}
}

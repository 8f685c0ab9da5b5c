package pdu

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strings"

	"github.com/softus/vdprintd/dimseerrors"
	"github.com/softus/vdprintd/types"
)

// PDU types
const (
	TypeAssociateRQ = 0x01
	TypeAssociateAC = 0x02
	TypeAssociateRJ = 0x03
	TypePDataTF     = 0x04
	TypeReleaseRQ   = 0x05
	TypeReleaseRP   = 0x06
	TypeAbort       = 0x07
)

// PDU represents a Protocol Data Unit
type PDU struct {
	Type   byte
	Length uint32
	Data   []byte
}

// AETitleValidator reports whether the Called AE Title names a configured
// printer. A nil validator accepts any Called AE Title.
type AETitleValidator func(calledAETitle string) bool

// Layer handles the DICOM Upper Layer Protocol: association negotiation,
// PDV fragment framing, and release/abort handling. DIMSE command
// interpretation is the caller's job (see dimse.Service).
type Layer struct {
	conn           net.Conn
	associationCtx *AssociationContext
	dimseHandler   DIMSEHandler
	newHandler     HandlerFactory
	serverAETitle  string
	validateAE     AETitleValidator
	logger         *slog.Logger

	shutdownRequested bool
}

// ShutdownRequested reports whether the peer proposed the private
// shutdown SOP class during association negotiation. The caller that
// owns the listener (server.Server) checks this after HandleConnection
// returns to decide whether to stop accepting new associations.
func (p *Layer) ShutdownRequested() bool {
	return p.shutdownRequested
}

// AssociationContext holds association state
type AssociationContext struct {
	CalledAETitle    string
	CallingAETitle   string
	MaxPDULength     uint32
	PresentationCtxs map[byte]*PresentationContext
}

// PresentationContext represents a negotiated presentation context
type PresentationContext struct {
	ID             byte
	Result         byte
	AbstractSyntax string
	TransferSyntax string
}

const (
	presentationResultAcceptance           byte = 0x00
	presentationResultRejectAbstractSyntax byte = 0x03
	presentationResultRejectTransferSyntax byte = 0x04
)

// supportedAbstractSyntaxes lists the abstract syntaxes this SCP offers:
// Verification plus the full Basic Grayscale Print Management Meta SOP
// Class hierarchy. Query/Retrieve and Storage SCU abstract syntaxes are
// out of scope for this printer.
var supportedAbstractSyntaxes = map[string]bool{
	types.VerificationSOPClass:                    true,
	types.BasicGrayscalePrintManagementMetaSOPClass: true,
	types.BasicFilmSessionSOPClass:                 true,
	types.BasicFilmBoxSOPClass:                     true,
	types.BasicGrayscaleImageBoxSOPClass:           true,
	types.PrinterSOPClass:                          true,
	types.PresentationLUTSOPClass:                  true,
}

var supportedTransferSyntaxes = map[string]bool{
	types.ImplicitVRLittleEndian:     true,
	types.ExplicitVRLittleEndian:     true,
	types.ExplicitVRBigEndian:        true,
}

func normalizeUID(raw []byte) string {
	value := string(raw)
	value = strings.TrimRight(value, "\x00 ")
	return value
}

func supportsAbstractSyntax(uid string) bool {
	return supportedAbstractSyntaxes[uid]
}

func supportsTransferSyntax(uid string) bool {
	return supportedTransferSyntaxes[uid]
}

func parsePresentationContext(data []byte, logger *slog.Logger) (*PresentationContext, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("presentation context too short: %d", len(data))
	}

	ctxID := data[0]
	subOffset := 4
	var abstractSyntax string
	var transferSyntaxes []string

	for subOffset+4 <= len(data) {
		subItemType := data[subOffset]
		subItemLength := binary.BigEndian.Uint16(data[subOffset+2 : subOffset+4])
		valueStart := subOffset + 4
		valueEnd := valueStart + int(subItemLength)
		if valueEnd > len(data) {
			return nil, fmt.Errorf("presentation context %d sub-item exceeds length", ctxID)
		}

		value := data[valueStart:valueEnd]
		switch subItemType {
		case 0x30:
			abstractSyntax = normalizeUID(value)
		case 0x40:
			transferSyntaxes = append(transferSyntaxes, normalizeUID(value))
		}

		subOffset = valueEnd
	}

	if abstractSyntax == "" {
		return nil, fmt.Errorf("presentation context %d missing abstract syntax", ctxID)
	}

	if logger != nil {
		logger.Debug("parsing presentation context",
			"context_id", ctxID,
			"abstract_syntax", abstractSyntax,
			"proposed_transfer_syntaxes", transferSyntaxes)
	}

	result := presentationResultRejectAbstractSyntax
	selectedTransfer := ""

	if supportsAbstractSyntax(abstractSyntax) {
		for _, ts := range transferSyntaxes {
			if supportsTransferSyntax(ts) {
				selectedTransfer = ts
				result = presentationResultAcceptance
				break
			}
		}
		if result != presentationResultAcceptance {
			result = presentationResultRejectTransferSyntax
		}
	}

	if result == presentationResultAcceptance && selectedTransfer == "" {
		result = presentationResultRejectTransferSyntax
	}

	return &PresentationContext{
		ID:             ctxID,
		Result:         result,
		AbstractSyntax: abstractSyntax,
		TransferSyntax: selectedTransfer,
	}, nil
}

func parseUserInformation(data []byte) (uint32, error) {
	offset := 0
	var maxPDULength uint32

	for offset+4 <= len(data) {
		subItemType := data[offset]
		subItemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(subItemLength)
		if valueEnd > len(data) {
			return 0, fmt.Errorf("user information sub-item exceeds length")
		}

		if subItemType == 0x51 && subItemLength == 4 {
			maxPDULength = binary.BigEndian.Uint32(data[valueStart:valueEnd])
		}

		offset = valueEnd
	}

	return maxPDULength, nil
}

// DIMSEHandler is the surface the DIMSE layer exposes to accept reassembled
// PDV fragments.
type DIMSEHandler interface {
	HandleDIMSEMessage(presContextID byte, msgCtrlHeader byte, data []byte, pduLayer *Layer) error
}

// HandlerFactory builds the DIMSEHandler for one accepted association,
// once negotiation has completed. It runs after the A-ASSOCIATE-AC has
// been sent, so the handler it returns can see the negotiated Called/
// Calling AE titles and presentation contexts (a PrintSession is keyed
// off the Called AE Title, which is only known at this point).
type HandlerFactory func(assoc *AssociationContext) DIMSEHandler

// NewLayer creates a new PDU layer handler. validateAE may be nil to accept
// any Called AE Title (used by tests); production wiring passes the
// config-backed printer lookup so unknown printers are rejected per
// DICOM PS3.8 rather than silently accepted.
func NewLayer(conn net.Conn, newHandler HandlerFactory, serverAETitle string, validateAE AETitleValidator, logger *slog.Logger) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Layer{
		conn:          conn,
		newHandler:    newHandler,
		serverAETitle: serverAETitle,
		validateAE:    validateAE,
		logger:        logger,
	}
}

// HandleConnection manages the complete DICOM connection lifecycle: the
// association phase, then the DIMSE message loop until release or abort.
func (p *Layer) HandleConnection() error {
	defer p.conn.Close()
	p.logger.Info("new DICOM connection", "remote_addr", p.conn.RemoteAddr())

	if err := p.handleAssociationPhase(); err != nil {
		return fmt.Errorf("association failed: %w", err)
	}
	if p.associationCtx == nil {
		// Association was rejected; nothing more to do on this connection.
		return nil
	}

	for {
		pduMsg, err := p.readPDU()
		if err != nil {
			if err == io.EOF {
				p.logger.Info("connection closed by client", "remote_addr", p.conn.RemoteAddr())
			} else {
				p.logger.Warn("error reading PDU", "error", err, "remote_addr", p.conn.RemoteAddr())
			}
			break
		}

		if err := p.handlePDU(pduMsg); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("error handling PDU: %w", err)
		}
	}

	return nil
}

func (p *Layer) readPDU() (*PDU, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(p.conn, header); err != nil {
		return nil, err
	}

	pduType := header[0]
	pduLength := binary.BigEndian.Uint32(header[2:6])

	pduData := make([]byte, pduLength)
	if _, err := io.ReadFull(p.conn, pduData); err != nil {
		return nil, fmt.Errorf("failed to read PDU data: %w", err)
	}

	return &PDU{Type: pduType, Length: pduLength, Data: pduData}, nil
}

func (p *Layer) handlePDU(pduMsg *PDU) error {
	p.logger.Debug("received PDU", "type", fmt.Sprintf("0x%02x", pduMsg.Type), "length", pduMsg.Length)

	switch pduMsg.Type {
	case TypePDataTF:
		return p.handlePDataTF(pduMsg)
	case TypeReleaseRQ:
		return p.handleReleaseRequest()
	case TypeReleaseRP:
		p.logger.Debug("received A-RELEASE-RP")
		return io.EOF
	case TypeAbort:
		var source, reason byte
		if len(pduMsg.Data) >= 4 {
			source = pduMsg.Data[2]
			reason = pduMsg.Data[3]
		}
		p.logger.Info("received A-ABORT", "source", source, "reason", reason)
		return io.EOF
	default:
		p.logger.Warn("unhandled PDU type", "type", fmt.Sprintf("0x%02x", pduMsg.Type))
		return nil
	}
}

// handleAssociationPhase reads the A-ASSOCIATE-RQ and either accepts or
// rejects it, per DICOM PS3.8 Section 9.3.4.
func (p *Layer) handleAssociationPhase() error {
	pduMsg, err := p.readPDU()
	if err != nil {
		return fmt.Errorf("failed to read association request: %w", err)
	}

	if pduMsg.Type != TypeAssociateRQ {
		return fmt.Errorf("expected A-ASSOCIATE-RQ, got PDU type: 0x%02x", pduMsg.Type)
	}

	return p.handleAssociateRequest(pduMsg)
}

// handleAssociateRequest validates the proposed association and sends
// either A-ASSOCIATE-AC or A-ASSOCIATE-RJ.
func (p *Layer) handleAssociateRequest(pduMsg *PDU) error {
	p.logger.Debug("processing A-ASSOCIATE-RQ")

	p.associationCtx = &AssociationContext{
		CalledAETitle:    p.serverAETitle,
		CallingAETitle:   "UNKNOWN",
		MaxPDULength:     16384,
		PresentationCtxs: make(map[byte]*PresentationContext),
	}

	appContextUID, err := p.parseAssociationRequest(pduMsg)
	if err != nil {
		return p.reject(dimseerrors.NewAssociationError(
			dimseerrors.RejectSourceServiceProvider,
			dimseerrors.RejectReasonNoReasonGiven,
			err.Error(),
		))
	}

	if appContextUID != "" && appContextUID != types.ApplicationContextUID {
		return p.reject(dimseerrors.NewAssociationError(
			dimseerrors.RejectSourceServiceUser,
			dimseerrors.RejectReasonApplicationContextNotSupported,
			fmt.Sprintf("unsupported application context %q", appContextUID),
		))
	}

	if p.validateAE != nil && !p.validateAE(p.associationCtx.CalledAETitle) {
		return p.reject(dimseerrors.NewAssociationError(
			dimseerrors.RejectSourceServiceUser,
			dimseerrors.RejectReasonCalledAETitleNotRecognized,
			fmt.Sprintf("called AE title %q is not a configured printer", p.associationCtx.CalledAETitle),
		))
	}

	if p.proposesShutdown() {
		p.shutdownRequested = true
		return p.reject(dimseerrors.NewAssociationError(
			dimseerrors.RejectSourceServiceUser,
			dimseerrors.RejectReasonNoReasonGiven,
			"private shutdown SOP class proposed",
		))
	}

	if len(p.associationCtx.PresentationCtxs) == 0 {
		return p.reject(dimseerrors.NewAssociationError(
			dimseerrors.RejectSourceServiceProvider,
			dimseerrors.RejectReasonNoReasonGiven,
			"no presentation contexts proposed",
		))
	}

	response := p.createAssociateAccept()
	if _, err := p.conn.Write(response); err != nil {
		return fmt.Errorf("failed to send A-ASSOCIATE-AC: %w", err)
	}

	p.logger.Info("association accepted",
		"calling_ae", p.associationCtx.CallingAETitle,
		"called_ae", p.associationCtx.CalledAETitle)

	if p.newHandler != nil {
		p.dimseHandler = p.newHandler(p.associationCtx)
	}
	return nil
}

// proposesShutdown reports whether any proposed presentation context
// names the private shutdown abstract syntax, regardless of whether it
// would otherwise have been accepted.
func (p *Layer) proposesShutdown() bool {
	for _, ctx := range p.associationCtx.PresentationCtxs {
		if ctx.AbstractSyntax == types.PrivateShutdownSOPClass {
			return true
		}
	}
	return false
}

// reject writes an A-ASSOCIATE-RJ PDU for assocErr and marks the
// association as not established (HandleConnection stops after this).
func (p *Layer) reject(assocErr *dimseerrors.AssociationError) error {
	p.logger.Warn("rejecting association",
		"calling_ae", p.associationCtx.CallingAETitle,
		"called_ae", p.associationCtx.CalledAETitle,
		"reason", assocErr.Reason, "source", assocErr.Source, "msg", assocErr.Msg)

	p.associationCtx = nil

	pduData := []byte{0x00, byte(assocErr.Result), byte(assocErr.Source), byte(assocErr.Reason)}
	pduHeader := []byte{TypeAssociateRJ, 0x00, 0x00, 0x00, 0x00, 0x04}
	if _, err := p.conn.Write(append(pduHeader, pduData...)); err != nil {
		return fmt.Errorf("failed to send A-ASSOCIATE-RJ: %w", err)
	}
	return nil
}

func (p *Layer) handlePDataTF(pduMsg *PDU) error {
	if len(pduMsg.Data) < 6 {
		return fmt.Errorf("P-DATA-TF too short")
	}

	pdvLength := binary.BigEndian.Uint32(pduMsg.Data[0:4])
	if len(pduMsg.Data) < int(4+pdvLength) {
		return fmt.Errorf("incomplete PDV data")
	}

	pdvData := pduMsg.Data[4 : 4+pdvLength]
	if len(pdvData) < 2 {
		return fmt.Errorf("PDV data too short")
	}

	presContextID := pdvData[0]
	msgCtrlHeader := pdvData[1]
	dimseData := pdvData[2:]

	return p.dimseHandler.HandleDIMSEMessage(presContextID, msgCtrlHeader, dimseData, p)
}

func (p *Layer) handleReleaseRequest() error {
	p.logger.Debug("processing A-RELEASE-RQ")

	response := []byte{TypeReleaseRP, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00}
	if _, err := p.conn.Write(response); err != nil {
		return fmt.Errorf("failed to send A-RELEASE-RP: %w", err)
	}

	p.logger.Debug("sent A-RELEASE-RP")
	return io.EOF
}

// SendDIMSEResponse sends a command-only DIMSE response via P-DATA-TF.
func (p *Layer) SendDIMSEResponse(presContextID byte, commandData []byte) error {
	return p.SendDIMSEResponseWithDataset(presContextID, commandData, nil)
}

// SendDIMSEResponseWithDataset sends a DIMSE response, and an optional
// dataset, each as its own P-DATA-TF PDU.
func (p *Layer) SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, datasetData []byte) error {
	if err := p.writePDataTF(presContextID, 0x03, commandData); err != nil {
		return fmt.Errorf("failed to send command PDU: %w", err)
	}

	if len(datasetData) > 0 {
		if err := p.writePDataTF(presContextID, 0x02, datasetData); err != nil {
			return fmt.Errorf("failed to send dataset PDU: %w", err)
		}
	}

	return nil
}

func (p *Layer) writePDataTF(presContextID byte, msgCtrlHeader byte, data []byte) error {
	pdvData := append([]byte{presContextID, msgCtrlHeader}, data...)

	pdvLength := make([]byte, 4)
	binary.BigEndian.PutUint32(pdvLength, uint32(len(pdvData)))

	pduLength := make([]byte, 4)
	binary.BigEndian.PutUint32(pduLength, uint32(len(pdvLength)+len(pdvData)))

	pdu := []byte{TypePDataTF, 0x00}
	pdu = append(pdu, pduLength...)
	pdu = append(pdu, pdvLength...)
	pdu = append(pdu, pdvData...)

	_, err := p.conn.Write(pdu)
	return err
}

// GetTransferSyntax returns the negotiated transfer syntax for the given presentation context.
func (p *Layer) GetTransferSyntax(presContextID byte) (string, error) {
	if p.associationCtx == nil {
		return "", fmt.Errorf("association context not initialized")
	}

	ctx, ok := p.associationCtx.PresentationCtxs[presContextID]
	if !ok {
		return "", fmt.Errorf("presentation context %d not found", presContextID)
	}

	if ctx.TransferSyntax == "" {
		return "", fmt.Errorf("no transfer syntax negotiated for presentation context %d", presContextID)
	}

	return ctx.TransferSyntax, nil
}

// createAssociateAccept creates a proper A-ASSOCIATE-AC PDU.
func (p *Layer) createAssociateAccept() []byte {
	fixedFields := make([]byte, 68)
	binary.BigEndian.PutUint16(fixedFields[0:2], 0x0001)

	calledAE := p.associationCtx.CalledAETitle
	if len(calledAE) > 16 {
		calledAE = calledAE[:16]
	}
	callingAE := p.associationCtx.CallingAETitle
	if len(callingAE) > 16 {
		callingAE = callingAE[:16]
	}

	copy(fixedFields[4:20], fmt.Sprintf("%-16s", calledAE))
	copy(fixedFields[20:36], fmt.Sprintf("%-16s", callingAE))

	appContextUID := types.ApplicationContextUID
	appContextItem := []byte{0x10, 0x00}
	appContextLen := make([]byte, 2)
	binary.BigEndian.PutUint16(appContextLen, uint16(len(appContextUID)))
	appContextItem = append(appContextItem, appContextLen...)
	appContextItem = append(appContextItem, []byte(appContextUID)...)

	var contextIDs []byte
	for id := range p.associationCtx.PresentationCtxs {
		contextIDs = append(contextIDs, id)
	}
	sort.Slice(contextIDs, func(i, j int) bool { return contextIDs[i] < contextIDs[j] })

	var allPresContextItems []byte
	for _, id := range contextIDs {
		ctx := p.associationCtx.PresentationCtxs[id]

		// Some DICOM implementations (DCMTK/Orthanc) reject an
		// A-ASSOCIATE-AC that echoes rejected contexts, even though
		// PS3.8 9.3.3.3 allows it. Skip them for interoperability.
		if ctx.Result != presentationResultAcceptance {
			continue
		}

		var presContextData []byte
		if ctx.TransferSyntax == "" {
			ctx.Result = presentationResultRejectTransferSyntax
			continue
		}

		transferSyntaxItem := []byte{0x40, 0x00}
		transferSyntaxLen := make([]byte, 2)
		binary.BigEndian.PutUint16(transferSyntaxLen, uint16(len(ctx.TransferSyntax)))
		transferSyntaxItem = append(transferSyntaxItem, transferSyntaxLen...)
		transferSyntaxItem = append(transferSyntaxItem, []byte(ctx.TransferSyntax)...)
		presContextData = transferSyntaxItem

		presContextItem := []byte{0x21, 0x00}
		presContextLen := make([]byte, 2)
		binary.BigEndian.PutUint16(presContextLen, uint16(4+len(presContextData)))
		presContextItem = append(presContextItem, presContextLen...)
		presContextItem = append(presContextItem, ctx.ID, ctx.Result, 0x00, 0x00)
		presContextItem = append(presContextItem, presContextData...)

		allPresContextItems = append(allPresContextItems, presContextItem...)
	}

	maxPDUItem := []byte{0x51, 0x00, 0x00, 0x04}
	maxPDUValue := make([]byte, 4)
	binary.BigEndian.PutUint32(maxPDUValue, 16384)
	maxPDUItem = append(maxPDUItem, maxPDUValue...)

	implClassUID := "1.2.3.4.5.6.7.8.9"
	implClassItem := []byte{0x52, 0x00}
	implClassLen := make([]byte, 2)
	binary.BigEndian.PutUint16(implClassLen, uint16(len(implClassUID)))
	implClassItem = append(implClassItem, implClassLen...)
	implClassItem = append(implClassItem, []byte(implClassUID)...)

	implVersionName := "VDPRINTD_1.0"
	implVersionItem := []byte{0x55, 0x00}
	implVersionLen := make([]byte, 2)
	binary.BigEndian.PutUint16(implVersionLen, uint16(len(implVersionName)))
	implVersionItem = append(implVersionItem, implVersionLen...)
	implVersionItem = append(implVersionItem, []byte(implVersionName)...)

	userInfoData := append(maxPDUItem, implClassItem...)
	userInfoData = append(userInfoData, implVersionItem...)
	userInfoItem := []byte{0x50, 0x00}
	userInfoLen := make([]byte, 2)
	binary.BigEndian.PutUint16(userInfoLen, uint16(len(userInfoData)))
	userInfoItem = append(userInfoItem, userInfoLen...)
	userInfoItem = append(userInfoItem, userInfoData...)

	variableItems := append(appContextItem, allPresContextItems...)
	variableItems = append(variableItems, userInfoItem...)
	pduData := append(fixedFields, variableItems...)

	pduHeader := []byte{TypeAssociateAC, 0x00}
	pduLength := make([]byte, 4)
	binary.BigEndian.PutUint32(pduLength, uint32(len(pduData)))
	pduHeader = append(pduHeader, pduLength...)

	return append(pduHeader, pduData...)
}

// parseAssociationRequest parses an A-ASSOCIATE-RQ PDU, populating
// p.associationCtx and returning the proposed Application Context UID.
func (p *Layer) parseAssociationRequest(pduMsg *PDU) (string, error) {
	if len(pduMsg.Data) < 68 {
		return "", fmt.Errorf("association request too short")
	}

	data := pduMsg.Data

	calledAE := normalizeUID(data[4:20])
	callingAE := normalizeUID(data[20:36])

	p.associationCtx.CalledAETitle = calledAE
	p.associationCtx.CallingAETitle = callingAE
	p.associationCtx.PresentationCtxs = make(map[byte]*PresentationContext)

	p.logger.Info("extracted AE titles from association request",
		"calling_ae", callingAE, "called_ae", calledAE)

	var appContextUID string
	offset := 68
	var proposedContexts, acceptedContexts int

	for offset < len(data) {
		if offset+4 > len(data) {
			break
		}

		itemType := data[offset]
		itemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(itemLength)
		if valueEnd > len(data) {
			return "", fmt.Errorf("association item exceeds PDU length")
		}
		itemData := data[valueStart:valueEnd]

		switch itemType {
		case 0x10:
			appContextUID = normalizeUID(itemData)
		case 0x20:
			proposedContexts++
			ctx, err := parsePresentationContext(itemData, p.logger)
			if err != nil {
				p.logger.Warn("failed to parse presentation context", "error", err)
			} else {
				p.associationCtx.PresentationCtxs[ctx.ID] = ctx
				if ctx.Result == presentationResultAcceptance {
					acceptedContexts++
				}
			}
		case 0x50:
			if maxPDULength, err := parseUserInformation(itemData); err != nil {
				p.logger.Warn("failed to parse user information", "error", err)
			} else if maxPDULength > 0 {
				p.associationCtx.MaxPDULength = maxPDULength
			}
		}

		offset = valueEnd
	}

	p.logger.Info("negotiated presentation contexts",
		"proposed", proposedContexts, "accepted", acceptedContexts,
		"max_pdu_length", p.associationCtx.MaxPDULength)

	return appContextUID, nil
}

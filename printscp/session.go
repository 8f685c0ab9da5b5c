// Package printscp implements the Basic Grayscale Print Management SCP
// state machine (component C6) and its transparent upstream proxy path
// (component C7). One Session is created per accepted association by
// the HandlerFactory returned from NewHandlerFactory, and lives for the
// lifetime of that association.
package printscp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/softus/vdprintd/client"
	"github.com/softus/vdprintd/config"
	"github.com/softus/vdprintd/dicom"
	"github.com/softus/vdprintd/dimse"
	"github.com/softus/vdprintd/enrich"
	"github.com/softus/vdprintd/ocr"
	"github.com/softus/vdprintd/pdu"
	"github.com/softus/vdprintd/storeclient"
	"github.com/softus/vdprintd/types"
	"github.com/softus/vdprintd/uidgen"
)

var printAbstractSyntaxes = []string{
	types.BasicGrayscalePrintManagementMetaSOPClass,
	types.BasicFilmSessionSOPClass,
	types.BasicFilmBoxSOPClass,
	types.BasicGrayscaleImageBoxSOPClass,
	types.PrinterSOPClass,
	types.PresentationLUTSOPClass,
	types.VerificationSOPClass,
}

var preferredTransferSyntaxes = []string{
	types.ExplicitVRLittleEndian,
	types.ExplicitVRBigEndian,
	types.ImplicitVRLittleEndian,
}

// Deps carries the collaborators a Session needs that outlive any
// single association: the config tree, the enrichment client, the UID
// generator, and the logger. One Deps is shared by every session a
// daemon process serves.
type Deps struct {
	Root       *config.View
	EnrichClient *enrich.Client
	UIDGen     *uidgen.Generator
	Logger     *slog.Logger
}

// Session implements dimse.Handler for one print association: it holds
// the printer identity, the accumulating session_dataset, and, when the
// printer group configures an upstream, the upstream association used
// to splice every exchange through to a real printer (§4.7).
type Session struct {
	deps Deps

	printer    string
	printerCfg *config.PrinterConfig
	printerView *config.View
	effectiveAE string

	callingAE string
	calledAE  string

	studyUID       string
	seriesUID      string
	sopInstanceUID string

	sessionDataset *dicom.Dataset

	upstream *client.Association

	tagger     *ocr.Tagger
	taggerOnce bool

	logger *slog.Logger
}

// NewHandlerFactory builds a server.HandlerFactory that constructs one
// Session per accepted association, seeding it per §4.6.1 and opening
// the upstream association if the printer group configures one.
func NewHandlerFactory(deps Deps) func(assoc *pdu.AssociationContext) dimse.Handler {
	return func(assoc *pdu.AssociationContext) dimse.Handler {
		return newSession(deps, assoc)
	}
}

func newSession(deps Deps, assoc *pdu.AssociationContext) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	printer := assoc.CalledAETitle
	printerView := deps.Root.BeginGroup(printer)
	printerCfg, err := config.DecodePrinterConfig(printerView)
	if err != nil {
		logger.Warn("printscp: invalid printer config, using defaults", "printer", printer, "error", err)
		printerCfg = &config.PrinterConfig{PDUSize: 16384}
	}

	effectiveAE := printerCfg.AETitle
	if effectiveAE == "" {
		effectiveAE = assoc.CallingAETitle
	}

	s := &Session{
		deps:        deps,
		printer:     printer,
		printerCfg:  printerCfg,
		printerView: printerView,
		effectiveAE: effectiveAE,
		callingAE:   assoc.CallingAETitle,
		calledAE:    assoc.CalledAETitle,
		logger:      logger.With("printer", printer, "calling_ae", assoc.CallingAETitle),
	}

	s.sessionDataset = dicom.NewDataset()
	destinationAETag := dicom.Tag{Group: 0x2100, Element: 0x0140}
	patientIDTag := dicom.Tag{Group: 0x0010, Element: 0x0020}
	patientNameTag := dicom.Tag{Group: 0x0010, Element: 0x0010}
	s.sessionDataset.AddElement(destinationAETag, dicom.VR_AE, effectiveAE)
	s.sessionDataset.AddElement(patientIDTag, dicom.VR_LO, "0")
	s.sessionDataset.AddElement(patientNameTag, dicom.VR_PN, "^")

	if printerCfg.UpstreamAETitle != "" {
		if err := s.connectUpstream(); err != nil {
			s.logger.Warn("printscp: failed to open upstream association, proceeding in local mode", "error", err)
			s.upstream = nil
		}
	}

	return s
}

func (s *Session) connectUpstream() error {
	address := fmt.Sprintf("%s:%d", s.printerCfg.UpstreamAddress, s.printerCfg.PrintPort)
	timeout := time.Duration(s.deps.Root.GetInt("timeout", 30)) * time.Second

	proposed := make([]client.ProposedContext, len(printAbstractSyntaxes))
	for i, as := range printAbstractSyntaxes {
		proposed[i] = client.ProposedContext{AbstractSyntax: as, TransferSyntaxes: preferredTransferSyntaxes}
	}

	assoc, err := client.Connect(address, client.Config{
		CallingAETitle:            s.calledAE,
		CalledAETitle:             s.printerCfg.UpstreamAETitle,
		MaxPDULength:              uint32(s.printerCfg.PDUSize),
		ConnectTimeout:            timeout,
		ReadTimeout:               timeout,
		WriteTimeout:              timeout,
		Logger:                    s.logger,
		PreferredTransferSyntaxes: preferredTransferSyntaxes,
		ProposedContexts:          proposed,
	})
	if err != nil {
		return err
	}
	s.upstream = assoc
	s.logger.Info("printscp: upstream association established",
		"upstream_address", address, "upstream_ae", s.printerCfg.UpstreamAETitle)
	return nil
}

// HandleDIMSE implements dimse.Handler. In local mode it dispatches the
// request itself (§4.6.2); when an upstream association is open it
// splices the exchange through (§4.7), still running the side effects
// (study/series UID tracking, image-box storage) that make the proxy
// worth running in the first place.
func (s *Session) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta dimse.MessageContext) (*types.Message, *dicom.Dataset, error) {
	if s.upstream != nil {
		return s.handleProxied(ctx, msg, meta)
	}
	return s.handleLocal(ctx, msg, meta)
}

func (s *Session) handleLocal(ctx context.Context, msg *types.Message, meta dimse.MessageContext) (*types.Message, *dicom.Dataset, error) {
	rqDataset := meta.Dataset

	resp, rspDataset, err := s.dispatch(msg, rqDataset)
	if err != nil {
		return nil, nil, err
	}
	resp.TransferSyntaxUID = meta.TransferSyntaxUID

	s.afterExchange(msg, resp, rqDataset, rspDataset)

	return resp, rspDataset, nil
}

// afterExchange implements the tail shared by local dispatch (§4.6.2)
// and the proxy splice (§4.7): an image-box N-SET triggers storeImage
// with the request dataset instead of folding it into session_dataset;
// every other exchange merges both request and response into
// session_dataset, and a successful N-CREATE records study/series UIDs
// from the (possibly upstream) response.
func (s *Session) afterExchange(rq *types.Message, rsp *types.Message, rqDataset, rspDataset *dicom.Dataset) {
	if rq.CommandField == types.NSetRQ && rq.RequestedSOPClassUID == types.BasicGrayscaleImageBoxSOPClass {
		s.storeImage(rq, rqDataset)
		return
	}

	if rq.CommandField == types.NCreateRQ && rsp.Status == types.StatusSuccess {
		switch rq.AffectedSOPClassUID {
		case types.BasicFilmSessionSOPClass:
			s.studyUID = rsp.AffectedSOPInstanceUID
		case types.BasicFilmBoxSOPClass:
			s.seriesUID = rsp.AffectedSOPInstanceUID
		}
	}

	if rqDataset != nil {
		dicom.MergeNonSequence(s.sessionDataset, rqDataset)
	}
	if rspDataset != nil {
		dicom.MergeNonSequence(s.sessionDataset, rspDataset)
	}
}

// dispatch implements §4.6.2's per-command table.
func (s *Session) dispatch(msg *types.Message, rqDataset *dicom.Dataset) (*types.Message, *dicom.Dataset, error) {
	switch msg.CommandField {
	case types.CEchoRQ:
		return s.handleCEcho(msg)
	case types.NGetRQ:
		return s.handleNGet(msg)
	case types.NSetRQ:
		return s.handleNSet(msg, rqDataset)
	case types.NActionRQ:
		return s.handleNAction(msg)
	case types.NCreateRQ:
		return s.handleNCreate(msg, rqDataset)
	case types.NDeleteRQ:
		return s.handleNDelete(msg)
	default:
		return nil, nil, fmt.Errorf("printscp: unsupported command field 0x%04x", msg.CommandField)
	}
}

func (s *Session) handleCEcho(msg *types.Message) (*types.Message, *dicom.Dataset, error) {
	resp := &types.Message{
		CommandField:              types.CEchoRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		CommandDataSetType:        types.NoDataSetPresent,
		Status:                    types.StatusSuccess,
	}
	return resp, nil, nil
}

func (s *Session) handleNAction(msg *types.Message) (*types.Message, *dicom.Dataset, error) {
	resp := &types.Message{
		CommandField:              types.NActionRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		CommandDataSetType:        types.NoDataSetPresent,
		Status:                    types.StatusSuccess,
		ActionTypeID:              msg.ActionTypeID,
	}
	return resp, nil, nil
}

func (s *Session) enrichConfig() *config.EnrichConfig {
	return config.DecodeEnrichConfig(s.printerView)
}

func (s *Session) tagRules() []config.TagRule {
	rootRules := config.ReadTagRules(s.deps.Root)
	printerRules := config.ReadTagRules(s.printerView)
	return append(rootRules, printerRules...)
}

func (s *Session) ocrTagger() *ocr.Tagger {
	if s.taggerOnce {
		return s.tagger
	}
	s.taggerOnce = true

	lang := s.deps.Root.Get("ocr-lang", "eng")
	badSymbols := s.printerView.Get("bad-symbols", "")

	engine := ocr.NewEngine(lang)
	s.tagger = ocr.NewTagger(engine, 0, 0, badSymbols)
	return s.tagger
}

func sendToConfiguredServers(logger *slog.Logger, root *config.View, dataset *dicom.Dataset, sopInstanceUID, transferSyntax, spoolPath string) {
	for _, serverName := range root.GetStrings("storage-servers") {
		serverCfg, err := config.DecodeServerConfig(root.BeginGroup(serverName))
		if err != nil {
			logger.Warn("printscp: invalid storage server config", "server", serverName, "error", err)
			continue
		}

		if err := storeclient.SendToServer(serverCfg, dataset, types.SecondaryCaptureImageStorage, sopInstanceUID, transferSyntax); err != nil {
			logger.Warn("printscp: failed to store to server, spooling", "server", serverName, "error", err)
			if spoolPath != "" {
				if _, spoolErr := spoolSave(spoolPath+"/"+serverName, dataset, sopInstanceUID); spoolErr != nil {
					logger.Error("printscp: failed to spool after store failure", "server", serverName, "error", spoolErr)
				}
			}
			continue
		}
		logger.Info("printscp: stored image", "server", serverName, "sop_instance_uid", sopInstanceUID)
	}
}

package printscp

import (
	"context"
	"time"

	"github.com/softus/vdprintd/dicom"
	"github.com/softus/vdprintd/types"
)

var (
	specificCharacterSetTag = dicom.Tag{Group: 0x0008, Element: 0x0005}
	instanceCreationDateTag = dicom.Tag{Group: 0x0008, Element: 0x0012}
	instanceCreationTimeTag = dicom.Tag{Group: 0x0008, Element: 0x0013}
	studyDateTag            = dicom.Tag{Group: 0x0008, Element: 0x0020}
	studyTimeTag            = dicom.Tag{Group: 0x0008, Element: 0x0030}
	manufacturerTag         = dicom.Tag{Group: 0x0008, Element: 0x0070}
	manufacturerModelTag    = dicom.Tag{Group: 0x0008, Element: 0x1090}
	sopInstanceUIDTag       = dicom.Tag{Group: 0x0008, Element: 0x0018}
	studyInstanceUIDTag     = dicom.Tag{Group: 0x0020, Element: 0x000D}
	seriesInstanceUIDTag    = dicom.Tag{Group: 0x0020, Element: 0x000E}
	basicGrayscaleImageSeq  = dicom.Tag{Group: 0x2020, Element: 0x0130}
	retiredPrintQueueIDTag  = dicom.Tag{Group: 0x2100, Element: 0x0160}
)

const organizationName = "Softus"
const productName = "virtual-dicom-printd"

// handleNSet implements the protocol-level half of §4.6.2: every N-SET
// is Success regardless of SOP class. The image-box variant additionally
// triggers the storage pipeline (§4.6.4) before responding, matching the
// original's ordering of side effect then response.
func (s *Session) handleNSet(msg *types.Message, rqDataset *dicom.Dataset) (*types.Message, *dicom.Dataset, error) {
	resp := &types.Message{
		CommandField:              types.NSetRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		CommandDataSetType:        types.NoDataSetPresent,
		Status:                    types.StatusSuccess,
	}

	return resp, nil, nil
}

// storeImage implements §4.6.4. It is also invoked from the proxy path
// (§4.7), since observing and dual-delivering storage is the entire
// point of running a printer behind a proxy.
func (s *Session) storeImage(msg *types.Message, rqDataset *dicom.Dataset) {
	if rqDataset == nil {
		s.logger.Warn("printscp: image-box N-SET request dataset is missing")
		return
	}

	s.sopInstanceUID = msg.RequestedSOPInstanceUID

	if s.printerCfg.ForceUniqueStudy {
		s.studyUID = s.deps.UIDGen.Next()
	}
	if s.printerCfg.ForceUniqueSeries {
		s.seriesUID = s.deps.UIDGen.Next()
	}

	flattenBasicGrayscaleImageSequence(rqDataset)
	dicom.MergeNonSequence(rqDataset, s.sessionDataset)

	now := time.Now()
	rqDataset.AddElement(specificCharacterSetTag, dicom.VR_CS, "ISO_IR 192")
	rqDataset.AddElement(studyInstanceUIDTag, dicom.VR_UI, s.studyUID)
	rqDataset.AddElement(seriesInstanceUIDTag, dicom.VR_UI, s.seriesUID)
	rqDataset.AddElement(sopInstanceUIDTag, dicom.VR_UI, s.sopInstanceUID)
	rqDataset.AddElement(instanceCreationDateTag, dicom.VR_DA, now.Format("20060102"))
	rqDataset.AddElement(instanceCreationTimeTag, dicom.VR_TM, now.Format("150405"))
	rqDataset.AddElement(studyDateTag, dicom.VR_DA, now.Format("20060102"))
	rqDataset.AddElement(studyTimeTag, dicom.VR_TM, now.Format("150405"))
	rqDataset.AddElement(manufacturerTag, dicom.VR_LO, organizationName)
	rqDataset.AddElement(manufacturerModelTag, dicom.VR_LO, productName)

	spoolPath := s.deps.Root.Get("spool-path", "")

	enriched := s.deps.EnrichClient.Query(context.Background(), s.enrichConfig(), s.tagRules(), s.ocrTagger(), rqDataset)
	if !enriched {
		rqDataset.AddElement(retiredPrintQueueIDTag, dicom.VR_SH, s.printer)
		if spoolPath != "" {
			if _, err := spoolSave(spoolPath, rqDataset, s.sopInstanceUID); err != nil {
				s.logger.Error("printscp: failed to spool unenriched image", "error", err)
			}
		}
		return
	}

	sendToConfiguredServers(s.logger, s.deps.Root, rqDataset, s.sopInstanceUID, types.ExplicitVRLittleEndian, spoolPath)
}

// flattenBasicGrayscaleImageSequence moves the first item of
// BasicGrayscaleImageSequence up to the dataset root and removes the
// sequence, matching the original's pixel-data-carrying item layout.
func flattenBasicGrayscaleImageSequence(dataset *dicom.Dataset) {
	items := dataset.GetSequence(basicGrayscaleImageSeq)
	if len(items) == 0 {
		return
	}
	for tag, elem := range items[0].Elements {
		dataset.Elements[tag] = elem
	}
	delete(dataset.Elements, basicGrayscaleImageSeq)
}

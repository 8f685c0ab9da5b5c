package printscp

import (
	"regexp"
	"strconv"

	"github.com/softus/vdprintd/dicom"
	"github.com/softus/vdprintd/types"
)

var imageDisplayFormatPattern = regexp.MustCompile(`^STANDARD\\(\d+),(\d+)`)

var referencedImageBoxSequenceTag = dicom.Tag{Group: 0x2020, Element: 0x0110}
var referencedSOPClassUIDTag = dicom.Tag{Group: 0x0008, Element: 0x1150}
var referencedSOPInstanceUIDTag = dicom.Tag{Group: 0x0008, Element: 0x1155}
var imageDisplayFormatTag = dicom.Tag{Group: 0x2010, Element: 0x0010}

// handleNCreate implements §4.6.5's per-class table.
func (s *Session) handleNCreate(msg *types.Message, rqDataset *dicom.Dataset) (*types.Message, *dicom.Dataset, error) {
	resp := &types.Message{
		CommandField:              types.NCreateRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       msg.AffectedSOPClassUID,
		CommandDataSetType:        types.NoDataSetPresent,
		Status:                    types.StatusSuccess,
	}

	if msg.AffectedSOPInstanceUID != "" {
		resp.AffectedSOPInstanceUID = msg.AffectedSOPInstanceUID
	} else {
		resp.AffectedSOPInstanceUID = s.deps.UIDGen.Next()
	}

	var rspDataset *dicom.Dataset

	switch msg.AffectedSOPClassUID {
	case types.BasicFilmSessionSOPClass:
		if s.studyUID != "" {
			resp.Status = types.StatusDuplicateSOPInstance
			resp.AffectedSOPInstanceUID = ""
		}
	case types.BasicFilmBoxSOPClass:
		rspDataset = cloneOrEmpty(rqDataset)
		rspDataset.AddSequence(referencedImageBoxSequenceTag, s.buildImageBoxItems(rspDataset))
	case types.PresentationLUTSOPClass:
		if rqDataset != nil {
			rspDataset = cloneOrEmpty(rqDataset)
		}
	default:
		s.logger.Warn("printscp: N-CREATE unsupported for SOP class", "sop_class", msg.AffectedSOPClassUID)
		resp.Status = types.StatusNoSuchSOPClass
		resp.AffectedSOPInstanceUID = ""
	}

	return resp, rspDataset, nil
}

// buildImageBoxItems parses ImageDisplayFormat ("STANDARD\cols,rows")
// off of dataset to count how many image box references to mint;
// defaults to one.
func (s *Session) buildImageBoxItems(dataset *dicom.Dataset) []*dicom.Dataset {
	count := 1
	if fmt := dataset.GetString(imageDisplayFormatTag); fmt != "" {
		if m := imageDisplayFormatPattern.FindStringSubmatch(fmt); m != nil {
			cols, colsErr := strconv.Atoi(m[1])
			rows, rowsErr := strconv.Atoi(m[2])
			if colsErr == nil && rowsErr == nil && rows*cols > 0 {
				count = rows * cols
			}
		}
	}

	items := make([]*dicom.Dataset, 0, count)
	for i := 0; i < count; i++ {
		item := dicom.NewDataset()
		item.AddElement(referencedSOPClassUIDTag, dicom.VR_UI, types.BasicGrayscaleImageBoxSOPClass)
		item.AddElement(referencedSOPInstanceUIDTag, dicom.VR_UI, s.deps.UIDGen.Next())
		items = append(items, item)
	}
	return items
}

func cloneOrEmpty(dataset *dicom.Dataset) *dicom.Dataset {
	out := dicom.NewDataset()
	if dataset != nil {
		dicom.MergeNonSequence(out, dataset)
		for tag, elem := range dataset.Elements {
			if elem.VR == dicom.VR_SQ {
				out.AddSequence(tag, elem.Value.([]*dicom.Dataset))
			}
		}
	}
	return out
}

// handleNDelete implements §4.6.6: film session deletion unconditionally
// clears session identity (no instance-UID matching requirement, see
// the open question in the design notes); film box and presentation
// LUT deletion are no-ops that still report success.
func (s *Session) handleNDelete(msg *types.Message) (*types.Message, *dicom.Dataset, error) {
	resp := &types.Message{
		CommandField:              types.NDeleteRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		CommandDataSetType:        types.NoDataSetPresent,
		Status:                    types.StatusSuccess,
	}

	switch msg.RequestedSOPClassUID {
	case types.BasicFilmSessionSOPClass:
		s.studyUID = ""
		s.seriesUID = ""
		s.sopInstanceUID = ""
	case types.BasicFilmBoxSOPClass, types.PresentationLUTSOPClass:
		// no-op
	default:
		s.logger.Warn("printscp: N-DELETE unsupported for SOP class", "sop_class", msg.RequestedSOPClassUID)
		resp.Status = types.StatusNoSuchSOPClass
	}

	return resp, nil, nil
}

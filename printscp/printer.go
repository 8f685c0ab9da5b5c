package printscp

import (
	"github.com/softus/vdprintd/config"
	"github.com/softus/vdprintd/dicom"
	"github.com/softus/vdprintd/types"
)

const (
	defaultPrinterStatus     = "NORMAL"
	defaultPrinterStatusInfo = "NORMAL"
)

var (
	printerStatusTag     = dicom.Tag{Group: 0x2110, Element: 0x0010}
	printerStatusInfoTag = dicom.Tag{Group: 0x2110, Element: 0x0020}
)

// handleNGet implements §4.6.3: only the Printer SOP Class instance is
// ever queried. With no attribute list, only the printer status pair is
// returned; otherwise each requested (group,element) is resolved either
// as the printer status pair or from the printer's info[] table.
func (s *Session) handleNGet(msg *types.Message) (*types.Message, *dicom.Dataset, error) {
	resp := &types.Message{
		CommandField:              types.NGetRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		CommandDataSetType:        types.NoDataSetPresent,
		Status:                    types.StatusSuccess,
	}

	if msg.RequestedSOPClassUID != types.PrinterSOPClass {
		resp.Status = types.StatusNoSuchSOPClass
		return resp, nil, nil
	}

	if msg.RequestedSOPInstanceUID != types.PrinterSOPInstance {
		resp.Status = types.StatusNoSuchObjectInstance
		return resp, nil, nil
	}

	rspDataset := dicom.NewDataset()
	resp.CommandDataSetType = 0 // dataset present; any value != NoDataSetPresent

	if len(msg.AttributeIdentifierList) == 0 {
		rspDataset.AddElement(printerStatusTag, dicom.VR_CS, defaultPrinterStatus)
		rspDataset.AddElement(printerStatusInfoTag, dicom.VR_CS, defaultPrinterStatusInfo)
		return resp, rspDataset, nil
	}

	info := s.printerInfo()

	for _, tag := range msg.AttributeIdentifierList {
		dtag := dicom.Tag{Group: tag.Group, Element: tag.Element}
		if dtag.Element == 0x0000 {
			continue // group length
		}

		if dtag.Group == printerStatusTag.Group {
			switch dtag.Element {
			case printerStatusTag.Element:
				rspDataset.AddElement(printerStatusTag, dicom.VR_CS, defaultPrinterStatus)
				continue
			case printerStatusInfoTag.Element:
				rspDataset.AddElement(printerStatusInfoTag, dicom.VR_CS, defaultPrinterStatusInfo)
				continue
			}
		}

		value, ok := info[dtag]
		if !ok {
			resp.Status = types.StatusNoSuchAttribute
			return resp, nil, nil
		}
		rspDataset.AddElement(dtag, dicom.VRForTag(dtag), value)
	}

	return resp, rspDataset, nil
}

// printerInfo reads the printer group's info[] array into a tag-keyed
// map, dropping entries whose key is not a known DICOM tag name.
func (s *Session) printerInfo() map[dicom.Tag]string {
	entries := config.ReadInfoEntries(s.printerView)
	info := make(map[dicom.Tag]string, len(entries))
	for _, e := range entries {
		tag, ok := dicom.TagByName(e.Key)
		if !ok {
			s.logger.Debug("printscp: unknown DICOM tag in printer info[]", "key", e.Key)
			continue
		}
		info[tag] = e.Value
	}
	return info
}

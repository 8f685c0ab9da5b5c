package dimse

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/softus/vdprintd/pdu"
	"github.com/softus/vdprintd/types"
)

// CStoreRequest represents a C-STORE request sent to an upstream printer or
// archive on behalf of the spool/proxy path.
type CStoreRequest struct {
	SOPClassUID    string
	SOPInstanceUID string
	Data           []byte
	MessageID      uint16
}

// CStoreResponse represents the C-STORE-RSP received for a CStoreRequest.
type CStoreResponse struct {
	Status         uint16
	Comment        string
	MessageID      uint16
	SOPClassUID    string
	SOPInstanceUID string
}

// Connection is the minimal transport a DIMSE exchange needs.
type Connection interface {
	io.ReadWriter
}

// SendCStore sends a C-STORE request and waits for its response.
func SendCStore(conn Connection, presContextID byte, maxPDULength uint32, req *CStoreRequest) (*CStoreResponse, error) {
	command := &types.Message{
		CommandField:           CStoreRQ,
		MessageID:              req.MessageID,
		Priority:               0x0002,
		CommandDataSetType:     0x0000,
		AffectedSOPClassUID:    req.SOPClassUID,
		AffectedSOPInstanceUID: req.SOPInstanceUID,
	}

	commandData, err := EncodeCommand(command)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}

	if err := SendDIMSEMessage(conn, presContextID, maxPDULength, commandData, req.Data); err != nil {
		return nil, fmt.Errorf("failed to send C-STORE: %w", err)
	}

	msg, _, err := ReceiveDIMSEMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to receive C-STORE-RSP: %w", err)
	}

	if msg.CommandField != CStoreRSP {
		return nil, fmt.Errorf("unexpected command: 0x%04x (expected C-STORE-RSP)", msg.CommandField)
	}

	resp := &CStoreResponse{
		Status:         msg.Status,
		MessageID:      msg.MessageIDBeingRespondedTo,
		SOPClassUID:    msg.AffectedSOPClassUID,
		SOPInstanceUID: msg.AffectedSOPInstanceUID,
	}
	if msg.StatusDetail != nil {
		resp.Comment = msg.StatusDetail.ErrorComment
	}
	return resp, nil
}

// SendDIMSEMessage sends a DIMSE command with an optional dataset.
func SendDIMSEMessage(conn Connection, presContextID byte, maxPDULength uint32, commandData []byte, datasetData []byte) error {
	if err := SendPDataTF(conn, presContextID, maxPDULength, commandData, true, true); err != nil {
		return err
	}

	if len(datasetData) > 0 {
		if err := SendPDataTF(conn, presContextID, maxPDULength, datasetData, false, true); err != nil {
			return err
		}
	}

	return nil
}

// SendPDataTF fragments data into PDVs and writes them as P-DATA-TF PDUs.
func SendPDataTF(conn Connection, presContextID byte, maxPDULength uint32, data []byte, isCommand bool, isLast bool) error {
	maxPDVData := int(maxPDULength) - 6 - 6

	offset := 0
	for offset < len(data) {
		chunkSize := len(data) - offset
		lastFragment := true
		if chunkSize > maxPDVData {
			chunkSize = maxPDVData
			lastFragment = false
		}

		pdvLength := uint32(chunkSize + 2)
		pdv := make([]byte, 0, pdvLength+4)

		pdvLengthBytes := make([]byte, 4)
		binary.BigEndian.PutUint32(pdvLengthBytes, pdvLength)
		pdv = append(pdv, pdvLengthBytes...)

		pdv = append(pdv, presContextID)

		controlHeader := byte(0)
		if isCommand {
			controlHeader |= 0x01
		}
		if lastFragment && isLast {
			controlHeader |= 0x02
		}
		pdv = append(pdv, controlHeader)

		pdv = append(pdv, data[offset:offset+chunkSize]...)

		pduHeader := make([]byte, 6)
		pduHeader[0] = pdu.TypePDataTF
		pduHeader[1] = 0x00
		binary.BigEndian.PutUint32(pduHeader[2:6], uint32(len(pdv)))

		fullPDU := append(pduHeader, pdv...)

		if _, err := conn.Write(fullPDU); err != nil {
			return fmt.Errorf("failed to write PDU: %w", err)
		}

		offset += chunkSize
	}

	return nil
}

// EncodeCommand is the single encoder for a DIMSE command set (group 0000),
// always written in Implicit VR Little Endian as required by Part 7.
// It is shared by the print SCP's response path, the upstream C-STORE
// client, and the transparent proxy splice.
func EncodeCommand(msg *types.Message) ([]byte, error) {
	buf := make([]byte, 0, 256)

	buf = appendImplicitElement(buf, 0x0000, 0x0000, make([]byte, 4))
	lengthPos := len(buf) - 4

	if msg.AffectedSOPClassUID != "" {
		buf = appendImplicitElement(buf, 0x0000, 0x0002, padUID(msg.AffectedSOPClassUID))
	}
	if msg.RequestedSOPClassUID != "" {
		buf = appendImplicitElement(buf, 0x0000, 0x0003, padUID(msg.RequestedSOPClassUID))
	}

	cmdBytes := make([]byte, 2)
	binary.LittleEndian.PutUint16(cmdBytes, msg.CommandField)
	buf = appendImplicitElement(buf, 0x0000, 0x0100, cmdBytes)

	if msg.MessageID != 0 {
		buf = appendImplicitElement(buf, 0x0000, 0x0110, uint16Bytes(msg.MessageID))
	}
	if msg.MessageIDBeingRespondedTo != 0 {
		buf = appendImplicitElement(buf, 0x0000, 0x0120, uint16Bytes(msg.MessageIDBeingRespondedTo))
	}
	if msg.MoveDestination != "" {
		buf = appendImplicitElement(buf, 0x0000, 0x0600, padAETitle(msg.MoveDestination))
	}
	if msg.Priority != 0 {
		buf = appendImplicitElement(buf, 0x0000, 0x0700, uint16Bytes(msg.Priority))
	}

	buf = appendImplicitElement(buf, 0x0000, 0x0800, uint16Bytes(msg.CommandDataSetType))

	if msg.Status != 0 {
		buf = appendImplicitElement(buf, 0x0000, 0x0900, uint16Bytes(msg.Status))
	}
	if msg.StatusDetail != nil {
		if msg.StatusDetail.ErrorComment != "" {
			buf = appendImplicitElement(buf, 0x0000, 0x0902, padUID(msg.StatusDetail.ErrorComment))
		}
		if msg.StatusDetail.ErrorID != 0 {
			buf = appendImplicitElement(buf, 0x0000, 0x0903, uint16Bytes(msg.StatusDetail.ErrorID))
		}
	}
	if msg.AffectedSOPInstanceUID != "" {
		buf = appendImplicitElement(buf, 0x0000, 0x1000, padUID(msg.AffectedSOPInstanceUID))
	}
	if msg.RequestedSOPInstanceUID != "" {
		buf = appendImplicitElement(buf, 0x0000, 0x1001, padUID(msg.RequestedSOPInstanceUID))
	}
	if len(msg.AttributeIdentifierList) > 0 {
		buf = appendImplicitElement(buf, 0x0000, 0x1005, encodeTagList(msg.AttributeIdentifierList))
	}
	if msg.EventTypeID != 0 {
		buf = appendImplicitElement(buf, 0x0000, 0x1002, uint16Bytes(msg.EventTypeID))
	}
	if msg.ActionTypeID != 0 {
		buf = appendImplicitElement(buf, 0x0000, 0x1008, uint16Bytes(msg.ActionTypeID))
	}

	groupLength := uint32(len(buf) - lengthPos - 4)
	binary.LittleEndian.PutUint32(buf[lengthPos:lengthPos+4], groupLength)

	return buf, nil
}

// DecodeCommand is the single decoder matching EncodeCommand.
func DecodeCommand(data []byte) (*types.Message, error) {
	msg := &types.Message{
		CommandDataSetType: NoDataSetPresent,
	}
	offset := 0

	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])

		if offset+8+int(length) > len(data) {
			break
		}

		value := data[offset+8 : offset+8+int(length)]

		if group == 0x0000 {
			switch element {
			case 0x0002:
				msg.AffectedSOPClassUID = trimUID(value)
			case 0x0003:
				msg.RequestedSOPClassUID = trimUID(value)
			case 0x0100:
				msg.CommandField = uint16At(value)
			case 0x0110:
				msg.MessageID = uint16At(value)
			case 0x0120:
				msg.MessageIDBeingRespondedTo = uint16At(value)
			case 0x0600:
				msg.MoveDestination = trimUID(value)
			case 0x0700:
				msg.Priority = uint16At(value)
			case 0x0800:
				msg.CommandDataSetType = uint16At(value)
			case 0x0900:
				msg.Status = uint16At(value)
			case 0x0902:
				statusDetail(msg).ErrorComment = trimUID(value)
			case 0x0903:
				statusDetail(msg).ErrorID = uint16At(value)
			case 0x1000:
				msg.AffectedSOPInstanceUID = trimUID(value)
			case 0x1001:
				msg.RequestedSOPInstanceUID = trimUID(value)
			case 0x1002:
				msg.EventTypeID = uint16At(value)
			case 0x1005:
				msg.AttributeIdentifierList = decodeTagList(value)
			case 0x1008:
				msg.ActionTypeID = uint16At(value)
			}
		}

		offset += 8 + int(length)
	}

	return msg, nil
}

// statusDetail returns msg.StatusDetail, allocating it on first use so
// decoding either of its two elements doesn't require seeing both.
func statusDetail(msg *types.Message) *types.StatusDetail {
	if msg.StatusDetail == nil {
		msg.StatusDetail = &types.StatusDetail{}
	}
	return msg.StatusDetail
}

func appendImplicitElement(buf []byte, group, element uint16, value []byte) []byte {
	buf = append(buf, byte(group), byte(group>>8))
	buf = append(buf, byte(element), byte(element>>8))
	length := uint32(len(value))
	buf = append(buf, byte(length), byte(length>>8), byte(length>>16), byte(length>>24))
	buf = append(buf, value...)
	return buf
}

func uint16Bytes(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func uint16At(value []byte) uint16 {
	if len(value) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(value[:2])
}

func trimUID(value []byte) string {
	return strings.TrimRight(string(value), "\x00 ")
}

func padUID(uid string) []byte {
	b := []byte(uid)
	if len(b)%2 == 1 {
		b = append(b, 0x00)
	}
	return b
}

func padAETitle(ae string) []byte {
	b := []byte(ae)
	if len(b)%2 == 1 {
		b = append(b, 0x20)
	}
	return b
}

func encodeTagList(tags []types.Tag) []byte {
	buf := make([]byte, 0, len(tags)*4)
	for _, tag := range tags {
		buf = append(buf, byte(tag.Group), byte(tag.Group>>8))
		buf = append(buf, byte(tag.Element), byte(tag.Element>>8))
	}
	return buf
}

func decodeTagList(value []byte) []types.Tag {
	var tags []types.Tag
	for i := 0; i+4 <= len(value); i += 4 {
		tags = append(tags, types.Tag{
			Group:   binary.LittleEndian.Uint16(value[i : i+2]),
			Element: binary.LittleEndian.Uint16(value[i+2 : i+4]),
		})
	}
	return tags
}

// ReceiveDIMSEMessage reads PDVs off conn until a complete command (and, if
// indicated, its dataset) has arrived.
func ReceiveDIMSEMessage(conn Connection) (*types.Message, []byte, error) {
	var commandData []byte
	var datasetData []byte
	commandComplete := false
	datasetComplete := false
	datasetExpected := false
	var currentMsg *types.Message

	for {
		header := make([]byte, 6)
		if _, err := io.ReadFull(conn, header); err != nil {
			return nil, nil, fmt.Errorf("failed to read PDU header: %w", err)
		}

		pduType := header[0]
		pduLength := binary.BigEndian.Uint32(header[2:6])

		switch pduType {
		case pdu.TypePDataTF:
			payload := make([]byte, pduLength)
			if _, err := io.ReadFull(conn, payload); err != nil {
				return nil, nil, fmt.Errorf("failed to read PDU data: %w", err)
			}

			offset := 0
			for offset < len(payload) {
				if offset+6 > len(payload) {
					return nil, nil, fmt.Errorf("malformed PDV encountered")
				}

				pdvLength := binary.BigEndian.Uint32(payload[offset : offset+4])
				end := offset + 4 + int(pdvLength)
				if end > len(payload) {
					return nil, nil, fmt.Errorf("PDV length exceeds PDU payload")
				}

				controlHeader := payload[offset+5]
				value := payload[offset+6 : end]
				isCommand := controlHeader&0x01 != 0
				isLastFragment := controlHeader&0x02 != 0

				if isCommand {
					commandData = append(commandData, value...)
					if isLastFragment {
						commandComplete = true
						decoded, err := DecodeCommand(commandData)
						if err != nil {
							return nil, nil, fmt.Errorf("failed to decode command: %w", err)
						}
						currentMsg = decoded

						if currentMsg.HasDataset() {
							datasetExpected = true
							if len(datasetData) == 0 {
								datasetComplete = false
							}
						} else {
							datasetExpected = false
							datasetComplete = true
						}
					}
				} else {
					datasetData = append(datasetData, value...)
					if isLastFragment {
						datasetComplete = true
					}
				}

				offset = end
			}
		case 0x07:
			abortData := make([]byte, pduLength)
			if _, err := io.ReadFull(conn, abortData); err != nil {
				return nil, nil, fmt.Errorf("failed to read ABORT data: %w", err)
			}

			var source, reason byte
			if len(abortData) >= 4 {
				source = abortData[2]
				reason = abortData[3]
			}

			return nil, nil, fmt.Errorf("received A-ABORT PDU (source=%d, reason=%d)", source, reason)
		default:
			discard := make([]byte, pduLength)
			if _, err := io.ReadFull(conn, discard); err != nil {
				return nil, nil, fmt.Errorf("failed to read unexpected PDU payload: %w", err)
			}
			return nil, nil, fmt.Errorf("unexpected PDU type: 0x%02x", pduType)
		}

		if commandComplete && (!datasetExpected || datasetComplete) {
			return currentMsg, datasetData, nil
		}
	}
}

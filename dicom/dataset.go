package dicom

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/softus/vdprintd/types"
)

// VR (Value Representation) constants
const (
	VR_AE = "AE" // Application Entity
	VR_AS = "AS" // Age String
	VR_AT = "AT" // Attribute Tag
	VR_CS = "CS" // Code String
	VR_DA = "DA" // Date
	VR_DS = "DS" // Decimal String
	VR_DT = "DT" // Date Time
	VR_FL = "FL" // Floating Point Single
	VR_FD = "FD" // Floating Point Double
	VR_IS = "IS" // Integer String
	VR_LO = "LO" // Long String
	VR_LT = "LT" // Long Text
	VR_OB = "OB" // Other Byte
	VR_OD = "OD" // Other Double
	VR_OF = "OF" // Other Float
	VR_OL = "OL" // Other Long
	VR_OV = "OV" // Other Very Long
	VR_OW = "OW" // Other Word
	VR_PN = "PN" // Person Name
	VR_SH = "SH" // Short String
	VR_SL = "SL" // Signed Long
	VR_SQ = "SQ" // Sequence of Items
	VR_SS = "SS" // Signed Short
	VR_ST = "ST" // Short Text
	VR_SV = "SV" // Signed Very Long
	VR_TM = "TM" // Time
	VR_UC = "UC" // Unlimited Characters
	VR_UI = "UI" // Unique Identifier
	VR_UL = "UL" // Unsigned Long
	VR_UN = "UN" // Unknown
	VR_UR = "UR" // Universal Resource
	VR_US = "US" // Unsigned Short
	VR_UT = "UT" // Unlimited Text
	VR_UV = "UV" // Unsigned Very Long
)

// Common transfer syntax UIDs
const (
	TransferSyntaxImplicitVRLittleEndian = types.ImplicitVRLittleEndian
	TransferSyntaxExplicitVRLittleEndian = types.ExplicitVRLittleEndian
	TransferSyntaxExplicitVRBigEndian    = types.ExplicitVRBigEndian
)

// Tag represents a DICOM tag (group, element)
type Tag struct {
	Group   uint16
	Element uint16
}

// String returns the tag as a string in (GGGG,EEEE) format
func (t Tag) String() string {
	return fmt.Sprintf("(%04x,%04x)", t.Group, t.Element)
}

// Element represents a DICOM data element. Value holds a string, []string,
// a numeric type matching the VR's native width, or (for VR_SQ) []*Dataset.
type Element struct {
	Tag   Tag
	VR    string
	Value interface{}
}

// Dataset represents an ordered collection of DICOM elements.
type Dataset struct {
	Elements map[Tag]*Element
}

// NewDataset creates a new empty dataset
func NewDataset() *Dataset {
	return &Dataset{
		Elements: make(map[Tag]*Element),
	}
}

// AddElement adds an element to the dataset
func (d *Dataset) AddElement(tag Tag, vr string, value interface{}) {
	d.Elements[tag] = &Element{Tag: tag, VR: vr, Value: value}
}

// AddSequence adds a sequence (SQ) element made of nested datasets (items).
func (d *Dataset) AddSequence(tag Tag, items []*Dataset) {
	d.Elements[tag] = &Element{Tag: tag, VR: VR_SQ, Value: items}
}

// GetElement returns an element by tag
func (d *Dataset) GetElement(tag Tag) (*Element, bool) {
	element, exists := d.Elements[tag]
	return element, exists
}

// GetString returns a string value for a tag
func (d *Dataset) GetString(tag Tag) string {
	if element, exists := d.Elements[tag]; exists {
		if str, ok := element.Value.(string); ok {
			return strings.TrimSpace(str)
		}
	}
	return ""
}

// GetStrings returns a slice of string values for a tag
func (d *Dataset) GetStrings(tag Tag) []string {
	if element, exists := d.Elements[tag]; exists {
		switch v := element.Value.(type) {
		case string:
			parts := strings.Split(v, "\\")
			result := make([]string, len(parts))
			for i, part := range parts {
				result[i] = strings.TrimSpace(part)
			}
			return result
		case []string:
			return v
		}
	}
	return nil
}

// GetSequence returns the nested item datasets of a sequence element, or
// nil if the tag is absent or not a sequence.
func (d *Dataset) GetSequence(tag Tag) []*Dataset {
	if element, exists := d.Elements[tag]; exists {
		if items, ok := element.Value.([]*Dataset); ok {
			return items
		}
	}
	return nil
}

// MergeNonSequence copies every non-SQ element of src into dst, overwriting
// any element already present under the same tag. Sequence elements are
// skipped: a print session's working dataset never absorbs a peer's nested
// items wholesale, only its flat attributes (patient/study/series identity,
// manufacturer fields, and so on).
func MergeNonSequence(dst, src *Dataset) {
	if dst == nil || src == nil {
		return
	}
	for tag, elem := range src.Elements {
		if elem.VR == VR_SQ {
			continue
		}
		dst.Elements[tag] = &Element{Tag: tag, VR: elem.VR, Value: elem.Value}
	}
}

func isLongVR(vr string) bool {
	switch vr {
	case VR_OB, VR_OD, VR_OF, VR_OL, VR_OW, VR_SQ, VR_UC, VR_UR, VR_UT, VR_UN, VR_OV, VR_SV, VR_UV:
		return true
	default:
		return false
	}
}

// ParseDataset parses a DICOM dataset from raw bytes (Explicit VR Little Endian)
func ParseDataset(data []byte) (*Dataset, error) {
	dataset := NewDataset()

	if len(data) == 0 {
		return dataset, nil
	}

	offset := 0
	for offset < len(data) {
		if offset+8 > len(data) {
			break
		}

		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		tag := Tag{Group: group, Element: element}

		vr := string(data[offset+4 : offset+6])

		var length uint32
		var valueOffset int

		if isLongVR(vr) {
			if offset+12 > len(data) {
				break
			}
			length = binary.LittleEndian.Uint32(data[offset+8 : offset+12])
			valueOffset = offset + 12
		} else {
			length = uint32(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
			valueOffset = offset + 8
		}

		if valueOffset+int(length) > len(data) {
			break
		}

		valueData := data[valueOffset : valueOffset+int(length)]

		if vr == VR_SQ {
			items, consumed := parseSequenceItems(valueData, TransferSyntaxExplicitVRLittleEndian)
			_ = consumed
			dataset.AddSequence(tag, items)
		} else {
			dataset.AddElement(tag, vr, parseElementValue(vr, valueData))
		}

		nextOffset := valueOffset + int(length)
		if length%2 == 1 {
			nextOffset++
		}
		offset = nextOffset
	}

	return dataset, nil
}

// ParseDatasetWithTransferSyntax parses a dataset using the provided transfer syntax.
func ParseDatasetWithTransferSyntax(data []byte, transferSyntaxUID string) (*Dataset, error) {
	switch transferSyntaxUID {
	case "", TransferSyntaxExplicitVRLittleEndian, TransferSyntaxExplicitVRBigEndian:
		return ParseDataset(data)
	case TransferSyntaxImplicitVRLittleEndian:
		return parseImplicitVRDataset(data)
	default:
		return ParseDataset(data)
	}
}

func parseImplicitVRDataset(data []byte) (*Dataset, error) {
	dataset := NewDataset()

	if len(data) == 0 {
		return dataset, nil
	}

	offset := 0
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		tag := Tag{Group: group, Element: element}

		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		valueOffset := offset + 8

		if valueOffset+int(length) > len(data) {
			break
		}

		valueData := data[valueOffset : valueOffset+int(length)]
		vr := determineVR(tag)

		if vr == VR_SQ {
			items, _ := parseSequenceItems(valueData, TransferSyntaxImplicitVRLittleEndian)
			dataset.AddSequence(tag, items)
		} else {
			dataset.AddElement(tag, vr, parseElementValue(vr, valueData))
		}

		nextOffset := valueOffset + int(length)
		if length%2 == 1 {
			nextOffset++
		}
		offset = nextOffset
	}

	return dataset, nil
}

// parseSequenceItems walks a sequence's Item (FFFE,E000) sub-elements,
// each wrapping a nested dataset encoded in the same transfer syntax as
// the enclosing dataset. Undefined-length items (ended by an Item
// Delimitation tag) are not produced by this encoder but are tolerated
// on read. A sequence element of undefined length is not: ParseDataset
// rejects it in its length check before this function is reached.
func parseSequenceItems(data []byte, transferSyntaxUID string) ([]*Dataset, int) {
	var items []*Dataset
	offset := 0
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		offset += 8

		if group == 0xFFFE && element == 0xE0DD { // Sequence Delimitation Item
			break
		}
		if group != 0xFFFE || element != 0xE000 { // expected Item tag
			break
		}

		if length == 0xFFFFFFFF {
			// Undefined length item: scan for its delimiter.
			end := offset
			for end+8 <= len(data) {
				g := binary.LittleEndian.Uint16(data[end : end+2])
				e := binary.LittleEndian.Uint16(data[end+2 : end+4])
				if g == 0xFFFE && e == 0xE00D {
					break
				}
				end++
			}
			itemData := data[offset:end]
			itemDataset, _ := parseByTransferSyntax(itemData, transferSyntaxUID)
			items = append(items, itemDataset)
			offset = end + 8
			continue
		}

		if offset+int(length) > len(data) {
			break
		}
		itemData := data[offset : offset+int(length)]
		itemDataset, _ := parseByTransferSyntax(itemData, transferSyntaxUID)
		items = append(items, itemDataset)
		offset += int(length)
	}
	return items, offset
}

func parseByTransferSyntax(data []byte, transferSyntaxUID string) (*Dataset, error) {
	if transferSyntaxUID == TransferSyntaxImplicitVRLittleEndian {
		return parseImplicitVRDataset(data)
	}
	return ParseDataset(data)
}

// parseElementValue decodes the raw bytes of a non-sequence element
// according to its VR: numeric VRs are parsed to their native width, text
// VRs are trimmed of null/space padding.
func parseElementValue(vr string, data []byte) interface{} {
	switch vr {
	case VR_US:
		if len(data) >= 2 {
			return binary.LittleEndian.Uint16(data)
		}
	case VR_UL:
		if len(data) >= 4 {
			return binary.LittleEndian.Uint32(data)
		}
	case VR_SS:
		if len(data) >= 2 {
			return int16(binary.LittleEndian.Uint16(data))
		}
	case VR_SL:
		if len(data) >= 4 {
			return int32(binary.LittleEndian.Uint32(data))
		}
	case VR_FL:
		if len(data) >= 4 {
			return math.Float32frombits(binary.LittleEndian.Uint32(data))
		}
	case VR_FD:
		if len(data) >= 8 {
			return math.Float64frombits(binary.LittleEndian.Uint64(data))
		}
	}

	if len(data) == 0 {
		return ""
	}
	value := string(data)
	if idx := strings.IndexByte(value, 0); idx != -1 {
		value = value[:idx]
	}
	return strings.TrimRight(strings.TrimSpace(value), " ")
}

// determineVR maps the tags this printer reads or writes to a VR, for use
// when decoding Implicit VR Little Endian (which carries no VR on the
// wire). Anything not listed falls back to VR_UN, matching the teacher's
// original simplified dictionary.
func determineVR(tag Tag) string {
	switch tag {
	case Tag{0x0008, 0x0005}: // Specific Character Set
		return VR_CS
	case Tag{0x0008, 0x0012}: // Instance Creation Date
		return VR_DA
	case Tag{0x0008, 0x0013}: // Instance Creation Time
		return VR_TM
	case Tag{0x0008, 0x0016}: // SOP Class UID
		return VR_UI
	case Tag{0x0008, 0x0018}: // SOP Instance UID
		return VR_UI
	case Tag{0x0008, 0x0020}: // Study Date
		return VR_DA
	case Tag{0x0008, 0x0030}: // Study Time
		return VR_TM
	case Tag{0x0008, 0x0050}: // Accession Number
		return VR_SH
	case Tag{0x0008, 0x0060}: // Modality
		return VR_CS
	case Tag{0x0008, 0x0070}: // Manufacturer
		return VR_LO
	case Tag{0x0008, 0x0080}: // Institution Name
		return VR_LO
	case Tag{0x0008, 0x0090}: // Referring Physician's Name
		return VR_PN
	case Tag{0x0008, 0x1090}: // Manufacturer's Model Name
		return VR_LO
	case Tag{0x0008, 0x1150}: // Referenced SOP Class UID
		return VR_UI
	case Tag{0x0008, 0x1155}: // Referenced SOP Instance UID
		return VR_UI
	case Tag{0x0010, 0x0010}: // Patient's Name
		return VR_PN
	case Tag{0x0010, 0x0020}: // Patient ID
		return VR_LO
	case Tag{0x0010, 0x0030}: // Patient's Birth Date
		return VR_DA
	case Tag{0x0010, 0x0040}: // Patient's Sex
		return VR_CS
	case Tag{0x0020, 0x000D}: // Study Instance UID
		return VR_UI
	case Tag{0x0020, 0x000E}: // Series Instance UID
		return VR_UI
	case Tag{0x0020, 0x0010}: // Study ID
		return VR_SH
	case Tag{0x2010, 0x0010}: // Image Display Format
		return VR_ST
	case Tag{0x2010, 0x0030}: // Annotation Display Format ID
		return VR_CS
	case Tag{0x2010, 0x0040}: // Film Orientation
		return VR_CS
	case Tag{0x2010, 0x0050}: // Film Size ID
		return VR_CS
	case Tag{0x2010, 0x0060}: // Magnification Type
		return VR_CS
	case Tag{0x2010, 0x0100}: // Border Density
		return VR_CS
	case Tag{0x2010, 0x0140}: // Trim
		return VR_CS
	case Tag{0x2010, 0x0160}: // Min Density
		return VR_US
	case Tag{0x2010, 0x0161}: // Max Density
		return VR_US
	case Tag{0x2010, 0x0500}: // Referenced Film Box Sequence
		return VR_SQ
	case Tag{0x2020, 0x0010}: // Image Position
		return VR_US
	case Tag{0x2020, 0x0110}: // Referenced Image Box Sequence
		return VR_SQ
	case Tag{0x2020, 0x0111}: // Referenced Image Overlay Box Sequence
		return VR_SQ
	case Tag{0x2020, 0x0130}: // Basic Grayscale Image Sequence
		return VR_SQ
	case Tag{0x2100, 0x0020}: // Execution Status
		return VR_CS
	case Tag{0x2100, 0x0030}: // Execution Status Info
		return VR_CS
	case Tag{0x2100, 0x0140}: // RETIRED Destination AE
		return VR_AE
	case Tag{0x2100, 0x0160}: // RETIRED Print Queue ID
		return VR_SH
	case Tag{0x2110, 0x0010}: // Printer Status
		return VR_CS
	case Tag{0x2110, 0x0020}: // Printer Status Info
		return VR_CS
	case Tag{0x2110, 0x0030}: // Printer Name
		return VR_LO
	case Tag{0x2110, 0x0099}: // Print Queue ID
		return VR_SH
	case Tag{0x0028, 0x0002}: // Samples per Pixel
		return VR_US
	case Tag{0x0028, 0x0004}: // Photometric Interpretation
		return VR_CS
	case Tag{0x0028, 0x0010}: // Rows
		return VR_US
	case Tag{0x0028, 0x0011}: // Columns
		return VR_US
	case Tag{0x0028, 0x0100}: // Bits Allocated
		return VR_US
	case Tag{0x0028, 0x0101}: // Bits Stored
		return VR_US
	case Tag{0x0028, 0x0102}: // High Bit
		return VR_US
	case Tag{0x0028, 0x0103}: // Pixel Representation
		return VR_US
	case Tag{0x7FE0, 0x0010}: // Pixel Data
		return VR_OW
	default:
		return VR_UN
	}
}

// EncodeDataset encodes a dataset to bytes (Explicit VR Little Endian)
func (d *Dataset) EncodeDataset() []byte {
	var result []byte
	for _, tag := range sortedTags(d.Elements) {
		element := d.Elements[tag]
		result = append(result, encodeExplicitElement(element)...)
	}
	return result
}

func encodeExplicitElement(element *Element) []byte {
	var result []byte

	tagBytes := make([]byte, 4)
	binary.LittleEndian.PutUint16(tagBytes[0:2], element.Tag.Group)
	binary.LittleEndian.PutUint16(tagBytes[2:4], element.Tag.Element)
	result = append(result, tagBytes...)
	result = append(result, []byte(element.VR)...)

	var valueBytes []byte
	if element.VR == VR_SQ {
		items, _ := element.Value.([]*Dataset)
		valueBytes = encodeSequenceItems(items, TransferSyntaxExplicitVRLittleEndian)
	} else {
		valueBytes = encodeElementValue(element)
		if len(valueBytes)%2 == 1 {
			valueBytes = append(valueBytes, paddingByte(element.VR))
		}
	}

	if isLongVR(element.VR) {
		result = append(result, 0x00, 0x00)
		lengthBytes := make([]byte, 4)
		binary.LittleEndian.PutUint32(lengthBytes, uint32(len(valueBytes)))
		result = append(result, lengthBytes...)
	} else {
		if len(valueBytes) > 65535 {
			valueBytes = valueBytes[:65535]
		}
		lengthBytes := make([]byte, 2)
		binary.LittleEndian.PutUint16(lengthBytes, uint16(len(valueBytes)))
		result = append(result, lengthBytes...)
	}

	result = append(result, valueBytes...)
	return result
}

func encodeSequenceItems(items []*Dataset, transferSyntaxUID string) []byte {
	var result []byte
	for _, item := range items {
		var itemBytes []byte
		if item != nil {
			if transferSyntaxUID == TransferSyntaxImplicitVRLittleEndian {
				itemBytes = encodeImplicitVRDataset(item)
			} else {
				itemBytes = item.EncodeDataset()
			}
		}
		result = append(result, 0xFE, 0xFF, 0x00, 0xE0) // Item tag (FFFE,E000)
		lengthBytes := make([]byte, 4)
		binary.LittleEndian.PutUint32(lengthBytes, uint32(len(itemBytes)))
		result = append(result, lengthBytes...)
		result = append(result, itemBytes...)
	}
	return result
}

func paddingByte(vr string) byte {
	if vr == VR_UI || isLongVR(vr) {
		return 0x00
	}
	return 0x20
}

func sortedTags(elements map[Tag]*Element) []Tag {
	tags := make([]Tag, 0, len(elements))
	for tag := range elements {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Group != tags[j].Group {
			return tags[i].Group < tags[j].Group
		}
		return tags[i].Element < tags[j].Element
	})
	return tags
}

// EncodeDatasetWithTransferSyntax encodes a dataset using the provided transfer syntax.
func EncodeDatasetWithTransferSyntax(dataset *Dataset, transferSyntaxUID string) ([]byte, error) {
	if dataset == nil {
		return nil, nil
	}

	switch transferSyntaxUID {
	case "", TransferSyntaxExplicitVRLittleEndian, TransferSyntaxExplicitVRBigEndian:
		return dataset.EncodeDataset(), nil
	case TransferSyntaxImplicitVRLittleEndian:
		return encodeImplicitVRDataset(dataset), nil
	default:
		return dataset.EncodeDataset(), nil
	}
}

func encodeImplicitVRDataset(dataset *Dataset) []byte {
	var result []byte
	for _, tag := range sortedTags(dataset.Elements) {
		element := dataset.Elements[tag]

		tagBytes := make([]byte, 4)
		binary.LittleEndian.PutUint16(tagBytes[0:2], tag.Group)
		binary.LittleEndian.PutUint16(tagBytes[2:4], tag.Element)
		result = append(result, tagBytes...)

		var valueBytes []byte
		if element.VR == VR_SQ {
			items, _ := element.Value.([]*Dataset)
			valueBytes = encodeSequenceItems(items, TransferSyntaxImplicitVRLittleEndian)
		} else {
			valueBytes = encodeElementValue(element)
			if len(valueBytes)%2 == 1 {
				valueBytes = append(valueBytes, paddingByte(element.VR))
			}
		}

		lengthBytes := make([]byte, 4)
		binary.LittleEndian.PutUint32(lengthBytes, uint32(len(valueBytes)))
		result = append(result, lengthBytes...)
		result = append(result, valueBytes...)
	}

	return result
}

// encodeElementValue encodes a non-sequence element value to bytes.
func encodeElementValue(element *Element) []byte {
	switch v := element.Value.(type) {
	case string:
		return []byte(strings.TrimRight(v, "\x00"))
	case []string:
		joined := strings.Join(v, "\\")
		return []byte(strings.TrimRight(joined, "\x00"))
	case int:
		return []byte(strconv.Itoa(v))
	case uint16:
		switch element.VR {
		case VR_US:
			result := make([]byte, 2)
			binary.LittleEndian.PutUint16(result, v)
			return result
		default:
			return []byte(strconv.Itoa(int(v)))
		}
	case int16:
		result := make([]byte, 2)
		binary.LittleEndian.PutUint16(result, uint16(v))
		return result
	case uint32:
		switch element.VR {
		case VR_UL:
			result := make([]byte, 4)
			binary.LittleEndian.PutUint32(result, v)
			return result
		default:
			return []byte(strconv.Itoa(int(v)))
		}
	case int32:
		result := make([]byte, 4)
		binary.LittleEndian.PutUint32(result, uint32(v))
		return result
	case float32:
		if element.VR == VR_FL {
			result := make([]byte, 4)
			binary.LittleEndian.PutUint32(result, math.Float32bits(v))
			return result
		}
		return []byte(strconv.FormatFloat(float64(v), 'f', -1, 32))
	case float64:
		if element.VR == VR_FD {
			result := make([]byte, 8)
			binary.LittleEndian.PutUint64(result, math.Float64bits(v))
			return result
		}
		return []byte(strconv.FormatFloat(v, 'f', -1, 64))
	default:
		return []byte(fmt.Sprintf("%v", v))
	}
}

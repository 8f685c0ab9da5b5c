package dicom

// namedTags maps a DICOM dictionary keyword (PS3.6 Annex 6, CamelCase,
// as operators write them in config "tag[]"/"info[]" entries and in
// "query.query-parameters" mappings) to its tag. Only the keywords this
// printer ever needs to address by name are listed; anything else is
// addressed directly as a Tag literal, same as the rest of this package.
var namedTags = map[string]Tag{
	"SpecificCharacterSet":     {0x0008, 0x0005},
	"InstanceCreationDate":     {0x0008, 0x0012},
	"InstanceCreationTime":     {0x0008, 0x0013},
	"SOPClassUID":              {0x0008, 0x0016},
	"SOPInstanceUID":           {0x0008, 0x0018},
	"StudyDate":                {0x0008, 0x0020},
	"StudyTime":                {0x0008, 0x0030},
	"AccessionNumber":          {0x0008, 0x0050},
	"Modality":                 {0x0008, 0x0060},
	"Manufacturer":             {0x0008, 0x0070},
	"InstitutionName":          {0x0008, 0x0080},
	"ReferringPhysicianName":   {0x0008, 0x0090},
	"ManufacturerModelName":    {0x0008, 0x1090},
	"ReferencedSOPClassUID":    {0x0008, 0x1150},
	"ReferencedSOPInstanceUID": {0x0008, 0x1155},
	"PatientName":              {0x0010, 0x0010},
	"PatientID":                {0x0010, 0x0020},
	"PatientBirthDate":         {0x0010, 0x0030},
	"PatientSex":               {0x0010, 0x0040},
	"StudyInstanceUID":         {0x0020, 0x000D},
	"SeriesInstanceUID":        {0x0020, 0x000E},
	"StudyID":                  {0x0020, 0x0010},
	"SamplesPerPixel":          {0x0028, 0x0002},
	"PhotometricInterpretation": {0x0028, 0x0004},
	"Rows":                     {0x0028, 0x0010},
	"Columns":                  {0x0028, 0x0011},
	"BitsAllocated":            {0x0028, 0x0100},
	"BitsStored":               {0x0028, 0x0101},
	"HighBit":                  {0x0028, 0x0102},
	"PixelRepresentation":      {0x0028, 0x0103},
	"ImageDisplayFormat":       {0x2010, 0x0010},
	"FilmOrientation":          {0x2010, 0x0040},
	"FilmSizeID":               {0x2010, 0x0050},
	"MagnificationType":        {0x2010, 0x0060},
	"BorderDensity":            {0x2010, 0x0100},
	"Trim":                     {0x2010, 0x0140},
	"MinDensity":               {0x2010, 0x0160},
	"MaxDensity":               {0x2010, 0x0161},
	"ReferencedFilmBoxSequence":       {0x2010, 0x0500},
	"ReferencedImageBoxSequence":      {0x2020, 0x0110},
	"ReferencedImageOverlayBoxSequence": {0x2020, 0x0111},
	"BasicGrayscaleImageSequence":     {0x2020, 0x0130},
	"ExecutionStatus":          {0x2100, 0x0020},
	"ExecutionStatusInfo":      {0x2100, 0x0030},
	"RETIRED_DestinationAE":    {0x2100, 0x0140},
	"RETIRED_PrintQueueID":     {0x2100, 0x0160},
	"PrinterStatus":            {0x2110, 0x0010},
	"PrinterStatusInfo":        {0x2110, 0x0020},
	"PrinterName":              {0x2110, 0x0030},
	"PrintQueueID":             {0x2110, 0x0099},
	"PixelData":                {0x7FE0, 0x0010},
}

// TagByName resolves a DICOM dictionary keyword to its Tag. ok is false
// for any keyword this package doesn't know, which callers (OCR tagger,
// printer N-GET, enrichment query-parameter binding) treat as "unknown
// tag" per §4.4/§4.5/§4.6.3 rather than a parse error.
func TagByName(name string) (Tag, bool) {
	tag, ok := namedTags[name]
	return tag, ok
}

// tagNames is the inverse of namedTags, built once at init so the
// printer N-GET handler can resolve a requested (group,element) pair
// back to the keyword its info[] table is keyed by.
var tagNames = func() map[Tag]string {
	m := make(map[Tag]string, len(namedTags))
	for name, tag := range namedTags {
		m[tag] = name
	}
	return m
}()

// NameByTag is the inverse of TagByName.
func NameByTag(tag Tag) (string, bool) {
	name, ok := tagNames[tag]
	return name, ok
}

// VRForTag returns the VR this package's dictionary assigns to tag,
// defaulting to VR_LO (Long String) for anything not in the table: the
// only callers that reach for this (OCR tagger, enrichment client) are
// always writing short operator- or server-supplied text, never binary
// or numeric payloads that would need a more specific VR.
func VRForTag(tag Tag) string {
	if vr := determineVR(tag); vr != VR_UN {
		return vr
	}
	return VR_LO
}

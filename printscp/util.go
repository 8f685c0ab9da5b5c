package printscp

import (
	"github.com/softus/vdprintd/dicom"
	"github.com/softus/vdprintd/spool"
	"github.com/softus/vdprintd/types"
)

// spoolSave persists dataset under dir as the printed image's
// SOP class, the shape every spool consumer (C9's Phase A/B) expects
// to load back with spool.Load.
func spoolSave(dir string, dataset *dicom.Dataset, sopInstanceUID string) (string, error) {
	return spool.Save(dir, dataset, types.SecondaryCaptureImageStorage, sopInstanceUID)
}

// Package spool implements the store-and-forward queue a print session
// falls back to when delivering a synthesized image to a storage
// server fails (component C3). Entries are plain DICOM Part 10 files on
// disk; the retry worker in the supervisor package periodically lists,
// parses, and re-sends them.
package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/softus/vdprintd/dicom"
	"github.com/softus/vdprintd/dimseerrors"
)

// Save writes dataset to dir as "<SOPInstanceUID>.dcm" in Explicit VR
// Little Endian Part 10 format. If that name is already taken, it
// appends " (N)" with the smallest N>=2 that yields a free name — a
// second N-SET for the same SOP Instance UID must never clobber the
// first spooled copy.
func Save(dir string, dataset *dicom.Dataset, sopClassUID, sopInstanceUID string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", dimseerrors.NewIoFailure("mkdir", dir, err)
	}

	data, err := dicom.WriteFile(dataset, sopClassUID, sopInstanceUID, "1.2.840.10008.1.2.1")
	if err != nil {
		return "", dimseerrors.NewIoFailure("encode", sopInstanceUID, err)
	}

	path, err := freePath(dir, sopInstanceUID)
	if err != nil {
		return "", dimseerrors.NewIoFailure("stat", dir, err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", dimseerrors.NewIoFailure("write", path, err)
	}
	return path, nil
}

// freePath returns "<dir>/<uid>.dcm", or "<dir>/<uid> (N).dcm" for the
// smallest N>=2 not already on disk.
func freePath(dir, uid string) (string, error) {
	base := filepath.Join(dir, uid+".dcm")
	if _, err := os.Stat(base); os.IsNotExist(err) {
		return base, nil
	} else if err != nil {
		return "", err
	}

	for n := 2; ; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d).dcm", uid, n))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		} else if err != nil {
			return "", err
		}
	}
}

// List returns the regular files directly under dir, sorted by name so
// retries are processed in a stable, repeatable order. A missing
// directory yields an empty list rather than an error: nothing has
// been spooled yet.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, dimseerrors.NewIoFailure("readdir", dir, err)
	}

	var paths []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// Remove deletes path, reporting whether it was actually removed. A
// missing file is not an error: another retry worker may have already
// claimed it.
func Remove(path string) bool {
	return os.Remove(path) == nil
}

// Load reads a spooled Part 10 file back into a dataset, stripping its
// preamble and file meta group. A partially-written file (the retry
// loop may observe one mid-save) fails to parse and is left in place
// for the next retry pass, matching the "no fsync or locking" design.
func Load(path string) (*dicom.Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, dimseerrors.NewIoFailure("read", path, err)
	}

	raw, err := dicom.StripPart10Header(data)
	if err != nil {
		return nil, dimseerrors.NewIoFailure("parse", path, err)
	}

	return dicom.ParseDataset(raw)
}

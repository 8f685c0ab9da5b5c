package spool

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/softus/vdprintd/dicom"
)

func sampleDataset(patientID string) *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.AddElement(dicom.Tag{Group: 0x0010, Element: 0x0020}, dicom.VR_LO, patientID)
	return ds
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path, err := Save(dir, sampleDataset("42"), "1.2.840.10008.5.1.1.9", "1.2.3.4.5")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := loaded.GetString(dicom.Tag{Group: 0x0010, Element: 0x0020}); got != "42" {
		t.Fatalf("expected PatientID 42, got %q", got)
	}
}

func TestSaveCollisionAppendsSuffix(t *testing.T) {
	dir := t.TempDir()
	uid := "1.2.3.4.5"

	first, err := Save(dir, sampleDataset("1"), "1.2.840.10008.5.1.1.9", uid)
	if err != nil {
		t.Fatalf("Save #1: %v", err)
	}
	second, err := Save(dir, sampleDataset("2"), "1.2.840.10008.5.1.1.9", uid)
	if err != nil {
		t.Fatalf("Save #2: %v", err)
	}
	third, err := Save(dir, sampleDataset("3"), "1.2.840.10008.5.1.1.9", uid)
	if err != nil {
		t.Fatalf("Save #3: %v", err)
	}

	if first == second || second == third {
		t.Fatalf("expected distinct paths, got %q %q %q", first, second, third)
	}
	if filepath.Base(second) != uid+" (2).dcm" {
		t.Fatalf("expected collision suffix (2), got %q", filepath.Base(second))
	}
	if filepath.Base(third) != uid+" (3).dcm" {
		t.Fatalf("expected collision suffix (3), got %q", filepath.Base(third))
	}
}

func TestListSortedAndMissingDirEmpty(t *testing.T) {
	paths, err := List(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("List on missing dir: %v", err)
	}
	if len(paths) != 0 {
		t.Fatalf("expected empty list, got %v", paths)
	}

	dir := t.TempDir()
	Save(dir, sampleDataset("1"), "1.2.840.10008.5.1.1.9", "b")
	Save(dir, sampleDataset("2"), "1.2.840.10008.5.1.1.9", "a")

	paths, err = List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(paths) != 2 || filepath.Base(paths[0]) != "a.dcm" {
		t.Fatalf("expected sorted [a.dcm b.dcm], got %v", paths)
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	path, err := Save(dir, sampleDataset("1"), "1.2.840.10008.5.1.1.9", "x")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !Remove(path) {
		t.Fatal("expected Remove to report success")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected file to be gone")
	}
	if Remove(path) {
		t.Fatal("expected second Remove of a missing file to report failure")
	}
}

func TestLoadPartiallyWrittenFileFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.dcm")
	if err := os.WriteFile(path, []byte("not a dicom file"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected Load of a non-Part10 file to fail")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file left in place after failed parse, got %v", err)
	}
}

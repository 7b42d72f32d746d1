package dicomsort

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

func mustElement(t *testing.T, tg tag.Tag, data interface{}) *dicom.Element {
	t.Helper()
	elem, err := dicom.NewElement(tg, data)
	if err != nil {
		t.Fatalf("Failed to create element %v: %v", tg, err)
	}
	return elem
}

// writeInstance writes a minimal DICOM instance without pixel data
func writeInstance(t *testing.T, path, patientID, modality, sopUID string) {
	t.Helper()
	ds := dicom.Dataset{Elements: []*dicom.Element{
		mustElement(t, tag.FileMetaInformationVersion, []byte{0x00, 0x01}),
		mustElement(t, tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.2"}),
		mustElement(t, tag.MediaStorageSOPInstanceUID, []string{sopUID}),
		mustElement(t, tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}),
		mustElement(t, tag.PatientID, []string{patientID}),
		mustElement(t, tag.Modality, []string{modality}),
		mustElement(t, tag.SOPInstanceUID, []string{sopUID}),
	}}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
	defer f.Close()
	if err := dicom.Write(f, ds); err != nil {
		t.Fatalf("Failed to write DICOM: %v", err)
	}
}

func TestDestination(t *testing.T) {
	tests := []struct {
		name    string
		header  Header
		want    string
		wantErr bool
	}{
		{"plain", Header{"LUNG1-001", "CT", "1.2.3.4"}, "/sorted/LUNG1-001/CT/1.2.3.4.dcm", false},
		{"separators", Header{"a/b", "RTSTRUCT", "9.9"}, "/sorted/a_b/RTSTRUCT/9.9.dcm", false},
		{"dot dot", Header{"..", "CT", "1"}, "/sorted/__/CT/1.dcm", false},
		{"no modality", Header{"P1", " ", "1"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Destination("/sorted", tt.header)
			if tt.wantErr {
				if !errors.Is(err, ErrMissingTag) {
					t.Errorf("expected ErrMissingTag, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Destination failed: %v", err)
			}
			if got != filepath.FromSlash(tt.want) {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestSort(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "download")
	root := filepath.Join(dir, "sorted")

	writeInstance(t, filepath.Join(src, "series1", "a.dcm"), "LUNG1-001", "CT", "1.2.3.1")
	writeInstance(t, filepath.Join(src, "series1", "b.dcm"), "LUNG1-001", "CT", "1.2.3.2")
	writeInstance(t, filepath.Join(src, "series2", "c.dcm"), "LUNG1-001", "RTSTRUCT", "1.2.3.9")
	if err := os.WriteFile(filepath.Join(src, "manifest.txt"), []byte("not a dicom file"), 0644); err != nil {
		t.Fatalf("Failed to write text file: %v", err)
	}

	res, err := Sort(src, root, true)
	if err != nil {
		t.Fatalf("Sort failed: %v", err)
	}
	if res.Sorted != 3 || len(res.Rejected) != 1 {
		t.Errorf("expected 3 sorted and 1 rejected, got %+v", res)
	}
	for _, p := range []string{"LUNG1-001/CT/1.2.3.1.dcm", "LUNG1-001/CT/1.2.3.2.dcm", "LUNG1-001/RTSTRUCT/1.2.3.9.dcm"} {
		if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(p))); err != nil {
			t.Errorf("expected %s: %v", p, err)
		}
	}
	if _, err := os.Stat(src); err != nil {
		t.Errorf("expected the download dir to be kept when a file was rejected")
	}

	h, err := ReadHeader(filepath.Join(root, "LUNG1-001", "RTSTRUCT", "1.2.3.9.dcm"))
	if err != nil || h.Modality != "RTSTRUCT" {
		t.Errorf("expected a readable sorted copy, got %+v %v", h, err)
	}

	if err := os.Remove(filepath.Join(src, "manifest.txt")); err != nil {
		t.Fatalf("Failed to remove text file: %v", err)
	}
	res, err = Sort(src, root, true)
	if err != nil {
		t.Fatalf("second Sort failed: %v", err)
	}
	if res.Sorted != 0 || res.Existing != 3 {
		t.Errorf("expected all instances to exist already, got %+v", res)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Errorf("expected the download dir to be removed")
	}
}

func TestSortMissingSource(t *testing.T) {
	root := t.TempDir()
	res, err := Sort(filepath.Join(root, "download"), filepath.Join(root, "dicom"), true)
	if err != nil {
		t.Fatalf("Sort failed: %v", err)
	}
	if res.Sorted != 0 || len(res.Rejected) != 0 {
		t.Errorf("expected an empty result, got %+v", res)
	}
}

// Package dicomsort arranges a flat download of DICOM instances into the
// <root>/<PatientID>/<Modality>/<SOPInstanceUID>.dcm tree the preprocessing
// stage expects.
package dicomsort

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// ErrMissingTag is returned when an instance lacks a tag used in its path
var ErrMissingTag = errors.New("missing DICOM tag")

// Header holds the attributes that decide where an instance is sorted to
type Header struct {
	PatientID      string
	Modality       string
	SOPInstanceUID string
}

// ReadHeader parses the attributes of one instance. Pixel data is skipped.
func ReadHeader(path string) (Header, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return Header{}, fmt.Errorf("failed to parse DICOM file %s: %w", path, err)
	}

	var h Header
	for _, f := range []struct {
		tag tag.Tag
		dst *string
	}{
		{tag.PatientID, &h.PatientID},
		{tag.Modality, &h.Modality},
		{tag.SOPInstanceUID, &h.SOPInstanceUID},
	} {
		elem, err := ds.FindElementByTag(f.tag)
		if err != nil {
			continue
		}
		if vals, ok := elem.Value.GetValue().([]string); ok && len(vals) > 0 {
			*f.dst = strings.TrimSpace(vals[0])
		}
	}
	return h, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// sanitize makes a tag value usable as a single path component
func sanitize(s string) string {
	s = unsafeChars.ReplaceAllString(strings.TrimSpace(s), "_")
	if s == "." || s == ".." {
		s = strings.Repeat("_", len(s))
	}
	return s
}

// Destination returns the sorted location of an instance under root
func Destination(root string, h Header) (string, error) {
	parts := []struct{ name, value string }{
		{"PatientID", h.PatientID},
		{"Modality", h.Modality},
		{"SOPInstanceUID", h.SOPInstanceUID},
	}
	clean := make([]string, len(parts))
	for i, p := range parts {
		clean[i] = sanitize(p.value)
		if clean[i] == "" {
			return "", fmt.Errorf("%w: %s", ErrMissingTag, p.name)
		}
	}
	return filepath.Join(root, clean[0], clean[1], clean[2]+".dcm"), nil
}

// Result counts what happened to the files of a download directory
type Result struct {
	Sorted   int
	Existing int

	// Rejected lists files that are not DICOM or lack a required tag
	Rejected []string
}

// Sort copies every DICOM instance found under src into the sorted tree at
// root. Instances already present at their destination are left alone.
// When removeSource is set and no file was rejected, src is deleted.
func Sort(src, root string, removeSource bool) (*Result, error) {
	res := &Result{}
	if _, err := os.Stat(src); os.IsNotExist(err) {
		log.Printf("Warning: nothing to sort, %s does not exist", src)
		return res, nil
	}

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		h, err := ReadHeader(path)
		if err != nil {
			log.Printf("Warning: skipping %s: %v", path, err)
			res.Rejected = append(res.Rejected, path)
			return nil
		}
		dst, err := Destination(root, h)
		if err != nil {
			log.Printf("Warning: skipping %s: %v", path, err)
			res.Rejected = append(res.Rejected, path)
			return nil
		}

		if _, err := os.Stat(dst); err == nil {
			res.Existing++
			return nil
		}
		if err := copyFile(path, dst); err != nil {
			return err
		}
		res.Sorted++
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("failed to sort %s: %w", src, err)
	}

	if removeSource {
		if len(res.Rejected) > 0 {
			log.Printf("Warning: keeping %s, %d file(s) could not be sorted", src, len(res.Rejected))
		} else if err := os.RemoveAll(src); err != nil {
			return res, fmt.Errorf("failed to remove unsorted data: %w", err)
		}
	}
	return res, nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".sort-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

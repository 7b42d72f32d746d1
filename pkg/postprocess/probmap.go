package postprocess

import (
	"archive/zip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/sbinet/npyio/npy"

	"ctsegpipe/internal/models"
	"ctsegpipe/pkg/layout"
	"ctsegpipe/pkg/nrrd"
)

// ErrProbMapFormat is returned when the probability array cannot be mapped
// onto the CT grid
var ErrProbMapFormat = errors.New("unsupported probability map")

// Probability map output types
const (
	ProbMapUint8   = "uint8"
	ProbMapUint16  = "uint16"
	ProbMapFloat32 = "float32"
)

// softmaxEntry is the array the inference command stores in its .npz archive
const softmaxEntry = "softmax.npy"

// ProbMap is the per-class probability array of one patient, shaped
// (class, z, y, x) with x varying fastest.
type ProbMap struct {
	Shape []int
	Data  []float32
}

// Channel returns the probabilities of one class
func (m *ProbMap) Channel(c int) []float32 {
	n := m.Shape[1] * m.Shape[2] * m.Shape[3]
	return m.Data[c*n : (c+1)*n]
}

// ReadProbMap loads the softmax array of an .npz archive. Half, single and
// double precision arrays are read; values are returned as float32.
func ReadProbMap(path string) (*ProbMap, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer zr.Close()

	var entry *zip.File
	for _, f := range zr.File {
		if f.Name == softmaxEntry {
			entry = f
			break
		}
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: %s has no %s", ErrProbMapFormat, path, softmaxEntry)
	}

	rc, err := entry.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	r, err := npy.NewReader(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	descr := r.Header.Descr
	if len(descr.Shape) != 4 {
		return nil, fmt.Errorf("%w: expected 4 dimensions, got shape %v", ErrProbMapFormat, descr.Shape)
	}
	if descr.Fortran {
		return nil, fmt.Errorf("%w: Fortran-ordered arrays are not supported", ErrProbMapFormat)
	}

	m := &ProbMap{Shape: descr.Shape}
	switch descr.Type {
	case "<f4", ">f4":
		if err := r.Read(&m.Data); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	case "<f8", ">f8":
		var data []float64
		if err := r.Read(&data); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		m.Data = make([]float32, len(data))
		for i, v := range data {
			m.Data[i] = float32(v)
		}
	case "<f2", ">f2":
		// float16 is what the inference command writes by default
		m.Data, err = readHalfs(rc, descr.Type[0] == '>')
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%w: dtype %q", ErrProbMapFormat, descr.Type)
	}

	want := 1
	for _, d := range descr.Shape {
		want *= d
	}
	if len(m.Data) != want {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrProbMapFormat, len(m.Data), descr.Shape)
	}
	return m, nil
}

func readHalfs(r io.Reader, bigEndian bool) ([]float32, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var order binary.ByteOrder = binary.LittleEndian
	if bigEndian {
		order = binary.BigEndian
	}
	out := make([]float32, len(buf)/2)
	for i := range out {
		out[i] = halfToFloat32(order.Uint16(buf[2*i:]))
	}
	return out, nil
}

// halfToFloat32 widens an IEEE 754 binary16 value
func halfToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h) & 0x3ff

	switch {
	case exp == 0 && frac == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// subnormal: frac * 2^-24
		f := float32(frac) / (1 << 24)
		if sign != 0 {
			f = -f
		}
		return f
	case exp == 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | frac<<13)
	}
	return math.Float32frombits(sign | (exp+112)<<23 | frac<<13)
}

// channelName names the file of one class: the background first, then the
// structures of the label map, then the bare class index.
func (p *Processor) channelName(c int) string {
	if c == 0 {
		return "Background"
	}
	if s, ok := p.Labels.StructureOf(c); ok {
		return s
	}
	return "class_" + strconv.Itoa(c)
}

// quantize converts probabilities in [0,1] to the configured integer range.
// Truncation matches a plain integer cast; 1.0 saturates.
func quantize(probs []float32, scale float64, max int32) []int32 {
	out := make([]int32, len(probs))
	for i, v := range probs {
		q := int32(math.Min(math.Max(float64(v)*scale, 0), float64(max)))
		out[i] = q
	}
	return out
}

// exportProbMaps writes one probability map per class of the softmax array
// onto the CT grid, under the pred_softmax directory of the patient.
func (p *Processor) exportProbMaps(pat string, report *models.PatientReport) {
	l := p.Layout
	dir := l.ProbMapDir(pat)
	channels := p.Labels.MaxLabel() + 1

	if !p.Force {
		cached := true
		for c := 0; c < channels; c++ {
			ok, err := layout.Exists(layout.MaskPath(dir, p.channelName(c)))
			if err != nil {
				report.Add(ArtifactProbMaps, dir, models.Failed, err)
				return
			}
			if !ok {
				cached = false
				break
			}
		}
		if cached {
			for c := 0; c < channels; c++ {
				report.Add(ArtifactProbMaps, layout.MaskPath(dir, p.channelName(c)), models.Cached, nil)
			}
			return
		}
	}

	npzPath := l.ProbabilityMapPath(pat)
	if ok, err := layout.Exists(npzPath); err != nil || !ok {
		if err == nil {
			err = models.MissingInput("probability maps", npzPath)
		}
		report.Add(ArtifactProbMaps, npzPath, models.Failed, err)
		return
	}

	ctHeader, err := nrrd.ReadHeader(l.CTNRRDPath(pat))
	if err != nil {
		report.Add(ArtifactProbMaps, dir, models.Failed, fmt.Errorf("failed to read CT header: %w", err))
		return
	}
	ctGrid := ctHeader.Grid()

	fmt.Println("Exporting probability maps...")
	m, err := ReadProbMap(npzPath)
	if err != nil {
		report.Add(ArtifactProbMaps, npzPath, models.Failed, err)
		return
	}
	sz := ctGrid.Sizes
	if m.Shape[1] != sz[2] || m.Shape[2] != sz[1] || m.Shape[3] != sz[0] {
		report.Add(ArtifactProbMaps, npzPath, models.Failed,
			fmt.Errorf("%w: probability map shape %v vs %s", ErrGridMismatch, m.Shape, ctGrid))
		return
	}
	if m.Shape[0] < channels {
		report.Add(ArtifactProbMaps, npzPath, models.Failed,
			fmt.Errorf("%w: %d classes, the label map needs %d", ErrProbMapFormat, m.Shape[0], channels))
		return
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		report.Add(ArtifactProbMaps, dir, models.Failed, err)
		return
	}

	for c := 0; c < m.Shape[0]; c++ {
		path := layout.MaskPath(dir, p.channelName(c))
		if err := p.writeProbMap(path, ctGrid, m.Channel(c)); err != nil {
			report.Add(ArtifactProbMaps, path, models.Failed, fmt.Errorf("failed to write probability map: %w", err))
			continue
		}
		report.Add(ArtifactProbMaps, path, models.Computed, nil)
	}
}

func (p *Processor) writeProbMap(path string, grid models.Grid, probs []float32) error {
	switch p.ProbMapType {
	case ProbMapFloat32:
		return nrrd.WriteFloat32(path, grid, probs)
	case ProbMapUint16:
		vol := &models.Volume{Grid: grid, Data: quantize(probs, 65536, math.MaxUint16)}
		return nrrd.Write(path, vol, &nrrd.WriteOptions{Type: nrrd.Uint16})
	case ProbMapUint8, "":
		vol := &models.Volume{Grid: grid, Data: quantize(probs, 255, math.MaxUint8)}
		return nrrd.Write(path, vol, &nrrd.WriteOptions{Type: nrrd.Uint8})
	default:
		return fmt.Errorf("%w: output type %q", ErrProbMapFormat, p.ProbMapType)
	}
}

// Package nrrd reads and writes the subset of the NRRD format the pipeline
// needs to handle label volumes and binary masks natively: single-file 3D
// rasters with raw or gzip encoding.
//
// Intensity volumes are only ever inspected through ReadHeader; converting
// DICOM or NIfTI to NRRD stays the job of the external converter.
package nrrd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"ctsegpipe/internal/models"
)

var (
	// ErrNotNRRD is returned when a file does not start with the NRRD magic
	ErrNotNRRD = errors.New("nrrd: not a NRRD file")

	// ErrUnsupported is returned for valid NRRD features this package does
	// not handle (detached data, other encodings, non-3D rasters)
	ErrUnsupported = errors.New("nrrd: unsupported feature")
)

// DataType is the NRRD scalar type of the voxels
type DataType string

const (
	Int8    DataType = "int8"
	Uint8   DataType = "uint8"
	Int16   DataType = "int16"
	Uint16  DataType = "uint16"
	Int32   DataType = "int32"
	Uint32  DataType = "uint32"
	Float32 DataType = "float"
	Float64 DataType = "double"
)

// typeAliases maps every spelling the format allows to its canonical type
var typeAliases = map[string]DataType{
	"signed char": Int8, "int8": Int8, "int8_t": Int8,
	"uchar": Uint8, "unsigned char": Uint8, "uint8": Uint8, "uint8_t": Uint8,
	"short": Int16, "short int": Int16, "signed short": Int16, "signed short int": Int16, "int16": Int16, "int16_t": Int16,
	"ushort": Uint16, "unsigned short": Uint16, "unsigned short int": Uint16, "uint16": Uint16, "uint16_t": Uint16,
	"int": Int32, "signed int": Int32, "int32": Int32, "int32_t": Int32,
	"uint": Uint32, "unsigned int": Uint32, "uint32": Uint32, "uint32_t": Uint32,
	"float": Float32,
	"double": Float64,
}

// Size returns the number of bytes of one voxel
func (t DataType) Size() int {
	switch t {
	case Int8, Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

// Header is the parsed text header of a NRRD file
type Header struct {
	Type      DataType
	Dimension int
	Space     string
	Sizes     [3]int
	Origin    [3]float64
	// Directions holds one vector per axis, scaled by the voxel spacing
	Directions [3][3]float64
	Encoding   string
	BigEndian  bool

	// Fields keeps every raw field for diagnostics
	Fields map[string]string
}

// Grid returns the spatial grid described by the header
func (h *Header) Grid() models.Grid {
	return models.Grid{
		Space:      h.Space,
		Sizes:      h.Sizes,
		Origin:     h.Origin,
		Directions: h.Directions,
	}
}

// ReadHeader parses only the header of a NRRD file
func ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h, err := parseHeader(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return h, nil
}

// parseHeader consumes the header lines up to and including the blank line
// that separates them from the data.
func parseHeader(r *bufio.Reader) (*Header, error) {
	magic, err := r.ReadString('\n')
	if err != nil || !strings.HasPrefix(magic, "NRRD000") {
		return nil, ErrNotNRRD
	}

	h := &Header{Fields: make(map[string]string), Encoding: "raw"}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, err
			}
			if line == "" {
				break
			}
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		// key/value pairs ("key:=value") carry no geometry
		if strings.Contains(line, ":=") {
			continue
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, fmt.Errorf("nrrd: malformed header line %q", line)
		}
		h.Fields[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}

	if err := h.decodeFields(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Header) decodeFields() error {
	if _, ok := h.Fields["data file"]; ok {
		return fmt.Errorf("%w: detached data file", ErrUnsupported)
	}
	if _, ok := h.Fields["datafile"]; ok {
		return fmt.Errorf("%w: detached data file", ErrUnsupported)
	}

	t, ok := typeAliases[strings.ToLower(h.Fields["type"])]
	if !ok {
		return fmt.Errorf("%w: type %q", ErrUnsupported, h.Fields["type"])
	}
	h.Type = t

	dim, err := strconv.Atoi(h.Fields["dimension"])
	if err != nil {
		return fmt.Errorf("nrrd: invalid dimension %q", h.Fields["dimension"])
	}
	if dim != 3 {
		return fmt.Errorf("%w: dimension %d", ErrUnsupported, dim)
	}
	h.Dimension = dim

	sizes := strings.Fields(h.Fields["sizes"])
	if len(sizes) != 3 {
		return fmt.Errorf("nrrd: expected 3 sizes, got %q", h.Fields["sizes"])
	}
	for i, s := range sizes {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return fmt.Errorf("nrrd: invalid size %q", s)
		}
		h.Sizes[i] = n
	}

	h.Space = h.Fields["space"]

	if dirs, ok := h.Fields["space directions"]; ok {
		vecs, err := parseVectors(dirs)
		if err != nil {
			return fmt.Errorf("nrrd: space directions: %w", err)
		}
		if len(vecs) != 3 {
			return fmt.Errorf("nrrd: expected 3 space directions, got %d", len(vecs))
		}
		copy(h.Directions[:], vecs)
	} else {
		// no orientation: fall back to per-axis spacings, identity otherwise
		spacing := [3]float64{1, 1, 1}
		if sp, ok := h.Fields["spacings"]; ok {
			parts := strings.Fields(sp)
			if len(parts) != 3 {
				return fmt.Errorf("nrrd: expected 3 spacings, got %q", sp)
			}
			for i, p := range parts {
				v, err := strconv.ParseFloat(p, 64)
				if err != nil {
					return fmt.Errorf("nrrd: invalid spacing %q", p)
				}
				spacing[i] = v
			}
		}
		for i := 0; i < 3; i++ {
			h.Directions[i][i] = spacing[i]
		}
	}

	if origin, ok := h.Fields["space origin"]; ok {
		vecs, err := parseVectors(origin)
		if err != nil || len(vecs) != 1 {
			return fmt.Errorf("nrrd: invalid space origin %q", origin)
		}
		h.Origin = vecs[0]
	}

	if enc, ok := h.Fields["encoding"]; ok {
		h.Encoding = strings.ToLower(enc)
	}
	switch h.Encoding {
	case "raw", "gzip", "gz":
	default:
		return fmt.Errorf("%w: encoding %q", ErrUnsupported, h.Encoding)
	}

	h.BigEndian = strings.ToLower(h.Fields["endian"]) == "big"
	return nil
}

var vectorPattern = regexp.MustCompile(`\(([^)]*)\)`)

// parseVectors parses "(a,b,c) (d,e,f)" into 3-vectors
func parseVectors(s string) ([][3]float64, error) {
	if strings.Contains(s, "none") {
		return nil, fmt.Errorf("%w: non-spatial axis", ErrUnsupported)
	}
	var out [][3]float64
	for _, m := range vectorPattern.FindAllStringSubmatch(s, -1) {
		parts := strings.Split(m[1], ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("expected 3 components in %q", m[0])
		}
		var v [3]float64
		for i, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return nil, err
			}
			v[i] = f
		}
		out = append(out, v)
	}
	return out, nil
}

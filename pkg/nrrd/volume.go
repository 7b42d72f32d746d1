package nrrd

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"ctsegpipe/internal/models"
)

// Read loads a 3D integer raster. Floating point voxels are accepted only
// when every value is integral, since the pipeline reads label volumes only.
func Read(path string) (*models.Volume, error) {
	var vol *models.Volume
	err := readVoxels(path, func(h *Header, n int) func(int, float64) error {
		vol = models.NewVolume(h.Grid())
		return func(i int, v float64) error {
			if v != math.Trunc(v) || v > math.MaxInt32 || v < math.MinInt32 {
				return fmt.Errorf("nrrd: voxel %d has non-integer value %g", i, v)
			}
			vol.Data[i] = int32(v)
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return vol, nil
}

// ReadFloat32 loads a 3D raster of any scalar type as float32 values, in
// file order.
func ReadFloat32(path string) (*Header, []float32, error) {
	var header *Header
	var data []float32
	err := readVoxels(path, func(h *Header, n int) func(int, float64) error {
		header, data = h, make([]float32, n)
		return func(i int, v float64) error {
			data[i] = float32(v)
			return nil
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return header, data, nil
}

// readVoxels parses the header of path, asks prepare for a sink sized to the
// grid and feeds it every voxel value.
func readVoxels(path string, prepare func(h *Header, n int) func(int, float64) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	h, err := parseHeader(br)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	var data io.Reader = br
	if h.Encoding != "raw" {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("%s: failed to open gzip stream: %w", path, err)
		}
		defer zr.Close()
		data = zr
	}

	n := h.Grid().NumVoxels()
	if err := decodeVoxels(data, h, n, prepare(h, n)); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func decodeVoxels(r io.Reader, h *Header, n int, sink func(int, float64) error) error {
	size := h.Type.Size()
	buf := make([]byte, n*size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("nrrd: short voxel data: %w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if h.BigEndian {
		order = binary.BigEndian
	}

	for i := 0; i < n; i++ {
		b := buf[i*size : (i+1)*size]
		var v float64
		switch h.Type {
		case Int8:
			v = float64(int8(b[0]))
		case Uint8:
			v = float64(b[0])
		case Int16:
			v = float64(int16(order.Uint16(b)))
		case Uint16:
			v = float64(order.Uint16(b))
		case Int32:
			v = float64(int32(order.Uint32(b)))
		case Uint32:
			v = float64(order.Uint32(b))
		case Float32:
			v = float64(math.Float32frombits(order.Uint32(b)))
		case Float64:
			v = math.Float64frombits(order.Uint64(b))
		default:
			return fmt.Errorf("%w: type %q", ErrUnsupported, h.Type)
		}
		if err := sink(i, v); err != nil {
			return err
		}
	}
	return nil
}

// WriteOptions controls how a volume is encoded. The zero value picks the
// narrowest integer type holding every voxel and gzip encoding.
type WriteOptions struct {
	Type DataType
	Raw  bool
}

// Write stores a volume with its grid copied verbatim into the header. The
// file is written to a temporary name first and renamed into place, so a
// reader never observes a partial file.
func Write(path string, vol *models.Volume, opts *WriteOptions) error {
	if opts == nil {
		opts = &WriteOptions{}
	}
	if len(vol.Data) != vol.Grid.NumVoxels() {
		return fmt.Errorf("nrrd: volume has %d voxels, grid expects %d", len(vol.Data), vol.Grid.NumVoxels())
	}

	t := opts.Type
	if t == "" {
		t = narrowestType(vol.Data)
	}
	switch t {
	case Uint8, Int16, Uint16, Int32:
	default:
		return fmt.Errorf("%w: cannot write type %q", ErrUnsupported, t)
	}

	return writeFile(path, vol.Grid, t, opts.Raw, func(w io.Writer) error {
		return encodeVoxels(w, t, vol.Data)
	})
}

// WriteFloat32 stores continuous values, such as probabilities, on a grid.
// The file is gzip encoded.
func WriteFloat32(path string, grid models.Grid, data []float32) error {
	if len(data) != grid.NumVoxels() {
		return fmt.Errorf("nrrd: volume has %d voxels, grid expects %d", len(data), grid.NumVoxels())
	}
	return writeFile(path, grid, Float32, false, func(w io.Writer) error {
		buf := make([]byte, 4*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
		_, err := w.Write(buf)
		return err
	})
}

func writeFile(path string, grid models.Grid, t DataType, raw bool, encode func(io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".nrrd-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	bw := bufio.NewWriter(tmp)
	encoding := "gzip"
	if raw {
		encoding = "raw"
	}
	if _, err := io.WriteString(bw, formatHeader(grid, t, encoding)); err != nil {
		tmp.Close()
		return err
	}

	var data io.Writer = bw
	var zw *gzip.Writer
	if !raw {
		zw = gzip.NewWriter(bw)
		data = zw
	}
	if err := encode(data); err != nil {
		tmp.Close()
		return err
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func narrowestType(data []int32) DataType {
	lo, hi := int32(0), int32(0)
	for _, v := range data {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	switch {
	case lo >= 0 && hi <= math.MaxUint8:
		return Uint8
	case lo >= math.MinInt16 && hi <= math.MaxInt16:
		return Int16
	default:
		return Int32
	}
}

func encodeVoxels(w io.Writer, t DataType, data []int32) error {
	size := t.Size()
	buf := make([]byte, len(data)*size)
	for i, v := range data {
		b := buf[i*size : (i+1)*size]
		switch t {
		case Uint8:
			if v < 0 || v > math.MaxUint8 {
				return fmt.Errorf("nrrd: voxel %d value %d does not fit uint8", i, v)
			}
			b[0] = byte(v)
		case Int16:
			if v < math.MinInt16 || v > math.MaxInt16 {
				return fmt.Errorf("nrrd: voxel %d value %d does not fit int16", i, v)
			}
			binary.LittleEndian.PutUint16(b, uint16(int16(v)))
		case Uint16:
			if v < 0 || v > math.MaxUint16 {
				return fmt.Errorf("nrrd: voxel %d value %d does not fit uint16", i, v)
			}
			binary.LittleEndian.PutUint16(b, uint16(v))
		case Int32:
			binary.LittleEndian.PutUint32(b, uint32(v))
		}
	}
	_, err := w.Write(buf)
	return err
}

func formatHeader(g models.Grid, t DataType, encoding string) string {
	space := g.Space
	if space == "" {
		space = "left-posterior-superior"
	}

	var sb strings.Builder
	sb.WriteString("NRRD0004\n")
	sb.WriteString("# Complete NRRD file format specification at:\n")
	sb.WriteString("# http://teem.sourceforge.net/nrrd/format.html\n")
	fmt.Fprintf(&sb, "type: %s\n", typeName(t))
	sb.WriteString("dimension: 3\n")
	fmt.Fprintf(&sb, "space: %s\n", space)
	fmt.Fprintf(&sb, "sizes: %d %d %d\n", g.Sizes[0], g.Sizes[1], g.Sizes[2])
	fmt.Fprintf(&sb, "space directions: %s %s %s\n",
		formatVector(g.Directions[0]), formatVector(g.Directions[1]), formatVector(g.Directions[2]))
	sb.WriteString("kinds: domain domain domain\n")
	if t.Size() > 1 {
		sb.WriteString("endian: little\n")
	}
	fmt.Fprintf(&sb, "encoding: %s\n", encoding)
	fmt.Fprintf(&sb, "space origin: %s\n", formatVector(g.Origin))
	sb.WriteString("\n")
	return sb.String()
}

func typeName(t DataType) string {
	switch t {
	case Uint8:
		return "unsigned char"
	case Int16:
		return "short"
	case Uint16:
		return "unsigned short"
	case Int32:
		return "int"
	default:
		return string(t)
	}
}

func formatVector(v [3]float64) string {
	return "(" + strconv.FormatFloat(v[0], 'g', -1, 64) + "," +
		strconv.FormatFloat(v[1], 'g', -1, 64) + "," +
		strconv.FormatFloat(v[2], 'g', -1, 64) + ")"
}

// Package visualization renders quick-look JPEG previews of label volumes
// and binary masks for visual quality control.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"

	"ctsegpipe/internal/models"
)

// Viewer extracts 2D slices from an integer-valued volume
type Viewer struct {
	vol *models.Volume

	// maxValue maps the largest label to white
	maxValue int32
}

// NewViewer creates a viewer over a label volume or binary mask
func NewViewer(vol *models.Volume) *Viewer {
	var max int32
	for _, v := range vol.Data {
		if v > max {
			max = v
		}
	}
	return &Viewer{vol: vol, maxValue: max}
}

func (v *Viewer) gray(val int32) color.Gray {
	if val <= 0 || v.maxValue == 0 {
		return color.Gray{Y: 0}
	}
	return color.Gray{Y: uint8(int64(val) * 255 / int64(v.maxValue))}
}

// ExtractSlice extracts a 2D slice along the given axis. Labels are mapped
// linearly to gray levels, background stays black.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	w, h, d := v.vol.Grid.Sizes[0], v.vol.Grid.Sizes[1], v.vol.Grid.Sizes[2]

	var img *image.Gray
	switch axis {
	case "x", "X":
		// YZ plane
		if position >= w {
			return nil, fmt.Errorf("position %d exceeds width %d", position, w)
		}
		img = image.NewGray(image.Rect(0, 0, d, h))
		for y := 0; y < h; y++ {
			for z := 0; z < d; z++ {
				img.SetGray(z, y, v.gray(v.vol.Data[v.vol.Index(position, y, z)]))
			}
		}

	case "y", "Y":
		// XZ plane
		if position >= h {
			return nil, fmt.Errorf("position %d exceeds height %d", position, h)
		}
		img = image.NewGray(image.Rect(0, 0, w, d))
		for z := 0; z < d; z++ {
			for x := 0; x < w; x++ {
				img.SetGray(x, z, v.gray(v.vol.Data[v.vol.Index(x, position, z)]))
			}
		}

	case "z", "Z":
		// XY plane
		if position >= d {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, d)
		}
		img = image.NewGray(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.SetGray(x, y, v.gray(v.vol.Data[v.vol.Index(x, y, position)]))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// LargestAxialSlice returns the z index with the most non-zero voxels, or
// -1 when the volume is empty.
func (v *Viewer) LargestAxialSlice() int {
	plane := v.vol.Grid.Sizes[0] * v.vol.Grid.Sizes[1]
	best, bestCount := -1, 0
	for z := 0; z < v.vol.Grid.Sizes[2]; z++ {
		n := 0
		for _, val := range v.vol.Data[z*plane : (z+1)*plane] {
			if val != 0 {
				n++
			}
		}
		if n > bestCount {
			best, bestCount = z, n
		}
	}
	return best
}

// Upscale enlarges a slice by an integer factor. Nearest-neighbor keeps
// label boundaries crisp; a smoothing kernel would invent intermediate labels.
func Upscale(img image.Image, factor int) image.Image {
	if factor <= 1 {
		return img
	}
	b := img.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx()*factor, b.Dy()*factor))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// SaveSlice saves an extracted slice as a JPEG image
func SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveAxialSnapshot writes the axial slice with the largest foreground area,
// upscaled by factor, to <dir>/<name>_axial.jpg. Empty volumes produce no
// file and an empty path.
func SaveAxialSnapshot(vol *models.Volume, dir, name string, factor int) (string, error) {
	v := NewViewer(vol)
	z := v.LargestAxialSlice()
	if z < 0 {
		return "", nil
	}

	img, err := v.ExtractSlice("z", z)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	path := filepath.Join(dir, name+"_axial.jpg")
	if err := SaveSlice(Upscale(img, factor), path); err != nil {
		return "", fmt.Errorf("failed to save snapshot of %s: %w", name, err)
	}
	return path, nil
}

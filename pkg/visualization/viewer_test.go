package visualization

import (
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"ctsegpipe/internal/models"
)

// newTestVolume returns a 10x8x5 volume where slice z holds label z in a
// square whose side grows with z
func newTestVolume() *models.Volume {
	vol := models.NewVolume(models.NewAxisAlignedGrid([3]int{10, 8, 5}, [3]float64{1, 1, 2.5}, [3]float64{}))
	for z := 0; z < 5; z++ {
		for y := 0; y < z; y++ {
			for x := 0; x < z; x++ {
				vol.Data[vol.Index(x, y, z)] = int32(z)
			}
		}
	}
	return vol
}

// TestExtractSlice verifies slice dimensions and gray levels along each axis
func TestExtractSlice(t *testing.T) {
	vol := newTestVolume()
	viewer := NewViewer(vol)

	img, err := viewer.ExtractSlice("z", 4)
	if err != nil {
		t.Fatalf("Failed to extract Z slice: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 10 || b.Dy() != 8 {
		t.Errorf("Expected Z slice dimensions 10x8, got %dx%d", b.Dx(), b.Dy())
	}
	if got := img.GrayAt(0, 0).Y; got != 255 {
		t.Errorf("Expected the largest label to be white, got %d", got)
	}
	if got := img.GrayAt(9, 7).Y; got != 0 {
		t.Errorf("Expected background to be black, got %d", got)
	}

	img, err = viewer.ExtractSlice("z", 2)
	if err != nil {
		t.Fatalf("Failed to extract Z slice: %v", err)
	}
	if got := img.GrayAt(1, 1).Y; got != 127 {
		t.Errorf("Expected label 2 of 4 to map to 127, got %d", got)
	}

	imgX, err := viewer.ExtractSlice("x", 0)
	if err != nil {
		t.Fatalf("Failed to extract X slice: %v", err)
	}
	if b := imgX.Bounds(); b.Dx() != 5 || b.Dy() != 8 {
		t.Errorf("Expected X slice dimensions 5x8, got %dx%d", b.Dx(), b.Dy())
	}

	imgY, err := viewer.ExtractSlice("y", 0)
	if err != nil {
		t.Fatalf("Failed to extract Y slice: %v", err)
	}
	if b := imgY.Bounds(); b.Dx() != 10 || b.Dy() != 5 {
		t.Errorf("Expected Y slice dimensions 10x5, got %dx%d", b.Dx(), b.Dy())
	}

	if _, err := viewer.ExtractSlice("invalid", 0); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
	if _, err := viewer.ExtractSlice("z", 6); err == nil {
		t.Error("Expected error for out of bounds position, got nil")
	}
}

func TestLargestAxialSlice(t *testing.T) {
	if z := NewViewer(newTestVolume()).LargestAxialSlice(); z != 4 {
		t.Errorf("Expected slice 4, got %d", z)
	}

	empty := models.NewVolume(models.NewAxisAlignedGrid([3]int{2, 2, 2}, [3]float64{1, 1, 1}, [3]float64{}))
	if z := NewViewer(empty).LargestAxialSlice(); z != -1 {
		t.Errorf("Expected -1 for an empty volume, got %d", z)
	}
}

// TestUpscaleKeepsLabels checks that no intermediate gray level appears
func TestUpscaleKeepsLabels(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 3, 3))
	src.Pix[4] = 255

	dst := Upscale(src, 4).(*image.Gray)
	if b := dst.Bounds(); b.Dx() != 12 || b.Dy() != 12 {
		t.Fatalf("Expected 12x12, got %dx%d", b.Dx(), b.Dy())
	}
	for _, p := range dst.Pix {
		if p != 0 && p != 255 {
			t.Fatalf("Found interpolated gray level %d", p)
		}
	}
	if dst.GrayAt(5, 5).Y != 255 || dst.GrayAt(3, 3).Y != 0 {
		t.Errorf("Upscaled foreground is misplaced")
	}
}

func TestSaveAxialSnapshot(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "qc")

	path, err := SaveAxialSnapshot(newTestVolume(), dir, "Heart", 2)
	if err != nil {
		t.Fatalf("Failed to save snapshot: %v", err)
	}
	if path != filepath.Join(dir, "Heart_axial.jpg") {
		t.Errorf("Unexpected snapshot path %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Snapshot not written: %v", err)
	}
	defer f.Close()
	cfg, err := jpeg.DecodeConfig(f)
	if err != nil {
		t.Fatalf("Snapshot is not a JPEG: %v", err)
	}
	if cfg.Width != 20 || cfg.Height != 16 {
		t.Errorf("Expected 20x16 snapshot, got %dx%d", cfg.Width, cfg.Height)
	}

	empty := models.NewVolume(models.NewAxisAlignedGrid([3]int{2, 2, 2}, [3]float64{1, 1, 1}, [3]float64{}))
	if path, err := SaveAxialSnapshot(empty, dir, "Aorta", 2); err != nil || path != "" {
		t.Errorf("Expected no snapshot for an empty mask, got %q %v", path, err)
	}
}

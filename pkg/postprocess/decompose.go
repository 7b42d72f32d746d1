package postprocess

import (
	"fmt"

	"ctsegpipe/internal/models"
)

// Decompose splits a label volume into one binary mask per requested
// structure. A voxel is 1 in the mask of structure S exactly when its label
// is the one S maps to, so the masks never overlap.
//
// The returned counts hold, per label value, the number of voxels whose
// non-zero label is not in the map. Masks share the grid of the label volume.
func Decompose(vol *models.Volume, labels models.LabelMap, structures []string) (map[string]*models.Volume, map[int32]int, error) {
	want := make(map[int32]string, len(structures))
	masks := make(map[string]*models.Volume, len(structures))
	for _, s := range structures {
		label, ok := labels.LabelOf(s)
		if !ok {
			return nil, nil, fmt.Errorf("structure %q has no label", s)
		}
		want[int32(label)] = s
		masks[s] = models.NewVolume(vol.Grid)
	}

	unmapped := make(map[int32]int)
	for i, v := range vol.Data {
		if v == 0 {
			continue
		}
		if s, ok := want[v]; ok {
			masks[s].Data[i] = 1
			continue
		}
		if !labels.Has(int(v)) {
			unmapped[v]++
		}
	}
	return masks, unmapped, nil
}

package models

import "fmt"

// LabelEntry associates one integer label of a label volume with the
// anatomical structure it denotes.
type LabelEntry struct {
	Label     int    `yaml:"label"`
	Structure string `yaml:"structure"`
}

// LabelMap is the ordered label to structure mapping of a segmentation model.
// Label 0 is always background and never appears in the map.
type LabelMap []LabelEntry

// SegTHORLabels is the label order of the SegTHOR thoracic organs-at-risk model
func SegTHORLabels() LabelMap {
	return LabelMap{
		{Label: 1, Structure: "Esophagus"},
		{Label: 2, Structure: "Heart"},
		{Label: 3, Structure: "Trachea"},
		{Label: 4, Structure: "Aorta"},
	}
}

// LabelOf returns the label assigned to a structure
func (m LabelMap) LabelOf(structure string) (int, bool) {
	for _, e := range m {
		if e.Structure == structure {
			return e.Label, true
		}
	}
	return 0, false
}

// StructureOf returns the structure a label is assigned to
func (m LabelMap) StructureOf(label int) (string, bool) {
	for _, e := range m {
		if e.Label == label {
			return e.Structure, true
		}
	}
	return "", false
}

// MaxLabel returns the largest label of the map, 0 when empty
func (m LabelMap) MaxLabel() int {
	max := 0
	for _, e := range m {
		if e.Label > max {
			max = e.Label
		}
	}
	return max
}

// Has reports whether the label is mapped to a structure
func (m LabelMap) Has(label int) bool {
	for _, e := range m {
		if e.Label == label {
			return true
		}
	}
	return false
}

// Validate checks that labels are positive and that neither labels nor
// structure names repeat.
func (m LabelMap) Validate() error {
	labels := make(map[int]bool)
	names := make(map[string]bool)
	for _, e := range m {
		if e.Label <= 0 {
			return fmt.Errorf("label %d for %q: labels must be positive", e.Label, e.Structure)
		}
		if e.Structure == "" {
			return fmt.Errorf("label %d has no structure name", e.Label)
		}
		if labels[e.Label] {
			return fmt.Errorf("label %d is mapped twice", e.Label)
		}
		if names[e.Structure] {
			return fmt.Errorf("structure %q is mapped twice", e.Structure)
		}
		labels[e.Label] = true
		names[e.Structure] = true
	}
	return nil
}

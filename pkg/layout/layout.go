// Package layout computes the on-disk directory convention shared by all
// stages. Stages never hand data to each other in memory; they agree on
// these paths instead.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"ctsegpipe/internal/models"
)

const (
	// PredictionSuffix is the extension of the volumes written by the inference command
	PredictionSuffix = ".nii.gz"

	// ModelInputSuffix marks the single input channel expected by the inference command
	ModelInputSuffix = "_0000.nii.gz"
)

// Layout holds the dataset roots resolved from the configuration
type Layout struct {
	DicomRoot      string
	DownloadRoot   string
	ProcessedRoot  string
	NRRDRoot       string
	NIfTIRoot      string
	DicomSegRoot   string
	ModelInputDir  string
	ModelOutputDir string
	RTFolderName   string
	PredFolderName string
}

// CTDicomDir is raw/<dataset>/dicom/<patient>/CT
func (l Layout) CTDicomDir(pat string) string {
	return filepath.Join(l.DicomRoot, pat, "CT")
}

// RTDicomDir is raw/<dataset>/dicom/<patient>/RTSTRUCT
func (l Layout) RTDicomDir(pat string) string {
	return filepath.Join(l.DicomRoot, pat, "RTSTRUCT")
}

func (l Layout) PatientNRRDDir(pat string) string {
	return filepath.Join(l.NRRDRoot, pat)
}

func (l Layout) PatientNIfTIDir(pat string) string {
	return filepath.Join(l.NIfTIRoot, pat)
}

func (l Layout) CTNRRDPath(pat string) string {
	return filepath.Join(l.PatientNRRDDir(pat), pat+"_ct.nrrd")
}

func (l Layout) CTNIfTIPath(pat string) string {
	return filepath.Join(l.PatientNIfTIDir(pat), pat+"_ct.nii.gz")
}

// RTMaskDir holds the ground-truth masks exported from the RTSTRUCT
func (l Layout) RTMaskDir(pat string) string {
	return filepath.Join(l.PatientNRRDDir(pat), l.RTFolderName)
}

// RTListPath is the manifest of the structures exported from the RTSTRUCT
func (l Layout) RTListPath(pat string) string {
	return filepath.Join(l.PatientNRRDDir(pat), pat+"_rt_list.txt")
}

// PredMaskDir holds the binary masks split from the prediction
func (l Layout) PredMaskDir(pat string) string {
	return filepath.Join(l.PatientNRRDDir(pat), l.PredFolderName)
}

// ProbMapDir holds one probability map per model class
func (l Layout) ProbMapDir(pat string) string {
	return filepath.Join(l.PatientNRRDDir(pat), "pred_softmax")
}

// PredLabelPath is the prediction converted to NRRD and aligned to the CT grid
func (l Layout) PredLabelPath(pat string) string {
	return filepath.Join(l.PatientNRRDDir(pat), pat+"_pred_segthor.nrrd")
}

// MaskPath is the binary mask file of one structure inside a mask directory
func MaskPath(dir, structure string) string {
	return filepath.Join(dir, structure+".nrrd")
}

// QCDir holds the preview images of the exported masks
func (l Layout) QCDir(pat string) string {
	return filepath.Join(l.PatientNRRDDir(pat), "qc")
}

func (l Layout) NRRDLogPath(pat string) string {
	return filepath.Join(l.PatientNRRDDir(pat), pat+"_plastimatch.log")
}

func (l Layout) NIfTILogPath(pat string) string {
	return filepath.Join(l.PatientNIfTIDir(pat), pat+"_plastimatch.log")
}

// ModelInputPath is the copy of the CT the inference command reads
func (l Layout) ModelInputPath(pat string) string {
	return filepath.Join(l.ModelInputDir, pat+ModelInputSuffix)
}

// PredictionPath is the label volume the inference command writes
func (l Layout) PredictionPath(pat string) string {
	return filepath.Join(l.ModelOutputDir, pat+PredictionSuffix)
}

// ProbabilityMapPath is the optional per-class probability array
func (l Layout) ProbabilityMapPath(pat string) string {
	return filepath.Join(l.ModelOutputDir, pat+".npz")
}

func (l Layout) DicomSegPath(pat string) string {
	return filepath.Join(l.DicomSegRoot, pat, pat+"_SEG.dcm")
}

// Job builds the batch preprocessing descriptor of one patient
func (l Layout) Job(pat string, verbose bool) models.JobDescriptor {
	return models.JobDescriptor{
		Patient:      models.Patient{ID: pat},
		CTDicomDir:   l.CTDicomDir(pat),
		RTDicomDir:   l.RTDicomDir(pat),
		NRRDDir:      l.PatientNRRDDir(pat),
		NIfTIDir:     l.PatientNIfTIDir(pat),
		CTNRRDPath:   l.CTNRRDPath(pat),
		CTNIfTIPath:  l.CTNIfTIPath(pat),
		RTMaskDir:    l.RTMaskDir(pat),
		RTListPath:   l.RTListPath(pat),
		NRRDLogPath:  l.NRRDLogPath(pat),
		NIfTILogPath: l.NIfTILogPath(pat),
		Verbose:      verbose,
	}
}

// ListPatientDirs returns the sorted names of the sub-directories of dir.
// Hidden entries are skipped.
func ListPatientDirs(dir string) ([]models.Patient, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.MissingInput("patient directory", dir)
		}
		return nil, err
	}

	var patients []models.Patient
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			patients = append(patients, models.Patient{ID: e.Name()})
		}
	}
	sort.Slice(patients, func(i, j int) bool { return patients[i].ID < patients[j].ID })
	return patients, nil
}

// ListPredictions returns the patients that have a prediction file in dir,
// sorted by ID.
func ListPredictions(dir string) ([]models.Patient, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.MissingInput("prediction directory", dir)
		}
		return nil, err
	}

	var patients []models.Patient
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, PredictionSuffix) || strings.HasPrefix(name, ".") {
			continue
		}
		patients = append(patients, models.Patient{ID: strings.TrimSuffix(name, PredictionSuffix)})
	}
	sort.Slice(patients, func(i, j int) bool { return patients[i].ID < patients[j].ID })
	return patients, nil
}

// Exists reports whether path exists. Errors other than "not found" are
// returned so a permission problem is not mistaken for missing output.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat %s: %w", path, err)
}

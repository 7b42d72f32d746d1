// Package evaluation compares the predicted masks with the ground-truth masks
// exported from the RTSTRUCT and summarises overlap and boundary distance
// per patient and structure.
package evaluation

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"ctsegpipe/internal/models"
	"ctsegpipe/pkg/config"
	"ctsegpipe/pkg/layout"
	"ctsegpipe/pkg/nrrd"
	"ctsegpipe/pkg/plastimatch"
)

// Metric names used in failure reports
const (
	MetricDice      = "dice"
	MetricHausdorff = "hausdorff"
)

// Evaluator computes Dice and Hausdorff statistics for every patient with a
// prediction. A failed metric never stops the run; it is recorded with its
// status and an empty summary.
type Evaluator struct {
	Metrics    plastimatch.MetricTool
	Layout     layout.Layout
	Structures []string
}

// Results holds both metric records keyed by patient and lowercase structure
type Results struct {
	Patients   []string
	Structures []string
	Dice       models.MetricRecord
	Hausdorff  models.MetricRecord
	Duration   time.Duration
}

// NewEvaluator builds the evaluator of the evaluate stage
func NewEvaluator(cfg *config.Config, metrics plastimatch.MetricTool) *Evaluator {
	return &Evaluator{
		Metrics:    metrics,
		Layout:     cfg.Layout(),
		Structures: cfg.Eval.StructuresToEval,
	}
}

// StructureKey is the key a structure is stored under in the results
func StructureKey(structure string) string {
	return strings.ToLower(structure)
}

// Evaluate runs both metrics over every (patient, structure) pair
func (e *Evaluator) Evaluate(ctx context.Context) (*Results, error) {
	start := time.Now()

	patients, err := layout.ListPredictions(e.Layout.ModelOutputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list predictions: %w", err)
	}

	res := &Results{
		Dice:      make(models.MetricRecord),
		Hausdorff: make(models.MetricRecord),
	}
	for _, s := range e.Structures {
		res.Structures = append(res.Structures, StructureKey(s))
	}

	for i, pat := range patients {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fmt.Printf("(%d/%d) processing patient %s\n", i+1, len(patients), pat.ID)
		res.Patients = append(res.Patients, pat.ID)

		for j, s := range e.Structures {
			fmt.Printf("Structure %d of %d (%s)\n", j+1, len(e.Structures), s)
			dc, hd := e.evaluateStructure(ctx, pat.ID, s)
			res.Dice.Set(pat.ID, StructureKey(s), dc)
			res.Hausdorff.Set(pat.ID, StructureKey(s), hd)
		}
	}

	res.Duration = time.Since(start)
	return res, nil
}

func (e *Evaluator) evaluateStructure(ctx context.Context, pat, structure string) (dc, hd models.MetricResult) {
	ref := layout.MaskPath(e.Layout.RTMaskDir(pat), structure)
	test := layout.MaskPath(e.Layout.PredMaskDir(pat), structure)

	for _, path := range []string{ref, test} {
		if ok, err := layout.Exists(path); err != nil || !ok {
			reason := models.MissingInput("mask", path).Error()
			log.Printf("Warning: patient %s, %s: %s", pat, structure, reason)
			missing := models.MetricResult{Status: models.MetricMissingInput, Reason: reason}
			return missing, missing
		}
	}

	dc = e.run(pat, structure, MetricDice, func() (map[string]float64, error) {
		return e.Metrics.Dice(ctx, ref, test)
	})

	// Boundary distances are undefined when either mask is empty
	if empty, which := emptyMask(ref, test); empty {
		reason := which + " mask is empty"
		log.Printf("Warning: patient %s, %s: hausdorff skipped, %s", pat, structure, reason)
		hd = models.MetricResult{Status: models.MetricDegenerate, Reason: reason}
		return dc, hd
	}

	hd = e.run(pat, structure, MetricHausdorff, func() (map[string]float64, error) {
		return e.Metrics.Hausdorff(ctx, ref, test)
	})
	return dc, hd
}

func (e *Evaluator) run(pat, structure, metric string, fn func() (map[string]float64, error)) models.MetricResult {
	summary, err := fn()
	if err != nil {
		log.Printf("Warning: patient %s, %s: %s failed: %v", pat, structure, metric, err)
		return models.MetricResult{Status: models.MetricToolFailed, Reason: err.Error()}
	}
	return models.MetricResult{Status: models.MetricOK, Summary: summary}
}

// emptyMask reports whether the reference or the test mask has no
// foreground. Unreadable masks are left for the metric tool to judge.
func emptyMask(ref, test string) (bool, string) {
	for _, m := range []struct{ name, path string }{{"reference", ref}, {"predicted", test}} {
		vol, err := nrrd.Read(m.path)
		if err != nil {
			continue
		}
		if vol.NonZero() == 0 {
			return true, m.name
		}
	}
	return false, ""
}

package evaluation

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"ctsegpipe/internal/models"
)

// SummaryStats are the statistics aggregated over patients in summary.csv,
// per metric record.
var SummaryStats = map[string][]string{
	"dc": {"dc"},
	"hd": {"hd", "hd95"},
}

// Failure is one entry of eval_failures.json
type Failure struct {
	Status models.MetricStatus `json:"status"`
	Reason string              `json:"reason,omitempty"`
}

// Export writes every result file to dir and returns their paths
func (r *Results) Export(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create results directory: %w", err)
	}

	var written []string
	write := func(name string, fn func(path string) error) error {
		path := filepath.Join(dir, name)
		if err := fn(path); err != nil {
			return fmt.Errorf("failed to export %s: %w", name, err)
		}
		written = append(written, path)
		return nil
	}

	if err := write("dc_dict.json", func(p string) error { return writeJSON(p, r.Dice.Summaries()) }); err != nil {
		return written, err
	}
	if err := write("hd_dict.json", func(p string) error { return writeJSON(p, r.Hausdorff.Summaries()) }); err != nil {
		return written, err
	}
	if err := write("eval_failures.json", func(p string) error { return writeJSON(p, r.Failures()) }); err != nil {
		return written, err
	}

	for _, s := range r.Structures {
		if err := write("dc_"+s+".csv", func(p string) error { return r.writeStructureCSV(p, r.Dice, s) }); err != nil {
			return written, err
		}
		if err := write("hd_"+s+".csv", func(p string) error { return r.writeStructureCSV(p, r.Hausdorff, s) }); err != nil {
			return written, err
		}
	}

	if err := write("summary.csv", r.writeSummaryCSV); err != nil {
		return written, err
	}
	return written, nil
}

// Failures returns patient -> structure -> metric -> status for every
// metric that did not produce a summary
func (r *Results) Failures() map[string]map[string]map[string]Failure {
	out := make(map[string]map[string]map[string]Failure)
	add := func(rec models.MetricRecord, metric string) {
		for pat, structures := range rec {
			for s, res := range structures {
				if res.OK() {
					continue
				}
				if out[pat] == nil {
					out[pat] = make(map[string]map[string]Failure)
				}
				if out[pat][s] == nil {
					out[pat][s] = make(map[string]Failure)
				}
				out[pat][s][metric] = Failure{Status: res.Status, Reason: res.Reason}
			}
		}
	}
	add(r.Dice, MetricDice)
	add(r.Hausdorff, MetricHausdorff)
	return out
}

// Values returns the finite values of one statistic for a structure, in
// patient order, skipping patients without it
func (r *Results) Values(rec models.MetricRecord, structure, stat string) []float64 {
	var vals []float64
	for _, pat := range r.Patients {
		res, ok := rec[pat][structure]
		if !ok || !res.OK() {
			continue
		}
		if v, ok := res.Summary[stat]; ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
			vals = append(vals, v)
		}
	}
	return vals
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

// writeStructureCSV writes one row per patient with the sorted union of the
// statistic keys as columns; failed entries leave their cells empty.
func (r *Results) writeStructureCSV(path string, rec models.MetricRecord, structure string) error {
	keySet := make(map[string]bool)
	for _, pat := range r.Patients {
		for k := range rec[pat][structure].Summary {
			keySet[k] = true
		}
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := [][]string{append([]string{"patient"}, keys...)}
	for _, pat := range r.Patients {
		row := []string{pat}
		summary := rec[pat][structure].Summary
		for _, k := range keys {
			if v, ok := summary[k]; ok {
				row = append(row, formatFloat(v))
			} else {
				row = append(row, "")
			}
		}
		rows = append(rows, row)
	}
	return writeCSV(path, rows)
}

// writeSummaryCSV aggregates the headline statistics over patients
func (r *Results) writeSummaryCSV(path string) error {
	rows := [][]string{{"structure", "metric", "stat", "n", "mean", "std", "median", "min", "max"}}
	records := []struct {
		name string
		rec  models.MetricRecord
	}{{"dc", r.Dice}, {"hd", r.Hausdorff}}

	for _, s := range r.Structures {
		for _, m := range records {
			for _, st := range SummaryStats[m.name] {
				d := Describe(r.Values(m.rec, s, st))
				rows = append(rows, []string{
					s, m.name, st, strconv.Itoa(d.N),
					formatFloat(d.Mean), formatFloat(d.Std), formatFloat(d.Median),
					formatFloat(d.Min), formatFloat(d.Max),
				})
			}
		}
	}
	return writeCSV(path, rows)
}

// Description summarises a sample. Undefined statistics are NaN.
type Description struct {
	N                           int
	Mean, Std, Median, Min, Max float64
}

// Describe computes the summary statistics of vals
func Describe(vals []float64) Description {
	d := Description{N: len(vals), Mean: math.NaN(), Std: math.NaN(), Median: math.NaN(), Min: math.NaN(), Max: math.NaN()}
	if len(vals) == 0 {
		return d
	}

	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)

	d.Mean = stat.Mean(sorted, nil)
	if len(sorted) > 1 {
		d.Std = stat.StdDev(sorted, nil)
	}
	d.Min = floats.Min(sorted)
	d.Max = floats.Max(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		d.Median = sorted[mid]
	} else {
		d.Median = (sorted[mid-1] + sorted[mid]) / 2
	}
	return d
}

// formatFloat prints the shortest representation; NaN becomes an empty cell
func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func writeCSV(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	return f.Close()
}

// Summary flattens the metric records into a stage summary, one artifact per
// (structure, metric). Metrics without a summary are reported as failed with
// their status as the error.
func (r *Results) Summary() *models.StageSummary {
	summary := &models.StageSummary{Stage: "Evaluation", Duration: r.Duration}
	for _, pat := range r.Patients {
		report := models.PatientReport{PatientID: pat}
		for _, s := range r.Structures {
			for _, m := range []struct {
				name string
				rec  models.MetricRecord
			}{{MetricDice, r.Dice}, {MetricHausdorff, r.Hausdorff}} {
				res, ok := m.rec[pat][s]
				if !ok {
					continue
				}
				if res.OK() {
					report.Add(m.name+":"+s, "", models.Computed, nil)
				} else {
					report.Add(m.name+":"+s, "", models.Failed, fmt.Errorf("%s: %s", res.Status, res.Reason))
				}
			}
		}
		summary.Reports = append(summary.Reports, report)
	}
	return summary
}

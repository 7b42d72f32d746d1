package plastimatch

import (
	"math"
	"strconv"
	"strings"
)

// diceKeys maps the labels printed by `plastimatch dice --dice` to summary keys
var diceKeys = map[string]string{
	"reference volume": "vol_ref",
	"test volume":      "vol_test",
	"tp":               "tp",
	"tn":               "tn",
	"fn":               "fn",
	"fp":               "fp",
	"dice":             "dc",
	"se":               "se",
	"sp":               "sp",
}

// hausdorffKeys maps the labels printed by `plastimatch dice --hausdorff`
var hausdorffKeys = map[string]string{
	"hausdorff distance":                           "hd",
	"avg average hausdorff distance":               "avg_hd",
	"max average hausdorff distance":               "max_avg_hd",
	"percent (0.95) hausdorff distance":            "hd95",
	"hausdorff distance (boundary)":                "hd_boundary",
	"avg average hausdorff distance (boundary)":    "avg_hd_boundary",
	"max average hausdorff distance (boundary)":    "max_avg_hd_boundary",
	"percent (0.95) hausdorff distance (boundary)": "hd95_boundary",
}

// ParseStats extracts "label: value" and "label = value" lines whose label
// is known. Unknown lines are ignored; values that are not finite numbers
// are dropped so they never reach JSON output.
func ParseStats(output string, keys map[string]string) (map[string]float64, error) {
	stats := make(map[string]float64)
	for _, line := range strings.Split(output, "\n") {
		label, value, ok := splitStatLine(line)
		if !ok {
			continue
		}
		key, known := keys[label]
		if !known {
			continue
		}
		fields := strings.Fields(value)
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseFloat(fields[0], 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		stats[key] = v
	}
	if len(stats) == 0 {
		return nil, ErrUnparsableOutput
	}
	return stats, nil
}

func splitStatLine(line string) (label, value string, ok bool) {
	sep := strings.IndexAny(line, ":=")
	if sep < 0 {
		return "", "", false
	}
	label = strings.ToLower(strings.Join(strings.Fields(line[:sep]), " "))
	return label, strings.TrimSpace(line[sep+1:]), label != ""
}

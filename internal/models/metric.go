package models

// MetricStatus tells apart the ways a metric computation can end
type MetricStatus int

const (
	// MetricOK means the metric tool produced a summary
	MetricOK MetricStatus = iota
	// MetricMissingInput means the reference or test mask does not exist
	MetricMissingInput
	// MetricToolFailed means the metric tool exited with an error or
	// produced output that could not be parsed
	MetricToolFailed
	// MetricDegenerate means the metric is undefined for the inputs, e.g. a
	// boundary distance against an empty mask
	MetricDegenerate
)

func (s MetricStatus) String() string {
	switch s {
	case MetricOK:
		return "ok"
	case MetricMissingInput:
		return "missing_input"
	case MetricToolFailed:
		return "tool_failed"
	case MetricDegenerate:
		return "degenerate"
	default:
		return "unknown"
	}
}

// MarshalText lets statuses appear by name in JSON exports
func (s MetricStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// MetricResult is the outcome of one metric for one patient and structure
type MetricResult struct {
	Status  MetricStatus
	Summary map[string]float64
	Reason  string
}

// OK reports whether the result carries a summary
func (r MetricResult) OK() bool {
	return r.Status == MetricOK
}

// MetricRecord maps patient -> structure -> result
type MetricRecord map[string]map[string]MetricResult

// Set stores a result, creating the patient entry on first use
func (m MetricRecord) Set(patient, structure string, res MetricResult) {
	if m[patient] == nil {
		m[patient] = make(map[string]MetricResult)
	}
	m[patient][structure] = res
}

// Summaries returns the record in the patient -> structure -> summary shape,
// with an empty summary for every failed entry.
func (m MetricRecord) Summaries() map[string]map[string]map[string]float64 {
	out := make(map[string]map[string]map[string]float64, len(m))
	for pat, structures := range m {
		out[pat] = make(map[string]map[string]float64, len(structures))
		for s, res := range structures {
			if res.OK() {
				out[pat][s] = res.Summary
			} else {
				out[pat][s] = map[string]float64{}
			}
		}
	}
	return out
}

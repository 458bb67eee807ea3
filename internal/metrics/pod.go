package metrics

import (
	"time"

	"github.com/trella/pod-capture/internal/quality"
)

// Verdict emits one quality-gate outcome: a pass or fail count, one count
// per reason code, and the analysis latency.
func Verdict(v quality.Verdict, mode string, elapsed time.Duration) {
	r := New(Namespace).
		Dimension("Operation", "analyze").
		Metric("AnalyzeLatencyMs", float64(elapsed.Milliseconds()), UnitMilliseconds).
		Property("mode", mode)
	if v.Passed {
		r.Count("QualityPassed")
	} else {
		r.Count("QualityFailed")
	}
	for _, reason := range v.Reasons {
		r.Count("Reason_" + string(reason))
	}
	r.Flush()
}

// Submission emits the outcome of a submit request. created is false when
// another writer had already submitted the shipment.
func Submission(uploadMode string, created bool) {
	r := New(Namespace).
		Dimension("Operation", "submit").
		Property("uploadMode", uploadMode)
	if created {
		r.Count("SubmissionCreated")
		if uploadMode == "fallback_triple" {
			r.Count("FallbackSubmission")
		}
	} else {
		r.Count("SubmissionDuplicate")
	}
	r.Flush()
}

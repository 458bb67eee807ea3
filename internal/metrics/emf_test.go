package metrics

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/trella/pod-capture/internal/quality"
)

// captureOutput redirects Output for the duration of the test.
func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := Output
	Output = &buf
	t.Cleanup(func() { Output = old })
	return &buf
}

func parseDocs(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var docs []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(line), &doc); err != nil {
			t.Fatalf("failed to parse EMF output as JSON: %v\nOutput: %s", err, line)
		}
		docs = append(docs, doc)
	}
	return docs
}

func TestNew_AutoDimension(t *testing.T) {
	initOnce.Do(func() {})
	functionName = "pod-lambda"
	t.Cleanup(func() { functionName = "" })

	r := New("TestNamespace")
	if r.namespace != "TestNamespace" {
		t.Errorf("namespace = %s, want TestNamespace", r.namespace)
	}
	if r.dimensions["FunctionName"] != "pod-lambda" {
		t.Errorf("FunctionName dimension = %s, want pod-lambda", r.dimensions["FunctionName"])
	}
}

func TestRecorder_FlushOutput(t *testing.T) {
	buf := captureOutput(t)
	functionName = ""

	New(Namespace).
		Dimension("Endpoint", "/api/shipments/*/attempts").
		Metric("RequestLatencyMs", 1234.5, UnitMilliseconds).
		Metric("RequestCount", 1, UnitCount).
		Property("sessionId", "abc-123").
		Flush()

	docs := parseDocs(t, buf)
	if len(docs) != 1 {
		t.Fatalf("got %d documents, want 1", len(docs))
	}
	doc := docs[0]

	awsMap, ok := doc["_aws"].(map[string]any)
	if !ok {
		t.Fatal("missing _aws directive in EMF output")
	}
	if _, ok := awsMap["Timestamp"]; !ok {
		t.Error("missing Timestamp in _aws directive")
	}
	cwArr, ok := awsMap["CloudWatchMetrics"].([]any)
	if !ok || len(cwArr) == 0 {
		t.Fatal("CloudWatchMetrics should be a non-empty array")
	}
	cw := cwArr[0].(map[string]any)
	if cw["Namespace"] != Namespace {
		t.Errorf("Namespace = %v, want %s", cw["Namespace"], Namespace)
	}
	defs := cw["Metrics"].([]any)
	if len(defs) != 2 || defs[0].(map[string]any)["Name"] != "RequestCount" {
		t.Errorf("Metrics = %v, want sorted by name", defs)
	}

	if doc["Endpoint"] != "/api/shipments/*/attempts" {
		t.Errorf("Endpoint = %v", doc["Endpoint"])
	}
	if doc["RequestLatencyMs"] != 1234.5 {
		t.Errorf("RequestLatencyMs = %v, want 1234.5", doc["RequestLatencyMs"])
	}
	if doc["RequestCount"] != float64(1) {
		t.Errorf("RequestCount = %v, want 1", doc["RequestCount"])
	}
	if doc["sessionId"] != "abc-123" {
		t.Errorf("sessionId = %v, want abc-123", doc["sessionId"])
	}
}

func TestRecorder_FlushEmpty(t *testing.T) {
	buf := captureOutput(t)
	New("Test").Flush()
	if buf.Len() != 0 {
		t.Errorf("expected no output for empty recorder, got: %s", buf.String())
	}
}

func TestRecorder_Chaining(t *testing.T) {
	functionName = ""
	rec := New("Test").
		Dimension("Op", "test").
		Metric("Duration", 100, UnitMilliseconds).
		Count("Calls").
		Property("id", "xyz")

	if rec.dimensions["Op"] != "test" {
		t.Error("chaining Dimension failed")
	}
	if rec.values["Duration"] != float64(100) {
		t.Error("chaining Metric failed")
	}
	if m := rec.metrics["Calls"]; rec.values["Calls"] != float64(1) || m.Unit != UnitCount {
		t.Error("chaining Count failed")
	}
	if rec.properties["id"] != "xyz" {
		t.Error("chaining Property failed")
	}
}

func TestVerdict(t *testing.T) {
	buf := captureOutput(t)
	functionName = ""

	Verdict(quality.Verdict{Reasons: []quality.ReasonCode{quality.Blurry, quality.NoDocument}}, "single", 42*time.Millisecond)
	Verdict(quality.Verdict{Passed: true}, "single", time.Millisecond)

	docs := parseDocs(t, buf)
	if len(docs) != 2 {
		t.Fatalf("got %d documents, want 2", len(docs))
	}
	failed := docs[0]
	if failed["QualityFailed"] != float64(1) || failed["Reason_blurry"] != float64(1) || failed["Reason_no_document"] != float64(1) {
		t.Errorf("failed verdict doc = %v", failed)
	}
	if failed["AnalyzeLatencyMs"] != float64(42) || failed["mode"] != "single" {
		t.Errorf("failed verdict doc = %v", failed)
	}
	if docs[1]["QualityPassed"] != float64(1) {
		t.Errorf("passed verdict doc = %v", docs[1])
	}
}

func TestSubmission(t *testing.T) {
	buf := captureOutput(t)
	functionName = ""

	Submission("fallback_triple", true)
	Submission("single", false)

	docs := parseDocs(t, buf)
	if docs[0]["SubmissionCreated"] != float64(1) || docs[0]["FallbackSubmission"] != float64(1) {
		t.Errorf("created doc = %v", docs[0])
	}
	if docs[1]["SubmissionDuplicate"] != float64(1) {
		t.Errorf("duplicate doc = %v", docs[1])
	}
}

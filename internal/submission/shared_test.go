package submission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/trella/pod-capture/internal/quality"
	"github.com/trella/pod-capture/internal/store"
)

// cluster is a set of workflows that only share persistent storage, like
// Lambda containers behind one API.
type cluster struct {
	nodes    []*Workflow
	store    *store.PodStore
	sink     *store.MemorySink
	sessions *store.MemorySessions
	staging  *store.MemoryStaging
	analyzer *scriptedAnalyzer
}

func newCluster(n int, verdicts ...quality.Verdict) *cluster {
	c := &cluster{
		sink:     store.NewMemorySink(),
		sessions: store.NewMemorySessions(),
		staging:  store.NewMemoryStaging(),
		analyzer: &scriptedAnalyzer{verdicts: verdicts},
	}
	c.store = store.NewPodStore(c.sink, store.NewMemoryRecords())
	for i := 0; i < n; i++ {
		reg := NewSharedRegistry(time.Hour, c.sessions, c.staging)
		c.nodes = append(c.nodes, NewWorkflow(c.analyzer, c.store, reg, Options{Shipments: testShipments}))
	}
	return c
}

type failingSessions struct {
	store.SessionStore
	err error
}

func (f failingSessions) PutSession(context.Context, *store.SessionRecord) error { return f.err }

func TestWorkflow_SubmitOnAnotherProcess(t *testing.T) {
	c := newCluster(2, pass)
	a, b := c.nodes[0], c.nodes[1]
	ctx := context.Background()
	if !a.Sessions().Shared() || NewRegistry(0).Shared() {
		t.Fatal("Shared() does not reflect the session backend")
	}

	view, _, err := a.Begin(ctx, "", testKey)
	if err != nil {
		t.Fatal(err)
	}
	res, err := a.SubmitAttempt(ctx, view.ID, testKey, []byte("sharp photo"))
	if err != nil || res.State != StateAccepted {
		t.Fatalf("SubmitAttempt() = %+v, %v", res, err)
	}

	out, err := b.Submit(ctx, view.ID, testKey, SubmitRequest{Images: []string{res.ImageRef}})
	if err != nil {
		t.Fatalf("Submit() on second process error = %v, want nil", err)
	}
	if out.State != StateSubmitted || out.Submission.UploadMode != store.UploadSingle {
		t.Errorf("Submit() = %+v", out)
	}
	if got, _ := c.sink.Get(out.Submission.ArtifactPaths[0]); string(got) != "sharp photo" {
		t.Errorf("stored artifact = %q, want the accepted upload", got)
	}
	if c.sessions.Len() != 0 {
		t.Error("shared session kept after submit")
	}
}

func TestWorkflow_AttemptsCountAcrossProcesses(t *testing.T) {
	c := newCluster(3, fail, fail, fail)
	ctx := context.Background()

	view, _, _ := c.nodes[0].Begin(ctx, "", testKey)
	for i, node := range c.nodes {
		res, err := node.SubmitAttempt(ctx, view.ID, testKey, []byte{byte(i)})
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		if res.AttemptsUsed != i+1 || res.ID != view.ID {
			t.Errorf("attempt %d: used = %d, session = %q", i+1, res.AttemptsUsed, res.ID)
		}
	}

	// The first process caught up with the fallback the others reached.
	var refs []string
	for i, data := range []string{"doc-1", "doc-2", "doc-3"} {
		res, err := c.nodes[i%2].SubmitAttempt(ctx, view.ID, testKey, []byte(data))
		if err != nil || res.State != StateFallbackCollecting {
			t.Fatalf("fallback attempt %d = %+v, %v", i+1, res, err)
		}
		refs = append(refs, res.ImageRef)
	}
	if c.analyzer.calls != 3 {
		t.Errorf("analyzer called %d times, want 3", c.analyzer.calls)
	}

	out, err := c.nodes[2].Submit(ctx, view.ID, testKey, SubmitRequest{Images: refs})
	if err != nil || out.Submission.UploadMode != store.UploadFallbackTriple {
		t.Fatalf("Submit() = %+v, %v", out, err)
	}
	for i, want := range []string{"doc-1", "doc-2", "doc-3"} {
		if got, _ := c.sink.Get(out.Submission.ArtifactPaths[i]); string(got) != want {
			t.Errorf("artifact %d = %q, want %q", i, got, want)
		}
	}
}

func TestWorkflow_SharedWriteFailureRollsBack(t *testing.T) {
	c := newCluster(1, pass)
	wf := c.nodes[0]
	ctx := context.Background()

	view, _, _ := wf.Begin(ctx, "", testKey)
	wf.sessions.shared = failingSessions{SessionStore: c.sessions, err: errors.New("ProvisionedThroughputExceeded")}
	if _, err := wf.SubmitAttempt(ctx, view.ID, testKey, []byte("photo")); err == nil {
		t.Fatal("SubmitAttempt() error = nil, want session write failure")
	}

	wf.sessions.shared = c.sessions
	again, _, _ := wf.Begin(ctx, view.ID, testKey)
	if again.State != StateAwaitingInput || len(again.ImageRefs) != 0 {
		t.Errorf("session after failed write = %+v, want untouched", again)
	}
}

func TestWorkflow_SharedSessionConflict(t *testing.T) {
	c := newCluster(2, fail)
	ctx := context.Background()

	view, _, _ := c.nodes[0].Begin(ctx, "", testKey)
	c.nodes[1].Begin(ctx, view.ID, testKey)

	// The second process writes a version the first has not seen. The
	// first refreshes before its own step, so neither write is lost.
	if _, err := c.nodes[1].SubmitAttempt(ctx, view.ID, testKey, []byte("a")); err != nil {
		t.Fatal(err)
	}
	res, err := c.nodes[0].SubmitAttempt(ctx, view.ID, testKey, []byte("b"))
	if err != nil || res.AttemptsUsed != 2 {
		t.Errorf("SubmitAttempt() = %+v, %v, want 2 attempts used", res, err)
	}

	// A concurrent writer between refresh and write surfaces as a conflict.
	s, _ := c.nodes[0].sessions.Get(ctx, view.ID, testKey)
	s.mu.Lock()
	s.version--
	err = c.nodes[0].sessions.persist(ctx, s)
	s.mu.Unlock()
	if !errors.Is(err, store.ErrSessionConflict) {
		t.Errorf("persist() stale error = %v, want ErrSessionConflict", err)
	}
}

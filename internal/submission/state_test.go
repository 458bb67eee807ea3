package submission

import (
	"testing"

	"github.com/trella/pod-capture/internal/quality"
)

var (
	pass = quality.Verdict{Passed: true, Reasons: []quality.ReasonCode{}}
	fail = quality.Verdict{Passed: false, Reasons: []quality.ReasonCode{quality.Blurry}}
)

func TestAttemptState_Record(t *testing.T) {
	tests := []struct {
		name      string
		verdicts  []quality.Verdict
		want      State
		wantUsed  int
		wantMode  Mode
		remaining int
	}{
		{"pass first time", []quality.Verdict{pass}, StateAccepted, 0, ModeSingle, 3},
		{"one failure", []quality.Verdict{fail}, StateRetryRequested, 1, ModeSingle, 2},
		{"two failures", []quality.Verdict{fail, fail}, StateRetryRequested, 2, ModeSingle, 1},
		{"fail then pass", []quality.Verdict{fail, pass}, StateAccepted, 1, ModeSingle, 2},
		{"three failures", []quality.Verdict{fail, fail, fail}, StateFallbackEntered, 3, ModeFallback, 0},
		{"pass after fallback", []quality.Verdict{fail, fail, fail, pass}, StateFallbackCollecting, 3, ModeFallback, 0},
		{"fail after fallback", []quality.Verdict{fail, fail, fail, fail}, StateFallbackCollecting, 3, ModeFallback, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAttemptState()
			var got State
			for _, v := range tt.verdicts {
				got = a.Record(v)
			}
			if got != tt.want {
				t.Errorf("Record() = %v, want %v", got, tt.want)
			}
			if a.AttemptsUsed != tt.wantUsed {
				t.Errorf("AttemptsUsed = %d, want %d", a.AttemptsUsed, tt.wantUsed)
			}
			if a.Mode != tt.wantMode {
				t.Errorf("Mode = %v, want %v", a.Mode, tt.wantMode)
			}
			if a.Remaining() != tt.remaining {
				t.Errorf("Remaining() = %d, want %d", a.Remaining(), tt.remaining)
			}
		})
	}
}

func TestAttemptState_FallbackIsOneWay(t *testing.T) {
	a := NewAttemptState()
	for i := 0; i < MaxAttempts; i++ {
		a.Record(fail)
	}
	for i := 0; i < 5; i++ {
		a.Record(pass)
		if a.Mode != ModeFallback {
			t.Fatalf("Mode = %v after passing verdict %d, want fallback", a.Mode, i)
		}
	}
}

func TestState_Terminal(t *testing.T) {
	for _, s := range []State{StateSubmitted, StateAlreadySubmitted} {
		if !s.Terminal() {
			t.Errorf("%v.Terminal() = false", s)
		}
	}
	for _, s := range []State{StateAwaitingInput, StateAnalyzing, StateAccepted, StateRetryRequested, StateFallbackEntered, StateFallbackCollecting} {
		if s.Terminal() {
			t.Errorf("%v.Terminal() = true", s)
		}
	}
}

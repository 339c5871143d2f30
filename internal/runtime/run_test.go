package runtime

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRunStatusTerminal(t *testing.T) {
	terminal := []RunStatus{RunCompleted, RunFailed, RunCancelled}
	live := []RunStatus{RunQueued, RunRunning, RunPaused, RunAwaitingApproval}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestParseRunStatus(t *testing.T) {
	if ParseRunStatus("Canceled") != RunCancelled {
		t.Error("US spelling not accepted")
	}
	if ParseRunStatus("bogus") != RunQueued {
		t.Error("unknown should default to queued")
	}
}

func TestHasBlockingFailure(t *testing.T) {
	results := []GateResult{
		{GateID: "a", Status: GatePass, Blocking: true},
		{GateID: "b", Status: GateFail, Blocking: false},
	}
	if HasBlockingFailure(results) {
		t.Error("non-blocking fail counted as blocking")
	}
	results = append(results, GateResult{GateID: "c", Status: GateFail, Blocking: true})
	if !HasBlockingFailure(results) {
		t.Error("blocking fail missed")
	}
}

func TestStepRunForReturnsLatest(t *testing.T) {
	r := &Run{Steps: []StepRun{
		{StepID: "a", Attempts: 1},
		{StepID: "b", Attempts: 1},
		{StepID: "a", Attempts: 2},
	}}
	sr := r.StepRunFor("a")
	if sr == nil || sr.Attempts != 2 {
		t.Fatalf("got %+v", sr)
	}
	if r.StepRunFor("zzz") != nil {
		t.Error("missing step resolved")
	}
}

func TestNewRunIDSortable(t *testing.T) {
	a := NewRunID()
	time.Sleep(2 * time.Millisecond)
	b := NewRunID()
	if !strings.HasPrefix(a, "run_") || len(a) != len("run_")+26 {
		t.Errorf("id shape: %q", a)
	}
	if !(a < b) {
		t.Errorf("ids not time-ordered: %q then %q", a, b)
	}
}

func TestWriteJSONAtomicFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "run.json")
	run := Run{ID: "run_x", Status: RunQueued, Task: "t"}
	if err := WriteJSONAtomicFile(path, run); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var back Run
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back.ID != "run_x" || back.Status != RunQueued {
		t.Errorf("round trip: %+v", back)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

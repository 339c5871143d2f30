package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/fyreflow/fyreflow/internal/flow"
	"github.com/fyreflow/fyreflow/internal/runtime"
)

func testFlow() *flow.Flow {
	return &flow.Flow{
		ID:   "fl-1",
		Name: "deck",
		Steps: []flow.Step{
			{ID: "build", Role: flow.RoleExecutor, Prompt: "build", ProviderID: "p"},
		},
		Runtime: flow.Runtime{MaxLoops: 1, MaxStepExecutions: 8, StageTimeoutMS: 60_000},
	}
}

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	return s, dir
}

func TestUpsertAndReload(t *testing.T) {
	s, dir := openStore(t)
	if _, errs, err := s.UpsertPipeline(testFlow()); err != nil || len(errs) > 0 {
		t.Fatalf("upsert: %v %v", errs, err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	f, ok := reopened.GetPipeline("fl-1")
	if !ok || f.Name != "deck" {
		t.Fatalf("pipeline lost across restart: %v %v", f, ok)
	}
}

func TestUpsertRejectsInvalid(t *testing.T) {
	s, _ := openStore(t)
	bad := testFlow()
	bad.Steps[0].Prompt = ""
	_, errs, err := s.UpsertPipeline(bad)
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) == 0 {
		t.Fatal("invalid flow accepted")
	}
}

func TestUpsertRetargetsCompletionGates(t *testing.T) {
	s, _ := openStore(t)
	f := testFlow()
	f.QualityGates = []flow.QualityGate{{
		ID: "g", Name: "done", Kind: flow.GateRegexMustMatch,
		Pattern: `WORKFLOW_STATUS:\s*COMPLETE`, TargetStepID: flow.AnyStepTarget, Blocking: true,
	}}
	saved, errs, err := s.UpsertPipeline(f)
	if err != nil || len(errs) > 0 {
		t.Fatalf("%v %v", errs, err)
	}
	if saved.QualityGates[0].TargetStepID != "build" {
		t.Errorf("gate target = %q", saved.QualityGates[0].TargetStepID)
	}
}

func TestCreateRunNormalizesAndResolvesSecureInputs(t *testing.T) {
	s, _ := openStore(t)
	if _, _, err := s.UpsertPipeline(testFlow()); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSecureInput("fl-1", "API Token", "real-secret"); err != nil {
		t.Fatal(err)
	}

	run, err := s.CreateRun("fl-1", "make the deck", map[string]string{
		"API Token": "[secure]",
		"  Topic ":  "q3 results",
	}, "demo")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != runtime.RunQueued {
		t.Errorf("status = %s", run.Status)
	}
	if run.Inputs["api_token"] != "real-secret" {
		t.Errorf("secure input not resolved: %v", run.Inputs)
	}
	if run.Inputs["topic"] != "q3 results" {
		t.Errorf("key not normalized: %v", run.Inputs)
	}
}

func TestRunRoundTripsThroughStore(t *testing.T) {
	s, dir := openStore(t)
	if _, _, err := s.UpsertPipeline(testFlow()); err != nil {
		t.Fatal(err)
	}
	run, err := s.CreateRun("fl-1", "t", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	s.AppendLog(run.ID, "step build queued")
	s.RecordStepAttempt(run.ID, runtime.StepRun{StepID: "build", Status: runtime.StepCompleted, Attempts: 1, WorkflowOutcome: runtime.OutcomePass})

	before, _ := s.GetRun(run.ID)
	reopened, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	after, ok := reopened.GetRun(run.ID)
	if !ok {
		t.Fatal("run lost")
	}
	bj, _ := json.Marshal(before)
	aj, _ := json.Marshal(after)
	if !reflect.DeepEqual(bj, aj) {
		t.Errorf("round trip mismatch:\n%s\n%s", bj, aj)
	}
}

func TestTerminalStatusSticky(t *testing.T) {
	s, _ := openStore(t)
	if _, _, err := s.UpsertPipeline(testFlow()); err != nil {
		t.Fatal(err)
	}
	run, _ := s.CreateRun("fl-1", "t", nil, "")
	s.UpdateRun(run.ID, func(r *runtime.Run) { r.Status = runtime.RunCancelled })
	got, _ := s.UpdateRun(run.ID, func(r *runtime.Run) { r.Status = runtime.RunRunning })
	if got.Status != runtime.RunCancelled {
		t.Errorf("terminal status overwritten: %s", got.Status)
	}
}

func TestRecoverableRuns(t *testing.T) {
	s, dir := openStore(t)
	if _, _, err := s.UpsertPipeline(testFlow()); err != nil {
		t.Fatal(err)
	}
	running, _ := s.CreateRun("fl-1", "t1", nil, "")
	s.UpdateRun(running.ID, func(r *runtime.Run) {
		r.Status = runtime.RunRunning
		r.Steps = append(r.Steps, runtime.StepRun{StepID: "build", Status: runtime.StepRunning, Attempts: 2})
	})
	done, _ := s.CreateRun("fl-1", "t2", nil, "")
	s.UpdateRun(done.ID, func(r *runtime.Run) { r.Status = runtime.RunCompleted })

	reopened, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	recovered := reopened.RecoverableRuns()
	if len(recovered) != 1 || recovered[0].ID != running.ID {
		t.Fatalf("recovered = %+v", recovered)
	}
	sr := recovered[0].StepRunFor("build")
	if sr.Status != runtime.StepPending || sr.Attempts != 2 {
		t.Errorf("crashed step not reset with attempts preserved: %+v", sr)
	}
}

func TestSnapshotRunState(t *testing.T) {
	s, _ := openStore(t)
	if _, _, err := s.UpsertPipeline(testFlow()); err != nil {
		t.Fatal(err)
	}
	run, _ := s.CreateRun("fl-1", "t", nil, "")
	root := t.TempDir()
	if err := s.SnapshotRunState(run.ID, root); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(root, "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	var snap runtime.Run
	if err := json.Unmarshal(b, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.ID != run.ID {
		t.Errorf("snapshot id = %s", snap.ID)
	}
}

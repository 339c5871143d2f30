// Package store persists pipelines and runs as JSON documents under a data
// directory and rebuilds in-memory state on process start.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fyreflow/fyreflow/internal/flow"
	"github.com/fyreflow/fyreflow/internal/runtime"
)

// SecureValueSentinel marks an input whose real value lives in the
// per-pipeline secure-input store.
const SecureValueSentinel = "[secure]"

var whitespaceRe = regexp.MustCompile(`\s+`)

// NormalizeInputKey lowercases and collapses whitespace in an input key.
func NormalizeInputKey(k string) string {
	return whitespaceRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(k)), "_")
}

// Store owns pipeline and run persistence. All methods are safe for
// concurrent use.
type Store struct {
	mu      sync.Mutex
	dataDir string

	pipelines map[string]*flow.Flow
	runs      map[string]*runtime.Run

	// secureInputs maps pipeline id to input key to real value.
	secureInputs map[string]map[string]string
}

// Open loads or initializes a store rooted at dataDir.
func Open(dataDir string) (*Store, error) {
	s := &Store{
		dataDir:      dataDir,
		pipelines:    map[string]*flow.Flow{},
		runs:         map[string]*runtime.Run{},
		secureInputs: map[string]map[string]string{},
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "runs"), 0o755); err != nil {
		return nil, err
	}
	if err := s.loadPipelines(); err != nil {
		return nil, err
	}
	if err := s.loadSecureInputs(); err != nil {
		return nil, err
	}
	if err := s.loadRuns(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) pipelinesPath() string    { return filepath.Join(s.dataDir, "pipelines.json") }
func (s *Store) secureInputsPath() string { return filepath.Join(s.dataDir, "secure_inputs.json") }
func (s *Store) runPath(id string) string {
	return filepath.Join(s.dataDir, "runs", id+".json")
}

func (s *Store) loadPipelines() error {
	b, err := os.ReadFile(s.pipelinesPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var list []*flow.Flow
	if err := json.Unmarshal(b, &list); err != nil {
		return fmt.Errorf("decode pipelines.json: %w", err)
	}
	for _, f := range list {
		s.pipelines[f.ID] = f
	}
	return nil
}

func (s *Store) loadSecureInputs() error {
	b, err := os.ReadFile(s.secureInputsPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(b, &s.secureInputs)
}

func (s *Store) loadRuns() error {
	entries, err := os.ReadDir(filepath.Join(s.dataDir, "runs"))
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.dataDir, "runs", e.Name()))
		if err != nil {
			return err
		}
		var run runtime.Run
		if err := json.Unmarshal(b, &run); err != nil {
			return fmt.Errorf("decode run %s: %w", e.Name(), err)
		}
		s.runs[run.ID] = &run
	}
	return nil
}

func (s *Store) persistPipelinesLocked() error {
	list := make([]*flow.Flow, 0, len(s.pipelines))
	for _, f := range s.pipelines {
		list = append(list, f)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return runtime.WriteJSONAtomicFile(s.pipelinesPath(), list)
}

func (s *Store) persistRunLocked(run *runtime.Run) error {
	return runtime.WriteJSONAtomicFile(s.runPath(run.ID), run)
}

// ListPipelines returns pipelines ordered by id.
func (s *Store) ListPipelines() []*flow.Flow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*flow.Flow, 0, len(s.pipelines))
	for _, f := range s.pipelines {
		out = append(out, f.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) GetPipeline(id string) (*flow.Flow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.pipelines[id]
	if !ok {
		return nil, false
	}
	return f.Clone(), true
}

// UpsertPipeline normalizes, validates, and retargets the flow, then saves
// it. The stored flow is the canonical form.
func (s *Store) UpsertPipeline(f *flow.Flow) (*flow.Flow, []flow.FieldError, error) {
	flow.Normalize(f)
	if errs := flow.Validate(f); len(errs) > 0 {
		return nil, errs, nil
	}
	flow.RetargetCompletionGates(f)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipelines[f.ID] = f.Clone()
	if err := s.persistPipelinesLocked(); err != nil {
		return nil, nil, err
	}
	return f.Clone(), nil, nil
}

func (s *Store) DeletePipeline(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelines[id]; !ok {
		return false, nil
	}
	delete(s.pipelines, id)
	return true, s.persistPipelinesLocked()
}

// SetSecureInput stores the real value behind a [secure] placeholder.
func (s *Store) SetSecureInput(pipelineID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.secureInputs[pipelineID]
	if m == nil {
		m = map[string]string{}
		s.secureInputs[pipelineID] = m
	}
	m[NormalizeInputKey(key)] = value
	return runtime.WriteJSONAtomicFile(s.secureInputsPath(), s.secureInputs)
}

// CreateRun snapshots the pipeline and materializes a queued run. Input keys
// are normalized; [secure] values are swapped for their stored secrets.
func (s *Store) CreateRun(pipelineID, task string, inputs map[string]string, scenario string) (*runtime.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.pipelines[pipelineID]
	if !ok {
		return nil, fmt.Errorf("pipeline %s not found", pipelineID)
	}

	resolved := make(map[string]string, len(inputs))
	for k, v := range inputs {
		key := NormalizeInputKey(k)
		if v == SecureValueSentinel {
			if secret, ok := s.secureInputs[pipelineID][key]; ok {
				v = secret
			}
		}
		resolved[key] = v
	}

	run := &runtime.Run{
		ID:           runtime.NewRunID(),
		PipelineID:   pipelineID,
		PipelineName: f.Name,
		Pipeline:     f.Clone(),
		Task:         strings.TrimSpace(task),
		Inputs:       resolved,
		Scenario:     strings.TrimSpace(scenario),
		Status:       runtime.RunQueued,
		StartedAt:    time.Now().UTC(),
	}
	s.runs[run.ID] = run
	if err := s.persistRunLocked(run); err != nil {
		return nil, err
	}
	return cloneRun(run), nil
}

func (s *Store) GetRun(id string) (*runtime.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, false
	}
	return cloneRun(run), true
}

// ListRuns returns runs newest-first, at most limit (0 means all).
func (s *Store) ListRuns(limit int) []*runtime.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*runtime.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, cloneRun(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// UpdateRun applies fn to the run under the lock and persists the result.
// Transitions out of a terminal status are rejected.
func (s *Store) UpdateRun(id string, fn func(*runtime.Run)) (*runtime.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s not found", id)
	}
	before := run.Status
	fn(run)
	if before.Terminal() && run.Status != before {
		run.Status = before
	}
	if err := s.persistRunLocked(run); err != nil {
		return nil, err
	}
	return cloneRun(run), nil
}

// AppendLog adds a timestamped line to the run log.
func (s *Store) AppendLog(id, line string) {
	s.UpdateRun(id, func(r *runtime.Run) {
		r.Logs = append(r.Logs, time.Now().UTC().Format("15:04:05")+" "+line)
	})
}

// RecordStepAttempt appends a StepRun entry.
func (s *Store) RecordStepAttempt(id string, sr runtime.StepRun) {
	s.UpdateRun(id, func(r *runtime.Run) {
		r.Steps = append(r.Steps, sr)
	})
}

// ResolveApproval records a decision on a pending approval.
func (s *Store) ResolveApproval(runID, approvalID string, approve bool, note string) (*runtime.Run, error) {
	var found bool
	run, err := s.UpdateRun(runID, func(r *runtime.Run) {
		for i := range r.Approvals {
			a := &r.Approvals[i]
			if a.ID != approvalID || a.Status != runtime.ApprovalPending {
				continue
			}
			found = true
			now := time.Now().UTC()
			a.ResolvedAt = &now
			a.Note = strings.TrimSpace(note)
			if approve {
				a.Status = runtime.ApprovalApproved
			} else {
				a.Status = runtime.ApprovalRejected
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("approval %s not found or already resolved", approvalID)
	}
	return run, nil
}

// SnapshotRunState flushes the run to state.json under the run's storage
// root, for crash recovery and external inspection.
func (s *Store) SnapshotRunState(id, runRoot string) error {
	run, ok := s.GetRun(id)
	if !ok {
		return fmt.Errorf("run %s not found", id)
	}
	return runtime.WriteJSONAtomicFile(filepath.Join(runRoot, "state.json"), run)
}

// RecoverableRuns returns runs a restarted process should reattach: any
// non-terminal run. Steps that were running at crash are reset to pending
// with attempts preserved.
func (s *Store) RecoverableRuns() []*runtime.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*runtime.Run
	for _, run := range s.runs {
		if run.Status.Terminal() {
			continue
		}
		for i := range run.Steps {
			if run.Steps[i].Status == runtime.StepRunning {
				run.Steps[i].Status = runtime.StepPending
			}
		}
		run.Logs = append(run.Logs, time.Now().UTC().Format("15:04:05")+" reattached after restart")
		if err := s.persistRunLocked(run); err != nil {
			continue
		}
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneRun(r *runtime.Run) *runtime.Run {
	b, err := json.Marshal(r)
	if err != nil {
		return r
	}
	var out runtime.Run
	if err := json.Unmarshal(b, &out); err != nil {
		return r
	}
	return &out
}

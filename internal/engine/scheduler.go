package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fyreflow/fyreflow/internal/flow"
	"github.com/fyreflow/fyreflow/internal/provider"
	"github.com/fyreflow/fyreflow/internal/runtime"
)

// DefaultControlPollInterval is how often a non-runnable run is re-checked.
const DefaultControlPollInterval = 500 * time.Millisecond

// RunStore is the slice of the persistence layer the scheduler needs.
type RunStore interface {
	GetRun(id string) (*runtime.Run, bool)
	UpdateRun(id string, fn func(*runtime.Run)) (*runtime.Run, error)
	AppendLog(id, line string)
	RecordStepAttempt(id string, sr runtime.StepRun)
	SnapshotRunState(id, runRoot string) error
}

type queueItem struct {
	StepID   string
	ByStepID string
	Reason   runtime.QueueReason
}

// Scheduler drives one run: FIFO queue, per-step attempt caps, routing, and
// terminal-state decisions. One scheduler goroutine owns one run.
type Scheduler struct {
	Store               RunStore
	Exec                *Executor
	Controllers         *Controllers
	ControlPollInterval time.Duration

	// Progress, when set, receives structured milestone events.
	Progress ProgressFunc

	queue    []queueItem
	queued   map[string]bool
	inFlight map[string]bool
	attempts map[string]int
	executed int

	// exhausted is set when an enqueue or dequeue is dropped for hitting
	// the loop budget.
	exhausted bool

	// parked holds a step result whose routing waits on manual approvals.
	parked *parkedResult

	// failureSigs tracks the last blocking-failure signature per step.
	failureSigs map[string]string
}

type parkedResult struct {
	step flow.Step
	res  stepResult
}

func (s *Scheduler) pollInterval() time.Duration {
	if s.ControlPollInterval > 0 {
		return s.ControlPollInterval
	}
	return DefaultControlPollInterval
}

func (s *Scheduler) enqueue(f *flow.Flow, item queueItem, logf func(string)) {
	if s.queued[item.StepID] {
		return
	}
	if s.attempts[item.StepID]+1 > f.Runtime.MaxLoops+1 {
		logf(fmt.Sprintf("Skipped %s: max loop count reached", item.StepID))
		s.progress("loop_budget_exhausted", map[string]any{"step": item.StepID, "attempts": s.attempts[item.StepID]})
		s.exhausted = true
		return
	}
	s.queue = append(s.queue, item)
	s.queued[item.StepID] = true
}

func (s *Scheduler) dequeue() (queueItem, bool) {
	if len(s.queue) == 0 {
		return queueItem{}, false
	}
	item := s.queue[0]
	s.queue = s.queue[1:]
	delete(s.queued, item.StepID)
	return item, true
}

// firstUnvisited returns the first step in declaration order that has never
// been attempted, skipping anything queued or in flight.
func (s *Scheduler) firstUnvisited(f *flow.Flow) string {
	for _, step := range f.Steps {
		if s.attempts[step.ID] == 0 && !s.queued[step.ID] && !s.inFlight[step.ID] {
			return step.ID
		}
	}
	return ""
}

func (s *Scheduler) runRoot(runID string) string {
	return filepath.Join(s.Exec.StorageRoot, "runs", runID)
}

func (s *Scheduler) snapshot(runID string) {
	if err := s.Store.SnapshotRunState(runID, s.runRoot(runID)); err != nil {
		s.Store.AppendLog(runID, "state snapshot failed: "+err.Error())
	}
}

func (s *Scheduler) finish(runID string, status runtime.RunStatus, reason string) {
	now := time.Now().UTC()
	s.Store.UpdateRun(runID, func(r *runtime.Run) {
		r.Status = status
		r.FinishedAt = &now
	})
	s.Store.AppendLog(runID, reason)
	s.progress("run_finished", map[string]any{"run_id": runID, "status": string(status), "reason": reason})
	s.snapshot(runID)
}

// Run executes the scheduler loop until the run reaches a terminal state or
// is paused. It registers the run's cancel handle for the duration.
func (s *Scheduler) Run(parent context.Context, runID string) {
	ctx, cancel := context.WithCancelCause(parent)
	s.Controllers.Register(runID, cancel)
	defer s.Controllers.Release(runID)
	defer cancel(nil)

	run, ok := s.Store.GetRun(runID)
	if !ok || run.Pipeline == nil {
		return
	}
	f := run.Pipeline
	s.Exec.Flow = f
	logf := func(line string) { s.Store.AppendLog(runID, line) }

	s.queue = nil
	s.queued = map[string]bool{}
	s.inFlight = map[string]bool{}
	s.attempts = map[string]int{}
	s.executed = 0
	s.exhausted = false
	s.failureSigs = map[string]string{}

	// Rebuild counters from persisted attempts so recovery keeps budgets.
	latest := map[string]runtime.StepRun{}
	for _, sr := range run.Steps {
		if sr.Attempts > s.attempts[sr.StepID] {
			s.attempts[sr.StepID] = sr.Attempts
		}
		latest[sr.StepID] = sr
	}
	for _, n := range s.attempts {
		s.executed += n
	}

	// Seed: resume pending steps from a paused or recovered run, else the
	// entry step.
	seeded := false
	for _, step := range f.Steps {
		if sr, ok := latest[step.ID]; ok && sr.Status == runtime.StepPending {
			s.enqueue(f, queueItem{StepID: step.ID, Reason: sr.TriggeredByReason}, logf)
			seeded = true
		}
	}
	if !seeded && s.executed == 0 {
		entry, bootstrap := f.EntryStep()
		if entry == "" {
			s.finish(runID, runtime.RunFailed, "flow has no steps")
			return
		}
		reason := runtime.ReasonEntryStep
		if bootstrap {
			reason = runtime.ReasonCycleBootstrap
			logf(fmt.Sprintf("flow is fully cyclic, bootstrapping at %s", entry))
		}
		s.enqueue(f, queueItem{StepID: entry, Reason: reason}, logf)
	}

	s.Store.UpdateRun(runID, func(r *runtime.Run) {
		if !r.Status.Terminal() {
			r.Status = runtime.RunRunning
		}
	})

	previousOutput := ""
	if n := len(run.Steps); n > 0 {
		previousOutput = run.Steps[n-1].Output
	}

	for {
		// Control gate: wait while paused or awaiting approvals.
		cur, ok := s.Store.GetRun(runID)
		if !ok || cur.Status.Terminal() {
			return
		}
		if cur.Status == runtime.RunPaused {
			return
		}
		if cur.Status == runtime.RunAwaitingApproval {
			if len(cur.PendingApprovals()) > 0 {
				select {
				case <-ctx.Done():
					s.handleAbort(ctx, runID, nil)
					return
				case <-time.After(s.pollInterval()):
				}
				continue
			}
			if rejected := blockingRejection(cur); rejected != "" {
				s.finish(runID, runtime.RunFailed, "approval rejected: "+rejected)
				return
			}
			s.Store.UpdateRun(runID, func(r *runtime.Run) { r.Status = runtime.RunRunning })
			logf("all approvals resolved, resuming run")
			if s.parked != nil {
				parked := s.parked
				s.parked = nil
				decision := routeResult(f, parked.step, parked.res, logf)
				if decision.StopForInput {
					s.failForInput(runID, parked.step, parked.res)
					return
				}
				for _, q := range decision.Enqueue {
					s.enqueue(f, q, logf)
				}
			}
		}

		select {
		case <-ctx.Done():
			s.handleAbort(ctx, runID, nil)
			return
		default:
		}

		item, ok := s.dequeue()
		if !ok {
			if unvisited := s.firstUnvisited(f); unvisited != "" {
				logf(fmt.Sprintf("no routes pending, visiting disconnected step %s", unvisited))
				s.enqueue(f, queueItem{StepID: unvisited, Reason: runtime.ReasonDisconnectedFallback}, logf)
				continue
			}
			s.drainFinish(runID, f)
			return
		}

		if s.attempts[item.StepID]+1 > f.Runtime.MaxLoops+1 {
			logf(fmt.Sprintf("Skipped %s: max loop count reached", item.StepID))
			s.exhausted = true
			continue
		}
		if s.executed >= f.Runtime.MaxStepExecutions {
			s.finish(runID, runtime.RunFailed, fmt.Sprintf("max step executions (%d) reached without completion", f.Runtime.MaxStepExecutions))
			return
		}
		step := f.Step(item.StepID)
		if step == nil {
			logf(fmt.Sprintf("queued step %s no longer exists", item.StepID))
			continue
		}

		s.attempts[step.ID]++
		s.executed++
		s.inFlight[step.ID] = true
		attempt := s.attempts[step.ID]

		now := time.Now().UTC()
		s.Store.RecordStepAttempt(runID, runtime.StepRun{
			StepID:            step.ID,
			TriggeredByStepID: item.ByStepID,
			TriggeredByReason: item.Reason,
			Status:            runtime.StepRunning,
			Attempts:          attempt,
			StartedAt:         &now,
		})
		logf(fmt.Sprintf("step %s attempt %d started (%s)", step.ID, attempt, item.Reason))
		s.progress("step_attempt_start", map[string]any{"step": step.ID, "attempt": attempt, "reason": string(item.Reason)})

		attemptCtx := provider.WithBackoffSeed(ctx, fmt.Sprintf("%s:%s:%d", runID, step.ID, attempt))
		res := s.Exec.ExecuteAttempt(attemptCtx, run.PipelineID, runID, run.Task, run.Inputs, *step, previousOutput, logf)
		delete(s.inFlight, step.ID)

		if ctx.Err() != nil {
			s.handleAbort(ctx, runID, step)
			return
		}

		s.recordResult(runID, step.ID, attempt, item, res)
		s.snapshot(runID)
		s.progress("step_attempt_end", map[string]any{
			"step": step.ID, "attempt": attempt,
			"status": string(res.Status), "outcome": string(res.Outcome),
		})
		if res.Skipped {
			s.progress("skip_if_cache_hit", map[string]any{"step": step.ID})
		}
		if res.blockingFailure() {
			sig := failureSignature(step.ID, blockingSummary(res.Gates))
			if s.failureSigs[step.ID] == sig {
				logf(fmt.Sprintf("step %s failing with an unchanged failure signature (%s)", step.ID, sig))
			}
			s.failureSigs[step.ID] = sig
		}
		if res.Status == runtime.StepCompleted {
			previousOutput = res.Output
		}

		if res.Err != nil {
			logf(fmt.Sprintf("step %s failed: %v", step.ID, res.Err))
		}

		// Manual-approval gates park the result until a decision lands;
		// routing resumes once every approval is resolved.
		if len(res.ManualGates) > 0 {
			s.raiseApprovals(runID, *step, res.ManualGates)
			s.parked = &parkedResult{step: *step, res: res}
			logf(fmt.Sprintf("step %s raised %d approval request(s)", step.ID, len(res.ManualGates)))
			continue
		}

		// Delivery contract: terminal delivery step emitted COMPLETE with
		// no blocking failures.
		if res.Status == runtime.StepCompleted && res.EmittedComplete &&
			step.ID == flow.ResolveDeliveryStep(f) {
			s.finish(runID, runtime.RunCompleted, fmt.Sprintf("delivery step %s reported completion", step.ID))
			return
		}

		decision := routeResult(f, *step, res, logf)
		if decision.StopForInput {
			s.failForInput(runID, *step, res)
			return
		}
		if len(decision.Enqueue) > 0 {
			targets := make([]string, 0, len(decision.Enqueue))
			for _, q := range decision.Enqueue {
				targets = append(targets, q.StepID)
			}
			s.progress("route_selected", map[string]any{"step": step.ID, "targets": targets})
		}
		for _, q := range decision.Enqueue {
			s.enqueue(f, q, logf)
		}
	}
}

// drainFinish decides the terminal state once the queue is empty and no
// fallback applies: completed when the last attempts all settled, failed when
// a blocking failure was left unremediated.
func (s *Scheduler) drainFinish(runID string, f *flow.Flow) {
	run, ok := s.Store.GetRun(runID)
	if !ok {
		return
	}
	failedStep := ""
	for _, step := range f.Steps {
		if sr := run.StepRunFor(step.ID); sr != nil && sr.Status == runtime.StepFailed {
			failedStep = step.ID
			break
		}
	}
	switch {
	case failedStep != "" && s.exhausted:
		s.finish(runID, runtime.RunFailed, fmt.Sprintf("loop budget exhausted: step %s still failing after max_loops retries", failedStep))
	case failedStep != "":
		s.finish(runID, runtime.RunFailed, fmt.Sprintf("no remediation route for failing step %s", failedStep))
	default:
		s.finish(runID, runtime.RunCompleted, "all steps executed")
	}
}

// handleAbort persists a snapshot and resolves the run according to the
// cancellation cause.
func (s *Scheduler) handleAbort(ctx context.Context, runID string, step *flow.Step) {
	cause := context.Cause(ctx)
	paused := errors.Is(cause, ErrPausedByUser)

	if step != nil {
		if paused {
			// The aborted attempt does not count against the loop budget.
			s.attempts[step.ID]--
			s.executed--
			s.Store.UpdateRun(runID, func(r *runtime.Run) {
				if sr := r.StepRunFor(step.ID); sr != nil && sr.Status == runtime.StepRunning {
					sr.Status = runtime.StepPending
					sr.Attempts = s.attempts[step.ID]
					sr.FinishedAt = nil
				}
			})
		} else {
			now := time.Now().UTC()
			s.Store.UpdateRun(runID, func(r *runtime.Run) {
				if sr := r.StepRunFor(step.ID); sr != nil && sr.Status == runtime.StepRunning {
					sr.Status = runtime.StepFailed
					sr.WorkflowOutcome = runtime.OutcomeFail
					sr.Error = causeMessage(cause)
					sr.FinishedAt = &now
				}
			})
		}
	}

	if paused {
		s.Store.UpdateRun(runID, func(r *runtime.Run) {
			if !r.Status.Terminal() {
				r.Status = runtime.RunPaused
			}
		})
		s.Store.AppendLog(runID, "run paused by user")
		s.snapshot(runID)
		return
	}
	s.finish(runID, runtime.RunCancelled, "run cancelled: "+causeMessage(cause))
}

func causeMessage(cause error) string {
	if cause == nil {
		return ErrStoppedByUser.Error()
	}
	return cause.Error()
}

func (s *Scheduler) recordResult(runID, stepID string, attempt int, item queueItem, res stepResult) {
	now := time.Now().UTC()
	s.Store.UpdateRun(runID, func(r *runtime.Run) {
		sr := r.StepRunFor(stepID)
		if sr == nil || sr.Status != runtime.StepRunning || sr.Attempts != attempt {
			r.Steps = append(r.Steps, runtime.StepRun{
				StepID:            stepID,
				TriggeredByStepID: item.ByStepID,
				TriggeredByReason: item.Reason,
				Attempts:          attempt,
			})
			sr = &r.Steps[len(r.Steps)-1]
		}
		sr.Status = res.Status
		sr.WorkflowOutcome = res.Outcome
		sr.InputContext = res.Context
		sr.Output = res.Output
		sr.QualityGateResults = res.Gates
		sr.FinishedAt = &now
		if res.Skipped {
			sr.TriggeredByReason = runtime.ReasonSkipIfArtifacts
		}
		if res.Err != nil {
			sr.Error = res.Err.Error()
		}
	})
}

func (s *Scheduler) raiseApprovals(runID string, step flow.Step, gates []flow.QualityGate) {
	now := time.Now().UTC()
	s.Store.UpdateRun(runID, func(r *runtime.Run) {
		for _, g := range gates {
			r.Approvals = append(r.Approvals, runtime.Approval{
				ID:          runtime.NewApprovalID(),
				GateID:      g.ID,
				GateName:    g.Name,
				StepID:      step.ID,
				StepName:    step.Name,
				Status:      runtime.ApprovalPending,
				Blocking:    g.Blocking,
				Message:     g.Message,
				RequestedAt: now,
			})
		}
		if !r.Status.Terminal() {
			r.Status = runtime.RunAwaitingApproval
		}
	})
	s.snapshot(runID)
}

func (s *Scheduler) failForInput(runID string, step flow.Step, res stepResult) {
	s.Store.UpdateRun(runID, func(r *runtime.Run) {
		sr := r.StepRunFor(step.ID)
		if sr != nil {
			sr.Status = runtime.StepFailed
			if sr.Error == "" {
				sr.Error = "step requires user input"
			}
			for _, req := range res.InputRequests {
				note := req.Question
				if req.Key != "" {
					note = req.Key + ": " + note
				}
				sr.SubagentNotes = append(sr.SubagentNotes, "input needed: "+note)
			}
		}
	})
	s.finish(runID, runtime.RunFailed, fmt.Sprintf("%s requires user input before the run can continue", step.ID))
}

func blockingRejection(run *runtime.Run) string {
	for _, a := range run.Approvals {
		if a.Status == runtime.ApprovalRejected && a.Blocking {
			return a.GateName
		}
	}
	return ""
}

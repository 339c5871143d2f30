// Package runtime holds the mutable run model shared by the scheduler,
// store, and HTTP surface.
package runtime

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fyreflow/fyreflow/internal/flow"
)

type RunStatus string

const (
	RunQueued           RunStatus = "queued"
	RunRunning          RunStatus = "running"
	RunPaused           RunStatus = "paused"
	RunAwaitingApproval RunStatus = "awaiting_approval"
	RunCompleted        RunStatus = "completed"
	RunFailed           RunStatus = "failed"
	RunCancelled        RunStatus = "cancelled"
)

// Terminal reports whether the status is sticky.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// Runnable reports whether a scheduler may execute step attempts.
func (s RunStatus) Runnable() bool {
	return s == RunQueued || s == RunRunning
}

func ParseRunStatus(s string) RunStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running":
		return RunRunning
	case "paused":
		return RunPaused
	case "awaiting_approval":
		return RunAwaitingApproval
	case "completed":
		return RunCompleted
	case "failed":
		return RunFailed
	case "cancelled", "canceled":
		return RunCancelled
	default:
		return RunQueued
	}
}

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

type Outcome string

const (
	OutcomeNeutral Outcome = "neutral"
	OutcomePass    Outcome = "pass"
	OutcomeFail    Outcome = "fail"
)

type QueueReason string

const (
	ReasonEntryStep            QueueReason = "entry_step"
	ReasonCycleBootstrap       QueueReason = "cycle_bootstrap"
	ReasonRoute                QueueReason = "route"
	ReasonSkipIfArtifacts      QueueReason = "skip_if_artifacts"
	ReasonDisconnectedFallback QueueReason = "disconnected_fallback"
)

type GateStatus string

const (
	GatePass GateStatus = "pass"
	GateFail GateStatus = "fail"
)

// GateResult is one evaluated gate or contract check on a step attempt.
type GateResult struct {
	GateID   string     `json:"gate_id"`
	GateName string     `json:"gate_name"`
	Kind     string     `json:"kind"`
	Status   GateStatus `json:"status"`
	Blocking bool       `json:"blocking"`
	Message  string     `json:"message,omitempty"`
	Details  string     `json:"details,omitempty"`
}

// HasBlockingFailure reports whether any result is a blocking fail.
func HasBlockingFailure(results []GateResult) bool {
	for _, r := range results {
		if r.Status == GateFail && r.Blocking {
			return true
		}
	}
	return false
}

type StepRun struct {
	StepID             string       `json:"step_id"`
	TriggeredByStepID  string       `json:"triggered_by_step_id,omitempty"`
	TriggeredByReason  QueueReason  `json:"triggered_by_reason"`
	Status             StepStatus   `json:"status"`
	Attempts           int          `json:"attempts"`
	WorkflowOutcome    Outcome      `json:"workflow_outcome"`
	InputContext       string       `json:"input_context,omitempty"`
	Output             string       `json:"output,omitempty"`
	QualityGateResults []GateResult `json:"quality_gate_results,omitempty"`
	SubagentNotes      []string     `json:"subagent_notes,omitempty"`
	StartedAt          *time.Time   `json:"started_at,omitempty"`
	FinishedAt         *time.Time   `json:"finished_at,omitempty"`
	Error              string       `json:"error,omitempty"`
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

type Approval struct {
	ID          string         `json:"id"`
	GateID      string         `json:"gate_id"`
	GateName    string         `json:"gate_name"`
	StepID      string         `json:"step_id"`
	StepName    string         `json:"step_name"`
	Status      ApprovalStatus `json:"status"`
	Blocking    bool           `json:"blocking"`
	Message     string         `json:"message,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	Note        string         `json:"note,omitempty"`
}

// Run is the unit of execution: a pipeline snapshot plus mutable progress.
type Run struct {
	ID           string            `json:"id"`
	PipelineID   string            `json:"pipeline_id"`
	PipelineName string            `json:"pipeline_name"`
	Pipeline     *flow.Flow        `json:"pipeline"`
	Task         string            `json:"task"`
	Inputs       map[string]string `json:"inputs,omitempty"`
	Scenario     string            `json:"scenario,omitempty"`
	Status       RunStatus         `json:"status"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
	Logs         []string          `json:"logs,omitempty"`
	Steps        []StepRun         `json:"steps,omitempty"`
	Approvals    []Approval        `json:"approvals,omitempty"`
}

// StepRunFor returns the latest StepRun entry for a step id, or nil.
func (r *Run) StepRunFor(stepID string) *StepRun {
	for i := len(r.Steps) - 1; i >= 0; i-- {
		if r.Steps[i].StepID == stepID {
			return &r.Steps[i]
		}
	}
	return nil
}

// PendingApprovals returns approvals still awaiting a decision.
func (r *Run) PendingApprovals() []Approval {
	var out []Approval
	for _, a := range r.Approvals {
		if a.Status == ApprovalPending {
			out = append(out, a)
		}
	}
	return out
}

// NewRunID mints a sortable run identifier.
func NewRunID() string {
	return "run_" + strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String())
}

// NewApprovalID mints an approval identifier.
func NewApprovalID() string {
	return "apr_" + strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String())
}

package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fyreflow/fyreflow/internal/artifact"
	"github.com/fyreflow/fyreflow/internal/contract"
	"github.com/fyreflow/fyreflow/internal/flow"
	"github.com/fyreflow/fyreflow/internal/gate"
	"github.com/fyreflow/fyreflow/internal/policy"
	"github.com/fyreflow/fyreflow/internal/provider"
	"github.com/fyreflow/fyreflow/internal/runtime"
)

// Executor performs one step attempt end to end: storage resolution, skip
// evaluation, provider call, gate evaluation, outcome derivation.
type Executor struct {
	Flow      *flow.Flow
	Invoker   provider.Invoker
	Providers map[string]provider.Provider
	Policies  *policy.Registry

	// StorageRoot anchors shared/, isolated/, and runs/ directories.
	StorageRoot string

	// DisableCacheAll bypasses every skip_if_artifacts check.
	DisableCacheAll bool
}

type stepResult struct {
	StepID        string
	Status        runtime.StepStatus
	Outcome       runtime.Outcome
	Output        string
	Context       string
	Gates         []runtime.GateResult
	ManualGates   []flow.QualityGate
	StopForInput  bool
	InputRequests []contract.InputRequest
	Skipped       bool

	// EmittedComplete is set when the output carried WORKFLOW_STATUS=COMPLETE.
	EmittedComplete bool

	Err error
}

func (r stepResult) blockingFailure() bool {
	return runtime.HasBlockingFailure(r.Gates)
}

// StoragePathsFor maps a step's storage toggles onto concrete roots.
func (e *Executor) StoragePathsFor(pipelineID, runID string, step flow.Step) artifact.StoragePaths {
	paths := artifact.StoragePaths{
		Shared:   artifact.DisabledPath,
		Isolated: artifact.DisabledPath,
		Run:      filepath.Join(e.StorageRoot, "runs", runID),
	}
	if step.EnableSharedStorage {
		paths.Shared = filepath.Join(e.StorageRoot, "shared", pipelineID)
	}
	if step.EnableIsolatedStorage {
		paths.Isolated = filepath.Join(e.StorageRoot, "isolated", runID, step.ID)
	}
	return paths
}

var (
	noCachePromptRe = regexp.MustCompile(`(?i)(runs? every time|no cache|never cache)`)
)

// cacheBypassed decides whether skip_if_artifacts must be ignored for this
// attempt.
func (e *Executor) cacheBypassed(step flow.Step, inputs map[string]string, logf func(string)) bool {
	if e.DisableCacheAll {
		logf(fmt.Sprintf("cache disabled globally, step %s will run", step.ID))
		return true
	}
	bypassKeys := map[string]bool{"force_rebuild": true}
	for _, k := range e.Policies.MergedCacheBypassKeys(step) {
		bypassKeys[k] = true
	}
	for k := range inputs {
		if bypassKeys[strings.ToLower(strings.TrimSpace(k))] {
			logf(fmt.Sprintf("cache bypass for step %s: input %q present", step.ID, k))
			return true
		}
	}
	if noCachePromptRe.MatchString(step.Prompt) {
		logf(fmt.Sprintf("cache bypass for step %s: prompt opts out of caching", step.ID))
		return true
	}
	if orch := e.orchestratorPromptFor(step.ID); orch != "" {
		for _, pattern := range e.Policies.MergedCacheBypassPatterns(step) {
			re, err := regexp.Compile(pattern)
			if err != nil {
				continue
			}
			if re.MatchString(orch) {
				logf(fmt.Sprintf("cache bypass for step %s: orchestrator prompt matches %q", step.ID, pattern))
				return true
			}
		}
	}
	return false
}

// orchestratorPromptFor returns the prompt of the nearest upstream
// orchestrator, or empty.
func (e *Executor) orchestratorPromptFor(stepID string) string {
	for _, l := range e.Flow.Incoming(stepID) {
		src := e.Flow.Step(l.SourceStepID)
		if src != nil && src.Role == flow.RoleOrchestrator {
			return src.Prompt
		}
	}
	return ""
}

// ExecuteAttempt runs one attempt of one step. The returned result carries
// gate evaluations and the derived outcome; Err is set only for provider or
// credential failures.
func (e *Executor) ExecuteAttempt(ctx context.Context, pipelineID, runID, task string, inputs map[string]string, step flow.Step, previousOutput string, logf func(string)) stepResult {
	res := stepResult{StepID: step.ID, Status: runtime.StepRunning, Outcome: runtime.OutcomeNeutral}
	paths := e.StoragePathsFor(pipelineID, runID, step)
	res.Context = ComposeContext(step, task, previousOutput, inputs, paths)

	// Skip-if evaluation.
	if len(step.SkipIfArtifacts) > 0 && !e.cacheBypassed(step, inputs, logf) {
		snaps := artifact.TakeSnapshots(step.SkipIfArtifacts, paths, inputs)
		allExist := true
		for _, s := range snaps {
			if !s.Exists {
				allExist = false
				break
			}
		}
		if allExist {
			v := e.Policies.ValidateSkip(step, snaps)
			if v.OK {
				logf(fmt.Sprintf("step %s skipped: all %d cached artifacts valid", step.ID, len(snaps)))
				res.Status = runtime.StepCompleted
				res.Outcome = runtime.OutcomePass
				res.Skipped = true
				res.Output = cachedArtifactSummary(snaps)
				return res
			}
			logf(fmt.Sprintf("step %s not skipped: %s", step.ID, v.Reason))
		}
	}

	monitored := policy.MonitoredTemplates(e.Flow, step)
	snapshotTemplates := append(append([]string{}, step.RequiredOutputFiles...), step.SkipIfArtifacts...)
	snapshotTemplates = append(snapshotTemplates, monitored...)
	before := artifact.TakeSnapshots(snapshotTemplates, paths, inputs)
	scriptsBefore := policy.HelperScriptInventory(paths)

	p, ok := e.Providers[step.ProviderID]
	if !ok {
		res.Status = runtime.StepFailed
		res.Outcome = runtime.OutcomeFail
		res.Err = fmt.Errorf("provider %s not configured", step.ProviderID)
		return res
	}
	step.FastMode = provider.EffectiveFastMode(p, step, logf)

	timeout := time.Duration(e.Flow.Runtime.StageTimeoutMS) * time.Millisecond
	output, err := e.Invoker.Invoke(ctx, p, step, step.Prompt, res.Context, timeout, logf)
	if err != nil {
		res.Status = runtime.StepFailed
		res.Outcome = runtime.OutcomeFail
		res.Err = err
		return res
	}
	res.Output = output

	after := artifact.TakeSnapshots(snapshotTemplates, paths, inputs)

	// Gate passes: step contracts, pipeline gates, policy contracts, core
	// guards.
	res.Gates = append(res.Gates, gate.EvaluateStepContracts(step, output, paths, inputs)...)
	pipelineResults, manual := gate.EvaluatePipelineGates(e.Flow, step, output, paths, inputs)
	res.Gates = append(res.Gates, pipelineResults...)
	res.ManualGates = manual
	res.Gates = append(res.Gates, e.Policies.EvaluateContracts(step, after)...)
	res.Gates = append(res.Gates, policy.UnexpectedHelperScripts(step, paths, inputs, scriptsBefore)...)
	res.Gates = append(res.Gates, policy.ImmutableArtifactViolations(step, monitored, before, after)...)
	res.Gates = append(res.Gates, policy.RequiredArtifactFreshness(step, before, after)...)

	// JSON-mode review and tester steps were invoked with the gate contract
	// schema attached; enforce it on what came back.
	if step.OutputFormat == flow.OutputJSON && (step.Role == flow.RoleReview || step.Role == flow.RoleTester) {
		if fields, ok := contract.FieldsOf(output); ok {
			if err := provider.ValidateContractPayload(fields); err != nil {
				res.Gates = append(res.Gates, runtime.GateResult{
					GateID:   "guard:" + step.ID + ":contract_schema",
					GateName: "Gate contract schema",
					Kind:     "core_guard",
					Status:   runtime.GateFail,
					Blocking: true,
					Message:  "structured output violates the gate contract schema",
					Details:  err.Error(),
				})
			}
		}
	}

	// Outcome and input-stop derivation.
	c := contract.Parse(output)
	if c != nil {
		switch c.WorkflowStatus {
		case contract.StatusPass, contract.StatusComplete:
			res.Outcome = runtime.OutcomePass
		case contract.StatusFail:
			res.Outcome = runtime.OutcomeFail
		}
	}
	res.StopForInput, res.InputRequests = contract.ExtractInputRequestSignal(output)

	// COMPLETE is only honored on the terminal delivery step.
	if c != nil && c.WorkflowStatus == contract.StatusComplete {
		res.EmittedComplete = true
		if delivery := flow.ResolveDeliveryStep(e.Flow); step.ID != delivery {
			res.Gates = append(res.Gates, runtime.GateResult{
				GateID:   "invariant:" + step.ID + ":delivery_completion",
				GateName: "Delivery completion target invariant",
				Kind:     "invariant",
				Status:   runtime.GateFail,
				Blocking: true,
				Message:  fmt.Sprintf("step %s emitted COMPLETE but the delivery step is %s", step.ID, delivery),
			})
		}
	}

	if res.blockingFailure() {
		res.Status = runtime.StepFailed
		if res.Outcome != runtime.OutcomeFail {
			res.Outcome = runtime.OutcomeFail
		}
	} else {
		res.Status = runtime.StepCompleted
	}
	return res
}

func cachedArtifactSummary(snaps map[string]artifact.Snapshot) string {
	var b strings.Builder
	b.WriteString("Skipped: cached artifacts are present and valid.\n")
	for _, s := range snaps {
		fmt.Fprintf(&b, "- %s (%d bytes)\n", s.Template, s.SizeBytes)
	}
	b.WriteString("WORKFLOW_STATUS: PASS\n")
	return b.String()
}

package engine

import (
	"fmt"

	"github.com/fyreflow/fyreflow/internal/flow"
	"github.com/fyreflow/fyreflow/internal/runtime"
)

// routeDecision is what the remediation router asks the scheduler to do with
// one step result.
type routeDecision struct {
	// Enqueue lists downstream steps to queue, in link declaration order.
	Enqueue []queueItem

	// StopForInput marks the run failed with an input-needed reason.
	StopForInput bool

	// NoRouteMatched signals the scheduler to consider its
	// disconnected-fallback logic.
	NoRouteMatched bool
}

// routeResult applies the outcome-conditional links, the implicit self-loop,
// and the stop-for-input rule.
func routeResult(f *flow.Flow, step flow.Step, res stepResult, logf func(string)) routeDecision {
	var d routeDecision

	if res.StopForInput {
		logf(fmt.Sprintf("%s requires user input", step.ID))
		d.StopForInput = true
		return d
	}

	blocking := res.blockingFailure()
	if blocking {
		logf(fmt.Sprintf("step %s has blocking gate failures: %s", step.ID, blockingSummary(res.Gates)))
	}

	outgoing := f.Outgoing(step.ID)
	matched := false
	explicitOnFail := false
	for _, l := range outgoing {
		if l.Condition == flow.CondOnFail {
			explicitOnFail = true
		}
		if !conditionMatches(l.Condition, res.Outcome) {
			continue
		}
		matched = true
		d.Enqueue = append(d.Enqueue, queueItem{
			StepID:   l.TargetStepID,
			ByStepID: step.ID,
			Reason:   runtime.ReasonRoute,
		})
	}

	// A failing artifact-producing step retries itself unless the flow
	// wires an explicit on_fail edge. Orchestrators never self-loop.
	if blocking && !explicitOnFail && step.Role != flow.RoleOrchestrator && emitsArtifacts(f, step) {
		logf(fmt.Sprintf("step %s re-queued to remediate its artifacts", step.ID))
		d.Enqueue = append(d.Enqueue, queueItem{
			StepID:   step.ID,
			ByStepID: step.ID,
			Reason:   runtime.ReasonRoute,
		})
		matched = true
	}

	if len(outgoing) > 0 && !matched {
		logf(fmt.Sprintf("no route matched from step %s (outcome=%s)", step.ID, res.Outcome))
		d.NoRouteMatched = true
	}
	return d
}

func conditionMatches(c flow.LinkCondition, outcome runtime.Outcome) bool {
	switch c {
	case flow.CondOnPass:
		return outcome == runtime.OutcomePass
	case flow.CondOnFail:
		return outcome == runtime.OutcomeFail
	default:
		return true
	}
}

// emitsArtifacts reports whether a step owns declared outputs or is the
// target of a blocking artifact_exists gate.
func emitsArtifacts(f *flow.Flow, step flow.Step) bool {
	if len(step.RequiredOutputFiles) > 0 {
		return true
	}
	for _, g := range f.QualityGates {
		if g.Kind == flow.GateArtifactExists && g.Blocking &&
			(g.TargetStepID == step.ID || g.TargetStepID == flow.AnyStepTarget) {
			return true
		}
	}
	return false
}

func blockingSummary(results []runtime.GateResult) string {
	for _, r := range results {
		if r.Status == runtime.GateFail && r.Blocking {
			return r.GateName + ": " + r.Message
		}
	}
	return "unknown"
}

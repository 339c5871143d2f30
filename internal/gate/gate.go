// Package gate evaluates step contracts and pipeline quality gates against a
// step attempt's output and artifacts.
package gate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fyreflow/fyreflow/internal/artifact"
	"github.com/fyreflow/fyreflow/internal/contract"
	"github.com/fyreflow/fyreflow/internal/flow"
	"github.com/fyreflow/fyreflow/internal/runtime"
)

// CompilePattern builds a Go regexp from a pattern plus a flag string
// restricted to {g,i,m,s,u,y}. g, u, and y have no Go equivalent and are
// accepted as no-ops; anything else is rejected.
func CompilePattern(pattern, flags string) (*regexp.Regexp, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	var goFlags strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			goFlags.WriteRune(f)
		case 'g', 'u', 'y':
			// Matching is already global; unicode and sticky are implicit.
		default:
			return nil, fmt.Errorf("unsupported regex flag %q", string(f))
		}
	}
	if goFlags.Len() > 0 {
		pattern = "(?" + goFlags.String() + ")" + pattern
	}
	return regexp.Compile(pattern)
}

// EvaluateStepContracts derives blocking checks from the step definition:
// JSON shape, required output fields, required output files.
func EvaluateStepContracts(step flow.Step, output string, paths artifact.StoragePaths, inputs map[string]string) []runtime.GateResult {
	var results []runtime.GateResult

	var fields map[string]any
	fieldsOK := false
	if step.OutputFormat == flow.OutputJSON {
		fields, fieldsOK = contract.FieldsOf(output)
		status := runtime.GatePass
		msg := "output parses as a JSON object"
		if !fieldsOK {
			status = runtime.GateFail
			msg = "output_format is json but the output is not a JSON object"
		}
		results = append(results, runtime.GateResult{
			GateID:   "step:" + step.ID + ":json_output",
			GateName: "JSON output contract",
			Kind:     "json_output",
			Status:   status,
			Blocking: true,
			Message:  msg,
		})
	} else if len(step.RequiredOutputFields) > 0 {
		fields, fieldsOK = contract.FieldsOf(output)
	}

	for _, fieldPath := range step.RequiredOutputFields {
		status := runtime.GateFail
		msg := fmt.Sprintf("required field %q missing from output JSON", fieldPath)
		if fieldsOK {
			if _, ok := contract.LookupPath(fields, fieldPath); ok {
				status = runtime.GatePass
				msg = fmt.Sprintf("required field %q present", fieldPath)
			}
		} else {
			msg = fmt.Sprintf("required field %q cannot be checked: output is not JSON", fieldPath)
		}
		results = append(results, runtime.GateResult{
			GateID:   "step:" + step.ID + ":field:" + fieldPath,
			GateName: "Required output field",
			Kind:     "required_output_field",
			Status:   status,
			Blocking: true,
			Message:  msg,
		})
	}

	for _, tmpl := range step.RequiredOutputFiles {
		r := artifact.Resolve(tmpl, paths, inputs)
		status := runtime.GatePass
		msg := fmt.Sprintf("artifact %q exists at %s", tmpl, r.FoundPath)
		details := ""
		if !r.Exists {
			status = runtime.GateFail
			msg = fmt.Sprintf("required artifact %q not found", tmpl)
			if r.DisabledStorage {
				details = "the storage root this template references is disabled for the step"
			} else {
				details = "checked: " + strings.Join(r.CandidatePaths, ", ")
			}
		}
		results = append(results, runtime.GateResult{
			GateID:   "step:" + step.ID + ":file:" + tmpl,
			GateName: "Required output file",
			Kind:     "required_output_file",
			Status:   status,
			Blocking: true,
			Message:  msg,
			Details:  details,
		})
	}

	return results
}

// EvaluatePipelineGates runs the declared gates that target this step.
// manual_approval gates are not evaluated here; they are returned separately
// for the scheduler to raise approvals.
func EvaluatePipelineGates(f *flow.Flow, step flow.Step, output string, paths artifact.StoragePaths, inputs map[string]string) (results []runtime.GateResult, manual []flow.QualityGate) {
	var fields map[string]any
	fieldsOK := false
	fieldsLoaded := false
	loadFields := func() {
		if !fieldsLoaded {
			fields, fieldsOK = contract.FieldsOf(output)
			fieldsLoaded = true
		}
	}

	for _, g := range f.QualityGates {
		if g.TargetStepID != flow.AnyStepTarget && g.TargetStepID != step.ID {
			continue
		}
		if g.Kind == flow.GateManualApproval {
			manual = append(manual, g)
			continue
		}

		res := runtime.GateResult{
			GateID:   g.ID,
			GateName: g.Name,
			Kind:     string(g.Kind),
			Blocking: g.Blocking,
			Message:  g.Message,
		}

		switch g.Kind {
		case flow.GateRegexMustMatch, flow.GateRegexMustNotMatch:
			re, err := CompilePattern(g.Pattern, g.Flags)
			if err != nil {
				res.Status = runtime.GateFail
				res.Details = "pattern error: " + err.Error()
				break
			}
			matched := re.MatchString(output)
			want := g.Kind == flow.GateRegexMustMatch
			if matched == want {
				res.Status = runtime.GatePass
			} else {
				res.Status = runtime.GateFail
				if want {
					res.Details = fmt.Sprintf("output does not match /%s/", g.Pattern)
				} else {
					res.Details = fmt.Sprintf("output matches forbidden /%s/", g.Pattern)
				}
			}
		case flow.GateJSONFieldExists:
			loadFields()
			if !fieldsOK {
				res.Status = runtime.GateFail
				res.Details = "output is not JSON"
				break
			}
			if _, ok := contract.LookupPath(fields, g.JSONPath); ok {
				res.Status = runtime.GatePass
			} else {
				res.Status = runtime.GateFail
				res.Details = fmt.Sprintf("path %q not present", g.JSONPath)
			}
		case flow.GateArtifactExists:
			r := artifact.Resolve(g.ArtifactPath, paths, inputs)
			if r.Exists {
				res.Status = runtime.GatePass
			} else {
				res.Status = runtime.GateFail
				if r.DisabledStorage {
					res.Details = "storage root for this template is disabled on the step"
				} else {
					res.Details = "checked: " + strings.Join(r.CandidatePaths, ", ")
				}
			}
		default:
			res.Status = runtime.GateFail
			res.Details = fmt.Sprintf("unknown gate kind %q", g.Kind)
		}

		if res.Message == "" {
			res.Message = res.GateName
		}
		results = append(results, res)
	}
	return results, manual
}

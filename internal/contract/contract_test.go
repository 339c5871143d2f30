package contract

import (
	"testing"
)

func TestParseWholeJSON(t *testing.T) {
	c := Parse(`{"workflow_status":"PASS","next_action":"continue","summary":"All checks passed."}`)
	if c == nil {
		t.Fatal("no contract")
	}
	if c.WorkflowStatus != StatusPass || c.Source != SourceJSON {
		t.Errorf("got %+v", c)
	}
	if c.Summary != "All checks passed." {
		t.Errorf("summary = %q", c.Summary)
	}
}

func TestParseFencedBlock(t *testing.T) {
	text := "Here is my assessment.\n```json\n{\"workflowStatus\":\"FAIL\",\"reasons\":[{\"code\":\"missing\",\"message\":\"frame map absent\"}]}\n```\nDone."
	c := Parse(text)
	if c == nil {
		t.Fatal("no contract")
	}
	if c.WorkflowStatus != StatusFail {
		t.Errorf("status = %v", c.WorkflowStatus)
	}
	if c.NextAction != ActionRetryStep {
		t.Errorf("fail without explicit action should infer retry_step, got %v", c.NextAction)
	}
	if len(c.Reasons) != 1 || c.Reasons[0].Code != "missing" {
		t.Errorf("reasons = %+v", c.Reasons)
	}
}

func TestParseBalancedObject(t *testing.T) {
	text := `prose before {"status":"COMPLETE","note":"a \"quoted\" brace }"} prose after`
	c := Parse(text)
	if c == nil {
		t.Fatal("no contract")
	}
	if c.WorkflowStatus != StatusComplete {
		t.Errorf("status = %v", c.WorkflowStatus)
	}
}

func TestParseIgnoresStatuslessJSON(t *testing.T) {
	text := "{\"frames\": 12}\n\nWORKFLOW_STATUS: PASS"
	c := Parse(text)
	if c == nil {
		t.Fatal("no contract")
	}
	if c.Source != SourceLegacyText || c.WorkflowStatus != StatusPass {
		t.Errorf("got %+v", c)
	}
}

func TestParseLegacyMarkers(t *testing.T) {
	cases := []struct {
		in     string
		status Status
		action NextAction
	}{
		{"WORKFLOW_STATUS: PASS", StatusPass, ActionContinue},
		{"**WORKFLOW_STATUS: FAIL**", StatusFail, ActionRetryStep},
		{"done.\n__WORKFLOW_STATUS: COMPLETE__", StatusComplete, ActionContinue},
		{"workflow_status: needs_input", StatusNeedsInput, ActionContinue},
	}
	for _, tc := range cases {
		c := Parse(tc.in)
		if c == nil {
			t.Fatalf("Parse(%q) = nil", tc.in)
		}
		if c.WorkflowStatus != tc.status || c.NextAction != tc.action || c.Source != SourceLegacyText {
			t.Errorf("Parse(%q) = %+v", tc.in, c)
		}
	}
}

func TestNormalizeStatusMarkers(t *testing.T) {
	cases := map[string]string{
		"**WORKFLOW_STATUS: PASS**":      "WORKFLOW_STATUS: PASS",
		"__WORKFLOW_STATUS: COMPLETE__":  "WORKFLOW_STATUS: COMPLETE",
		"_WORKFLOW_STATUS: NEEDS_INPUT_": "WORKFLOW_STATUS: NEEDS_INPUT",
		"***WORKFLOW_STATUS: FAIL***":    "WORKFLOW_STATUS: FAIL",
	}
	for in, want := range cases {
		if got := NormalizeStatusMarkers(in); got != want {
			t.Errorf("NormalizeStatusMarkers(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseStableUnderNormalization(t *testing.T) {
	text := "some prose\n***WORKFLOW_STATUS: FAIL***\nmore prose"
	a := Parse(text)
	b := Parse(NormalizeStatusMarkers(text))
	if a == nil || b == nil {
		t.Fatal("nil contract")
	}
	if a.WorkflowStatus != b.WorkflowStatus || a.NextAction != b.NextAction {
		t.Errorf("parse unstable: %+v vs %+v", a, b)
	}
}

func TestParseNoContract(t *testing.T) {
	if c := Parse("just some prose with no markers"); c != nil {
		t.Errorf("got %+v, want nil", c)
	}
	if c := Parse("   "); c != nil {
		t.Errorf("got %+v, want nil", c)
	}
}

func TestExtractStatusSignals(t *testing.T) {
	text := "WORKFLOW_STATUS: PASS\nHTML_REVIEW_STATUS: FAIL\nPDF_REVIEW_STATUS: PASS"
	s := ExtractStatusSignals(text)
	if s.Workflow != StatusPass || s.HTMLReview != StatusFail || s.PDFReview != StatusPass {
		t.Errorf("got %+v", s)
	}

	s = ExtractStatusSignals("nothing here")
	if s.Workflow != StatusNeutral || s.HTMLReview != StatusNeutral {
		t.Errorf("got %+v", s)
	}
}

func TestExtractInputRequestSignal(t *testing.T) {
	stop, reqs := ExtractInputRequestSignal(`{"workflow_status":"NEEDS_INPUT","input_requests":[{"key":"brand_color","question":"Which brand color should the deck use?"}]}`)
	if !stop {
		t.Fatal("expected stop")
	}
	if len(reqs) != 1 || reqs[0].Key != "brand_color" {
		t.Errorf("requests = %+v", reqs)
	}

	stop, _ = ExtractInputRequestSignal("WORKFLOW_STATUS: NEEDS_INPUT")
	if !stop {
		t.Error("legacy NEEDS_INPUT marker should stop")
	}

	stop, _ = ExtractInputRequestSignal("WORKFLOW_STATUS: PASS")
	if stop {
		t.Error("pass should not stop")
	}
}

func TestExtractInputRequestSignalWithoutStatus(t *testing.T) {
	stop, reqs := ExtractInputRequestSignal(`{"input_requests":[{"key":"region","question":"Which region should the report cover?"}]}`)
	if !stop {
		t.Fatal("input_requests without a status field should stop")
	}
	if len(reqs) != 1 || reqs[0].Key != "region" {
		t.Errorf("requests = %+v", reqs)
	}

	stop, reqs = ExtractInputRequestSignal("The report covers {\"input_requests\":[\"Which quarter?\"]} as asked.")
	if !stop || len(reqs) != 1 || reqs[0].Question != "Which quarter?" {
		t.Errorf("embedded request list missed: stop=%v reqs=%+v", stop, reqs)
	}
}

func TestBuildEnglishSummary(t *testing.T) {
	c := Parse(`{"workflow_status":"FAIL","summary":"The manifest is missing three frames."}`)
	if got := BuildEnglishSummary(c); got != "The manifest is missing three frames." {
		t.Errorf("summary = %q", got)
	}

	c = Parse(`{"workflow_status":"PASS"}`)
	if got := BuildEnglishSummary(c); got != "workflow=PASS | next=continue" {
		t.Errorf("synthesized summary = %q", got)
	}
}

func TestLookupPath(t *testing.T) {
	fields := map[string]any{
		"deck": map[string]any{
			"frames": []any{
				map[string]any{"id": "f1"},
			},
		},
	}
	if v, ok := LookupPath(fields, "deck.frames.0.id"); !ok || v != "f1" {
		t.Errorf("got %v %v", v, ok)
	}
	if _, ok := LookupPath(fields, "deck.frames.5.id"); ok {
		t.Error("out-of-range index resolved")
	}
	if _, ok := LookupPath(fields, "deck.missing"); ok {
		t.Error("missing key resolved")
	}
}

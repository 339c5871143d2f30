package contract

import (
	"encoding/json"
	"regexp"
	"strings"
)

// StatusSignals carries the per-surface status markers a step may emit in
// addition to the workflow contract.
type StatusSignals struct {
	Workflow   Status `json:"workflow"`
	HTMLReview Status `json:"html_review"`
	PDFReview  Status `json:"pdf_review"`
}

var (
	htmlReviewRe = regexp.MustCompile(`(?i)HTML_REVIEW_STATUS:\s*([A-Z_]+)`)
	pdfReviewRe  = regexp.MustCompile(`(?i)PDF_REVIEW_STATUS:\s*([A-Z_]+)`)
)

// ExtractStatusSignals pulls the workflow marker plus the auxiliary review
// markers out of raw output. Absent markers report NEUTRAL.
func ExtractStatusSignals(text string) StatusSignals {
	norm := NormalizeStatusMarkers(text)
	signals := StatusSignals{Workflow: StatusNeutral, HTMLReview: StatusNeutral, PDFReview: StatusNeutral}
	if c := Parse(text); c != nil {
		signals.Workflow = c.WorkflowStatus
	}
	if m := htmlReviewRe.FindStringSubmatch(norm); m != nil {
		signals.HTMLReview = ParseStatus(m[1])
	}
	if m := pdfReviewRe.FindStringSubmatch(norm); m != nil {
		signals.PDFReview = ParseStatus(m[1])
	}
	return signals
}

// InputRequest is a single question a step wants answered before continuing.
type InputRequest struct {
	Key      string `json:"key,omitempty"`
	Question string `json:"question"`
}

// ExtractInputRequestSignal detects a NEEDS_INPUT status or an explicit
// input_requests array. Either is enough to stop the run for user input.
func ExtractInputRequestSignal(text string) (bool, []InputRequest) {
	c := Parse(text)
	needs := c != nil && c.WorkflowStatus == StatusNeedsInput

	// An input_requests array counts even without a status field, so fall
	// back to any decodable JSON object when no contract resolved.
	var fields map[string]any
	if c != nil && c.Fields != nil {
		fields = c.Fields
	} else if f, ok := FieldsOf(text); ok {
		fields = f
	}

	var requests []InputRequest
	if fields != nil {
		if raw, ok := fields["input_requests"].([]any); ok {
			for _, r := range raw {
				switch v := r.(type) {
				case string:
					requests = append(requests, InputRequest{Question: v})
				case map[string]any:
					req := InputRequest{
						Key:      stringField(v, "key", "input_key"),
						Question: stringField(v, "question", "prompt", "message"),
					}
					if req.Question != "" || req.Key != "" {
						requests = append(requests, req)
					}
				}
			}
		}
	}
	if len(requests) == 0 && needs {
		// NEEDS_INPUT without a structured list still stops the run.
		if c.Summary != "" {
			requests = append(requests, InputRequest{Question: c.Summary})
		}
	}
	return needs || len(requests) > 0, requests
}

var sentenceRe = regexp.MustCompile(`[A-Za-z][^.!?\n]{8,}[.!?]`)

// BuildEnglishSummary picks the first English sentence from the known summary
// fields, or synthesizes a terse status line when nothing qualifies.
func BuildEnglishSummary(c *Contract) string {
	if c == nil {
		return ""
	}
	candidates := []string{c.Summary}
	for _, r := range c.Reasons {
		candidates = append(candidates, r.Message)
	}
	if c.Fields != nil {
		for _, key := range []string{"summary", "message", "description", "detail"} {
			candidates = append(candidates, stringField(c.Fields, key))
		}
	}
	for _, cand := range candidates {
		cand = strings.TrimSpace(cand)
		if cand == "" {
			continue
		}
		if s := sentenceRe.FindString(cand); s != "" && looksEnglish(s) {
			return strings.TrimSpace(s)
		}
		if looksEnglish(cand) && len(cand) >= 8 {
			return cand
		}
	}
	return "workflow=" + string(c.WorkflowStatus) + " | next=" + string(c.NextAction)
}

// looksEnglish is a cheap heuristic: mostly ASCII letters and spaces.
func looksEnglish(s string) bool {
	if s == "" {
		return false
	}
	ascii := 0
	for _, r := range s {
		if r < 128 {
			ascii++
		}
	}
	return ascii*10 >= len([]rune(s))*9
}

// FieldsOf re-decodes output into a generic object, for gate evaluation on
// json-format steps that did not produce a status contract.
func FieldsOf(output string) (map[string]any, bool) {
	trimmed := strings.TrimSpace(output)
	var fields map[string]any
	if err := json.Unmarshal([]byte(trimmed), &fields); err == nil {
		return fields, true
	}
	for _, cand := range jsonCandidates(trimmed) {
		if err := json.Unmarshal([]byte(cand), &fields); err == nil {
			return fields, true
		}
	}
	return nil, false
}

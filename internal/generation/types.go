package generation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Outcome tells callers whether the model output was understood.
type Outcome string

const (
	// OutcomeStructured means the output decoded into test cases.
	OutcomeStructured Outcome = "structured"
	// OutcomeFallback means the output was kept verbatim in a single raw case.
	OutcomeFallback Outcome = "fallback"
)

// Steps is the ordered list of actions in a test case. Models emit either a
// JSON list or a single newline-separated string; both decode to a list.
type Steps []string

// UnmarshalJSON accepts a list of strings or one string.
func (s *Steps) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err != nil {
		return fmt.Errorf("generation: Steps must be a string or a list of strings: %w", err)
	}
	*s = nil
	for line := range strings.SplitSeq(one, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			*s = append(*s, line)
		}
	}
	return nil
}

// TestCase is one generated test case. Field names follow the JSON schema
// the test-case prompt asks for.
type TestCase struct {
	// TestID is the case identifier, e.g. "TC-001".
	TestID string `json:"Test_ID,omitempty"`
	// Feature is the feature under test.
	Feature string `json:"Feature,omitempty"`
	// Scenario describes the situation being tested.
	Scenario string `json:"Test_Scenario,omitempty"`
	// Steps lists the actions to perform.
	Steps Steps `json:"Steps,omitempty"`
	// ExpectedResult is the observable outcome that passes the case.
	ExpectedResult string `json:"Expected_Result,omitempty"`
	// GroundedIn names the source document the case was derived from.
	GroundedIn string `json:"Grounded_In,omitempty"`
	// Raw holds the verbatim model output when it could not be decoded.
	Raw string `json:"raw,omitempty"`
}

// IsRaw reports whether tc is a fallback record carrying raw output.
func (tc TestCase) IsRaw() bool {
	return tc.Raw != "" && tc.TestID == "" && tc.Feature == "" && tc.Scenario == ""
}

// query is the retrieval query used when scripting tc.
func (tc TestCase) query() string {
	if q := strings.TrimSpace(tc.Feature + " " + tc.Scenario); q != "" {
		return q
	}
	return strings.TrimSpace(tc.Raw)
}

// TestCaseResult is the outcome of one test-case generation.
type TestCaseResult struct {
	// Outcome reports whether Cases were decoded or fell back to raw output.
	Outcome Outcome `json:"outcome"`
	// Cases holds the decoded cases, or one raw case on fallback.
	Cases []TestCase `json:"cases"`
	// Raw is the verbatim model output.
	Raw string `json:"raw"`
	// ParseErr is why decoding failed; nil when Outcome is structured.
	ParseErr error `json:"-"`
	// Sources lists the documents whose chunks were placed in the prompt.
	Sources []string `json:"sources"`
	// RunID is the history record ID, empty when history is disabled.
	RunID string `json:"run_id,omitempty"`
}

// Script is a generated automation script for one test case.
type Script struct {
	// Code is the script text with any surrounding markdown fence removed.
	Code string `json:"code"`
	// HTMLSource is the filename of the markup shown to the model, or empty
	// when no HTML was registered.
	HTMLSource string `json:"html_source"`
	// Sources lists the documents whose chunks were placed in the prompt.
	Sources []string `json:"sources"`
	// RunID is the history record ID, empty when history is disabled.
	RunID string `json:"run_id,omitempty"`
}

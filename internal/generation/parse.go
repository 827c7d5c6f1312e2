package generation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedOutput is wrapped by TestCaseResult.ParseErr when the model
// output is not a test-case list.
var ErrMalformedOutput = errors.New("generation: malformed model output")

// testCaseEnvelope is the object form some models use instead of a bare array.
type testCaseEnvelope struct {
	// TestCases holds the cases.
	TestCases []TestCase `json:"test_cases"`
}

// ParseTestCases decodes model output into test cases. It accepts a JSON
// array, an object with a "test_cases" array, or either inside a markdown
// code fence. Anything else yields OutcomeFallback with the output kept in a
// single raw case; ParseTestCases never loses the output.
func ParseTestCases(output string) *TestCaseResult {
	cases, err := decodeTestCases(stripFence(output))
	if err != nil {
		return &TestCaseResult{
			Outcome:  OutcomeFallback,
			Cases:    []TestCase{{Raw: output}},
			Raw:      output,
			ParseErr: fmt.Errorf("%w: %w", ErrMalformedOutput, err),
		}
	}
	if cases == nil {
		cases = []TestCase{}
	}
	return &TestCaseResult{
		Outcome: OutcomeStructured,
		Cases:   cases,
		Raw:     output,
	}
}

func decodeTestCases(body string) ([]TestCase, error) {
	body = strings.TrimSpace(body)
	switch {
	case strings.HasPrefix(body, "["):
		var cases []TestCase
		if err := json.Unmarshal([]byte(body), &cases); err != nil {
			return nil, err
		}
		return cases, nil
	case strings.HasPrefix(body, "{"):
		var env testCaseEnvelope
		if err := json.Unmarshal([]byte(body), &env); err != nil {
			return nil, err
		}
		if env.TestCases == nil {
			return nil, errors.New(`object has no "test_cases" array`)
		}
		return env.TestCases, nil
	default:
		return nil, errors.New("output is not a JSON array or object")
	}
}

// stripFence removes one surrounding markdown code fence, including its
// language tag. Output without a fence is returned trimmed.
func stripFence(output string) string {
	s := strings.TrimSpace(output)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	nl := strings.IndexByte(s, '\n')
	if nl < 0 {
		return strings.TrimSpace(strings.TrimSuffix(s, "```"))
	}
	s = s[nl+1:]
	s = strings.TrimRight(s, " \t\r\n")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"scenariomaker/internal/scenario"
)

// The model is instructed to wrap its structured output in a single
// <json>...</json> pair; everything outside the markers is free-form
// reasoning text and ignored.
var jsonBlockRe = regexp.MustCompile(`(?s)<json>(.*?)</json>`)

var errNoJSONBlock = errors.New("no json block in model response")

type scenarioPayload struct {
	Description string        `json:"Scenario Description"`
	Name        string        `json:"Test Scenario Name"`
	TestCases   []rawTestCase `json:"Test Cases"`
}

type rawTestCase struct {
	ID             string          `json:"ID"`
	Procedure      string          `json:"Procedure"`
	Precondition   string          `json:"Precondition"`
	TestData       json.RawMessage `json:"TestData"`
	ExpectedResult string          `json:"ExpectedResult"`
	Type           string          `json:"Type"`
}

// parseScenarioBlock extracts the delimited block from the raw model output
// and decodes it. A missing marker pair and a malformed payload are distinct
// failures.
func parseScenarioBlock(raw string) (scenario.Scenario, error) {
	match := jsonBlockRe.FindStringSubmatch(raw)
	if match == nil {
		return scenario.Scenario{}, errNoJSONBlock
	}
	var payload scenarioPayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(match[1])), &payload); err != nil {
		return scenario.Scenario{}, fmt.Errorf("decode json block: %w", err)
	}

	cases := make([]scenario.TestCase, 0, len(payload.TestCases))
	for i, rc := range payload.TestCases {
		id := rc.ID
		if id == "" {
			id = fmt.Sprintf("TC_%03d", i+1)
		}
		cases = append(cases, scenario.TestCase{
			ID:             id,
			Procedure:      normalizeText(rc.Procedure),
			Precondition:   normalizeText(rc.Precondition),
			TestData:       normalizeTestData(rc.TestData),
			ExpectedResult: normalizeText(rc.ExpectedResult),
			Type:           rc.Type,
		})
	}
	return scenario.Scenario{
		ScenarioDescription: payload.Description,
		TestScenarioName:    payload.Name,
		TestCases:           cases,
	}, nil
}

// normalizeText converts literal backslash-n sequences the model sometimes
// double-escapes into real newlines.
func normalizeText(s string) string {
	return strings.ReplaceAll(s, `\n`, "\n")
}

// normalizeTestData renders the free-form data field as display text:
// strings pass through, structured values are pretty-printed JSON.
func normalizeTestData(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return normalizeText(asString)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

package scenario

import (
	"errors"
	"fmt"
)

// Status denotes the lifecycle stage reported by a ProgressEvent.
type Status string

// Supported generation statuses, in pipeline order. Completed and
// StatusError are terminal.
const (
	StatusStarted         Status = "started"
	StatusAnalyzingGit    Status = "analyzing_git"
	StatusStoringRAG      Status = "storing_rag"
	StatusCallingLLM      Status = "calling_llm"
	StatusParsingResponse Status = "parsing_response"
	StatusGeneratingExcel Status = "generating_excel"
	StatusCompleted       Status = "completed"
	StatusError           Status = "error"
)

// Terminal reports whether the status ends a run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// ProgressEvent is one entry in the ordered progress stream of a run. The
// Details payload carries the full Result on completion and optional
// diagnostic context on error.
type ProgressEvent struct {
	Status   Status         `json:"status"`
	Message  string         `json:"message"`
	Progress float64        `json:"progress"`
	Details  map[string]any `json:"details,omitempty"`
}

// Validate performs coarse validation on ProgressEvent payloads.
func (e ProgressEvent) Validate() error {
	switch e.Status {
	case StatusStarted, StatusAnalyzingGit, StatusStoringRAG, StatusCallingLLM,
		StatusParsingResponse, StatusGeneratingExcel, StatusCompleted, StatusError:
	default:
		return fmt.Errorf("unknown status %q", e.Status)
	}
	if e.Progress < 0 || e.Progress > 100 {
		return errors.New("progress must be within [0,100]")
	}
	return nil
}

// GenerationRequest carries the caller-supplied parameters for one run.
type GenerationRequest struct {
	RepoPath           string `json:"repo_path"`
	UsePerformanceMode bool   `json:"use_performance_mode"`
}

// TestCase is a single structured test-case record produced by the model.
type TestCase struct {
	ID             string `json:"ID"`
	Procedure      string `json:"Procedure"`
	Precondition   string `json:"Precondition"`
	TestData       string `json:"TestData"`
	ExpectedResult string `json:"ExpectedResult"`
	Type           string `json:"Type"`
}

// Scenario holds the fields extracted from the model's structured block.
type Scenario struct {
	ScenarioDescription string     `json:"scenario_description"`
	TestScenarioName    string     `json:"test_scenario_name"`
	TestCases           []TestCase `json:"test_cases"`
}

// Metadata captures run measurements recorded alongside a successful result.
type Metadata struct {
	LLMResponseTime float64 `json:"llm_response_time"`
	PromptSize      int     `json:"prompt_size"`
	AddedChunks     int     `json:"added_chunks"`
	ExcelFilename   string  `json:"excel_filename"`
}

// Result is the immutable output of one successful run.
type Result struct {
	Scenario
	Metadata Metadata `json:"metadata"`
}

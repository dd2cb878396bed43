package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"scenariomaker/internal/hub"
	"scenariomaker/internal/registry"
	"scenariomaker/internal/scenario"
)

const validResponse = "reasoning...\n<json>{" +
	`"Scenario Description": "desc",` +
	`"Test Scenario Name": "name",` +
	`"Test Cases": [{"ID": "TC_001", "Procedure": "step", "Precondition": "pre",` +
	`"TestData": "data", "ExpectedResult": "ok", "Type": "unit"}]` +
	"}</json>"

// TestRunEmitsOrderedStages verifies a successful run publishes exactly the
// contractual status/percentage sequence and stores the result.
func TestRunEmitsOrderedStages(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	sub := newRecordingSubscriber()
	require.NoError(t, env.hub.Attach("c1", sub))

	require.NoError(t, env.runner.Start("c1", scenario.GenerationRequest{RepoPath: t.TempDir()}))

	require.Eventually(t, func() bool {
		events := sub.Events()
		return len(events) > 0 && events[len(events)-1].Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	events := sub.Events()
	wantStatuses := []scenario.Status{
		scenario.StatusStarted,
		scenario.StatusAnalyzingGit,
		scenario.StatusStoringRAG,
		scenario.StatusCallingLLM,
		scenario.StatusParsingResponse,
		scenario.StatusGeneratingExcel,
		scenario.StatusCompleted,
	}
	wantProgress := []float64{0, 10, 20, 30, 80, 90, 100}
	require.Len(t, events, len(wantStatuses))
	for i := range wantStatuses {
		require.Equal(t, wantStatuses[i], events[i].Status)
		require.InDelta(t, wantProgress[i], events[i].Progress, 0.001)
	}
	require.Contains(t, events[len(events)-1].Details, "result")

	client, err := env.reg.Get("c1")
	require.NoError(t, err)
	require.False(t, client.Busy())
	res, ok := client.Result()
	require.True(t, ok)
	require.Equal(t, "desc", res.ScenarioDescription)
	require.Equal(t, 7, res.Metadata.AddedChunks)
	require.Equal(t, "out.xlsx", res.Metadata.ExcelFilename)
	require.NotEmpty(t, res.TestCases)
}

// TestStartInvalidRepoPath yields one terminal error event at progress 0
// and never sets busy.
func TestStartInvalidRepoPath(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	sub := newRecordingSubscriber()
	require.NoError(t, env.hub.Attach("c1", sub))

	require.NoError(t, env.runner.Start("c1", scenario.GenerationRequest{RepoPath: "/nonexistent/repo"}))

	events := sub.Events()
	require.Len(t, events, 1)
	require.Equal(t, scenario.StatusError, events[0].Status)
	require.Zero(t, events[0].Progress)

	client, err := env.reg.Get("c1")
	require.NoError(t, err)
	require.False(t, client.Busy())
}

// TestConcurrentStartsSingleFlight asserts that of two concurrent starts
// exactly one is accepted and one reports the conflict.
func TestConcurrentStartsSingleFlight(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	release := make(chan struct{})
	env.model.block = release
	repo := t.TempDir()

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- env.runner.Start("c1", scenario.GenerationRequest{RepoPath: repo})
		}()
	}
	wg.Wait()
	close(results)

	var accepted, conflicts int
	for err := range results {
		if errors.Is(err, registry.ErrBusy) {
			conflicts++
		} else if err == nil {
			accepted++
		}
	}
	require.Equal(t, 1, accepted)
	require.Equal(t, 1, conflicts)

	close(release)
	client, err := env.reg.Get("c1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !client.Busy() }, 2*time.Second, 10*time.Millisecond)
}

// TestStartInvalidPathWhileBusy reports the conflict before validating, so
// a bad request during a run neither emits a spurious terminal error nor
// disturbs the in-flight run's event stream.
func TestStartInvalidPathWhileBusy(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	release := make(chan struct{})
	env.model.block = release
	sub := newRecordingSubscriber()
	require.NoError(t, env.hub.Attach("c1", sub))

	require.NoError(t, env.runner.Start("c1", scenario.GenerationRequest{RepoPath: t.TempDir()}))

	err := env.runner.Start("c1", scenario.GenerationRequest{RepoPath: "/nonexistent/repo"})
	require.ErrorIs(t, err, registry.ErrBusy)

	close(release)
	require.Eventually(t, func() bool {
		events := sub.Events()
		return len(events) > 0 && events[len(events)-1].Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	events := sub.Events()
	require.Equal(t, scenario.StatusCompleted, events[len(events)-1].Status)
	for _, evt := range events {
		require.NotEqual(t, scenario.StatusError, evt.Status)
	}
}

// TestRunEmptyModelResponse maps a silent model to the no-response terminal
// error and clears busy.
func TestRunEmptyModelResponse(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.model.response = ""
	requireTerminalError(t, env, msgNoResponse)
}

// TestRunMissingJSONBlock and the malformed variant must produce distinct
// user-facing messages.
func TestRunMissingJSONBlock(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.model.response = "no markers here"
	requireTerminalError(t, env, msgNoBlock)
}

// TestRunMalformedJSONBlock covers a present-but-invalid block.
func TestRunMalformedJSONBlock(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.model.response = "<json>{broken</json>"
	requireTerminalError(t, env, msgBadBlock)
}

// TestRunExportFailure surfaces the export-stage terminal error.
func TestRunExportFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.exporter.err = errors.New("template locked")
	requireTerminalError(t, env, msgExport)
}

// TestRunModelServiceError maps a failing model call to the service-error
// terminal message.
func TestRunModelServiceError(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.model.err = errors.New("connection refused")
	requireTerminalError(t, env, msgModel)
}

func requireTerminalError(t *testing.T, env *testEnv, wantMessage string) {
	t.Helper()
	sub := newRecordingSubscriber()
	require.NoError(t, env.hub.Attach("c1", sub))
	require.NoError(t, env.runner.Start("c1", scenario.GenerationRequest{RepoPath: t.TempDir()}))

	require.Eventually(t, func() bool {
		events := sub.Events()
		return len(events) > 0 && events[len(events)-1].Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	events := sub.Events()
	last := events[len(events)-1]
	require.Equal(t, scenario.StatusError, last.Status)
	require.Equal(t, wantMessage, last.Message)
	require.Zero(t, last.Progress)

	client, err := env.reg.Get("c1")
	require.NoError(t, err)
	require.False(t, client.Busy())
	_, ok := client.Result()
	require.False(t, ok)
}

type testEnv struct {
	reg      *registry.Registry
	hub      *hub.Hub
	runner   *Runner
	model    *stubModel
	exporter *stubExporter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := registry.New(systemClock{}, stubIDGen{}, nil)
	h := hub.New(reg, nil)
	model := &stubModel{response: validResponse}
	exporter := &stubExporter{filename: "out.xlsx"}
	runner := New(
		reg,
		h,
		stubAnalyzer{text: "### commits\n- fix checkout"},
		stubIndexer{count: 7},
		stubPrompts{},
		model,
		exporter,
		systemClock{},
		Config{Model: "test-model", ModelTimeout: time.Second, TemplatePath: "template.xlsx"},
		nil,
	)
	return &testEnv{reg: reg, hub: h, runner: runner, model: model, exporter: exporter}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type stubIDGen struct{}

func (stubIDGen) NewID() (string, error) { return "generated-id", nil }

type stubAnalyzer struct {
	text string
	err  error
}

func (s stubAnalyzer) ExtractChanges(context.Context, string) (string, error) {
	return s.text, s.err
}

type stubIndexer struct {
	count int
	err   error
}

func (s stubIndexer) Index(context.Context, string, string) (int, error) {
	return s.count, s.err
}

type stubPrompts struct {
	err error
}

func (s stubPrompts) BuildPrompt(_ context.Context, analysis string, _ scenario.PromptOptions) (string, error) {
	return "PROMPT:\n" + analysis, s.err
}

type stubModel struct {
	mu       sync.Mutex
	response string
	err      error
	block    chan struct{}
}

func (s *stubModel) Invoke(context.Context, string, string, time.Duration) (string, error) {
	s.mu.Lock()
	block := s.block
	response, err := s.response, s.err
	s.mu.Unlock()
	if block != nil {
		<-block
	}
	return response, err
}

type stubExporter struct {
	filename string
	err      error
}

func (s *stubExporter) Export(context.Context, scenario.Scenario, string) (string, error) {
	return s.filename, s.err
}

type recordingSubscriber struct {
	mu     sync.Mutex
	events []scenario.ProgressEvent
}

func newRecordingSubscriber() *recordingSubscriber {
	return &recordingSubscriber{}
}

func (r *recordingSubscriber) Send(evt scenario.ProgressEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recordingSubscriber) Events() []scenario.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]scenario.ProgressEvent, len(r.events))
	copy(out, r.events)
	return out
}

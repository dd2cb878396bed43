// Package pipeline drives the five-stage generation sequence for one client:
// repository analysis, retrieval indexing, model invocation, response
// parsing, and artifact export. Each run executes as an independent
// background goroutine and reports progress through the notification hub.
package pipeline

import (
	"context"
	"errors"
	"os"
	"time"

	"go.uber.org/zap"

	"scenariomaker/internal/hub"
	"scenariomaker/internal/metrics"
	"scenariomaker/internal/registry"
	"scenariomaker/internal/scenario"
)

// Fixed user-facing messages. Underlying diagnostics are logged, never
// carried on the event stream.
const (
	msgStarted     = "Generation started."
	msgAnalyzing   = "Analyzing repository changes..."
	msgStoring     = "Storing analysis in the retrieval index..."
	msgCalling     = "Calling the model to generate the scenario..."
	msgParsing     = "Parsing the model response..."
	msgExporting   = "Generating the Excel artifact..."
	msgCompleted   = "Scenario generation completed."
	msgInvalidRepo = "A valid Git repository path is required."
	msgAnalyze     = "Repository analysis failed."
	msgIndex       = "Failed to store analysis in the retrieval index."
	msgPrompt      = "Failed to build the model prompt."
	msgModel       = "The model call failed."
	msgNoResponse  = "No response was received from the model."
	msgNoBlock     = "No JSON block was found in the model response."
	msgBadBlock    = "The JSON block in the model response is invalid."
	msgExport      = "Failed to generate the Excel artifact."
	msgUnexpected  = "An unexpected error occurred during generation."
)

// Stage percentages are part of the observable contract.
const (
	pctStarted   = 0
	pctAnalyzing = 10
	pctStoring   = 20
	pctCalling   = 30
	pctParsing   = 80
	pctExporting = 90
	pctCompleted = 100
)

// Config controls Runner behavior.
type Config struct {
	// Model is the identifier passed to the model client.
	Model string
	// ModelTimeout bounds one model invocation.
	ModelTimeout time.Duration
	// TemplatePath locates the artifact template handed to the exporter.
	TemplatePath string
}

// Runner executes generation runs, enforcing single-flight per client.
type Runner struct {
	reg      *registry.Registry
	hub      *hub.Hub
	analyzer scenario.Analyzer
	indexer  scenario.Indexer
	prompts  scenario.PromptBuilder
	model    scenario.ModelClient
	exporter scenario.Exporter
	clock    scenario.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Runner.
func New(
	reg *registry.Registry,
	h *hub.Hub,
	analyzer scenario.Analyzer,
	indexer scenario.Indexer,
	prompts scenario.PromptBuilder,
	model scenario.ModelClient,
	exporter scenario.Exporter,
	clock scenario.Clock,
	cfg Config,
	logger *zap.Logger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Runner{
		reg:      reg,
		hub:      h,
		analyzer: analyzer,
		indexer:  indexer,
		prompts:  prompts,
		model:    model,
		exporter: exporter,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Start validates the request and launches the run in the background. It
// never blocks on pipeline work. A request arriving while a run is in flight
// returns registry.ErrBusy before anything else happens, so the in-flight
// run's event stream is never touched. A request naming a path that is not a
// directory yields an immediate terminal error event and no run.
func (r *Runner) Start(clientID string, req scenario.GenerationRequest) error {
	client, err := r.reg.GetOrCreate(clientID)
	if err != nil {
		return err
	}
	if !client.TryBegin() {
		return registry.ErrBusy
	}
	if info, statErr := os.Stat(req.RepoPath); req.RepoPath == "" || statErr != nil || !info.IsDir() {
		client.End()
		r.logger.Warn("generation rejected, invalid repo path",
			zap.String("client_id", client.ID),
			zap.String("repo_path", req.RepoPath),
		)
		r.hub.Publish(client.ID, scenario.ProgressEvent{
			Status:   scenario.StatusError,
			Message:  msgInvalidRepo,
			Progress: pctStarted,
		})
		return nil
	}
	go r.run(client, req)
	return nil
}

// run owns one pipeline execution. It holds the client reference only for
// the duration of the run and always clears busy on exit.
func (r *Runner) run(client *registry.Client, req scenario.GenerationRequest) {
	defer client.End()
	metrics.IncActiveRuns()
	defer metrics.DecActiveRuns()

	// A subscriber disconnecting must not stop the run, so it does not
	// inherit any request context.
	ctx := context.Background()
	started := r.clock.Now()
	r.publish(client.ID, scenario.StatusStarted, msgStarted, pctStarted, nil)

	res, err := r.execute(ctx, client.ID, req)
	if err != nil {
		serr := classify(err)
		r.logger.Error("generation failed",
			zap.String("client_id", client.ID),
			zap.String("kind", string(serr.Kind)),
			zap.Error(serr.Err),
		)
		metrics.ObserveRun(string(scenario.StatusError))
		r.publish(client.ID, scenario.StatusError, serr.Message, 0, nil)
		return
	}

	client.SetResult(*res)
	metrics.ObserveRun(string(scenario.StatusCompleted))
	r.logger.Info("generation completed",
		zap.String("client_id", client.ID),
		zap.Duration("total", r.clock.Now().Sub(started)),
		zap.Int("test_cases", len(res.TestCases)),
		zap.String("artifact", res.Metadata.ExcelFilename),
	)
	r.publish(client.ID, scenario.StatusCompleted, msgCompleted, pctCompleted, map[string]any{
		"result": res,
	})
}

func (r *Runner) execute(ctx context.Context, clientID string, req scenario.GenerationRequest) (*scenario.Result, error) {
	r.publish(clientID, scenario.StatusAnalyzingGit, msgAnalyzing, pctAnalyzing, nil)
	stageStart := r.clock.Now()
	analysis, err := r.analyzer.ExtractChanges(ctx, req.RepoPath)
	if err != nil {
		return nil, stageError(scenario.KindValidation, msgAnalyze, err)
	}
	metrics.ObserveStage(string(scenario.StatusAnalyzingGit), r.clock.Now().Sub(stageStart))

	r.publish(clientID, scenario.StatusStoringRAG, msgStoring, pctStoring, nil)
	stageStart = r.clock.Now()
	addedChunks, err := r.indexer.Index(ctx, analysis, req.RepoPath)
	if err != nil {
		return nil, stageError(scenario.KindUnexpected, msgIndex, err)
	}
	metrics.ObserveStage(string(scenario.StatusStoringRAG), r.clock.Now().Sub(stageStart))

	r.publish(clientID, scenario.StatusCallingLLM, msgCalling, pctCalling, nil)
	prompt, err := r.prompts.BuildPrompt(ctx, analysis, scenario.PromptOptions{
		UseRetrieval:    true,
		UseFeedback:     true,
		PerformanceMode: req.UsePerformanceMode,
	})
	if err != nil {
		return nil, stageError(scenario.KindUnexpected, msgPrompt, err)
	}
	callStart := r.clock.Now()
	raw, err := r.model.Invoke(ctx, prompt, r.cfg.Model, r.cfg.ModelTimeout)
	elapsed := r.clock.Now().Sub(callStart)
	if err != nil {
		return nil, stageError(scenario.KindService, msgModel, err)
	}
	if raw == "" {
		return nil, scenario.E(scenario.KindService, msgNoResponse, nil)
	}
	metrics.ObserveStage(string(scenario.StatusCallingLLM), elapsed)

	r.publish(clientID, scenario.StatusParsingResponse, msgParsing, pctParsing, nil)
	sc, err := parseScenarioBlock(raw)
	if err != nil {
		if errors.Is(err, errNoJSONBlock) {
			return nil, scenario.E(scenario.KindParsing, msgNoBlock, err)
		}
		return nil, scenario.E(scenario.KindParsing, msgBadBlock, err)
	}

	r.publish(clientID, scenario.StatusGeneratingExcel, msgExporting, pctExporting, nil)
	stageStart = r.clock.Now()
	filename, err := r.exporter.Export(ctx, sc, r.cfg.TemplatePath)
	if err != nil {
		return nil, stageError(scenario.KindExport, msgExport, err)
	}
	metrics.ObserveStage(string(scenario.StatusGeneratingExcel), r.clock.Now().Sub(stageStart))

	return &scenario.Result{
		Scenario: sc,
		Metadata: scenario.Metadata{
			LLMResponseTime: elapsed.Seconds(),
			PromptSize:      len(prompt),
			AddedChunks:     addedChunks,
			ExcelFilename:   filename,
		},
	}, nil
}

func (r *Runner) publish(clientID string, st scenario.Status, msg string, progress float64, details map[string]any) {
	r.hub.Publish(clientID, scenario.ProgressEvent{
		Status:   st,
		Message:  msg,
		Progress: progress,
		Details:  details,
	})
}

// stageError keeps an already-classified collaborator error, otherwise tags
// the failure with the stage's cause and fixed message.
func stageError(kind scenario.Kind, message string, err error) error {
	var serr *scenario.Error
	if errors.As(err, &serr) {
		return serr
	}
	return scenario.E(kind, message, err)
}

func classify(err error) *scenario.Error {
	var serr *scenario.Error
	if errors.As(err, &serr) {
		return serr
	}
	return scenario.E(scenario.KindUnexpected, msgUnexpected, err)
}

package scenario

import (
	"context"
	"time"
)

// Analyzer extracts a textual summary of repository changes.
type Analyzer interface {
	ExtractChanges(ctx context.Context, repoPath string) (string, error)
}

// Indexer stores analysis text in the retrieval index and reports how many
// fragments were added.
type Indexer interface {
	Index(ctx context.Context, analysis, repoPath string) (int, error)
}

// PromptOptions control prompt assembly.
type PromptOptions struct {
	UseRetrieval    bool
	UseFeedback     bool
	PerformanceMode bool
}

// PromptBuilder assembles the final model prompt from analysis text.
type PromptBuilder interface {
	BuildPrompt(ctx context.Context, analysis string, opts PromptOptions) (string, error)
}

// ModelClient invokes the language model and returns its raw text response.
type ModelClient interface {
	Invoke(ctx context.Context, prompt, model string, timeout time.Duration) (string, error)
}

// Exporter writes the parsed scenario into the artifact template and returns
// the generated filename.
type Exporter interface {
	Export(ctx context.Context, sc Scenario, templatePath string) (string, error)
}

// Subscriber is one live push channel attached to a client. Send must
// preserve the order of successive calls; a returned error marks the channel
// dead and it will be detached.
type Subscriber interface {
	Send(evt ProgressEvent) error
}

// Clock abstracts time.Now for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates opaque client identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

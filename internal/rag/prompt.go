package rag

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"scenariomaker/internal/scenario"
)

const (
	analysisPlaceholder = "{git_analysis}"

	// performanceModeLimit caps the analysis size when the caller asks for a
	// faster, cheaper prompt.
	performanceModeLimit = 8000

	defaultTopK = 3
)

// PromptBuilder assembles the model prompt from a template file, the
// repository analysis, and optionally retrieved context and guidance notes.
type PromptBuilder struct {
	store        *Store
	templatePath string
	guidancePath string
	topK         int
	logger       *zap.Logger
}

// NewPromptBuilder constructs a PromptBuilder. store may be nil, which
// disables retrieval regardless of the per-request option. guidancePath may
// be empty or point at a missing file, which disables feedback guidance.
func NewPromptBuilder(store *Store, templatePath, guidancePath string, topK int, logger *zap.Logger) *PromptBuilder {
	if topK <= 0 {
		topK = defaultTopK
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PromptBuilder{
		store:        store,
		templatePath: templatePath,
		guidancePath: guidancePath,
		topK:         topK,
		logger:       logger,
	}
}

// BuildPrompt renders the template with the analysis and appends the optional
// sections. A retrieval failure degrades to the base prompt rather than
// failing the run.
func (b *PromptBuilder) BuildPrompt(ctx context.Context, analysis string, opts scenario.PromptOptions) (string, error) {
	template, err := os.ReadFile(b.templatePath)
	if err != nil {
		return "", fmt.Errorf("read prompt template: %w", err)
	}
	if opts.PerformanceMode {
		analysis = truncateRunes(analysis, performanceModeLimit)
	}
	prompt := strings.ReplaceAll(string(template), analysisPlaceholder, analysis)

	if opts.UseRetrieval && b.store != nil {
		chunks, err := b.store.Search(ctx, analysis, b.topK)
		if err != nil {
			b.logger.Warn("context retrieval failed, using base prompt", zap.Error(err))
		} else if len(chunks) > 0 {
			var sb strings.Builder
			sb.WriteString(prompt)
			sb.WriteString("\n\n### Related context from previous analyses:\n")
			for _, chunk := range chunks {
				sb.WriteString(chunk)
				sb.WriteString("\n---\n")
			}
			prompt = sb.String()
		}
	}
	if opts.UseFeedback && b.guidancePath != "" {
		guidance, err := os.ReadFile(b.guidancePath)
		if err == nil && len(strings.TrimSpace(string(guidance))) > 0 {
			prompt += "\n\n### Generation guidance:\n" + strings.TrimSpace(string(guidance)) + "\n"
		}
	}
	return prompt, nil
}

func truncateRunes(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "\n... (analysis truncated for performance mode) ..."
}

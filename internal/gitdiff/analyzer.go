// Package gitdiff extracts a textual change summary from a Git repository:
// the commit subjects on the current branch since it diverged from the base
// revision, plus a truncated unified diff per touched file.
package gitdiff

import (
	"context"
	"errors"
	"fmt"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	fdiff "github.com/go-git/go-git/v5/plumbing/format/diff"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"go.uber.org/zap"
)

const (
	defaultBaseRevision = "origin/develop"
	defaultHeadRevision = "HEAD"
	defaultMaxDiffLines = 20
)

// Config controls which revisions are compared and how much diff is kept.
type Config struct {
	// BaseRevision is the revision the branch is compared against
	// (default origin/develop).
	BaseRevision string
	// HeadRevision names the tip of the branch under analysis (default HEAD).
	HeadRevision string
	// MaxDiffLines caps the diff excerpt per file (default 20).
	MaxDiffLines int
}

// Analyzer implements scenario.Analyzer on top of go-git.
type Analyzer struct {
	cfg    Config
	logger *zap.Logger
}

// NewAnalyzer constructs an Analyzer.
func NewAnalyzer(cfg Config, logger *zap.Logger) *Analyzer {
	if cfg.BaseRevision == "" {
		cfg.BaseRevision = defaultBaseRevision
	}
	if cfg.HeadRevision == "" {
		cfg.HeadRevision = defaultHeadRevision
	}
	if cfg.MaxDiffLines <= 0 {
		cfg.MaxDiffLines = defaultMaxDiffLines
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{cfg: cfg, logger: logger}
}

// ExtractChanges opens the repository at repoPath and renders the commit
// subjects and per-file diff between the merge base and the head revision.
func (a *Analyzer) ExtractChanges(ctx context.Context, repoPath string) (string, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return "", fmt.Errorf("open repository %q: %w", repoPath, err)
	}

	base, head, err := a.resolveEndpoints(repo)
	if err != nil {
		return "", err
	}
	mergeBases, err := base.MergeBase(head)
	if err != nil {
		return "", fmt.Errorf("merge base %s..%s: %w", a.cfg.BaseRevision, a.cfg.HeadRevision, err)
	}
	if len(mergeBases) == 0 {
		return "", errors.New("no common ancestor between base and head revisions")
	}
	ancestor := mergeBases[0]

	subjects, err := commitSubjects(repo, head, ancestor)
	if err != nil {
		return "", err
	}
	patch, err := ancestor.PatchContext(ctx, head)
	if err != nil {
		return "", fmt.Errorf("compute patch: %w", err)
	}

	var b strings.Builder
	b.WriteString("### Commit messages:\n")
	for _, subject := range subjects {
		fmt.Fprintf(&b, "- %s\n", subject)
	}
	b.WriteString("\n### Code changes (diff):\n")
	for _, fp := range patch.FilePatches() {
		a.renderFilePatch(&b, fp)
	}
	a.logger.Debug("repository analyzed",
		zap.String("repo_path", repoPath),
		zap.Int("commits", len(subjects)),
		zap.Int("files", len(patch.FilePatches())),
	)
	return b.String(), nil
}

func (a *Analyzer) resolveEndpoints(repo *git.Repository) (*object.Commit, *object.Commit, error) {
	baseHash, err := repo.ResolveRevision(plumbing.Revision(a.cfg.BaseRevision))
	if err != nil {
		return nil, nil, fmt.Errorf("resolve base revision %q: %w", a.cfg.BaseRevision, err)
	}
	headHash, err := repo.ResolveRevision(plumbing.Revision(a.cfg.HeadRevision))
	if err != nil {
		return nil, nil, fmt.Errorf("resolve head revision %q: %w", a.cfg.HeadRevision, err)
	}
	base, err := repo.CommitObject(*baseHash)
	if err != nil {
		return nil, nil, fmt.Errorf("load base commit: %w", err)
	}
	head, err := repo.CommitObject(*headHash)
	if err != nil {
		return nil, nil, fmt.Errorf("load head commit: %w", err)
	}
	return base, head, nil
}

// commitSubjects lists the first line of every commit from head down to, but
// excluding, the ancestor, oldest first.
func commitSubjects(repo *git.Repository, head, ancestor *object.Commit) ([]string, error) {
	iter, err := repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return nil, fmt.Errorf("walk commits: %w", err)
	}
	defer iter.Close()

	var subjects []string
	err = iter.ForEach(func(c *object.Commit) error {
		if c.Hash == ancestor.Hash {
			return storer.ErrStop
		}
		subject := strings.SplitN(strings.TrimSpace(c.Message), "\n", 2)[0]
		subjects = append(subjects, subject)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk commits: %w", err)
	}
	for i, j := 0, len(subjects)-1; i < j; i, j = i+1, j-1 {
		subjects[i], subjects[j] = subjects[j], subjects[i]
	}
	return subjects, nil
}

func (a *Analyzer) renderFilePatch(b *strings.Builder, fp fdiff.FilePatch) {
	from, to := fp.Files()
	path := ""
	switch {
	case to != nil:
		path = to.Path()
	case from != nil:
		path = from.Path()
	}
	fmt.Fprintf(b, "--- file: %s ---\n", path)

	lines := 0
	truncated := false
	for _, chunk := range fp.Chunks() {
		prefix := " "
		switch chunk.Type() {
		case fdiff.Add:
			prefix = "+"
		case fdiff.Delete:
			prefix = "-"
		}
		for _, line := range strings.Split(strings.TrimRight(chunk.Content(), "\n"), "\n") {
			if lines >= a.cfg.MaxDiffLines {
				truncated = true
				break
			}
			b.WriteString(prefix)
			b.WriteString(line)
			b.WriteByte('\n')
			lines++
		}
		if truncated {
			break
		}
	}
	if truncated {
		b.WriteString("... (truncated) ...\n")
	}
}

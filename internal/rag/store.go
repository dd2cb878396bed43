// Package rag holds the retrieval collaborators: a SQLite-backed chunk store
// that indexes each repository analysis, and the prompt builder that folds
// retrieved context into the model prompt.
package rag

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"scenariomaker/internal/scenario"
)

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 200

	// searchWindow bounds how many recent chunks a query is scored against.
	searchWindow = 200
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS chunks (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		repo_path  TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_repo ON chunks(repo_path)`,
}

// Config controls chunking and the database location.
type Config struct {
	DBPath       string
	ChunkSize    int
	ChunkOverlap int
}

// Store persists analysis chunks and answers similarity queries. Similarity
// is lexical token overlap, which is cheap and has no external model
// dependency.
type Store struct {
	db     *sql.DB
	cfg    Config
	clock  scenario.Clock
	logger *zap.Logger
}

// Open creates the database file if needed, applies migrations, and returns
// a ready Store.
func Open(cfg Config, clock scenario.Clock, logger *zap.Logger) (*Store, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = defaultChunkOverlap
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(cfg.DBPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}
	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return &Store{db: db, cfg: cfg, clock: clock, logger: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Index splits the analysis into overlapping chunks and stores them tagged
// with the repository they came from. It returns the number of chunks added.
func (s *Store) Index(ctx context.Context, analysis, repoPath string) (int, error) {
	chunks := splitChunks(analysis, s.cfg.ChunkSize, s.cfg.ChunkOverlap)
	if len(chunks) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.clock.Now().UTC().Format("2006-01-02T15:04:05Z")
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (repo_path, content, created_at) VALUES (?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, chunk := range chunks {
		if _, err := stmt.ExecContext(ctx, repoPath, chunk, now); err != nil {
			return 0, fmt.Errorf("insert chunk: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("analysis indexed",
		zap.String("repo_path", repoPath),
		zap.Int("chunks", len(chunks)),
	)
	return len(chunks), nil
}

// Search scores recent chunks against the query by token overlap and returns
// up to limit of the best matches, best first. Chunks with no overlap are
// never returned.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT content FROM chunks ORDER BY id DESC LIMIT ?`, searchWindow)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	queryTokens := tokenize(query)
	type scored struct {
		content string
		score   int
	}
	var candidates []scored
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		score := overlap(queryTokens, tokenize(content))
		if score > 0 {
			candidates = append(candidates, scored{content: content, score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.content
	}
	return out, nil
}

// Noop satisfies scenario.Indexer when the chunk store is disabled. The
// indexing stage still runs and reports zero added chunks.
type Noop struct{}

// Index does nothing.
func (Noop) Index(context.Context, string, string) (int, error) { return 0, nil }

// splitChunks cuts text into rune windows of the given size with the given
// overlap between consecutive windows.
func splitChunks(text string, size, overlap int) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}
	step := size - overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

func tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, field := range strings.Fields(strings.ToLower(text)) {
		token := strings.Trim(field, ".,;:()[]{}'\"`")
		if len(token) > 2 {
			tokens[token] = struct{}{}
		}
	}
	return tokens
}

func overlap(a, b map[string]struct{}) int {
	if len(b) < len(a) {
		a, b = b, a
	}
	n := 0
	for token := range a {
		if _, ok := b[token]; ok {
			n++
		}
	}
	return n
}

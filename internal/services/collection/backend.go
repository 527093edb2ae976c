package collection

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cratekeeper/internal/models"
)

// StaticTokenSource hands out a pre-configured access token. Deployments
// with per-user credentials inject their own TokenSource instead.
type StaticTokenSource struct {
	token string
}

// NewStaticTokenSource wraps a configured token
func NewStaticTokenSource(token string) *StaticTokenSource {
	return &StaticTokenSource{token: token}
}

func (s *StaticTokenSource) AccessToken(ctx context.Context) (string, error) {
	if s.token == "" {
		return "", fmt.Errorf("no remote API token configured")
	}
	return s.token, nil
}

// FileSink persists each collection snapshot as a timestamped JSON document
// in the data directory, where the downstream loader picks it up.
type FileSink struct {
	dir string
}

// NewFileSink creates a snapshot sink rooted at the given directory
func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

type snapshot struct {
	TakenAt time.Time               `json:"taken_at"`
	Count   int                     `json:"count"`
	Items   []models.CollectionItem `json:"items"`
}

func (s *FileSink) SaveCollection(ctx context.Context, items []models.CollectionItem) (int, error) {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	now := time.Now().UTC()
	doc := snapshot{TakenAt: now, Count: len(items), Items: items}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	path := filepath.Join(s.dir, fmt.Sprintf("collection_%s.json", now.Format("20060102T150405Z")))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return 0, fmt.Errorf("failed to write snapshot: %w", err)
	}

	return len(items), nil
}

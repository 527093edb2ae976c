package catalog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// StagingGenreDeriver builds the genre staging files from the release records
// the parse stages produced. Genres and styles both become genre records;
// styles carry their parent genre as a qualifier downstream, which is not
// modeled here.
type StagingGenreDeriver struct {
	dataDir string
}

// NewStagingGenreDeriver creates a genre deriver rooted at the data directory
func NewStagingGenreDeriver(dataDir string) *StagingGenreDeriver {
	return &StagingGenreDeriver{dataDir: dataDir}
}

type genreRecord struct {
	Name string `json:"name"`
}

type releaseGenreRecord struct {
	ReleaseID int64  `json:"release_id"`
	Genre     string `json:"genre"`
}

// DeriveGenres collects the distinct genre and style names across all parsed
// releases into genres.jsonl, returning the number of genre records written.
func (g *StagingGenreDeriver) DeriveGenres(ctx context.Context, subjectKey string) (int, error) {
	seen := map[string]struct{}{}

	err := g.eachRelease(ctx, subjectKey, func(rel *releaseRecord) error {
		for _, name := range rel.Genres {
			seen[name] = struct{}{}
		}
		for _, name := range rel.Styles {
			seen[name] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	out, err := g.createStagingFile(subjectKey, "genres.jsonl")
	if err != nil {
		return 0, err
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	enc := json.NewEncoder(w)
	for _, name := range names {
		if err := enc.Encode(genreRecord{Name: name}); err != nil {
			return 0, fmt.Errorf("failed to write genre record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush genres file: %w", err)
	}

	return len(names), nil
}

// LinkReleaseGenres writes one association record per (release, genre) pair
// into release_genres.jsonl, returning the association count.
func (g *StagingGenreDeriver) LinkReleaseGenres(ctx context.Context, subjectKey string) (int, error) {
	out, err := g.createStagingFile(subjectKey, "release_genres.jsonl")
	if err != nil {
		return 0, err
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	enc := json.NewEncoder(w)
	count := 0

	err = g.eachRelease(ctx, subjectKey, func(rel *releaseRecord) error {
		for _, name := range append(append([]string{}, rel.Genres...), rel.Styles...) {
			if err := enc.Encode(releaseGenreRecord{ReleaseID: rel.ID, Genre: name}); err != nil {
				return fmt.Errorf("failed to write association record: %w", err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if err := w.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush associations file: %w", err)
	}
	return count, nil
}

func (g *StagingGenreDeriver) stagingDir(subjectKey string) string {
	return filepath.Join(g.dataDir, subjectKey, stagingDirName)
}

func (g *StagingGenreDeriver) createStagingFile(subjectKey, name string) (*os.File, error) {
	f, err := os.Create(filepath.Join(g.stagingDir(subjectKey), name))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", name, err)
	}
	return f, nil
}

// eachRelease streams releases.jsonl record by record
func (g *StagingGenreDeriver) eachRelease(ctx context.Context, subjectKey string, fn func(*releaseRecord) error) error {
	f, err := os.Open(filepath.Join(g.stagingDir(subjectKey), "releases.jsonl"))
	if err != nil {
		return fmt.Errorf("failed to open parsed releases: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line++
		var rel releaseRecord
		if err := json.Unmarshal(scanner.Bytes(), &rel); err != nil {
			return fmt.Errorf("malformed release record at line %d: %w", line, err)
		}
		if err := fn(&rel); err != nil {
			return err
		}
	}
	return scanner.Err()
}

package catalog

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// stagingDirName is created next to the downloaded dump files
const stagingDirName = "staging"

// artistRecord is the subset of an artist dump entry we normalize
type artistRecord struct {
	ID   int64  `xml:"id" json:"id"`
	Name string `xml:"name" json:"name"`
}

// labelRecord is the subset of a label dump entry we normalize
type labelRecord struct {
	ID   int64  `xml:"id" json:"id"`
	Name string `xml:"name" json:"name"`
}

// releaseRecord is the subset of a release dump entry we normalize
type releaseRecord struct {
	ID     int64    `xml:"id,attr" json:"id"`
	Title  string   `xml:"title" json:"title"`
	Genres []string `xml:"genres>genre" json:"genres,omitempty"`
	Styles []string `xml:"styles>style" json:"styles,omitempty"`
}

// FileParser normalizes gzipped XML dump files into line-delimited JSON
// staging files, one record per line, for the downstream relational loader.
type FileParser struct{}

// NewFileParser creates a dump file parser
func NewFileParser() *FileParser {
	return &FileParser{}
}

// ParseArtists normalizes the artists dump, returning the record count
func (p *FileParser) ParseArtists(ctx context.Context, path string) (int, error) {
	return parseDump(ctx, path, "artist", "artists.jsonl", func() any { return &artistRecord{} })
}

// ParseLabels normalizes the labels dump, returning the record count
func (p *FileParser) ParseLabels(ctx context.Context, path string) (int, error) {
	return parseDump(ctx, path, "label", "labels.jsonl", func() any { return &labelRecord{} })
}

// ParseReleases normalizes the releases dump, returning the record count
func (p *FileParser) ParseReleases(ctx context.Context, path string) (int, error) {
	return parseDump(ctx, path, "release", "releases.jsonl", func() any { return &releaseRecord{} })
}

// parseDump streams one dump file element by element so memory stays flat
// regardless of dump size.
func parseDump(ctx context.Context, path, element, outName string, newRecord func() any) (int, error) {
	in, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open dump file: %w", err)
	}
	defer in.Close()

	gz, err := gzip.NewReader(bufio.NewReader(in))
	if err != nil {
		return 0, fmt.Errorf("failed to read gzip stream: %w", err)
	}
	defer gz.Close()

	stagingDir := filepath.Join(filepath.Dir(path), stagingDirName)
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create staging directory: %w", err)
	}

	outPath := filepath.Join(stagingDir, outName)
	out, err := os.Create(outPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create staging file: %w", err)
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	enc := json.NewEncoder(w)
	dec := xml.NewDecoder(gz)

	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return count, fmt.Errorf("malformed dump at record %d: %w", count, err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != element {
			continue
		}

		rec := newRecord()
		if err := dec.DecodeElement(rec, &start); err != nil {
			return count, fmt.Errorf("failed to decode %s record %d: %w", element, count, err)
		}
		if err := enc.Encode(rec); err != nil {
			return count, fmt.Errorf("failed to write staging record: %w", err)
		}
		count++
	}

	if err := w.Flush(); err != nil {
		return count, fmt.Errorf("failed to flush staging file: %w", err)
	}
	return count, nil
}

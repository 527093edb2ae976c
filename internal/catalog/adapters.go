package catalog

import "context"

// ProgressFunc reports download progress to observers.
// Called repeatedly while a dump file streams down: (bytes so far, total bytes).
type ProgressFunc func(downloaded, total int64)

// DumpSet points at the downloaded dump files for one month
type DumpSet struct {
	ArtistsPath  string
	LabelsPath   string
	ReleasesPath string
}

// Downloader fetches the monthly catalog dump for a subject key.
// Implementations own their timeout policy.
type Downloader interface {
	FetchDump(ctx context.Context, subjectKey string, progress ProgressFunc) (*DumpSet, error)
}

// Parser normalizes one dump file into the relational store, returning the
// number of records written.
type Parser interface {
	ParseArtists(ctx context.Context, path string) (int, error)
	ParseLabels(ctx context.Context, path string) (int, error)
	ParseReleases(ctx context.Context, path string) (int, error)
}

// GenreDeriver builds genre records and their release associations from the
// rows the parser stages produced.
type GenreDeriver interface {
	DeriveGenres(ctx context.Context, subjectKey string) (int, error)
	LinkReleaseGenres(ctx context.Context, subjectKey string) (int, error)
}

package catalog

import (
	"context"
	"fmt"

	"cratekeeper/internal/broadcast"
	"cratekeeper/internal/pipeline"
)

// Stage names of the monthly catalog import, in execution order
const (
	StageFetchDump                = "fetch_dump"
	StageParseArtists             = "parse_artists"
	StageParseLabels              = "parse_labels"
	StageParseReleases            = "parse_releases"
	StageGenreRecords             = "genre_records"
	StageReleaseGenreAssociations = "release_genre_associations"
)

// Stat keys the fetch stage records so parse stages can locate the files
const (
	statArtistsPath  = "artists_path"
	statLabelsPath   = "labels_path"
	statReleasesPath = "releases_path"
)

// BuildRegistry assembles the six-stage monthly import pipeline around the
// injected adapters. The registry is immutable once built.
func BuildRegistry(dl Downloader, parser Parser, genres GenreDeriver, bus broadcast.Publisher) (*pipeline.Registry, error) {
	if bus == nil {
		bus = broadcast.NopPublisher{}
	}

	return pipeline.NewRegistry(
		pipeline.Stage{
			Name: StageFetchDump,
			Handler: func(ctx context.Context, rc *pipeline.RunContext) (pipeline.Stats, error) {
				var lastDownloaded, lastTotal int64
				set, err := dl.FetchDump(ctx, rc.SubjectKey, func(downloaded, total int64) {
					lastDownloaded, lastTotal = downloaded, total
					bus.Publish(broadcast.Event{
						Event: broadcast.EventDownloadProgress,
						Payload: broadcast.Payload{
							Stage: StageFetchDump,
							Stats: map[string]any{
								"downloaded": downloaded,
								"total":      total,
								"percentage": percentage(downloaded, total),
							},
						},
					})
				})
				if err != nil {
					return nil, err
				}
				return pipeline.Stats{
					statArtistsPath:  set.ArtistsPath,
					statLabelsPath:   set.LabelsPath,
					statReleasesPath: set.ReleasesPath,
					"downloaded":     lastDownloaded,
					"total":          lastTotal,
				}, nil
			},
		},
		parseStage(StageParseArtists, statArtistsPath, parser.ParseArtists),
		parseStage(StageParseLabels, statLabelsPath, parser.ParseLabels),
		parseStage(StageParseReleases, statReleasesPath, parser.ParseReleases),
		pipeline.Stage{
			Name:      StageGenreRecords,
			DependsOn: []string{StageParseReleases},
			Handler: func(ctx context.Context, rc *pipeline.RunContext) (pipeline.Stats, error) {
				count, err := genres.DeriveGenres(ctx, rc.SubjectKey)
				if err != nil {
					return nil, err
				}
				return pipeline.Stats{"count": count}, nil
			},
		},
		pipeline.Stage{
			Name:      StageReleaseGenreAssociations,
			DependsOn: []string{StageGenreRecords},
			Handler: func(ctx context.Context, rc *pipeline.RunContext) (pipeline.Stats, error) {
				count, err := genres.LinkReleaseGenres(ctx, rc.SubjectKey)
				if err != nil {
					return nil, err
				}
				return pipeline.Stats{"count": count}, nil
			},
		},
	)
}

// parseStage builds one dump-file parse stage. The file path comes from the
// fetch stage's recorded stats, so a resumed run can parse without
// re-downloading.
func parseStage(name, pathStat string, parse func(context.Context, string) (int, error)) pipeline.Stage {
	return pipeline.Stage{
		Name:      name,
		DependsOn: []string{StageFetchDump},
		Handler: func(ctx context.Context, rc *pipeline.RunContext) (pipeline.Stats, error) {
			fetchStats := rc.StageStats[StageFetchDump]
			path, _ := fetchStats[pathStat].(string)
			if path == "" {
				return nil, fmt.Errorf("no %s recorded by %s stage", pathStat, StageFetchDump)
			}
			count, err := parse(ctx, path)
			if err != nil {
				return nil, err
			}
			return pipeline.Stats{"count": count, "path": path}, nil
		},
	}
}

func percentage(downloaded, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(downloaded) / float64(total) * 100
}

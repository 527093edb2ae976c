package scheduler

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"cratekeeper/internal/models"
	"cratekeeper/internal/pipeline"
	"cratekeeper/internal/services/collection"
)

type fakeRunner struct {
	subjects []string
}

func (f *fakeRunner) Run(ctx context.Context, subjectKey string) (*pipeline.RunResult, error) {
	f.subjects = append(f.subjects, subjectKey)
	return &pipeline.RunResult{SubjectKey: subjectKey, Status: models.RunStatusCompleted}, nil
}

type fakeSyncer struct {
	started int
}

func (f *fakeSyncer) Start(ctx context.Context, cb collection.Callbacks) {
	f.started++
}

func newTestService(t *testing.T) (*Service, *fakeRunner, *fakeSyncer) {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.ScheduledJob{}))

	runner := &fakeRunner{}
	syncer := &fakeSyncer{}
	svc := NewService(db, context.Background(), runner, syncer, log.New(io.Discard))
	return svc, runner, syncer
}

func TestNormalizeCron(t *testing.T) {
	t.Run("Should convert 5-field to 6-field cron", func(t *testing.T) {
		tests := []struct {
			name     string
			input    string
			expected string
		}{
			{
				name:     "Monthly import on the 2nd at 3 AM",
				input:    "0 3 2 * *",
				expected: "0 0 3 2 * *",
			},
			{
				name:     "Daily at 2 AM",
				input:    "0 2 * * *",
				expected: "0 0 2 * * *",
			},
			{
				name:     "Every 15 minutes",
				input:    "*/15 * * * *",
				expected: "0 */15 * * * *",
			},
			{
				name:     "Every Monday at 9 AM",
				input:    "0 9 * * 1",
				expected: "0 0 9 * * 1",
			},
			{
				name:     "First day of month at midnight",
				input:    "0 0 1 * *",
				expected: "0 0 0 1 * *",
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				result, err := normalizeCron(tt.input)
				require.NoError(t, err)
				assert.Equal(t, tt.expected, result)
			})
		}
	})

	t.Run("Should keep 6-field cron unchanged", func(t *testing.T) {
		tests := []string{
			"0 0 2 * * *",
			"0 */15 * * * *",
			"30 0 2 * * 1",
		}

		for _, input := range tests {
			result, err := normalizeCron(input)
			require.NoError(t, err)
			assert.Equal(t, input, result)
		}
	})

	t.Run("Should fail with invalid field count", func(t *testing.T) {
		tests := []struct {
			name  string
			input string
		}{
			{name: "Too few fields (4)", input: "0 2 * *"},
			{name: "Too many fields (7)", input: "0 0 2 * * * 2025"},
			{name: "Empty string", input: ""},
			{name: "Single field", input: "*"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := normalizeCron(tt.input)
				assert.Error(t, err)
				assert.Contains(t, err.Error(), "invalid cron expression")
			})
		}
	})
}

func TestPreviousMonth(t *testing.T) {
	tests := []struct {
		now      string
		expected string
	}{
		{"2024-03-02", "2024-02"},
		{"2024-03-31", "2024-02"},
		{"2024-01-15", "2023-12"},
		{"2024-12-01", "2024-11"},
	}

	for _, tt := range tests {
		t.Run(tt.now, func(t *testing.T) {
			now, err := time.Parse("2006-01-02", tt.now)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, previousMonth(now))
		})
	}
}

func TestUpsertJob(t *testing.T) {
	t.Run("Should create a job and normalize its cron", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		id, err := svc.UpsertJob(UpsertJobRequest{
			Name:    "monthly-catalog-import",
			JobType: models.JobTypeCatalogImport,
			Cron:    "0 3 2 * *",
			Enabled: true,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		jobs, err := svc.ListJobs()
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, "0 0 3 2 * *", jobs[0].Cron)
		assert.Equal(t, models.JobTypeCatalogImport, jobs[0].JobType)
		assert.NotNil(t, jobs[0].NextRun)
	})

	t.Run("Should update an existing job by name", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		first, err := svc.UpsertJob(UpsertJobRequest{
			Name:    "collection-sync",
			JobType: models.JobTypeCollectionSync,
			Cron:    "0 2 * * *",
			Enabled: true,
		})
		require.NoError(t, err)

		second, err := svc.UpsertJob(UpsertJobRequest{
			Name:    "collection-sync",
			JobType: models.JobTypeCollectionSync,
			Cron:    "0 4 * * *",
			Enabled: false,
		})
		require.NoError(t, err)
		assert.Equal(t, first, second)

		jobs, err := svc.ListJobs()
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, "0 0 4 * * *", jobs[0].Cron)
		assert.False(t, jobs[0].Enabled)
	})

	t.Run("Should reject missing required fields", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		_, err := svc.UpsertJob(UpsertJobRequest{Name: "x"})
		assert.Error(t, err)
	})

	t.Run("Should reject an unknown job type", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		_, err := svc.UpsertJob(UpsertJobRequest{
			Name:    "x",
			JobType: "mystery",
			Cron:    "0 2 * * *",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown job type")
	})
}

func TestDeleteJob(t *testing.T) {
	svc, _, _ := newTestService(t)

	id, err := svc.UpsertJob(UpsertJobRequest{
		Name:    "monthly-catalog-import",
		JobType: models.JobTypeCatalogImport,
		Cron:    "0 3 2 * *",
		Enabled: true,
	})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteJob(id))

	jobs, err := svc.ListJobs()
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestExecuteJob(t *testing.T) {
	t.Run("Should run an import for the configured subject", func(t *testing.T) {
		svc, runner, _ := newTestService(t)

		id, err := svc.UpsertJob(UpsertJobRequest{
			Name:    "backfill",
			JobType: models.JobTypeCatalogImport,
			Cron:    "0 3 2 * *",
			Enabled: true,
			Payload: ImportJobPayload{SubjectKey: "2024-03"},
		})
		require.NoError(t, err)

		svc.executeJob(id)
		assert.Equal(t, []string{"2024-03"}, runner.subjects)
	})

	t.Run("Should default the subject to the previous month", func(t *testing.T) {
		svc, runner, _ := newTestService(t)

		id, err := svc.UpsertJob(UpsertJobRequest{
			Name:    "monthly-catalog-import",
			JobType: models.JobTypeCatalogImport,
			Cron:    "0 3 2 * *",
			Enabled: true,
		})
		require.NoError(t, err)

		svc.executeJob(id)
		require.Len(t, runner.subjects, 1)
		assert.Equal(t, previousMonth(time.Now()), runner.subjects[0])
	})

	t.Run("Should start a collection sync", func(t *testing.T) {
		svc, _, syncer := newTestService(t)

		id, err := svc.UpsertJob(UpsertJobRequest{
			Name:    "collection-sync",
			JobType: models.JobTypeCollectionSync,
			Cron:    "0 2 * * *",
			Enabled: true,
		})
		require.NoError(t, err)

		svc.executeJob(id)
		assert.Equal(t, 1, syncer.started)
	})
}

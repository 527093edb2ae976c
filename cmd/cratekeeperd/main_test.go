package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"cratekeeper/internal/models"
	"cratekeeper/internal/pipeline"
	"cratekeeper/internal/runstore"
	"cratekeeper/internal/services/admin"
	"cratekeeper/internal/services/collection"
)

type stubTokens struct{}

func (stubTokens) AccessToken(ctx context.Context) (string, error) { return "tok", nil }

type stubFetcher struct{}

func (stubFetcher) FetchCollection(ctx context.Context, token string) ([]models.CollectionItem, error) {
	return nil, nil
}

type stubSink struct{}

func (stubSink) SaveCollection(ctx context.Context, items []models.CollectionItem) (int, error) {
	return len(items), nil
}

func newTestMux(t *testing.T) (*http.ServeMux, *runstore.Store) {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.ProcessingRun{}))

	noop := func(ctx context.Context, rc *pipeline.RunContext) (pipeline.Stats, error) {
		return pipeline.Stats{}, nil
	}
	registry, err := pipeline.NewRegistry(
		pipeline.Stage{Name: "fetch", Handler: noop},
		pipeline.Stage{Name: "parse", DependsOn: []string{"fetch"}, Handler: noop},
	)
	require.NoError(t, err)

	testLogger := log.New(io.Discard)
	store := runstore.NewStore(db)
	orch := pipeline.NewOrchestrator(store, registry, nil, testLogger)
	adminSvc := admin.NewService(store, registry, orch, testLogger)
	syncer := collection.NewSyncer(stubTokens{}, stubFetcher{}, stubSink{}, testLogger)

	mux := http.NewServeMux()
	registerAdminRoutes(mux, context.Background(), adminSvc, syncer, testLogger)
	return mux, store
}

func TestTriggerRunRoute(t *testing.T) {
	t.Run("Should accept a trigger for an idle subject", func(t *testing.T) {
		mux, _ := newTestMux(t)

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("POST", "/admin/runs/2024-03", nil))

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Contains(t, rec.Body.String(), "2024-03")
	})

	t.Run("Should answer 409 while a run for the subject is processing", func(t *testing.T) {
		mux, store := newTestMux(t)

		run, err := store.GetOrCreate("2024-03", []string{"fetch", "parse"})
		require.NoError(t, err)
		_, err = store.Claim(run.ID)
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("POST", "/admin/runs/2024-03", nil))

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Body.String(), "already processing")
	})
}

func TestGetRunRoute(t *testing.T) {
	t.Run("Should answer 404 for an unknown subject", func(t *testing.T) {
		mux, _ := newTestMux(t)

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", "/admin/runs/1999-01", nil))

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("Should return the run record", func(t *testing.T) {
		mux, store := newTestMux(t)

		_, err := store.GetOrCreate("2024-03", []string{"fetch", "parse"})
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", "/admin/runs/2024-03", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"subject_key":"2024-03"`)
	})
}

func TestSyncStatusRoute(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/admin/sync", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stage":"idle"`)
}

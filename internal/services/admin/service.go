package admin

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"cratekeeper/internal/models"
	"cratekeeper/internal/pipeline"
	"cratekeeper/internal/runstore"
)

// Service exposes the operator-facing operations: starting an import run,
// reopening stages for reprocessing, and inspecting run state.
type Service struct {
	store        *runstore.Store
	registry     *pipeline.Registry
	orchestrator *pipeline.Orchestrator
	logger       *log.Logger
}

// NewService creates the admin service
func NewService(store *runstore.Store, registry *pipeline.Registry, orchestrator *pipeline.Orchestrator, logger *log.Logger) *Service {
	return &Service{
		store:        store,
		registry:     registry,
		orchestrator: orchestrator,
		logger:       logger,
	}
}

// StartRun executes the import pipeline for a subject key. Returns
// ConflictError when a run for the subject is already processing.
func (s *Service) StartRun(ctx context.Context, subjectKey string) (*pipeline.RunResult, error) {
	if subjectKey == "" {
		return nil, fmt.Errorf("subject key is required")
	}
	s.logger.Info("operator started run", "subject", subjectKey)
	return s.orchestrator.Run(ctx, subjectKey)
}

// GetRun returns the durable run record for a subject key
func (s *Service) GetRun(subjectKey string) (*models.ProcessingRun, error) {
	return s.store.GetBySubject(subjectKey)
}

// ReopenStages marks the named stages incomplete for reprocessing. The
// requested set cascades: every stage registered after the earliest
// requested one is reopened too, since later stages consume earlier output.
// Returns the updated stage map for verification.
func (s *Service) ReopenStages(subjectKey string, stageNames []string) (models.StageStateMap, error) {
	if len(stageNames) == 0 {
		return nil, fmt.Errorf("at least one stage name is required")
	}

	expanded := make(map[string]struct{})
	for _, name := range stageNames {
		cascade, err := s.registry.NamesFrom(name)
		if err != nil {
			return nil, err
		}
		for _, n := range cascade {
			expanded[n] = struct{}{}
		}
	}

	// Preserve registration order in the list handed to the store
	ordered := make([]string, 0, len(expanded))
	for _, name := range s.registry.Names() {
		if _, ok := expanded[name]; ok {
			ordered = append(ordered, name)
		}
	}

	updated, err := s.resetStages(subjectKey, ordered)
	if err != nil {
		return nil, err
	}

	s.logger.Info("stages reopened", "subject", subjectKey, "stages", ordered)
	return updated, nil
}

// ResetStages is the surgical maintenance variant: it flips exactly the
// named stages to incomplete with no cascade, leaving all other stages and
// their stats untouched.
func (s *Service) ResetStages(subjectKey string, stageNames []string) (models.StageStateMap, error) {
	if len(stageNames) == 0 {
		return nil, fmt.Errorf("at least one stage name is required")
	}
	for _, name := range stageNames {
		if !s.registry.Contains(name) {
			return nil, fmt.Errorf("unknown stage %q", name)
		}
	}
	return s.resetStages(subjectKey, stageNames)
}

func (s *Service) resetStages(subjectKey string, stageNames []string) (models.StageStateMap, error) {
	run, err := s.store.GetBySubject(subjectKey)
	if err != nil {
		return nil, err
	}
	return s.store.ReopenStages(run.ID, stageNames)
}

package pipeline

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"cratekeeper/internal/broadcast"
	"cratekeeper/internal/models"
)

// StageExecutionError reports a stage handler failure. The run halts at the
// failing stage; everything completed before it stays complete.
type StageExecutionError struct {
	Stage string
	Err   error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage %q failed: %v", e.Stage, e.Err)
}

func (e *StageExecutionError) Unwrap() error {
	return e.Err
}

// RunStore is the subset of the run record store the orchestrator needs
type RunStore interface {
	GetOrCreate(subjectKey string, stageNames []string) (*models.ProcessingRun, error)
	Claim(runID string) (*models.ProcessingRun, error)
	MarkStageComplete(runID, stageName string, stats map[string]any) error
	MarkStageFailed(runID, stageName, errMsg string) error
	Finalize(runID string) error
	GetByID(runID string) (*models.ProcessingRun, error)
}

// RunResult summarizes one orchestrator invocation
type RunResult struct {
	RunID         string   `json:"run_id"`
	SubjectKey    string   `json:"subject_key"`
	Status        string   `json:"status"`
	StagesRun     []string `json:"stages_run"`
	StagesSkipped []string `json:"stages_skipped"`
}

// Orchestrator executes the registered stages for a subject key strictly in
// registration order, skipping stages the durable run record already shows
// complete and persisting completion after each stage.
type Orchestrator struct {
	store    RunStore
	registry *Registry
	bus      broadcast.Publisher
	logger   *log.Logger
}

// NewOrchestrator wires the orchestrator to its collaborators
func NewOrchestrator(store RunStore, registry *Registry, bus broadcast.Publisher, logger *log.Logger) *Orchestrator {
	if bus == nil {
		bus = broadcast.NopPublisher{}
	}
	return &Orchestrator{
		store:    store,
		registry: registry,
		bus:      bus,
		logger:   logger,
	}
}

// Run executes all pending stages for subjectKey. A second concurrent call
// for the same subject fails with ConflictError; the caller retries later.
func (o *Orchestrator) Run(ctx context.Context, subjectKey string) (*RunResult, error) {
	run, err := o.store.GetOrCreate(subjectKey, o.registry.Names())
	if err != nil {
		return nil, err
	}

	run, err = o.store.Claim(run.ID)
	if err != nil {
		return nil, err
	}

	o.logger.Info("run started", "subject", subjectKey, "run_id", run.ID)

	rc := &RunContext{
		RunID:      run.ID,
		SubjectKey: subjectKey,
		StageStats: make(map[string]Stats),
	}

	result := &RunResult{RunID: run.ID, SubjectKey: subjectKey}

	for _, stage := range o.registry.Stages() {
		if st, ok := run.StageState[stage.Name]; ok && st.Completed {
			// Already done in a previous attempt; no side effects
			rc.StageStats[stage.Name] = Stats(st.Stats)
			result.StagesSkipped = append(result.StagesSkipped, stage.Name)
			o.logger.Debug("stage skipped", "subject", subjectKey, "stage", stage.Name)
			continue
		}

		o.logger.Info("stage starting", "subject", subjectKey, "stage", stage.Name)

		stats, err := stage.Handler(ctx, rc)
		if err != nil {
			if markErr := o.store.MarkStageFailed(run.ID, stage.Name, err.Error()); markErr != nil {
				o.logger.Error("failed to record stage failure", "stage", stage.Name, "err", markErr)
			}
			o.bus.Publish(broadcast.Event{
				Event: broadcast.EventProcessingProgress,
				Payload: broadcast.Payload{
					Stage:   stage.Name,
					Message: err.Error(),
				},
			})
			o.logger.Error("stage failed", "subject", subjectKey, "stage", stage.Name, "err", err)
			result.Status = models.RunStatusFailed
			return result, &StageExecutionError{Stage: stage.Name, Err: err}
		}

		if err := o.store.MarkStageComplete(run.ID, stage.Name, stats); err != nil {
			return nil, fmt.Errorf("failed to mark stage %q complete: %w", stage.Name, err)
		}
		rc.StageStats[stage.Name] = stats
		result.StagesRun = append(result.StagesRun, stage.Name)

		o.bus.Publish(broadcast.Event{
			Event: broadcast.EventProcessingProgress,
			Payload: broadcast.Payload{
				Stage: stage.Name,
				Stats: stats,
			},
		})
		o.logger.Info("stage completed", "subject", subjectKey, "stage", stage.Name)
	}

	if err := o.store.Finalize(run.ID); err != nil {
		return nil, fmt.Errorf("failed to finalize run: %w", err)
	}

	final, err := o.store.GetByID(run.ID)
	if err != nil {
		return nil, err
	}
	result.Status = final.Status

	o.logger.Info("run finished", "subject", subjectKey, "status", final.Status)
	return result, nil
}

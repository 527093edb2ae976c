package runstore

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"cratekeeper/internal/models"
)

// Store persists processing runs and their per-stage completion state.
// One durable row exists per subject key; all mutation goes through the
// store's short transactional operations so no lock is ever held for the
// duration of external stage work.
type Store struct {
	db *gorm.DB
}

// NewStore creates a run record store backed by the given database
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// GetOrCreate returns the run for subjectKey, creating one with every stage
// marked incomplete if none exists. It fails with ConflictError when the
// existing run is already processing. Creation races are resolved by the
// unique index on subject_key: the loser of the race re-reads the winner's row.
func (s *Store) GetOrCreate(subjectKey string, stageNames []string) (*models.ProcessingRun, error) {
	run, err := s.GetBySubject(subjectKey)
	if err == nil {
		if run.Status == models.RunStatusProcessing {
			return nil, &ConflictError{SubjectKey: subjectKey}
		}
		return run, nil
	}
	var nfe *NotFoundError
	if !errors.As(err, &nfe) {
		return nil, err
	}

	stageState := make(models.StageStateMap, len(stageNames))
	for _, name := range stageNames {
		stageState[name] = models.StageStatus{}
	}

	run = &models.ProcessingRun{
		SubjectKey: subjectKey,
		Status:     models.RunStatusPending,
		StageState: stageState,
	}

	if err := s.db.Create(run).Error; err != nil {
		// Someone else created the row between our read and write
		existing, getErr := s.GetBySubject(subjectKey)
		if getErr != nil {
			return nil, fmt.Errorf("failed to create run: %w", err)
		}
		if existing.Status == models.RunStatusProcessing {
			return nil, &ConflictError{SubjectKey: subjectKey}
		}
		return existing, nil
	}

	return run, nil
}

// Claim atomically transitions a run to processing status. Exactly one of
// any number of concurrent claimants succeeds; the rest get ConflictError.
func (s *Store) Claim(runID string) (*models.ProcessingRun, error) {
	res := s.db.Model(&models.ProcessingRun{}).
		Where("id = ? AND status <> ?", runID, models.RunStatusProcessing).
		Update("status", models.RunStatusProcessing)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to claim run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		run, err := s.GetByID(runID)
		if err != nil {
			return nil, err
		}
		return nil, &ConflictError{SubjectKey: run.SubjectKey}
	}

	return s.GetByID(runID)
}

// GetByID loads a run by its primary key
func (s *Store) GetByID(runID string) (*models.ProcessingRun, error) {
	var run models.ProcessingRun
	if err := s.db.First(&run, "id = ?", runID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "run", Key: runID}
		}
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return &run, nil
}

// GetBySubject loads the run for a subject key
func (s *Store) GetBySubject(subjectKey string) (*models.ProcessingRun, error) {
	var run models.ProcessingRun
	if err := s.db.First(&run, "subject_key = ?", subjectKey).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "run", Key: subjectKey}
		}
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return &run, nil
}

// MarkStageComplete records successful completion of a stage with its stats.
// Marking an already-complete stage is a no-op that preserves prior stats.
func (s *Store) MarkStageComplete(runID, stageName string, stats map[string]any) error {
	return s.updateStage(runID, stageName, func(st *models.StageStatus) bool {
		if st.Completed {
			return false
		}
		st.Completed = true
		st.Stats = stats
		st.LastError = ""
		return true
	}, "")
}

// MarkStageFailed records a stage failure and moves the run to failed status.
// The stage stays incomplete so a later run resumes at it.
func (s *Store) MarkStageFailed(runID, stageName, errMsg string) error {
	return s.updateStage(runID, stageName, func(st *models.StageStatus) bool {
		st.LastError = errMsg
		return true
	}, models.RunStatusFailed)
}

// ReopenStages resets the completed flag of exactly the named stages,
// leaving every other stage and all accumulated stats untouched. It returns
// the updated stage map for operator verification.
func (s *Store) ReopenStages(runID string, stageNames []string) (models.StageStateMap, error) {
	var updated models.StageStateMap

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var run models.ProcessingRun
		if err := tx.First(&run, "id = ?", runID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &NotFoundError{Resource: "run", Key: runID}
			}
			return fmt.Errorf("failed to load run: %w", err)
		}

		for _, name := range stageNames {
			st, ok := run.StageState[name]
			if !ok {
				return &NotFoundError{Resource: "stage", Key: name}
			}
			st.Completed = false
			run.StageState[name] = st
		}

		// A reopened run is runnable again. This also recovers a run a
		// crashed process left in processing, which no claim could ever
		// take otherwise.
		if run.Status == models.RunStatusCompleted || run.Status == models.RunStatusProcessing {
			run.Status = models.RunStatusPending
		}

		if err := tx.Model(&run).Updates(map[string]any{
			"stage_state": run.StageState,
			"status":      run.Status,
		}).Error; err != nil {
			return fmt.Errorf("failed to save reopened stages: %w", err)
		}

		updated = run.StageState
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Finalize sets the run to completed only when every stage is complete;
// otherwise it is a no-op.
func (s *Store) Finalize(runID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var run models.ProcessingRun
		if err := tx.First(&run, "id = ?", runID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &NotFoundError{Resource: "run", Key: runID}
			}
			return fmt.Errorf("failed to load run: %w", err)
		}

		if !run.AllStagesComplete() {
			return nil
		}

		if err := tx.Model(&run).Update("status", models.RunStatusCompleted).Error; err != nil {
			return fmt.Errorf("failed to finalize run: %w", err)
		}
		return nil
	})
}

// updateStage applies a mutation to one stage entry inside a short
// transaction. The mutation callback returns false to skip persisting.
func (s *Store) updateStage(runID, stageName string, mutate func(*models.StageStatus) bool, runStatus string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var run models.ProcessingRun
		if err := tx.First(&run, "id = ?", runID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &NotFoundError{Resource: "run", Key: runID}
			}
			return fmt.Errorf("failed to load run: %w", err)
		}

		st, ok := run.StageState[stageName]
		if !ok {
			return &NotFoundError{Resource: "stage", Key: stageName}
		}

		if !mutate(&st) {
			return nil
		}
		run.StageState[stageName] = st

		updates := map[string]any{"stage_state": run.StageState}
		if runStatus != "" {
			updates["status"] = runStatus
		}

		if err := tx.Model(&run).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to save stage state: %w", err)
		}
		return nil
	})
}

package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"cratekeeper/internal/models"
	"cratekeeper/internal/pipeline"
	"cratekeeper/internal/runstore"
	"cratekeeper/internal/services/collection"
)

// ImportRunner starts a catalog import run for a subject key
type ImportRunner interface {
	Run(ctx context.Context, subjectKey string) (*pipeline.RunResult, error)
}

// CollectionSyncer starts a background collection sync
type CollectionSyncer interface {
	Start(ctx context.Context, cb collection.Callbacks)
}

// Service handles scheduled job management and execution
type Service struct {
	db       *gorm.DB
	ctx      context.Context
	cron     *cron.Cron
	jobs     map[string]cron.EntryID // jobID -> cron entry ID
	jobsMu   sync.RWMutex
	importer ImportRunner
	syncer   CollectionSyncer
	logger   *log.Logger
}

// NewService creates a new scheduler service
func NewService(db *gorm.DB, ctx context.Context, importer ImportRunner, syncer CollectionSyncer, logger *log.Logger) *Service {
	// Create cron scheduler with seconds support
	c := cron.New(cron.WithSeconds())

	return &Service{
		db:       db,
		ctx:      ctx,
		cron:     c,
		jobs:     make(map[string]cron.EntryID),
		importer: importer,
		syncer:   syncer,
		logger:   logger,
	}
}

// Start initializes the scheduler and loads enabled jobs from database
func (s *Service) Start() error {
	s.cron.Start()

	var jobs []models.ScheduledJob
	if err := s.db.Where("enabled = ?", true).Find(&jobs).Error; err != nil {
		return fmt.Errorf("failed to load scheduled jobs: %w", err)
	}

	for _, job := range jobs {
		if err := s.scheduleJob(&job); err != nil {
			s.logger.Warn("failed to schedule job", "name", job.Name, "id", job.ID, "err", err)
		} else {
			s.logger.Info("scheduled job", "name", job.Name, "cron", job.Cron)
		}
	}

	s.logger.Info("scheduler started", "enabled_jobs", len(jobs))
	return nil
}

// Stop gracefully stops the scheduler
func (s *Service) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
		s.logger.Info("scheduler stopped")
	}
}

// ListJobs retrieves all scheduled jobs
func (s *Service) ListJobs() ([]JobListResponse, error) {
	var jobs []models.ScheduledJob
	if err := s.db.Order("created_at DESC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	responses := make([]JobListResponse, len(jobs))
	for i, job := range jobs {
		responses[i] = toJobListResponse(&job)
	}

	return responses, nil
}

// UpsertJob creates or updates a scheduled job
func (s *Service) UpsertJob(req UpsertJobRequest) (string, error) {
	if req.Name == "" || req.JobType == "" || req.Cron == "" {
		return "", fmt.Errorf("name, job_type, and cron are required")
	}
	if req.JobType != models.JobTypeCatalogImport && req.JobType != models.JobTypeCollectionSync {
		return "", fmt.Errorf("unknown job type: %s", req.JobType)
	}

	// Normalize and validate cron expression (convert 5-field to 6-field)
	normalizedCron, err := normalizeCron(req.Cron)
	if err != nil {
		return "", err
	}
	req.Cron = normalizedCron

	var job models.ScheduledJob
	result := s.db.Where("name = ?", req.Name).First(&job)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			job = models.ScheduledJob{
				ID:   uuid.New().String(),
				Name: req.Name,
			}
		} else {
			return "", fmt.Errorf("failed to query job: %w", result.Error)
		}
	}

	job.JobType = req.JobType
	job.Cron = req.Cron
	job.Timezone = req.Timezone
	if job.Timezone == "" {
		job.Timezone = "UTC"
	}
	job.Enabled = req.Enabled

	payloadStr := ""
	if req.Payload != nil {
		switch p := req.Payload.(type) {
		case string:
			payloadStr = p
		default:
			data, err := json.Marshal(p)
			if err != nil {
				return "", fmt.Errorf("failed to marshal payload: %w", err)
			}
			payloadStr = string(data)
		}
	}
	job.Payload = payloadStr

	// Calculate next run time (cron parser uses the 6-field format stored in DB)
	schedule, err := cronParser().Parse(job.Cron)
	if err != nil {
		return "", fmt.Errorf("failed to parse cron for next run: %w", err)
	}
	nextRun := schedule.Next(time.Now())
	job.NextRunAt = &nextRun

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		if err := s.db.Create(&job).Error; err != nil {
			return "", fmt.Errorf("failed to create job: %w", err)
		}
	} else {
		if err := s.db.Save(&job).Error; err != nil {
			return "", fmt.Errorf("failed to update job: %w", err)
		}
	}

	if err := s.rescheduleJob(job.ID); err != nil {
		return "", fmt.Errorf("failed to reschedule job: %w", err)
	}

	return job.ID, nil
}

// DeleteJob removes a scheduled job
func (s *Service) DeleteJob(jobID string) error {
	s.jobsMu.Lock()
	if entryID, exists := s.jobs[jobID]; exists {
		s.cron.Remove(entryID)
		delete(s.jobs, jobID)
	}
	s.jobsMu.Unlock()

	if err := s.db.Delete(&models.ScheduledJob{}, "id = ?", jobID).Error; err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	return nil
}

// scheduleJob adds a job to the cron scheduler
func (s *Service) scheduleJob(job *models.ScheduledJob) error {
	if !job.Enabled {
		return nil
	}

	s.jobsMu.Lock()
	if entryID, exists := s.jobs[job.ID]; exists {
		s.cron.Remove(entryID)
	}
	s.jobsMu.Unlock()

	entryID, err := s.cron.AddFunc(job.Cron, func() {
		s.executeJob(job.ID)
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.jobsMu.Lock()
	s.jobs[job.ID] = entryID
	s.jobsMu.Unlock()

	return nil
}

// rescheduleJob reloads a job from database and reschedules it
func (s *Service) rescheduleJob(jobID string) error {
	var job models.ScheduledJob
	if err := s.db.First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Job was deleted, remove from cron
			s.jobsMu.Lock()
			if entryID, exists := s.jobs[jobID]; exists {
				s.cron.Remove(entryID)
				delete(s.jobs, jobID)
			}
			s.jobsMu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to load job: %w", err)
	}

	return s.scheduleJob(&job)
}

// executeJob runs a scheduled job
func (s *Service) executeJob(jobID string) {
	var job models.ScheduledJob
	if err := s.db.First(&job, "id = ?", jobID).Error; err != nil {
		s.logger.Error("failed to load job", "id", jobID, "err", err)
		return
	}

	s.logger.Info("executing scheduled job", "name", job.Name, "type", job.JobType)

	now := time.Now()
	job.LastRunAt = &now

	if schedule, err := cronParser().Parse(job.Cron); err != nil {
		s.logger.Warn("failed to parse cron for next run", "err", err)
	} else {
		nextRun := schedule.Next(now)
		job.NextRunAt = &nextRun
	}

	if err := s.db.Save(&job).Error; err != nil {
		s.logger.Warn("failed to update job run times", "err", err)
	}

	switch job.JobType {
	case models.JobTypeCatalogImport:
		s.runImportJob(&job)
	case models.JobTypeCollectionSync:
		s.runSyncJob()
	default:
		s.logger.Warn("unknown job type", "type", job.JobType)
	}
}

// runImportJob executes a catalog import for the configured or current subject
func (s *Service) runImportJob(job *models.ScheduledJob) {
	var payload ImportJobPayload
	if job.Payload != "" {
		if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
			s.logger.Error("failed to parse import job payload", "err", err)
			return
		}
	}

	subjectKey := payload.SubjectKey
	if subjectKey == "" {
		subjectKey = previousMonth(time.Now())
	}

	result, err := s.importer.Run(s.ctx, subjectKey)
	if err != nil {
		var conflict *runstore.ConflictError
		if errors.As(err, &conflict) {
			// Another trigger already owns this subject; the next tick retries
			s.logger.Warn("import already in progress", "subject", subjectKey)
			return
		}
		s.logger.Error("scheduled import failed", "subject", subjectKey, "err", err)
		return
	}

	s.logger.Info("scheduled import finished",
		"subject", subjectKey, "status", result.Status,
		"run", len(result.StagesRun), "skipped", len(result.StagesSkipped))
}

// runSyncJob kicks off a background collection sync
func (s *Service) runSyncJob() {
	s.syncer.Start(s.ctx, collection.Callbacks{
		OnComplete: func(count int) {
			s.logger.Info("scheduled collection sync completed", "count", count)
		},
		OnError: func(msg string) {
			s.logger.Error("scheduled collection sync failed", "err", msg)
		},
	})
}

// previousMonth computes the subject key for the most recent monthly dump
func previousMonth(now time.Time) string {
	return now.AddDate(0, -1, -now.Day()+1).Format("2006-01")
}

func cronParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// normalizeCron converts 5-field cron to 6-field format by prepending seconds
// 5-field: "minute hour day month dow" (standard cron)
// 6-field: "second minute hour day month dow" (robfig/cron with WithSeconds)
func normalizeCron(cronExpr string) (string, error) {
	cronExpr = strings.TrimSpace(cronExpr)

	fields := strings.Fields(cronExpr)
	if len(fields) == 6 {
		if _, err := cronParser().Parse(cronExpr); err == nil {
			return cronExpr, nil // Valid 6-field expression
		}
	}

	if len(fields) == 5 {
		if _, err := cron.ParseStandard(cronExpr); err != nil {
			return "", fmt.Errorf("invalid 5-field cron expression: %w", err)
		}
		// Prepend seconds (0 = run at 0 seconds of the minute)
		return "0 " + cronExpr, nil
	}

	return "", fmt.Errorf("invalid cron expression: expected 5 or 6 fields, got %d", len(fields))
}

func toJobListResponse(job *models.ScheduledJob) JobListResponse {
	resp := JobListResponse{
		ID:        job.ID,
		Name:      job.Name,
		JobType:   job.JobType,
		Cron:      job.Cron,
		Timezone:  job.Timezone,
		Enabled:   job.Enabled,
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
		UpdatedAt: job.UpdatedAt.Format(time.RFC3339),
	}

	if job.LastRunAt != nil {
		lastRun := job.LastRunAt.Format(time.RFC3339)
		resp.LastRunAt = &lastRun
	}

	if job.NextRunAt != nil {
		nextRun := job.NextRunAt.Format(time.RFC3339)
		resp.NextRun = &nextRun
	}

	return resp
}

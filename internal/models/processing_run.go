package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Run statuses
const (
	RunStatusPending    = "pending"
	RunStatusProcessing = "processing"
	RunStatusCompleted  = "completed"
	RunStatusFailed     = "failed"
)

// StageStateSchemaVersion is the current on-disk schema of the stage state document
const StageStateSchemaVersion = 1

// StageStatus tracks completion of a single pipeline stage within a run
type StageStatus struct {
	Completed bool           `json:"completed"`
	Stats     map[string]any `json:"stats,omitempty"`
	LastError string         `json:"lastError,omitempty"`
}

// StageStateMap maps stage name -> completion state. It is persisted as a
// versioned JSON document in a text column.
type StageStateMap map[string]StageStatus

// stageStateDoc is the serialized envelope; the version field lets future
// schema changes migrate old rows on read.
type stageStateDoc struct {
	SchemaVersion int                    `json:"schemaVersion"`
	Stages        map[string]StageStatus `json:"stages"`
}

// Value implements driver.Valuer for GORM serialization
func (m StageStateMap) Value() (driver.Value, error) {
	doc := stageStateDoc{
		SchemaVersion: StageStateSchemaVersion,
		Stages:        m,
	}
	if doc.Stages == nil {
		doc.Stages = map[string]StageStatus{}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stage state: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner for GORM deserialization
func (m *StageStateMap) Scan(src any) error {
	if src == nil {
		*m = StageStateMap{}
		return nil
	}

	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported stage state column type %T", src)
	}

	if len(data) == 0 {
		*m = StageStateMap{}
		return nil
	}

	var doc stageStateDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to unmarshal stage state: %w", err)
	}
	if doc.Stages == nil {
		doc.Stages = map[string]StageStatus{}
	}
	*m = doc.Stages
	return nil
}

// ProcessingRun is the durable record of one catalog import execution.
// There is exactly one row per subject key (a year-month like "2024-03").
type ProcessingRun struct {
	ID         string        `gorm:"primaryKey" json:"id"`
	SubjectKey string        `gorm:"uniqueIndex;not null;column:subject_key" json:"subject_key"`
	Status     string        `gorm:"not null;default:pending" json:"status"`
	StageState StageStateMap `gorm:"type:text" json:"stage_state"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// BeforeCreate hook to generate UUID before creating record
func (pr *ProcessingRun) BeforeCreate(tx *gorm.DB) error {
	if pr.ID == "" {
		pr.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (ProcessingRun) TableName() string {
	return "processing_runs"
}

// AllStagesComplete reports whether every tracked stage has completed
func (pr *ProcessingRun) AllStagesComplete() bool {
	if len(pr.StageState) == 0 {
		return false
	}
	for _, st := range pr.StageState {
		if !st.Completed {
			return false
		}
	}
	return true
}

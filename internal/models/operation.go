package models

import "time"

// Operation tracks one long-running ingestion pipeline run. Rows are
// append-only: an operation is created STARTED, mutated by the orchestrator
// as phases advance, and never deleted once terminal.
type Operation struct {
	ID              uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	OperationType   string     `gorm:"size:48;not null;index" json:"operationType"`
	CurrentStatus   string     `gorm:"size:32;not null;default:STARTED" json:"currentStatus"`
	ProgressDetails string     `gorm:"type:text" json:"progressDetails"`
	LastIndexJobID  string     `gorm:"size:128" json:"lastIndexJobId"`
	ErrorMessage    string     `gorm:"type:text" json:"errorMessage"`
	StartedAt       time.Time  `json:"startedAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	EndedAt         *time.Time `json:"endedAt"`
}

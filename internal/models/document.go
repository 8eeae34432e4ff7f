package models

import "time"

// Document is one file tracked in the knowledge base. The ingestion status
// correlates with, but is distinct from, operation statuses: pipelines set
// it before submitting to the indexer and resolve it afterwards.
type Document struct {
	ID              string     `gorm:"primaryKey;size:64" json:"id"`
	FileName        string     `gorm:"not null" json:"fileName"`
	SourcePath      string     `gorm:"size:1024" json:"sourcePath"`
	SourceETag      string     `gorm:"size:128" json:"sourceEtag"`
	ObjectKey       string     `gorm:"size:1024;index" json:"objectKey"`
	SizeBytes       int64      `json:"sizeBytes"`
	ContentType     string     `gorm:"size:128" json:"contentType"`
	IngestionStatus string     `gorm:"size:32;not null;default:NEW;index" json:"ingestionStatus"`
	LastError       string     `gorm:"type:text" json:"lastError"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	IndexedAt       *time.Time `json:"indexedAt"`
}

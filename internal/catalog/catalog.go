// Package catalog persists per-document bookkeeping for the knowledge base.
// Pipelines set a document's ingestion status before submitting to the
// indexer and resolve it to a terminal value afterwards.
package catalog

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mwhitten/ingestd/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Document ingestion statuses. These correlate with, but are distinct
// from, operation statuses.
const (
	StatusNew                 = "NEW"
	StatusSyncedFromSource    = "SYNCED_FROM_SOURCE"
	StatusUploaded            = "UPLOADED"
	StatusMetadataStored      = "METADATA_STORED"
	StatusPendingIngestion    = "PENDING_INGESTION"
	StatusIngestionInProgress = "INGESTION_IN_PROGRESS"
	StatusIndexed             = "INDEXED"
	StatusFailedIngestion     = "FAILED_INGESTION"
	StatusPendingDeletion     = "PENDING_DELETION"
	StatusDeleted             = "DELETED"
)

// ErrNotFound means no document row matches the requested id.
var ErrNotFound = errors.New("catalog: document not found")

// Store persists documents.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store on top of an open GORM connection.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// UpsertSynced records a document discovered in the source system and
// marks it pending ingestion. Existing rows are matched by id so repeated
// syncs refresh metadata instead of duplicating.
func (s *Store) UpsertSynced(doc models.Document) error {
	doc.IngestionStatus = StatusPendingIngestion
	result := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"file_name", "source_path", "source_e_tag", "object_key",
			"size_bytes", "content_type", "ingestion_status", "last_error",
		}),
	}).Create(&doc)
	if result.Error != nil {
		return fmt.Errorf("catalog: upsert synced %s: %w", doc.ID, result.Error)
	}
	return nil
}

// StageUpload records a manually uploaded document, already staged in the
// object store, as pending ingestion. The id is server-generated.
func (s *Store) StageUpload(fileName, objectKey, contentType string, sizeBytes int64) (*models.Document, error) {
	doc := models.Document{
		ID:              uuid.New().String(),
		FileName:        fileName,
		ObjectKey:       objectKey,
		ContentType:     contentType,
		SizeBytes:       sizeBytes,
		IngestionStatus: StatusPendingIngestion,
	}
	if err := s.db.Create(&doc).Error; err != nil {
		return nil, fmt.Errorf("catalog: stage upload %s: %w", fileName, err)
	}
	return &doc, nil
}

// Get returns the document with the given id, or ErrNotFound.
func (s *Store) Get(id string) (*models.Document, error) {
	var doc models.Document
	result := s.db.Where("id = ?", id).First(&doc)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		return nil, fmt.Errorf("catalog: get %s: %w", id, result.Error)
	}
	return &doc, nil
}

// ListByStatus returns all documents in the given ingestion status.
func (s *Store) ListByStatus(status string) ([]models.Document, error) {
	var docs []models.Document
	result := s.db.Where("ingestion_status = ?", status).Order("id").Find(&docs)
	if result.Error != nil {
		return nil, fmt.Errorf("catalog: list by status %s: %w", status, result.Error)
	}
	return docs, nil
}

// ListPending returns documents awaiting indexer work: pending ingestion
// or pending deletion.
func (s *Store) ListPending() ([]models.Document, error) {
	var docs []models.Document
	result := s.db.
		Where("ingestion_status IN ?", []string{StatusPendingIngestion, StatusPendingDeletion}).
		Order("id").
		Find(&docs)
	if result.Error != nil {
		return nil, fmt.Errorf("catalog: list pending: %w", result.Error)
	}
	return docs, nil
}

// FlagForDeletion marks the given documents pending deletion. Returns how
// many rows were flagged and which ids had no matching row.
func (s *Store) FlagForDeletion(ids []string) (int64, []string, error) {
	if len(ids) == 0 {
		return 0, nil, nil
	}
	var existing []models.Document
	if err := s.db.Select("id").Where("id IN ?", ids).Find(&existing).Error; err != nil {
		return 0, nil, fmt.Errorf("catalog: flag for deletion lookup: %w", err)
	}
	found := make(map[string]bool, len(existing))
	for _, d := range existing {
		found[d.ID] = true
	}
	var missing []string
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}

	result := s.db.Model(&models.Document{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"ingestion_status": StatusPendingDeletion,
			"updated_at":       time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, nil, fmt.Errorf("catalog: flag for deletion: %w", result.Error)
	}
	return result.RowsAffected, missing, nil
}

// MarkInProgress flips all pending documents to INGESTION_IN_PROGRESS
// when an index job is submitted. Pending deletions keep their status;
// their terminal resolution happens in ResolveAfterIndexJob.
func (s *Store) MarkInProgress() (int64, error) {
	result := s.db.Model(&models.Document{}).
		Where("ingestion_status = ?", StatusPendingIngestion).
		Updates(map[string]interface{}{
			"ingestion_status": StatusIngestionInProgress,
			"updated_at":       time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("catalog: mark in progress: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ResolveAfterIndexJob applies the outcome of a finished index job:
// in-progress documents become INDEXED or FAILED_INGESTION, and pending
// deletions become DELETED when the job succeeded.
func (s *Store) ResolveAfterIndexJob(succeeded bool, jobErr string) error {
	now := time.Now().UTC()
	if succeeded {
		result := s.db.Model(&models.Document{}).
			Where("ingestion_status = ?", StatusIngestionInProgress).
			Updates(map[string]interface{}{
				"ingestion_status": StatusIndexed,
				"indexed_at":       now,
				"last_error":       "",
				"updated_at":       now,
			})
		if result.Error != nil {
			return fmt.Errorf("catalog: resolve indexed: %w", result.Error)
		}
		result = s.db.Model(&models.Document{}).
			Where("ingestion_status = ?", StatusPendingDeletion).
			Updates(map[string]interface{}{
				"ingestion_status": StatusDeleted,
				"updated_at":       now,
			})
		if result.Error != nil {
			return fmt.Errorf("catalog: resolve deleted: %w", result.Error)
		}
		return nil
	}

	result := s.db.Model(&models.Document{}).
		Where("ingestion_status = ?", StatusIngestionInProgress).
		Updates(map[string]interface{}{
			"ingestion_status": StatusFailedIngestion,
			"last_error":       jobErr,
			"updated_at":       now,
		})
	if result.Error != nil {
		return fmt.Errorf("catalog: resolve failed ingestion: %w", result.Error)
	}
	return nil
}

// MarkMissingFromSource flags synced documents absent from the latest
// source listing for deletion. seenIDs is the set of ids present in the
// source; manually uploaded documents (empty source path) are untouched.
func (s *Store) MarkMissingFromSource(seenIDs []string) (int64, error) {
	q := s.db.Model(&models.Document{}).
		Where("source_path <> ''").
		Where("ingestion_status NOT IN ?", []string{StatusPendingDeletion, StatusDeleted})
	if len(seenIDs) > 0 {
		q = q.Where("id NOT IN ?", seenIDs)
	}
	result := q.Updates(map[string]interface{}{
		"ingestion_status": StatusPendingDeletion,
		"updated_at":       time.Now().UTC(),
	})
	if result.Error != nil {
		return 0, fmt.Errorf("catalog: mark missing from source: %w", result.Error)
	}
	return result.RowsAffected, nil
}

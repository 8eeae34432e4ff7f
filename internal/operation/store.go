package operation

import (
	"errors"
	"fmt"
	"time"

	"github.com/mwhitten/ingestd/internal/models"
	"gorm.io/gorm"
)

// Sentinel errors callers branch on.
var (
	// ErrConflict means an active operation of the same type already exists.
	ErrConflict = errors.New("operation: an operation of this type is already in progress")
	// ErrNotFound means no operation row matches the requested id.
	ErrNotFound = errors.New("operation: not found")
)

// Store persists operations. All status transitions are conditional
// updates guarded on the row still being non-terminal, so a concurrent
// failure path can never be overwritten by a slower success path.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store on top of an open GORM connection.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Create atomically inserts a STARTED operation of the given type, failing
// with ErrConflict if an active row of that type exists. The insert and the
// active-row check are a single statement, not check-then-insert, so
// concurrent creates race safely: exactly one wins.
func (s *Store) Create(opType Type, progress string) (*models.Operation, error) {
	now := time.Now().UTC()
	result := s.db.Exec(
		`INSERT INTO operations (operation_type, current_status, progress_details, started_at, updated_at)
		 SELECT ?, ?, ?, ?, ?
		 WHERE NOT EXISTS (
		   SELECT 1 FROM operations WHERE operation_type = ? AND current_status NOT IN ?
		 )`,
		string(opType), string(StatusStarted), progress, now, now,
		string(opType), nonTerminalGuard(),
	)
	if result.Error != nil {
		return nil, fmt.Errorf("operation: create %s: %w", opType, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrConflict
	}

	// The insert succeeded, so this process owns the single active row of
	// this type; reading it back by the invariant is unambiguous.
	op, err := s.ActiveByType(opType)
	if err != nil {
		return nil, fmt.Errorf("operation: read back created %s: %w", opType, err)
	}
	if op == nil {
		return nil, fmt.Errorf("operation: created %s row not found on read back", opType)
	}
	return op, nil
}

// Get returns the operation with the given id, or ErrNotFound.
func (s *Store) Get(id uint) (*models.Operation, error) {
	var op models.Operation
	result := s.db.Where("id = ?", id).First(&op)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		return nil, fmt.Errorf("operation: get %d: %w", id, result.Error)
	}
	return &op, nil
}

// ActiveByType returns the active (non-terminal) operation of the given
// type, or nil if none exists.
func (s *Store) ActiveByType(opType Type) (*models.Operation, error) {
	var op models.Operation
	result := s.db.
		Where("operation_type = ? AND current_status NOT IN ?", string(opType), nonTerminalGuard()).
		First(&op)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("operation: active by type %s: %w", opType, result.Error)
	}
	return &op, nil
}

// Latest returns the most recently created operation of any type, or nil
// if the table is empty.
func (s *Store) Latest() (*models.Operation, error) {
	var op models.Operation
	result := s.db.Order("id DESC").First(&op)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("operation: latest: %w", result.Error)
	}
	return &op, nil
}

// Transition advances the operation to the next status with a progress
// message. The write is conditional on the row still being non-terminal;
// it returns false when the row was already terminal (superseded, most
// likely by a concurrent failure path).
func (s *Store) Transition(id uint, next Status, progress string) (bool, error) {
	if next.Terminal() || next == StatusIdle {
		return false, fmt.Errorf("operation: transition %d to %s: use Complete or Fail", id, next)
	}
	result := s.db.Model(&models.Operation{}).
		Where("id = ? AND current_status NOT IN ?", id, nonTerminalGuard()).
		Updates(map[string]interface{}{
			"current_status":   string(next),
			"progress_details": progress,
			"updated_at":       time.Now().UTC(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("operation: transition %d to %s: %w", id, next, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Complete marks the operation COMPLETED, setting ended_at. Conditional on
// the row being non-terminal: a row already FAILED stays FAILED and
// Complete reports false.
func (s *Store) Complete(id uint, progress string) (bool, error) {
	now := time.Now().UTC()
	result := s.db.Model(&models.Operation{}).
		Where("id = ? AND current_status NOT IN ?", id, nonTerminalGuard()).
		Updates(map[string]interface{}{
			"current_status":   string(StatusCompleted),
			"progress_details": progress,
			"updated_at":       now,
			"ended_at":         now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("operation: complete %d: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Fail marks the operation FAILED with an error message, setting ended_at.
// This transition is final; on an already-terminal row it reports false
// and changes nothing.
func (s *Store) Fail(id uint, errMsg string) (bool, error) {
	now := time.Now().UTC()
	result := s.db.Model(&models.Operation{}).
		Where("id = ? AND current_status NOT IN ?", id, nonTerminalGuard()).
		Updates(map[string]interface{}{
			"current_status": string(StatusFailed),
			"error_message":  errMsg,
			"updated_at":     now,
			"ended_at":       now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("operation: fail %d: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// UpdateProgress rewrites the advisory progress details without touching
// the status. Unconditional: progress text on a terminal row is harmless
// and never read for control flow.
func (s *Store) UpdateProgress(id uint, progress string) error {
	result := s.db.Model(&models.Operation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"progress_details": progress,
			"updated_at":       time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("operation: update progress %d: %w", id, result.Error)
	}
	return nil
}

// SetIndexJobID records the most recent indexing-service job id for
// correlation and debugging.
func (s *Store) SetIndexJobID(id uint, jobID string) error {
	result := s.db.Model(&models.Operation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_index_job_id": jobID,
			"updated_at":        time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("operation: set index job id %d: %w", id, result.Error)
	}
	return nil
}

// StaleActive returns non-terminal operations whose last update is older
// than the cutoff. Used by the reconciliation sweep to surface operations
// stranded by a secondary failure while recording a failure.
func (s *Store) StaleActive(cutoff time.Time) ([]models.Operation, error) {
	var ops []models.Operation
	result := s.db.
		Where("current_status NOT IN ? AND updated_at < ?", nonTerminalGuard(), cutoff).
		Order("id").
		Find(&ops)
	if result.Error != nil {
		return nil, fmt.Errorf("operation: stale active: %w", result.Error)
	}
	return ops, nil
}

package presence

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists liveness records. Implementations hold at most one record per Key.
type Store interface {
	// Upsert inserts record or replaces the mutable fields of the existing record for its key.
	// A nil cursor keeps the stored cursor and lastActiveAt never moves backwards.
	Upsert(ctx context.Context, record LivenessRecord) (LivenessRecord, error)
	// Delete removes the record for key. Missing records are not an error.
	Delete(ctx context.Context, key Key) error
	// UpdateCursor replaces the cursor of an existing record and reports whether one existed.
	UpdateCursor(ctx context.Context, key Key, cursor CursorState, lastActiveAtMillis int64) (bool, error)
	// List returns every record of a document in insertion order, stale ones included.
	List(ctx context.Context, documentID string) ([]LivenessRecord, error)
}

const queryLivenessKey = "document_id = ? AND user_id = ?"

// SQLStore keeps liveness records in the primary gorm database.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore constructs a Store backed by db.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Upsert(ctx context.Context, record LivenessRecord) (LivenessRecord, error) {
	var stored LivenessRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		candidate := record.clone()
		insert := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "document_id"}, {Name: "user_id"}},
			DoNothing: true,
		}).Create(candidate)
		if insert.Error != nil {
			return insert.Error
		}
		if insert.RowsAffected == 1 {
			stored = *candidate
			return nil
		}

		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryLivenessKey, record.DocumentID, record.UserID).
			Take(&stored).Error; err != nil {
			return err
		}
		mergeRecord(&stored, record)
		return tx.Save(&stored).Error
	})
	if err != nil {
		return LivenessRecord{}, err
	}
	return stored, nil
}

func (s *SQLStore) Delete(ctx context.Context, key Key) error {
	return s.db.WithContext(ctx).
		Where(queryLivenessKey, key.DocumentID, key.UserID).
		Delete(&LivenessRecord{}).Error
}

func (s *SQLStore) UpdateCursor(ctx context.Context, key Key, cursor CursorState, lastActiveAtMillis int64) (bool, error) {
	found := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored LivenessRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryLivenessKey, key.DocumentID, key.UserID).
			Take(&stored).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		applyCursor(&stored, cursor, lastActiveAtMillis)
		return tx.Save(&stored).Error
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

func (s *SQLStore) List(ctx context.Context, documentID string) ([]LivenessRecord, error) {
	var records []LivenessRecord
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("created_at_ms ASC").
		Order("record_id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// mergeRecord copies the heartbeat fields of incoming onto stored.
func mergeRecord(stored *LivenessRecord, incoming LivenessRecord) {
	stored.DisplayName = incoming.DisplayName
	stored.AvatarURL = incoming.AvatarURL
	if incoming.LastActiveAtMillis > stored.LastActiveAtMillis {
		stored.LastActiveAtMillis = incoming.LastActiveAtMillis
	}
	if incoming.Cursor != nil {
		stored.Cursor = incoming.clone().Cursor
	}
}

func applyCursor(stored *LivenessRecord, cursor CursorState, lastActiveAtMillis int64) {
	stored.Cursor = LivenessRecord{Cursor: &cursor}.clone().Cursor
	if lastActiveAtMillis > stored.LastActiveAtMillis {
		stored.LastActiveAtMillis = lastActiveAtMillis
	}
}

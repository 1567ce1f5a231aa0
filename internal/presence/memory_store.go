package presence

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-memdb"
)

const (
	tblLiveness   = "liveness"
	indexID       = "id"
	indexKey      = "key"
	indexDocument = "document"
)

var livenessSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tblLiveness: {
			Name: tblLiveness,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "RecordID"},
				},
				indexKey: {
					Name:   indexKey,
					Unique: true,
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "DocumentID"},
							&memdb.StringFieldIndex{Field: "UserID"},
						},
					},
				},
				indexDocument: {
					Name:    indexDocument,
					Indexer: &memdb.StringFieldIndex{Field: "DocumentID"},
				},
			},
		},
	},
}

// MemoryStore keeps liveness records in process memory. Records do not survive a restart.
type MemoryStore struct {
	db *memdb.MemDB
}

// NewMemoryStore constructs an empty in-memory Store.
func NewMemoryStore() (*MemoryStore, error) {
	db, err := memdb.NewMemDB(livenessSchema)
	if err != nil {
		return nil, fmt.Errorf("presence: new memdb: %w", err)
	}
	return &MemoryStore{db: db}, nil
}

func (s *MemoryStore) Upsert(_ context.Context, record LivenessRecord) (LivenessRecord, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tblLiveness, indexKey, record.DocumentID, record.UserID)
	if err != nil {
		return LivenessRecord{}, fmt.Errorf("presence: find %s: %w", record.Key(), err)
	}

	next := record.clone()
	if raw != nil {
		next = raw.(*LivenessRecord).clone()
		mergeRecord(next, record)
	}
	if err := txn.Insert(tblLiveness, next); err != nil {
		return LivenessRecord{}, fmt.Errorf("presence: insert %s: %w", record.Key(), err)
	}
	txn.Commit()
	return *next.clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, key Key) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tblLiveness, indexKey, key.DocumentID, key.UserID)
	if err != nil {
		return fmt.Errorf("presence: find %s: %w", key, err)
	}
	if raw == nil {
		return nil
	}
	if err := txn.Delete(tblLiveness, raw); err != nil {
		return fmt.Errorf("presence: delete %s: %w", key, err)
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) UpdateCursor(_ context.Context, key Key, cursor CursorState, lastActiveAtMillis int64) (bool, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tblLiveness, indexKey, key.DocumentID, key.UserID)
	if err != nil {
		return false, fmt.Errorf("presence: find %s: %w", key, err)
	}
	if raw == nil {
		return false, nil
	}
	next := raw.(*LivenessRecord).clone()
	applyCursor(next, cursor, lastActiveAtMillis)
	if err := txn.Insert(tblLiveness, next); err != nil {
		return false, fmt.Errorf("presence: update cursor %s: %w", key, err)
	}
	txn.Commit()
	return true, nil
}

func (s *MemoryStore) List(_ context.Context, documentID string) ([]LivenessRecord, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iterator, err := txn.Get(tblLiveness, indexDocument, documentID)
	if err != nil {
		return nil, fmt.Errorf("presence: list %s: %w", documentID, err)
	}
	var records []LivenessRecord
	for raw := iterator.Next(); raw != nil; raw = iterator.Next() {
		records = append(records, *raw.(*LivenessRecord).clone())
	}
	SortByInsertion(records)
	return records, nil
}

package documents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/elytra/backend/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the "operation.reason" code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "documents.service.new"
	opCreateDocument  = "documents.create"
	opGetDocument     = "documents.get"
	opUpdateDocument  = "documents.update"
	fieldDocumentID   = "document_id"
	fieldUserID       = "user_id"
	queryDocumentID   = "document_id = ?"
	reasonNotFound    = "not_found"
	reasonQueryFailed = "query_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// WriteObserver records document write outcomes.
type WriteObserver interface {
	ObserveDocumentWrite(result string)
}

// ServiceConfig describes the dependencies of the document store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Publisher  realtime.Publisher
	Observer   WriteObserver
	Logger     *zap.Logger
}

// IDProvider issues identifiers for new documents.
type IDProvider interface {
	NewID() (string, error)
}

// Service is the authoritative document store.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	publisher  realtime.Publisher
	observer   WriteObserver
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		publisher:  cfg.Publisher,
		observer:   cfg.Observer,
		logger:     logger,
	}, nil
}

// CreateDocument inserts an empty document owned by ownerID.
func (s *Service) CreateDocument(ctx context.Context, ownerID UserID, title string, parentID *DocumentID) (Snapshot, error) {
	documentID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateDocument, "id_generation_failed", err, zap.String(fieldUserID, ownerID.String()))
		return Snapshot{}, newServiceError(opCreateDocument, "id_generation_failed", err)
	}

	nowMillis := s.clock().UTC().UnixMilli()
	document := Document{
		DocumentID:      documentID,
		OwnerID:         ownerID.String(),
		Title:           defaultTitle,
		Version:         1,
		CreatedAtMillis: nowMillis,
		UpdatedAtMillis: nowMillis,
		LastWriterID:    ownerID.String(),
	}
	if err := (UpdateFields{Title: &title}).apply(&document); err != nil {
		return Snapshot{}, newServiceError(opCreateDocument, "invalid_title", err)
	}
	if parentID != nil {
		parent := parentID.String()
		document.ParentDocumentID = &parent
	}

	if err := s.db.WithContext(ctx).Create(&document).Error; err != nil {
		s.logError(opCreateDocument, "insert_failed", err, zap.String(fieldDocumentID, documentID))
		return Snapshot{}, newServiceError(opCreateDocument, "insert_failed", err)
	}
	return document.Snapshot(), nil
}

// GetDocument returns the current snapshot or ErrDocumentNotFound.
func (s *Service) GetDocument(ctx context.Context, documentID DocumentID) (Snapshot, error) {
	var document Document
	err := s.db.WithContext(ctx).Where(queryDocumentID, documentID.String()).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, newServiceError(opGetDocument, reasonNotFound, ErrDocumentNotFound)
	}
	if err != nil {
		s.logError(opGetDocument, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return Snapshot{}, newServiceError(opGetDocument, reasonQueryFailed, err)
	}
	return document.Snapshot(), nil
}

// UpdateDocument applies a partial update, bumps the version and publishes the new snapshot.
// Concurrent writers are serialized by the row lock; the last committed write wins.
func (s *Service) UpdateDocument(ctx context.Context, writerID UserID, documentID DocumentID, fields UpdateFields) (Snapshot, error) {
	if fields.IsEmpty() {
		return Snapshot{}, newServiceError(opUpdateDocument, "empty_update", ErrEmptyUpdate)
	}

	var updated Document
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryDocumentID, documentID.String()).
			Take(&updated).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdateDocument, reasonNotFound, ErrDocumentNotFound)
		}
		if err != nil {
			s.logError(opUpdateDocument, "document_select_failed", err, zap.String(fieldDocumentID, documentID.String()))
			return newServiceError(opUpdateDocument, "document_select_failed", err)
		}

		if err := fields.apply(&updated); err != nil {
			return newServiceError(opUpdateDocument, "invalid_fields", err)
		}
		updated.Version++
		updated.UpdatedAtMillis = s.clock().UTC().UnixMilli()
		updated.LastWriterID = writerID.String()

		if err := tx.Save(&updated).Error; err != nil {
			s.logError(opUpdateDocument, "document_save_failed", err,
				zap.String(fieldDocumentID, documentID.String()),
				zap.String(fieldUserID, writerID.String()))
			return newServiceError(opUpdateDocument, "document_save_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.observeWrite(fields, "error")
		return Snapshot{}, txErr
	}

	s.observeWrite(fields, "ok")
	snapshot := updated.Snapshot()
	s.publish(writerID, snapshot)
	return snapshot, nil
}

func (s *Service) publish(writerID UserID, snapshot Snapshot) {
	if s.publisher == nil {
		return
	}
	event, err := realtime.NewEvent(snapshot.DocumentID, realtime.EventDocumentChanged, writerID.String(), snapshot, s.clock())
	if err != nil {
		s.logError(opUpdateDocument, "event_encode_failed", err, zap.String(fieldDocumentID, snapshot.DocumentID))
		return
	}
	s.publisher.Publish(event)
}

func (s *Service) observeWrite(fields UpdateFields, result string) {
	if s.observer == nil || !fields.TouchesContent() {
		return
	}
	s.observer.ObserveDocumentWrite(result)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("documents service error", attrs...)
}

// ErrorCode extracts the ServiceError code from err, or "" when err is not a ServiceError.
func ErrorCode(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}

// IsNotFound reports whether err denotes a missing document.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDocumentNotFound) || strings.HasSuffix(ErrorCode(err), "."+reasonNotFound)
}

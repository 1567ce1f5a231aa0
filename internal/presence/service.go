package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/elytra/backend/internal/realtime"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultCursorRatePerSecond = 40.0

	opServiceNew    = "presence.service.new"
	opRegister      = "presence.register"
	opUnregister    = "presence.unregister"
	opUpdateCursor  = "presence.update_cursor"
	opActiveUsers   = "presence.active_users"
	opPublish       = "presence.publish"
	fieldDocumentID = "document_id"
	fieldUserID     = "user_id"

	resultOK          = "ok"
	resultError       = "error"
	resultNoop        = "noop"
	resultRateLimited = "rate_limited"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingStore    = errors.New("presence store is required")
	noOpLogger         = zap.NewNop()
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

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Observer records heartbeat and cursor write outcomes.
type Observer interface {
	ObserveHeartbeat(result string)
	ObserveCursorUpdate(result string)
}

// IDProvider issues liveness record identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

func (uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Roster is the payload of a presence-change event.
type Roster struct {
	DocumentID string           `json:"document_id"`
	Users      []LivenessRecord `json:"users"`
}

// ServiceConfig describes the dependencies of the presence service.
type ServiceConfig struct {
	Store               Store
	Clock               func() time.Time
	IDProvider          IDProvider
	Publisher           realtime.Publisher
	Observer            Observer
	Logger              *zap.Logger
	StalenessThreshold  time.Duration
	CursorRatePerSecond float64
}

// Service registers collaborators and answers who is active on a document.
type Service struct {
	store      Store
	clock      func() time.Time
	idProvider IDProvider
	publisher  realtime.Publisher
	observer   Observer
	logger     *zap.Logger
	staleness  time.Duration

	cursorRate  rate.Limit
	cursorBurst int
	limitersMu  sync.Mutex
	limiters    map[Key]*cursorLimiter
	lastSweep   time.Time
}

// cursorLimiter is the cursor write budget of one key. Entries idle for the staleness
// threshold are swept, so keys abandoned without Unregister do not accumulate.
type cursorLimiter struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = uuidProvider{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	staleness := cfg.StalenessThreshold
	if staleness <= 0 {
		staleness = DefaultStalenessThreshold
	}
	perSecond := cfg.CursorRatePerSecond
	if perSecond <= 0 {
		perSecond = defaultCursorRatePerSecond
	}
	burst := int(perSecond / 4)
	if burst < 1 {
		burst = 1
	}

	return &Service{
		store:       cfg.Store,
		clock:       clock,
		idProvider:  idProvider,
		publisher:   cfg.Publisher,
		observer:    cfg.Observer,
		logger:      logger,
		staleness:   staleness,
		cursorRate:  rate.Limit(perSecond),
		cursorBurst: burst,
		limiters:    make(map[Key]*cursorLimiter),
	}, nil
}

// StalenessThreshold returns the configured activity window.
func (s *Service) StalenessThreshold() time.Duration {
	return s.staleness
}

// Register upserts the liveness record for reg.Key and refreshes lastActiveAt.
func (s *Service) Register(ctx context.Context, reg Registration) (LivenessRecord, error) {
	normalized, err := reg.normalized()
	if err != nil {
		s.observeHeartbeat(resultError)
		return LivenessRecord{}, newServiceError(opRegister, "invalid_registration", err)
	}
	recordID, err := s.idProvider.NewID()
	if err != nil {
		s.observeHeartbeat(resultError)
		s.logError(opRegister, "id_generation_failed", err, keyFields(reg.Key)...)
		return LivenessRecord{}, newServiceError(opRegister, "id_generation_failed", err)
	}

	nowMillis := s.clock().UTC().UnixMilli()
	stored, err := s.store.Upsert(ctx, LivenessRecord{
		RecordID:           recordID,
		DocumentID:         normalized.Key.DocumentID,
		UserID:             normalized.Key.UserID,
		DisplayName:        normalized.DisplayName,
		AvatarURL:          normalized.AvatarURL,
		LastActiveAtMillis: nowMillis,
		Cursor:             normalized.Cursor,
		CreatedAtMillis:    nowMillis,
	})
	if err != nil {
		s.observeHeartbeat(resultError)
		s.logError(opRegister, "upsert_failed", err, keyFields(reg.Key)...)
		return LivenessRecord{}, newServiceError(opRegister, "upsert_failed", err)
	}

	s.observeHeartbeat(resultOK)
	s.publishRoster(ctx, normalized.Key)
	return stored, nil
}

// Unregister removes the liveness record for key. Missing records are not an error.
func (s *Service) Unregister(ctx context.Context, key Key) error {
	if err := s.store.Delete(ctx, key); err != nil {
		s.logError(opUnregister, "delete_failed", err, keyFields(key)...)
		return newServiceError(opUnregister, "delete_failed", err)
	}

	s.limitersMu.Lock()
	delete(s.limiters, key)
	s.limitersMu.Unlock()

	s.publishRoster(ctx, key)
	return nil
}

// UpdateCursor replaces the cursor of an existing record. It reports false without error
// when no record exists and returns ErrRateLimited when writes for key arrive too fast.
func (s *Service) UpdateCursor(ctx context.Context, key Key, cursor CursorState) (bool, error) {
	if err := cursor.validate(); err != nil {
		s.observeCursor(resultError)
		return false, newServiceError(opUpdateCursor, "invalid_cursor", err)
	}
	now := s.clock()
	if !s.limiterFor(key, now).AllowN(now, 1) {
		s.observeCursor(resultRateLimited)
		return false, newServiceError(opUpdateCursor, "rate_limited", ErrRateLimited)
	}

	updated, err := s.store.UpdateCursor(ctx, key, cursor, now.UTC().UnixMilli())
	if err != nil {
		s.observeCursor(resultError)
		s.logError(opUpdateCursor, "update_failed", err, keyFields(key)...)
		return false, newServiceError(opUpdateCursor, "update_failed", err)
	}
	if !updated {
		s.observeCursor(resultNoop)
		return false, nil
	}

	s.observeCursor(resultOK)
	s.publishRoster(ctx, key)
	return true, nil
}

// ActiveUsers returns the records of documentID refreshed within the staleness threshold,
// in insertion order.
func (s *Service) ActiveUsers(ctx context.Context, documentID string) ([]LivenessRecord, error) {
	records, err := s.store.List(ctx, documentID)
	if err != nil {
		s.logError(opActiveUsers, "list_failed", err, zap.String(fieldDocumentID, documentID))
		return nil, newServiceError(opActiveUsers, "list_failed", err)
	}
	return FilterActive(records, s.clock(), s.staleness), nil
}

func (s *Service) limiterFor(key Key, now time.Time) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	if now.Sub(s.lastSweep) >= s.staleness {
		s.sweepLimiters(now)
	}
	entry, ok := s.limiters[key]
	if !ok {
		entry = &cursorLimiter{limiter: rate.NewLimiter(s.cursorRate, s.cursorBurst)}
		s.limiters[key] = entry
	}
	entry.lastUsed = now
	return entry.limiter
}

// sweepLimiters drops budgets unused for the staleness threshold. Caller holds limitersMu.
func (s *Service) sweepLimiters(now time.Time) {
	for key, entry := range s.limiters {
		if now.Sub(entry.lastUsed) >= s.staleness {
			delete(s.limiters, key)
		}
	}
	s.lastSweep = now
}

func (s *Service) publishRoster(ctx context.Context, key Key) {
	if s.publisher == nil {
		return
	}
	users, err := s.ActiveUsers(ctx, key.DocumentID)
	if err != nil {
		return
	}
	event, err := realtime.NewEvent(key.DocumentID, realtime.EventPresenceChanged, key.UserID, Roster{
		DocumentID: key.DocumentID,
		Users:      users,
	}, s.clock())
	if err != nil {
		s.logError(opPublish, "event_encode_failed", err, keyFields(key)...)
		return
	}
	s.publisher.Publish(event)
}

func (s *Service) observeHeartbeat(result string) {
	if s.observer != nil {
		s.observer.ObserveHeartbeat(result)
	}
}

func (s *Service) observeCursor(result string) {
	if s.observer != nil {
		s.observer.ObserveCursorUpdate(result)
	}
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
	s.logger.Error("presence service error", attrs...)
}

func keyFields(key Key) []zap.Field {
	return []zap.Field{
		zap.String(fieldDocumentID, key.DocumentID),
		zap.String(fieldUserID, key.UserID),
	}
}

// Package presence stores per-document liveness records and answers who is active.
package presence

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	maxIdentifierLength  = 190
	maxDisplayNameLength = 256
	maxAvatarURLLength   = 2048
	// AnonymousDisplayName is used when a collaborator registers without a name.
	AnonymousDisplayName = "Anonymous"
)

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or too long.
	ErrInvalidDocumentID = errors.New("presence: invalid document id")
	// ErrInvalidUserID indicates that a user identifier is empty or too long.
	ErrInvalidUserID = errors.New("presence: invalid user id")
	// ErrInvalidProfile indicates that a display name or avatar exceeds storage bounds.
	ErrInvalidProfile = errors.New("presence: invalid profile")
	// ErrInvalidCursor indicates that cursor coordinates are not finite.
	ErrInvalidCursor = errors.New("presence: invalid cursor")
	// ErrRecordNotFound indicates that no liveness record exists for the key.
	ErrRecordNotFound = errors.New("presence: record not found")
	// ErrRateLimited indicates that a cursor write arrived faster than the configured rate.
	ErrRateLimited = errors.New("presence: cursor update rate limited")
)

// Key identifies a liveness record.
type Key struct {
	DocumentID string
	UserID     string
}

// NewKey validates the identifiers of a liveness record.
func NewKey(documentID, userID string) (Key, error) {
	document := strings.TrimSpace(documentID)
	if document == "" || len(document) > maxIdentifierLength {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidDocumentID, documentID)
	}
	user := strings.TrimSpace(userID)
	if user == "" || len(user) > maxIdentifierLength {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	return Key{DocumentID: document, UserID: user}, nil
}

func (k Key) String() string {
	return k.DocumentID + "/" + k.UserID
}

// Selection is an optional text range inside one block.
type Selection struct {
	Start   int    `json:"start"`
	End     int    `json:"end"`
	BlockID string `json:"block_id,omitempty"`
}

// CursorState is an editor-relative pointer position.
type CursorState struct {
	X         float64    `json:"x"`
	Y         float64    `json:"y"`
	Selection *Selection `json:"selection,omitempty"`
}

func (c CursorState) validate() error {
	if !isFinite(c.X) || !isFinite(c.Y) {
		return fmt.Errorf("%w: coordinates must be finite", ErrInvalidCursor)
	}
	if c.Selection != nil && c.Selection.End < c.Selection.Start {
		return fmt.Errorf("%w: selection end precedes start", ErrInvalidCursor)
	}
	return nil
}

func isFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0)
}

// LivenessRecord is the persisted "user U is viewing document D" row.
type LivenessRecord struct {
	RecordID           string       `gorm:"column:record_id;primaryKey;size:64" json:"record_id"`
	DocumentID         string       `gorm:"column:document_id;size:190;not null;uniqueIndex:idx_liveness_document_user,priority:1" json:"document_id"`
	UserID             string       `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_liveness_document_user,priority:2" json:"user_id"`
	DisplayName        string       `gorm:"column:display_name;size:256;not null" json:"display_name"`
	AvatarURL          string       `gorm:"column:avatar_url;size:2048;not null;default:''" json:"avatar_url,omitempty"`
	LastActiveAtMillis int64        `gorm:"column:last_active_at_ms;not null;index" json:"last_active_at"`
	Cursor             *CursorState `gorm:"column:cursor;serializer:json" json:"cursor,omitempty"`
	CreatedAtMillis    int64        `gorm:"column:created_at_ms;not null" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (LivenessRecord) TableName() string {
	return "document_liveness"
}

// Key returns the identity of the record.
func (r LivenessRecord) Key() Key {
	return Key{DocumentID: r.DocumentID, UserID: r.UserID}
}

// LastActiveAt returns the last heartbeat as a time value.
func (r LivenessRecord) LastActiveAt() time.Time {
	return time.UnixMilli(r.LastActiveAtMillis).UTC()
}

func (r LivenessRecord) clone() *LivenessRecord {
	copied := r
	if r.Cursor != nil {
		cursor := *r.Cursor
		if r.Cursor.Selection != nil {
			selection := *r.Cursor.Selection
			cursor.Selection = &selection
		}
		copied.Cursor = &cursor
	}
	return &copied
}

// Registration carries the fields written by a heartbeat.
type Registration struct {
	Key         Key
	DisplayName string
	AvatarURL   string
	Cursor      *CursorState
}

func (r Registration) normalized() (Registration, error) {
	name := strings.TrimSpace(r.DisplayName)
	if name == "" {
		name = AnonymousDisplayName
	}
	if len(name) > maxDisplayNameLength {
		return Registration{}, fmt.Errorf("%w: display name exceeds %d characters", ErrInvalidProfile, maxDisplayNameLength)
	}
	avatar := strings.TrimSpace(r.AvatarURL)
	if len(avatar) > maxAvatarURLLength {
		return Registration{}, fmt.Errorf("%w: avatar url exceeds %d characters", ErrInvalidProfile, maxAvatarURLLength)
	}
	if r.Cursor != nil {
		if err := r.Cursor.validate(); err != nil {
			return Registration{}, err
		}
	}
	r.DisplayName = name
	r.AvatarURL = avatar
	return r, nil
}

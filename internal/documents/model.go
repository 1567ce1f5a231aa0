package documents

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	maxIdentifierLength = 190
	maxTitleLength      = 512
	defaultTitle        = "Untitled"
)

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("documents: invalid document id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("documents: invalid user id")
	// ErrInvalidTitle indicates that a title exceeds storage bounds.
	ErrInvalidTitle = errors.New("documents: invalid title")
	// ErrDocumentNotFound indicates that no document exists for the identifier.
	ErrDocumentNotFound = errors.New("documents: document not found")
	// ErrEmptyUpdate indicates that an update carried no fields.
	ErrEmptyUpdate = errors.New("documents: update carries no fields")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Document is the persisted document row. Content is an opaque serialized block tree.
type Document struct {
	DocumentID       string  `gorm:"column:document_id;primaryKey;size:190;not null"`
	OwnerID          string  `gorm:"column:owner_id;size:190;not null;index:idx_documents_owner_parent,priority:1"`
	ParentDocumentID *string `gorm:"column:parent_document_id;size:190;index:idx_documents_owner_parent,priority:2;index:idx_documents_parent"`
	Title            string  `gorm:"column:title;size:512;not null"`
	Content          *string `gorm:"column:content;type:text"`
	CoverImage       *string `gorm:"column:cover_image;size:1024"`
	Icon             *string `gorm:"column:icon;size:64"`
	IsArchived       bool    `gorm:"column:is_archived;not null;default:false"`
	IsPublished      bool    `gorm:"column:is_published;not null;default:false"`
	Version          int64   `gorm:"column:version;not null;default:1"`
	CreatedAtMillis  int64   `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis  int64   `gorm:"column:updated_at_ms;not null"`
	LastWriterID     string  `gorm:"column:last_writer_id;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// Snapshot is the view of a document consumed by the synchronizer and the HTTP API.
type Snapshot struct {
	DocumentID       string    `json:"document_id"`
	Title            string    `json:"title"`
	ParentDocumentID *string   `json:"parent_document_id,omitempty"`
	Content          *string   `json:"content,omitempty"`
	CoverImage       *string   `json:"cover_image,omitempty"`
	Icon             *string   `json:"icon,omitempty"`
	IsArchived       bool      `json:"is_archived"`
	IsPublished      bool      `json:"is_published"`
	Version          int64     `json:"version"`
	UpdatedAt        time.Time `json:"updated_at"`
	LastWriterID     string    `json:"last_writer_id,omitempty"`
}

// Snapshot projects the persisted row.
func (d Document) Snapshot() Snapshot {
	return Snapshot{
		DocumentID:       d.DocumentID,
		Title:            d.Title,
		ParentDocumentID: d.ParentDocumentID,
		Content:          d.Content,
		CoverImage:       d.CoverImage,
		Icon:             d.Icon,
		IsArchived:       d.IsArchived,
		IsPublished:      d.IsPublished,
		Version:          d.Version,
		UpdatedAt:        time.UnixMilli(d.UpdatedAtMillis).UTC(),
		LastWriterID:     d.LastWriterID,
	}
}

// UpdateFields is a partial update. Nil fields are left untouched.
type UpdateFields struct {
	Title       *string
	Content     *string
	CoverImage  *string
	Icon        *string
	IsPublished *bool
}

// IsEmpty reports whether no field is set.
func (f UpdateFields) IsEmpty() bool {
	return f.Title == nil && f.Content == nil && f.CoverImage == nil && f.Icon == nil && f.IsPublished == nil
}

// TouchesContent reports whether the update writes the content blob.
func (f UpdateFields) TouchesContent() bool {
	return f.Content != nil
}

func (f UpdateFields) apply(document *Document) error {
	if f.Title != nil {
		title := strings.TrimSpace(*f.Title)
		if len(title) > maxTitleLength {
			return fmt.Errorf("%w: exceeds %d characters", ErrInvalidTitle, maxTitleLength)
		}
		if title == "" {
			title = defaultTitle
		}
		document.Title = title
	}
	if f.Content != nil {
		content := *f.Content
		document.Content = &content
	}
	if f.CoverImage != nil {
		document.CoverImage = optionalString(*f.CoverImage)
	}
	if f.Icon != nil {
		document.Icon = optionalString(*f.Icon)
	}
	if f.IsPublished != nil {
		document.IsPublished = *f.IsPublished
	}
	return nil
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

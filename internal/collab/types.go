// Package collab is the client side of document collaboration: presence heartbeats,
// cursor broadcasting, the active user list and debounced content synchronization.
package collab

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/elytra/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/presence"
)

// SaveFailedMessage is shown once when a content write fails.
const SaveFailedMessage = "Failed to save changes"

var (
	errMissingDocumentID = errors.New("collab: document id is required")
	errMissingStore      = errors.New("collab: document store is required")
	errMissingEditor     = errors.New("collab: editor is required")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("collab: session closed")
)

// Profile identifies the local collaborator. An empty UserID means no identity.
type Profile struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

// DocumentStore is the remote document and liveness store.
type DocumentStore interface {
	GetDocument(ctx context.Context, documentID string) (documents.Snapshot, error)
	UpdateDocument(ctx context.Context, documentID string, content string) (documents.Snapshot, error)
	UpsertLiveness(ctx context.Context, documentID string, profile Profile, cursor *presence.CursorState) (presence.LivenessRecord, error)
	DeleteLiveness(ctx context.Context, documentID string, userID string) error
	ListLiveness(ctx context.Context, documentID string) ([]presence.LivenessRecord, error)
	// UpdateCursor reports false when the user has no liveness record.
	UpdateCursor(ctx context.Context, documentID string, userID string, cursor presence.CursorState) (bool, error)
}

// NotificationKind tags a Notification.
type NotificationKind int

const (
	// NotificationDocument carries a new document snapshot.
	NotificationDocument NotificationKind = iota + 1
	// NotificationPresence carries the active users of the document.
	NotificationPresence
	// NotificationConnection reports whether the push channel is live.
	NotificationConnection
)

// Notification is one change pushed by a Transport.
type Notification struct {
	Kind      NotificationKind
	Snapshot  documents.Snapshot
	Users     []presence.LivenessRecord
	Connected bool
}

// Transport delivers change notifications for one document. The channel closes when the
// subscription ends for good.
type Transport interface {
	Subscribe(ctx context.Context, documentID string) (<-chan Notification, error)
}

// Editor is the local document editor. Change notifications reach the session through
// Session.NotifyChange.
type Editor interface {
	Serialize() (string, error)
	ReplaceContent(content string) error
}

// Notifier shows non-blocking messages to the user.
type Notifier interface {
	Notify(message string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(message string)

func (f NotifierFunc) Notify(message string) {
	f(message)
}

// Hooks receive render updates. They run on the session goroutine and must not block.
type Hooks struct {
	OnPresence    func(users []presence.LivenessRecord)
	OnLocalCursor func(cursor presence.CursorState)
	OnSaving      func(saving bool)
	OnContent     func(snapshot documents.Snapshot)
}

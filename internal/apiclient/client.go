// Package apiclient talks to the Elytra API: a REST document store and a websocket change
// transport, both shaped for collab.Session.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/elytra/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/presence"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 10 * time.Second

var (
	errMissingBaseURL = errors.New("apiclient: base url is required")
	errMissingToken   = errors.New("apiclient: session token is required")
)

// APIError is a non-2xx response.
type APIError struct {
	Status int
	Reason string
	Code   string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("apiclient: %d %s (%s)", e.Status, e.Reason, e.Code)
	}
	return fmt.Sprintf("apiclient: %d %s", e.Status, e.Reason)
}

// Config describes how to reach the API.
type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client implements collab.DocumentStore over the REST API.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
	logger  *zap.Logger
}

var _ collab.DocumentStore = (*Client)(nil)

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("apiclient: invalid base url: %w", err)
	}
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errMissingToken
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: baseURL, token: token, http: httpClient, logger: logger}, nil
}

type createDocumentRequest struct {
	Title            string  `json:"title"`
	ParentDocumentID *string `json:"parent_document_id,omitempty"`
}

type updateContentRequest struct {
	Content string `json:"content"`
}

type registerRequest struct {
	DisplayName string                `json:"display_name"`
	AvatarURL   string                `json:"avatar_url"`
	Cursor      *presence.CursorState `json:"cursor,omitempty"`
}

type presenceList struct {
	Users []presence.LivenessRecord `json:"users"`
}

type cursorResult struct {
	Updated bool `json:"updated"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// CreateDocument creates an empty document owned by the session user.
func (c *Client) CreateDocument(ctx context.Context, title string, parentID *string) (documents.Snapshot, error) {
	var snapshot documents.Snapshot
	err := c.do(ctx, http.MethodPost, "/documents", createDocumentRequest{Title: title, ParentDocumentID: parentID}, &snapshot)
	return snapshot, err
}

// GetDocument returns the stored snapshot. Missing documents yield documents.ErrDocumentNotFound.
func (c *Client) GetDocument(ctx context.Context, documentID string) (documents.Snapshot, error) {
	var snapshot documents.Snapshot
	err := c.do(ctx, http.MethodGet, documentPath(documentID), nil, &snapshot)
	return snapshot, err
}

// UpdateDocument writes the serialized content.
func (c *Client) UpdateDocument(ctx context.Context, documentID string, content string) (documents.Snapshot, error) {
	var snapshot documents.Snapshot
	err := c.do(ctx, http.MethodPatch, documentPath(documentID), updateContentRequest{Content: content}, &snapshot)
	return snapshot, err
}

// UpsertLiveness sends a heartbeat. The server takes the user id from the session.
func (c *Client) UpsertLiveness(ctx context.Context, documentID string, profile collab.Profile, cursor *presence.CursorState) (presence.LivenessRecord, error) {
	var record presence.LivenessRecord
	request := registerRequest{DisplayName: profile.DisplayName, AvatarURL: profile.AvatarURL, Cursor: cursor}
	err := c.do(ctx, http.MethodPut, documentPath(documentID)+"/presence", request, &record)
	return record, err
}

// DeleteLiveness removes the session user's record.
func (c *Client) DeleteLiveness(ctx context.Context, documentID string, _ string) error {
	return c.do(ctx, http.MethodDelete, documentPath(documentID)+"/presence", nil, nil)
}

// ListLiveness returns the active collaborators of documentID.
func (c *Client) ListLiveness(ctx context.Context, documentID string) ([]presence.LivenessRecord, error) {
	var list presenceList
	if err := c.do(ctx, http.MethodGet, documentPath(documentID)+"/presence", nil, &list); err != nil {
		return nil, err
	}
	return list.Users, nil
}

// UpdateCursor replaces the cursor of the session user's record.
func (c *Client) UpdateCursor(ctx context.Context, documentID string, _ string, cursor presence.CursorState) (bool, error) {
	var result cursorResult
	if err := c.do(ctx, http.MethodPut, documentPath(documentID)+"/presence/cursor", cursor, &result); err != nil {
		return false, err
	}
	return result.Updated, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("apiclient: encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+c.token)
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return decodeError(response)
	}
	if out == nil || response.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("apiclient: decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) endpoint(path string) string {
	return c.baseURL.String() + path
}

func decodeError(response *http.Response) error {
	var body errorBody
	_ = json.NewDecoder(io.LimitReader(response.Body, 64<<10)).Decode(&body)
	apiErr := &APIError{Status: response.StatusCode, Reason: body.Error, Code: body.Code}
	switch response.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", documents.ErrDocumentNotFound, apiErr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", presence.ErrRateLimited, apiErr)
	default:
		return apiErr
	}
}

func documentPath(documentID string) string {
	return "/documents/" + url.PathEscape(documentID)
}

package remotestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kazu-apps/carenote-sync/internal/model"
)

// document is the wire representation of a remote record. The server assigns
// both the id and the updatedAt timestamp; the client never fabricates them.
type document struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Deleted   bool            `json:"deleted,omitempty"`
}

// Client talks to the care-service document API, scoped under one care
// recipient. Create one with [NewClient].
//
// Routes:
//
//	GET    /api/v1/health
//	GET    /api/v1/care-recipients/{rid}/{entityType}?updated_since=<RFC3339Nano>
//	GET    /api/v1/care-recipients/{rid}/{entityType}/{docID}
//	POST   /api/v1/care-recipients/{rid}/{entityType}
//	PUT    /api/v1/care-recipients/{rid}/{entityType}/{docID}
//	DELETE /api/v1/care-recipients/{rid}/{entityType}/{docID}
//
// Care recipient and care team member documents are account-scoped instead,
// under /api/v1/care-recipients and /api/v1/care-team-members.
type Client struct {
	baseURL     string
	token       string
	recipientID string
	hc          *http.Client
	log         *slog.Logger
}

// NewClient creates a Client for the care recipient's document collections.
func NewClient(baseURL, token, recipientID string, logger *slog.Logger) (*Client, error) {
	u, err := url.ParseRequestURI(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("remote URL %q must be a valid http or https URL", baseURL)
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		recipientID: recipientID,
		hc:          &http.Client{Timeout: 30 * time.Second},
		log:         logger,
	}, nil
}

// Ping checks that the care service is reachable and the token is accepted.
func (c *Client) Ping(ctx context.Context) error {
	var ignored json.RawMessage
	return c.do(ctx, http.MethodGet, c.baseURL+"/api/v1/health", nil, false, &ignored)
}

// IsOnline reports whether the care service is currently reachable. It is
// the connectivity probe consulted before a sync touches any store.
func (c *Client) IsOnline(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.Ping(probeCtx) == nil
}

// GetUpdatedSince returns all documents of the entity type updated strictly
// after ts, including delete markers.
func (c *Client) GetUpdatedSince(ctx context.Context, entityType string, ts time.Time) ([]model.RemoteRecord, error) {
	endpoint := c.collectionURL(entityType)
	if !ts.IsZero() {
		endpoint += "?updated_since=" + url.QueryEscape(ts.UTC().Format(time.RFC3339Nano))
	}

	var docs []document
	err := Retry(ctx, defaultMaxAttempts, model.Retryable, func() error {
		docs = nil
		return c.do(ctx, http.MethodGet, endpoint, nil, false, &docs)
	})
	if err != nil {
		return nil, fmt.Errorf("listing %q documents: %w", entityType, err)
	}

	records := make([]model.RemoteRecord, 0, len(docs))
	for _, d := range docs {
		records = append(records, toRecord(entityType, d))
	}
	return records, nil
}

// Get fetches one document. A vanished document surfaces as
// [model.ErrNotFound] for the syncer to treat as a remote delete.
func (c *Client) Get(ctx context.Context, entityType, remoteID string) (*model.RemoteRecord, error) {
	var doc document
	err := Retry(ctx, defaultMaxAttempts, model.Retryable, func() error {
		return c.do(ctx, http.MethodGet, c.documentURL(entityType, remoteID), nil, false, &doc)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching %s/%s: %w", entityType, remoteID, err)
	}
	rec := toRecord(entityType, doc)
	return &rec, nil
}

// Create stores a new document and returns it with the server-assigned id
// and timestamp. An Idempotency-Key header makes network-level retries safe.
func (c *Client) Create(ctx context.Context, entityType string, payload json.RawMessage) (*model.RemoteRecord, error) {
	var doc document
	err := Retry(ctx, defaultMaxAttempts, model.Retryable, func() error {
		return c.do(ctx, http.MethodPost, c.collectionURL(entityType), payload, true, &doc)
	})
	if err != nil {
		return nil, fmt.Errorf("creating %q document: %w", entityType, err)
	}
	rec := toRecord(entityType, doc)
	return &rec, nil
}

// Update overwrites the document's payload and returns the new
// server-assigned timestamp.
func (c *Client) Update(ctx context.Context, entityType, remoteID string, payload json.RawMessage) (*model.RemoteRecord, error) {
	var doc document
	err := Retry(ctx, defaultMaxAttempts, model.Retryable, func() error {
		return c.do(ctx, http.MethodPut, c.documentURL(entityType, remoteID), payload, true, &doc)
	})
	if err != nil {
		return nil, fmt.Errorf("updating %s/%s: %w", entityType, remoteID, err)
	}
	rec := toRecord(entityType, doc)
	return &rec, nil
}

// Delete removes the document. Deleting an already-absent document returns
// [model.ErrNotFound], which callers may tolerate.
func (c *Client) Delete(ctx context.Context, entityType, remoteID string) error {
	err := Retry(ctx, defaultMaxAttempts, model.Retryable, func() error {
		return c.do(ctx, http.MethodDelete, c.documentURL(entityType, remoteID), nil, true, nil)
	})
	if err != nil {
		return fmt.Errorf("deleting %s/%s: %w", entityType, remoteID, err)
	}
	return nil
}

// --- request plumbing --------------------------------------------------------

func (c *Client) collectionURL(entityType string) string {
	// Recipient and membership documents are account-scoped: they exist
	// before any care recipient id does (first-run bootstrap).
	switch entityType {
	case model.EntityCareRecipient:
		return c.baseURL + "/api/v1/care-recipients"
	case model.EntityCareTeamMember:
		return c.baseURL + "/api/v1/care-team-members"
	}
	return fmt.Sprintf("%s/api/v1/care-recipients/%s/%s",
		c.baseURL, url.PathEscape(c.recipientID), url.PathEscape(entityType))
}

func (c *Client) documentURL(entityType, remoteID string) string {
	return c.collectionURL(entityType) + "/" + url.PathEscape(remoteID)
}

// do executes one request and decodes the JSON response into out (when out is
// non-nil and the response has a body). write marks mutating requests, which
// carry an Idempotency-Key header.
func (c *Client) do(ctx context.Context, method, endpoint string, body json.RawMessage, write bool, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	if write {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus(resp); err != nil {
		return err
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}
	return nil
}

// classifyStatus maps HTTP statuses onto the sync error taxonomy.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: server returned %d", model.ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return model.ErrNotFound
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		var br struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&br)
		return fmt.Errorf("%w: %s", model.ErrValidation, br.Message)
	default:
		return fmt.Errorf("%w: server returned %d", model.ErrNetwork, resp.StatusCode)
	}
}

func toRecord(entityType string, d document) model.RemoteRecord {
	return model.RemoteRecord{
		RemoteID:   d.ID,
		EntityType: entityType,
		Payload:    d.Payload,
		UpdatedAt:  d.UpdatedAt,
		Deleted:    d.Deleted,
	}
}

package loomsdk

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Loom HTTP API client. When Actor and PrivateKey
// are set, every request is signed with Ed25519 headers; otherwise the
// bearer token or API key is used.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	Actor       string
	PrivateKey  ed25519.PrivateKey
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// WithSigningKey configures signed requests from a base64 private key.
func (c *Client) WithSigningKey(actor, privateKeyB64 string) error {
	raw, err := base64.StdEncoding.DecodeString(privateKeyB64)
	if err != nil {
		return fmt.Errorf("decode private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	c.Actor = actor
	c.PrivateKey = ed25519.PrivateKey(raw)
	return nil
}

// Element is the API element model.
type Element struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Title     string            `json:"title"`
	Status    string            `json:"status,omitempty"`
	CreatedBy string            `json:"created_by,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
	Detail    json.RawMessage   `json:"detail,omitempty"`
	CreatedAt string            `json:"created_at"`
	UpdatedAt string            `json:"updated_at"`
	DeletedAt *string           `json:"deleted_at,omitempty"`
}

// Dependency is a typed edge between two elements.
type Dependency struct {
	BlockedID string `json:"blocked_id"`
	BlockerID string `json:"blocker_id"`
	Type      string `json:"type"`
	Actor     string `json:"actor,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Event is an audit trail entry.
type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	ElementID string         `json:"element_id,omitempty"`
	Actor     string         `json:"actor"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// DoctorReport describes blocked-cache health.
type DoctorReport struct {
	Orphans       []string `json:"orphans"`
	Missing       []string `json:"missing"`
	Stale         []string `json:"stale"`
	OrphanedEdges int      `json:"orphaned_edges"`
	Healthy       bool     `json:"healthy"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsConflict reports whether the error is an optimistic-concurrency or
// cycle rejection.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// PaginatedElements wraps element listings with a cursor.
type PaginatedElements struct {
	Items      []Element `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// CreateElement creates an element.
func (c *Client) CreateElement(ctx context.Context, kind, title string, detail any) (Element, error) {
	body := map[string]any{
		"kind":  kind,
		"title": title,
	}
	if detail != nil {
		body["detail"] = detail
	}
	var resp Element
	err := c.do(ctx, http.MethodPost, "v0/elements", body, &resp)
	return resp, err
}

// GetElement fetches one element by id.
func (c *Client) GetElement(ctx context.Context, id string) (Element, error) {
	var resp Element
	err := c.do(ctx, http.MethodGet, "v0/elements/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// UpdateElement applies a partial update. A non-empty expectedUpdatedAt
// makes the update conditional; a stale token yields a 409 APIError.
func (c *Client) UpdateElement(ctx context.Context, id string, patch map[string]any, expectedUpdatedAt string) (Element, error) {
	body := map[string]any{}
	for k, v := range patch {
		body[k] = v
	}
	if expectedUpdatedAt != "" {
		body["expected_updated_at"] = expectedUpdatedAt
	}
	var resp Element
	err := c.do(ctx, http.MethodPatch, "v0/elements/"+url.PathEscape(id), body, &resp)
	return resp, err
}

// DeleteElement tombstones an element.
func (c *Client) DeleteElement(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "v0/elements/"+url.PathEscape(id), nil, nil)
}

// ListElements returns a page of elements.
func (c *Client) ListElements(ctx context.Context, kind, status string, limit int, cursor string) (PaginatedElements, error) {
	q := url.Values{}
	if kind != "" {
		q.Set("kind", kind)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/elements"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedElements
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AddDependency links blocked to blocker with the given edge type.
func (c *Client) AddDependency(ctx context.Context, blockedID, blockerID, depType string) (Dependency, error) {
	body := map[string]any{
		"blocker_id": blockerID,
		"type":       depType,
	}
	var resp Dependency
	err := c.do(ctx, http.MethodPost, "v0/elements/"+url.PathEscape(blockedID)+"/deps", body, &resp)
	return resp, err
}

// RemoveDependency removes the matching edge.
func (c *Client) RemoveDependency(ctx context.Context, blockedID, blockerID, depType string) error {
	endpoint := fmt.Sprintf("v0/elements/%s/deps/%s?type=%s",
		url.PathEscape(blockedID), url.PathEscape(blockerID), url.QueryEscape(depType))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// Dependencies lists edges where id is the blocked endpoint.
func (c *Client) Dependencies(ctx context.Context, id string) ([]Dependency, error) {
	var resp []Dependency
	err := c.do(ctx, http.MethodGet, "v0/elements/"+url.PathEscape(id)+"/deps", nil, &resp)
	return resp, err
}

// Doctor returns the blocked-cache consistency report.
func (c *Client) Doctor(ctx context.Context) (DoctorReport, error) {
	var resp DoctorReport
	err := c.do(ctx, http.MethodGet, "v0/doctor", nil, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	reqURL := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.PrivateKey != nil && c.Actor != "":
		c.signRequest(req, payload)
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// signRequest attaches Ed25519 signature headers covering
// actor|signed_at|sha256(body).
func (c *Client) signRequest(req *http.Request, body []byte) {
	signedAt := time.Now().UTC().Format(time.RFC3339)
	sum := sha256.Sum256(body)
	bodyHash := hex.EncodeToString(sum[:])
	signable := c.Actor + "|" + signedAt + "|" + bodyHash
	sig := ed25519.Sign(c.PrivateKey, []byte(signable))
	req.Header.Set("X-Signature-Actor", c.Actor)
	req.Header.Set("X-Signed-At", signedAt)
	req.Header.Set("X-Request-Hash", bodyHash)
	req.Header.Set("X-Signature", base64.StdEncoding.EncodeToString(sig))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

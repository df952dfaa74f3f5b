package server

import (
	"encoding/json"

	"loom/internal/domain"
	"loom/internal/engine"
)

// Request payloads

type CreateElementRequest struct {
	ID     *string           `json:"id,omitempty"`
	Kind   string            `json:"kind" enum:"task,plan,channel,library,document,workflow,playbook,entity"`
	Title  string            `json:"title"`
	Status *string           `json:"status,omitempty" enum:"open,in_progress,done,closed"`
	Tags   []string          `json:"tags,omitempty"`
	Meta   map[string]string `json:"meta,omitempty"`
	Detail json.RawMessage   `json:"detail,omitempty"`
}

type UpdateElementRequest struct {
	Title  *string            `json:"title,omitempty"`
	Status *string            `json:"status,omitempty" enum:"open,in_progress,done,closed"`
	Tags   *[]string          `json:"tags,omitempty"`
	Meta   *map[string]string `json:"meta,omitempty"`
	Detail json.RawMessage    `json:"detail,omitempty"`
	// ExpectedUpdatedAt makes the update conditional: the write applies
	// only if the stored token still matches, otherwise 409.
	ExpectedUpdatedAt string `json:"expected_updated_at,omitempty" format:"date-time"`
}

type AddDependencyRequest struct {
	BlockerID string `json:"blocker_id"`
	Type      string `json:"type" enum:"blocks,parent-child,references,awaits"`
}

type RegisterEntityRequest struct {
	ID          *string `json:"id,omitempty"`
	Name        string  `json:"name"`
	DisplayName string  `json:"display_name,omitempty"`
	PublicKey   string  `json:"public_key,omitempty"`
	Agent       bool    `json:"agent,omitempty"`
}

type CreateAPIKeyRequest struct {
	Actor string `json:"actor"`
	Name  string `json:"name,omitempty"`
}

// Response payloads

type ElementResponse struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Title     string            `json:"title"`
	Status    string            `json:"status,omitempty"`
	CreatedBy string            `json:"created_by,omitempty"`
	Tags      []string          `json:"tags"`
	Meta      map[string]string `json:"meta,omitempty"`
	Detail    domain.Detail     `json:"detail,omitempty"`
	CreatedAt string            `json:"created_at" format:"date-time"`
	UpdatedAt string            `json:"updated_at" format:"date-time"`
	DeletedAt *string           `json:"deleted_at,omitempty" format:"date-time"`
}

type DependencyResponse struct {
	BlockedID string `json:"blocked_id"`
	BlockerID string `json:"blocker_id"`
	Type      string `json:"type"`
	Actor     string `json:"actor,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts" format:"date-time"`
	Type      string         `json:"type"`
	ElementID string         `json:"element_id,omitempty"`
	Actor     string         `json:"actor"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Actor     string `json:"actor"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is only present on creation; the store keeps the hash.
	Key string `json:"key,omitempty"`
}

type DoctorResponse struct {
	Orphans       []string `json:"orphans"`
	Missing       []string `json:"missing"`
	Stale         []string `json:"stale"`
	OrphanedEdges int      `json:"orphaned_edges"`
	Healthy       bool     `json:"healthy"`
}

type MigrationStatusResponse struct {
	Version       int      `json:"version"`
	Pending       []string `json:"pending"`
	SchemaValid   bool     `json:"schema_valid"`
	MissingTables []string `json:"missing_tables,omitempty"`
	ExtraTables   []string `json:"extra_tables,omitempty"`
}

type paginatedElements struct {
	Items      []ElementResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

// Conversion helpers

func elementResponse(e domain.Element) ElementResponse {
	return ElementResponse{
		ID:        e.ID,
		Kind:      string(e.Kind),
		Title:     e.Title,
		Status:    e.Status,
		CreatedBy: e.CreatedBy,
		Tags:      nonNilSlice(e.Tags),
		Meta:      e.Meta,
		Detail:    e.Detail,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
		DeletedAt: e.DeletedAt,
	}
}

func mapElements(items []domain.Element) []ElementResponse {
	res := make([]ElementResponse, 0, len(items))
	for _, e := range items {
		res = append(res, elementResponse(e))
	}
	return res
}

func dependencyResponse(d domain.Dependency) DependencyResponse {
	return DependencyResponse{
		BlockedID: d.BlockedID,
		BlockerID: d.BlockerID,
		Type:      string(d.Type),
		Actor:     d.Actor,
		CreatedAt: d.CreatedAt,
	}
}

func mapDependencies(items []domain.Dependency) []DependencyResponse {
	res := make([]DependencyResponse, 0, len(items))
	for _, d := range items {
		res = append(res, dependencyResponse(d))
	}
	return res
}

func eventResponse(evt domain.Event) EventResponse {
	return EventResponse{
		ID:        evt.ID,
		TS:        evt.TS,
		Type:      evt.Type,
		ElementID: evt.ElementID,
		Actor:     evt.Actor,
		Payload:   decodeJSONMap(evt.Payload),
	}
}

func doctorResponse(r engine.CacheReport) DoctorResponse {
	return DoctorResponse{
		Orphans:       nonNilSlice(r.Orphans),
		Missing:       nonNilSlice(r.Missing),
		Stale:         nonNilSlice(r.Stale),
		OrphanedEdges: r.OrphanedEdges,
		Healthy:       r.Healthy,
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp map[string]any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	return tmp
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

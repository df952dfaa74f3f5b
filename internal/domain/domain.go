package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind discriminates element variants. The set is closed; decoding an
// unknown kind is an error, not a passthrough.
type Kind string

const (
	KindTask     Kind = "task"
	KindPlan     Kind = "plan"
	KindChannel  Kind = "channel"
	KindLibrary  Kind = "library"
	KindDocument Kind = "document"
	KindWorkflow Kind = "workflow"
	KindPlaybook Kind = "playbook"
	KindEntity   Kind = "entity"
)

// Kinds lists every element kind.
func Kinds() []Kind {
	return []Kind{KindTask, KindPlan, KindChannel, KindLibrary, KindDocument, KindWorkflow, KindPlaybook, KindEntity}
}

func (k Kind) Valid() bool {
	switch k {
	case KindTask, KindPlan, KindChannel, KindLibrary, KindDocument, KindWorkflow, KindPlaybook, KindEntity:
		return true
	}
	return false
}

// Blockable reports whether elements of this kind carry a live status and
// participate in the blocked cache.
func (k Kind) Blockable() bool {
	switch k {
	case KindTask, KindPlan, KindWorkflow:
		return true
	}
	return false
}

const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusDone       = "done"
	StatusClosed     = "closed"
)

// Resolved reports whether a status terminates blocking: a resolved
// blocker no longer blocks its dependents.
func Resolved(status string) bool {
	return status == StatusDone || status == StatusClosed
}

func ValidStatus(status string) bool {
	switch status {
	case StatusOpen, StatusInProgress, StatusBlocked, StatusDone, StatusClosed:
		return true
	}
	return false
}

// Element is a stored, typed, soft-deletable record. UpdatedAt doubles as
// the optimistic-concurrency token and advances strictly per element.
// Timestamps are RFC3339Nano UTC strings.
type Element struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	Title     string            `json:"title"`
	Status    string            `json:"status,omitempty"`
	CreatedBy string            `json:"created_by,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
	Detail    Detail            `json:"detail,omitempty"`
	CreatedAt string            `json:"created_at" format:"date-time"`
	UpdatedAt string            `json:"updated_at" format:"date-time"`
	DeletedAt *string           `json:"deleted_at,omitempty" format:"date-time"`
}

// Deleted reports whether the element is a tombstone.
func (e Element) Deleted() bool { return e.DeletedAt != nil }

// Detail is the kind-specific payload of an element. Exactly one
// implementation exists per kind.
type Detail interface {
	ElementKind() Kind
}

type TaskDetail struct {
	Assignee string `json:"assignee,omitempty"`
	Priority int    `json:"priority,omitempty"`
	Estimate string `json:"estimate,omitempty"`
}

type PlanDetail struct {
	Objective  string   `json:"objective,omitempty"`
	Milestones []string `json:"milestones,omitempty"`
}

type ChannelDetail struct {
	Topic   string   `json:"topic,omitempty"`
	Members []string `json:"members,omitempty"`
}

type LibraryDetail struct {
	Location string `json:"location,omitempty"`
	Format   string `json:"format,omitempty"`
}

type DocumentDetail struct {
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

type WorkflowDetail struct {
	Steps []string `json:"steps,omitempty"`
}

type PlaybookDetail struct {
	Trigger string   `json:"trigger,omitempty"`
	Steps   []string `json:"steps,omitempty"`
}

// EntityDetail describes a human or agent principal. PublicKey, when set,
// is a base64 standard-padded Ed25519 key (32 raw bytes, 44 chars).
type EntityDetail struct {
	DisplayName string `json:"display_name,omitempty"`
	PublicKey   string `json:"public_key,omitempty"`
	Agent       bool   `json:"agent,omitempty"`
}

func (TaskDetail) ElementKind() Kind     { return KindTask }
func (PlanDetail) ElementKind() Kind     { return KindPlan }
func (ChannelDetail) ElementKind() Kind  { return KindChannel }
func (LibraryDetail) ElementKind() Kind  { return KindLibrary }
func (DocumentDetail) ElementKind() Kind { return KindDocument }
func (WorkflowDetail) ElementKind() Kind { return KindWorkflow }
func (PlaybookDetail) ElementKind() Kind { return KindPlaybook }
func (EntityDetail) ElementKind() Kind   { return KindEntity }

// NewDetail returns the zero detail value for a kind.
func NewDetail(kind Kind) (Detail, error) {
	switch kind {
	case KindTask:
		return TaskDetail{}, nil
	case KindPlan:
		return PlanDetail{}, nil
	case KindChannel:
		return ChannelDetail{}, nil
	case KindLibrary:
		return LibraryDetail{}, nil
	case KindDocument:
		return DocumentDetail{}, nil
	case KindWorkflow:
		return WorkflowDetail{}, nil
	case KindPlaybook:
		return PlaybookDetail{}, nil
	case KindEntity:
		return EntityDetail{}, nil
	}
	return nil, fmt.Errorf("unknown element kind %q", kind)
}

// DecodeDetail unmarshals a kind-specific payload.
func DecodeDetail(kind Kind, raw []byte) (Detail, error) {
	if len(raw) == 0 {
		return NewDetail(kind)
	}
	switch kind {
	case KindTask:
		var d TaskDetail
		return d, decodeInto(kind, raw, &d)
	case KindPlan:
		var d PlanDetail
		return d, decodeInto(kind, raw, &d)
	case KindChannel:
		var d ChannelDetail
		return d, decodeInto(kind, raw, &d)
	case KindLibrary:
		var d LibraryDetail
		return d, decodeInto(kind, raw, &d)
	case KindDocument:
		var d DocumentDetail
		return d, decodeInto(kind, raw, &d)
	case KindWorkflow:
		var d WorkflowDetail
		return d, decodeInto(kind, raw, &d)
	case KindPlaybook:
		var d PlaybookDetail
		return d, decodeInto(kind, raw, &d)
	case KindEntity:
		var d EntityDetail
		return d, decodeInto(kind, raw, &d)
	}
	return nil, fmt.Errorf("unknown element kind %q", kind)
}

func decodeInto(kind Kind, raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s detail: %w", kind, err)
	}
	return nil
}

// DepType categorizes the relationship between two elements.
type DepType string

const (
	DepBlocks      DepType = "blocks"
	DepParentChild DepType = "parent-child"
	DepReferences  DepType = "references"
	DepAwaits      DepType = "awaits"
)

func (d DepType) Valid() bool {
	switch d {
	case DepBlocks, DepParentChild, DepReferences, DepAwaits:
		return true
	}
	return false
}

// Blocking reports whether edges of this type can make the blocked
// endpoint logically blocked. References are attachment-style links and
// never feed the cache or the cycle check.
func (d DepType) Blocking() bool {
	return d == DepBlocks || d == DepParentChild || d == DepAwaits
}

// Dependency is a typed directed edge: BlockerID blocks (or parents, or
// is referenced by) BlockedID. Edges are append-only, created and
// removed but never mutated.
type Dependency struct {
	BlockedID string  `json:"blocked_id"`
	BlockerID string  `json:"blocker_id"`
	Type      DepType `json:"type"`
	Actor     string  `json:"actor,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// BlockedCacheEntry marks an element currently computed as blocked.
type BlockedCacheEntry struct {
	ElementID string `json:"element_id"`
	CachedAt  string `json:"cached_at" format:"date-time"`
}

// Event is one row of the append-only audit trail. Payload is raw JSON
// written by the mutation that produced the event.
type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	ElementID string `json:"element_id,omitempty"`
	Actor     string `json:"actor"`
	Payload   string `json:"payload,omitempty"`
}

// ActorSource records where a resolved actor name came from.
type ActorSource string

const (
	SourceExplicit ActorSource = "explicit"
	SourceCLIFlag  ActorSource = "cli_flag"
	SourceConfig   ActorSource = "config"
	SourceElement  ActorSource = "element"
	SourceSystem   ActorSource = "system"
)

// ActorContext identifies who performs an operation. Constructed per
// request, never persisted.
type ActorContext struct {
	Actor    string      `json:"actor"`
	Source   ActorSource `json:"source"`
	Verified bool        `json:"verified"`
	EntityID string      `json:"entity_id,omitempty"`
}

// VerificationStatus is the outcome of the signature pipeline.
type VerificationStatus string

const (
	VerifyValid         VerificationStatus = "valid"
	VerifyInvalid       VerificationStatus = "invalid"
	VerifyExpired       VerificationStatus = "expired"
	VerifyActorNotFound VerificationStatus = "actor_not_found"
	VerifyNoPublicKey   VerificationStatus = "no_public_key"
	VerifyNotSigned     VerificationStatus = "not_signed"
)

// VerificationResult carries the verification outcome as a value.
// Failures are not errors: in soft and hybrid trust modes the caller must
// still be able to proceed.
type VerificationResult struct {
	Status  VerificationStatus `json:"status"`
	Allowed bool               `json:"allowed"`
	Actor   string             `json:"actor,omitempty"`
	Err     string             `json:"error,omitempty"`
	Details map[string]string  `json:"details,omitempty"`
}

// TrustMode governs whether unsigned or unverifiable requests are admitted.
type TrustMode string

const (
	TrustSoft          TrustMode = "soft"
	TrustCryptographic TrustMode = "cryptographic"
	TrustHybrid        TrustMode = "hybrid"
)

func (m TrustMode) Valid() bool {
	return m == TrustSoft || m == TrustCryptographic || m == TrustHybrid
}

// ConflictError reports an optimistic-concurrency mismatch on one element.
type ConflictError struct {
	ElementID string
	Expected  string
	Actual    string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("concurrent modification of %s: expected updated_at %s, found %s", e.ElementID, e.Expected, e.Actual)
}

// CycleError reports a rejected hierarchy mutation.
type CycleError struct {
	BlockedID string
	BlockerID string
	Reason    string
}

func (e CycleError) Error() string {
	return fmt.Sprintf("dependency %s -> %s rejected: %s", e.BlockerID, e.BlockedID, e.Reason)
}

// ValidationError reports malformed input rejected before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// IdentityError reports signature-material problems where an error return
// is appropriate (key parsing, signing), as opposed to verification
// outcomes which travel as VerificationResult values.
type IdentityError struct {
	Reason string
}

func (e IdentityError) Error() string { return e.Reason }

// ElementIDPrefix returns the kind prefix of an element id, or "" when
// the id carries none.
func ElementIDPrefix(id string) string {
	i := strings.IndexByte(id, '-')
	if i <= 0 {
		return ""
	}
	return id[:i]
}

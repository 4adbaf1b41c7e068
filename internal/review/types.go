// Package review implements the review case lifecycle engine: the case data
// model, the status state machine, the orchestrating case store with its
// expiry scheduler, and the storage abstraction behind it.
package review

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openhitl/reviewd/internal/token"
)

// CaseType classifies what kind of human decision a case defers. Immutable
// after creation.
type CaseType string

// Supported case types.
const (
	TypeApproval     CaseType = "approval"
	TypeSelection    CaseType = "selection"
	TypeInput        CaseType = "input"
	TypeConfirmation CaseType = "confirmation"
	TypeEscalation   CaseType = "escalation"
	TypeCustom       CaseType = "custom"
)

// Valid reports whether t is a known case type.
func (t CaseType) Valid() bool {
	switch t {
	case TypeApproval, TypeSelection, TypeInput, TypeConfirmation,
		TypeEscalation, TypeCustom:

		return true
	default:
		return false
	}
}

// CaseTypes lists all supported case types.
func CaseTypes() []CaseType {
	return []CaseType{
		TypeApproval, TypeSelection, TypeInput, TypeConfirmation,
		TypeEscalation, TypeCustom,
	}
}

// Status is the lifecycle state of a review case. It is mutated only by the
// state machine in fsm.go.
type Status string

// Lifecycle statuses.
const (
	StatusPending    Status = "pending"
	StatusOpened     Status = "opened"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusExpired    Status = "expired"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether the status has no outgoing transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// Result is the human (or inline-agent) response to a case. Set exactly
// once, on the transition into completed.
type Result struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Identity describes who responded to a case.
type Identity struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Case is the sole entity of the engine: one pending human decision.
type Case struct {
	// CaseID is the globally unique, URL-safe primary key. Never reused.
	CaseID string

	// Type is fixed at creation.
	Type CaseType

	// Status only moves along the transition table in fsm.go.
	Status Status

	// ReviewTokenHash is the digest of the review-URL credential. The raw
	// token exists only transiently at generation and verification.
	ReviewTokenHash token.Digest

	// SubmitTokenHash is present only when the case carries inline
	// actions.
	SubmitTokenHash *token.Digest

	// InlineActions is the restricted action set permitted via the
	// submit-token path. Empty for cases requiring the full review
	// surface.
	InlineActions []string

	// Context is the opaque payload rendered by the review surface. The
	// engine passes it through without interpreting it.
	Context json.RawMessage

	// Prompt is the short human-facing question.
	Prompt string

	// DefaultAction is applied conceptually at expiry by the caller; the
	// engine only reports it in the expired projection.
	DefaultAction string

	// Timestamps stamped once by the state machine on first entry to the
	// corresponding state.
	CreatedAt    time.Time
	OpenedAt     *time.Time
	InProgressAt *time.Time
	CompletedAt  *time.Time
	ExpiredAt    *time.Time
	CancelledAt  *time.Time

	// ExpiresAt drives the expiry deadline.
	ExpiresAt time.Time

	// Result is non-nil iff Status == completed.
	Result *Result

	// RespondedBy is set alongside Result.
	RespondedBy *Identity

	// Version starts at 1 and increases by exactly 1 per transition.
	Version int

	// ETag is a pure function of (Version, Status), quotes included.
	ETag string
}

// ETagFor derives the cache-validation tag for a version/status pair.
func ETagFor(version int, status Status) string {
	return fmt.Sprintf(`"v%d-%s"`, version, status)
}

// TokenDigest implements token.DigestHolder, selecting the stored credential
// by purpose.
func (c *Case) TokenDigest(p token.Purpose) (token.Digest, bool) {
	switch p {
	case token.PurposeReview:
		return c.ReviewTokenHash, true

	case token.PurposeSubmit:
		if c.SubmitTokenHash == nil {
			return token.Digest{}, false
		}
		return *c.SubmitTokenHash, true

	default:
		return token.Digest{}, false
	}
}

// IsTerminal reports whether the case has reached a terminal status.
func (c *Case) IsTerminal() bool {
	return c.Status.IsTerminal()
}

// SupportsInline reports whether the case carries an inline action set.
func (c *Case) SupportsInline() bool {
	return len(c.InlineActions) > 0
}

// AllowsInlineAction reports whether action is in the inline action set.
func (c *Case) AllowsInlineAction(action string) bool {
	for _, a := range c.InlineActions {
		if a == action {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so storage implementations can hand out cases
// without aliasing engine-owned state.
func (c *Case) Clone() *Case {
	dup := *c

	if c.SubmitTokenHash != nil {
		h := *c.SubmitTokenHash
		dup.SubmitTokenHash = &h
	}
	dup.InlineActions = append([]string(nil), c.InlineActions...)
	dup.Context = append(json.RawMessage(nil), c.Context...)

	dup.OpenedAt = cloneTime(c.OpenedAt)
	dup.InProgressAt = cloneTime(c.InProgressAt)
	dup.CompletedAt = cloneTime(c.CompletedAt)
	dup.ExpiredAt = cloneTime(c.ExpiredAt)
	dup.CancelledAt = cloneTime(c.CancelledAt)

	if c.Result != nil {
		r := *c.Result
		r.Data = append(json.RawMessage(nil), c.Result.Data...)
		dup.Result = &r
	}
	if c.RespondedBy != nil {
		id := *c.RespondedBy
		dup.RespondedBy = &id
	}

	return &dup
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	dup := *t
	return &dup
}

// Projection is the status-appropriate view returned to pollers. Fields
// that do not apply to the current status are omitted: result only when
// completed, default_action only when expired.
type Projection struct {
	Status    Status    `json:"status"`
	CaseID    string    `json:"case_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	OpenedAt     *time.Time `json:"opened_at,omitempty"`
	InProgressAt *time.Time `json:"in_progress_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ExpiredAt    *time.Time `json:"expired_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`

	Result        *Result   `json:"result,omitempty"`
	RespondedBy   *Identity `json:"responded_by,omitempty"`
	DefaultAction string    `json:"default_action,omitempty"`
}

// Project builds the poll projection for the case's current status.
func (c *Case) Project() *Projection {
	p := &Projection{
		Status:       c.Status,
		CaseID:       c.CaseID,
		CreatedAt:    c.CreatedAt,
		ExpiresAt:    c.ExpiresAt,
		OpenedAt:     c.OpenedAt,
		InProgressAt: c.InProgressAt,
		CompletedAt:  c.CompletedAt,
		ExpiredAt:    c.ExpiredAt,
		CancelledAt:  c.CancelledAt,
	}

	if c.Status == StatusCompleted {
		p.Result = c.Result
		p.RespondedBy = c.RespondedBy
	}
	if c.Status == StatusExpired {
		p.DefaultAction = c.DefaultAction
	}

	return p
}

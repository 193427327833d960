// Package review owns the human-in-the-loop workflow wrapping one bill from
// extraction to approval or rejection.
package review

import (
	"time"

	"github.com/google/uuid"
)

// ActionKind identifies one review action in the audit trail.
type ActionKind string

const (
	ActionStartReview   ActionKind = "start_review"
	ActionAcceptField   ActionKind = "accept_field"
	ActionEditField     ActionKind = "edit_field"
	ActionTargetedReOCR ActionKind = "targeted_reocr"
	ActionAddMask       ActionKind = "add_mask"
	ActionZoneEdit      ActionKind = "zone_edit"
	ActionUndo          ActionKind = "undo"
	ActionApprove       ActionKind = "approve"
	ActionReject        ActionKind = "reject"
	ActionReopen        ActionKind = "reopen"
	ActionManualMatch   ActionKind = "manual_match"
	ActionCreateProduct ActionKind = "create_product"
	ActionPostReceiving ActionKind = "post_receiving"
)

// AuditEntry is one immutable record of a state-affecting action. Entries
// are append-only; the trail is never rewritten.
type AuditEntry struct {
	ID       string     `json:"id"`
	BillID   string     `json:"bill_id"`
	Actor    string     `json:"actor"`
	At       time.Time  `json:"at"`
	Action   ActionKind `json:"action"`
	Entity   string     `json:"entity"` // entity type: bill, field, line, mask, zone
	EntityID string     `json:"entity_id"`
	Path     string     `json:"path,omitempty"` // field path for field-level actions
	Before   string     `json:"before,omitempty"`
	After    string     `json:"after,omitempty"`
	Reason   string     `json:"reason,omitempty"`
}

func newAudit(billID, actor string, action ActionKind, entity, entityID string) AuditEntry {
	return AuditEntry{
		ID:       uuid.NewString(),
		BillID:   billID,
		Actor:    actor,
		At:       time.Now().UTC(),
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
	}
}

// AuditLog persists audit entries; backed by the host store.
type AuditLog interface {
	Append(e AuditEntry) error
	ForBill(billID string) ([]AuditEntry, error)
}

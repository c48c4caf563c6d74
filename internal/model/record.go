// Package model defines shared types used across the sync engine and the
// local/remote store adapters.
package model

import (
	"encoding/json"
	"time"
)

// Entity type tags. Each names one synchronized collection of the care app.
const (
	EntityMedication     = "medication"
	EntityNote           = "note"
	EntityNoteComment    = "noteComment"
	EntityHealthRecord   = "healthRecord"
	EntityCalendarEvent  = "calendarEvent"
	EntityTask           = "task"
	EntityCareRecipient  = "careRecipient"
	EntityCareTeamMember = "careTeamMember"
)

// SyncableEntityTypes lists the entity types reconciled by a regular sync
// pass, in no particular order. Care recipient and membership documents are
// written only by the one-time bootstrap and are excluded here.
func SyncableEntityTypes() []string {
	return []string{
		EntityMedication,
		EntityNote,
		EntityNoteComment,
		EntityHealthRecord,
		EntityCalendarEvent,
		EntityTask,
	}
}

// IsSyncableEntityType reports whether name is one of the entity types
// returned by [SyncableEntityTypes].
func IsSyncableEntityType(name string) bool {
	for _, et := range SyncableEntityTypes() {
		if et == name {
			return true
		}
	}
	return false
}

// Record is a row in the local store. LocalID is the auto-increment key of
// the local identity space; it is zero for records not yet persisted.
type Record struct {
	LocalID    int64
	EntityType string

	// Payload is the opaque record body. The sync engine never inspects it;
	// whole-record last-write-wins makes field-level diffs unnecessary.
	Payload json.RawMessage

	// UpdatedAt is the local modification time, compared against the
	// mapping's last-synced watermark to detect dirty records.
	UpdatedAt time.Time

	// Deleted marks a local soft delete awaiting propagation to the remote.
	Deleted bool
}

// RemoteRecord is a document in the remote store. RemoteID is the
// server-assigned identifier; UpdatedAt is the server-assigned timestamp and
// is authoritative for conflict comparisons.
type RemoteRecord struct {
	RemoteID   string
	EntityType string
	Payload    json.RawMessage
	UpdatedAt  time.Time
	Deleted    bool
}

// CareRecipient is the root document created by the one-time bootstrap.
type CareRecipient struct {
	// LocalID is the recipient's local row id, zero if not yet stored locally.
	LocalID int64 `json:"-"`

	Name      string     `json:"name"`
	BirthDate *time.Time `json:"birthDate,omitempty"`
	Notes     string     `json:"notes,omitempty"`
}

// CareTeamMember links a user account to a care recipient. The bootstrap
// creates the owner membership alongside the recipient document.
type CareTeamMember struct {
	UserID      string `json:"userId"`
	RecipientID string `json:"recipientId"`
	Role        string `json:"role"`
}

// RoleOwner is the membership role assigned to the bootstrapping user.
const RoleOwner = "owner"

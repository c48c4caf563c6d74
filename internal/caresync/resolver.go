package caresync

import (
	"time"

	"github.com/kazu-apps/carenote-sync/internal/model"
)

// Side names the winner of a conflict resolution.
type Side int

const (
	// SideRemote means the remote document overwrites the local record.
	SideRemote Side = iota
	// SideLocal means the local record overwrites the remote document.
	SideLocal
)

func (s Side) String() string {
	if s == SideLocal {
		return "local"
	}
	return "remote"
}

// Resolution is the outcome of comparing a local record with its remote
// counterpart. WasConflict is true only when both sides changed since the
// last sync; a one-sided change is an ordinary propagation, not a conflict.
type Resolution struct {
	Winner      Side
	WasConflict bool
}

// Resolve decides which side of a record pair survives, using whole-record
// last-write-wins. A side counts as changed when its timestamp is strictly
// after lastSyncedAt. On a true conflict the strictly later timestamp wins;
// an exact tie goes to the remote side so every replica converges on the
// server's copy.
//
// Resolve is deterministic: the same inputs always produce the same
// resolution, regardless of which replica evaluates it.
func Resolve(local model.Record, remote model.RemoteRecord, lastSyncedAt time.Time) Resolution {
	localChanged := local.UpdatedAt.After(lastSyncedAt)
	remoteChanged := remote.UpdatedAt.After(lastSyncedAt)

	res := Resolution{WasConflict: localChanged && remoteChanged}
	switch {
	case localChanged && !remoteChanged:
		res.Winner = SideLocal
	case remoteChanged && !localChanged:
		res.Winner = SideRemote
	case local.UpdatedAt.After(remote.UpdatedAt):
		res.Winner = SideLocal
	default:
		res.Winner = SideRemote
	}
	return res
}

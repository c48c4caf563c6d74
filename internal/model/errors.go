package model

import "errors"

// Closed error taxonomy for sync failures. Adapters wrap the sentinel that
// classifies the failure; the engine and callers test with [errors.Is].
var (
	// ErrNetwork is a transient connectivity or remote API failure.
	ErrNetwork = errors.New("network failure")

	// ErrUnauthorized means the remote rejected the credentials. Not
	// retryable without re-authentication.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrValidation means the remote rejected the payload against its
	// schema rules. Retrying the same payload cannot succeed.
	ErrValidation = errors.New("payload rejected by remote validation")

	// ErrNotFound means a remote document vanished between the mapping
	// lookup and the fetch. The engine treats it as a remote delete.
	ErrNotFound = errors.New("remote document not found")

	// ErrMappingConflict means a remote id is already mapped to a different
	// local id. This is a duplicate-creation race and must be surfaced,
	// never silently resolved.
	ErrMappingConflict = errors.New("mapping conflict")

	// ErrDatabase is a local storage failure.
	ErrDatabase = errors.New("local database failure")

	// ErrSyncInProgress is returned when a second sync is requested for a
	// care recipient that already has one in flight.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// Retryable reports whether err is worth retrying automatically. Only
// transient network failures qualify; auth and validation failures need user
// action first.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork)
}

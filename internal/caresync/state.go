package caresync

import (
	"fmt"
	"sync"
	"time"
)

// StateKind enumerates the phases of the sync state machine.
type StateKind int

const (
	// KindIdle means no sync is running.
	KindIdle StateKind = iota
	// KindSyncing means a sync pass is in progress.
	KindSyncing
	// KindSuccess means the last pass completed without failures.
	KindSuccess
	// KindError means the last pass failed or was partial.
	KindError
)

func (k StateKind) String() string {
	switch k {
	case KindIdle:
		return "idle"
	case KindSyncing:
		return "syncing"
	case KindSuccess:
		return "success"
	default:
		return "error"
	}
}

// State is one observable snapshot of the sync engine, rendered by the UI as
// a status indicator. Only the fields relevant to the Kind are populated.
type State struct {
	Kind StateKind

	// Progress is the completed fraction of the running pass, in [0, 1].
	// Meaningful only while syncing.
	Progress float64

	// CurrentEntity is the entity type most recently completed, for
	// progress display. Meaningful only while syncing.
	CurrentEntity string

	// LastSyncedAt is when the last successful pass finished.
	LastSyncedAt time.Time

	// Err and Retryable describe the failure when Kind is KindError.
	// Retryable tells the UI whether a "try again" affordance makes sense.
	Err       error
	Retryable bool
}

// IdleState returns the initial state.
func IdleState() State { return State{Kind: KindIdle} }

// SyncingState builds an in-progress state. Progress outside [0, 1] is an
// error so a miscounted worker cannot push a 120% progress bar to the UI.
func SyncingState(progress float64, currentEntity string) (State, error) {
	if progress < 0 || progress > 1 {
		return State{}, fmt.Errorf("progress %v outside [0, 1]", progress)
	}
	return State{Kind: KindSyncing, Progress: progress, CurrentEntity: currentEntity}, nil
}

// SuccessState builds the terminal state of a clean pass.
func SuccessState(lastSyncedAt time.Time) State {
	return State{Kind: KindSuccess, LastSyncedAt: lastSyncedAt}
}

// ErrorState builds the terminal state of a failed or partial pass.
func ErrorState(err error, retryable bool) State {
	return State{Kind: KindError, Err: err, Retryable: retryable}
}

// Publisher broadcasts sync state transitions to any number of subscribers.
// New subscribers immediately receive the latest state, so a status view
// opened mid-sync shows the current phase rather than a blank indicator.
//
// Publisher never blocks the sync engine: a subscriber that stops draining
// its channel misses intermediate states but will still observe the latest
// one eventually.
type Publisher struct {
	mu     sync.Mutex
	latest State
	subs   map[int]chan State
	nextID int
}

// NewPublisher creates a Publisher in the idle state.
func NewPublisher() *Publisher {
	return &Publisher{latest: IdleState(), subs: make(map[int]chan State)}
}

// Publish records s as the latest state and fans it out to subscribers.
func (p *Publisher) Publish(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest = s
	for _, ch := range p.subs {
		// Replace a stale buffered state rather than blocking.
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

// Latest returns the most recently published state.
func (p *Publisher) Latest() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest
}

// Subscribe registers a new state listener. The returned channel carries the
// latest state immediately, then every subsequent transition. Call the
// cancel function to unsubscribe and close the channel.
func (p *Publisher) Subscribe() (<-chan State, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	ch := make(chan State, 1)
	ch <- p.latest
	p.subs[id] = ch

	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if sub, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

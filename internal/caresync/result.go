package caresync

import (
	"fmt"
	"strings"
)

// Status classifies the overall outcome of a sync pass.
type Status int

const (
	// StatusSuccess means every record synchronized cleanly.
	StatusSuccess Status = iota
	// StatusPartial means some records synchronized and some failed.
	// The successes are durable; only the failures are retried later.
	StatusPartial
	// StatusFailure means no progress was made at all.
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusPartial:
		return "partial"
	default:
		return "failure"
	}
}

// RecordError ties a per-record failure to the local record it concerns, so
// the caller knows exactly which records remain unsynchronized.
type RecordError struct {
	EntityType string
	LocalID    int64
	Err        error
}

func (e RecordError) Error() string {
	return fmt.Sprintf("%s/%d: %v", e.EntityType, e.LocalID, e.Err)
}

func (e RecordError) Unwrap() error { return e.Err }

// Result summarizes one sync pass over one or more entity types.
type Result struct {
	Status     Status
	Uploaded   int
	Downloaded int
	Conflicts  int
	Failed     []RecordError

	// Err carries the pass-level failure when Status is StatusFailure,
	// for example an unreachable server or a dead local database.
	Err error
}

// Merge folds another result into r. Counters add up, failed records
// concatenate, and statuses mix to partial: only all-success stays success
// and only all-failure stays failure.
func (r *Result) Merge(other Result) {
	r.Uploaded += other.Uploaded
	r.Downloaded += other.Downloaded
	r.Conflicts += other.Conflicts
	r.Failed = append(r.Failed, other.Failed...)
	if other.Err != nil && r.Err == nil {
		r.Err = other.Err
	}

	// Any two differing statuses mix to partial. A failure next to a
	// success must not be reported as failure, or the caller would re-push
	// entity types that already synchronized.
	if r.Status != other.Status {
		r.Status = StatusPartial
	}
}

// Aggregate combines per-entity results into a single pass result.
// All success is success, all failure is failure, anything mixed is partial.
func Aggregate(results []Result) Result {
	if len(results) == 0 {
		return Result{Status: StatusSuccess}
	}
	total := results[0]
	for _, r := range results[1:] {
		total.Merge(r)
	}
	return total
}

func (r Result) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d uploaded, %d downloaded, %d conflicts",
		r.Status, r.Uploaded, r.Downloaded, r.Conflicts)
	if len(r.Failed) > 0 {
		fmt.Fprintf(&b, ", %d failed", len(r.Failed))
	}
	if r.Err != nil {
		fmt.Fprintf(&b, " (%v)", r.Err)
	}
	return b.String()
}

// failure builds a pass-level failure result.
func failure(err error) Result {
	return Result{Status: StatusFailure, Err: err}
}

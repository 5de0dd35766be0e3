// Package allocator partitions the contact queue across an ordered set
// of (list, quota) pairs, driving one directory upsert per consumed
// record. It is the core of an allocation run: everything around it is
// I/O.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/listfeed/internal/contact"
)

// ===== ALLOCATION REQUEST =====

var (
	ErrEmptyRequest  = errors.New("allocation request has no entries")
	ErrEmptyListID   = errors.New("allocation entry has no list id")
	ErrNegativeCount = errors.New("allocation count cannot be negative")
)

// ListQuota pairs a destination list with the maximum number of queue
// records it may consume this run.
type ListQuota struct {
	ListID string `json:"list_id"`
	Count  int    `json:"count"`
}

// Request is an ordered allocation request. Order is priority: earlier
// entries fill from the front of the queue first.
type Request []ListQuota

// Validate rejects structurally bad requests. A request of all zero
// counts is valid (the run consumes nothing).
func (r Request) Validate() error {
	if len(r) == 0 {
		return ErrEmptyRequest
	}
	for i, lq := range r {
		if lq.ListID == "" {
			return fmt.Errorf("entry %d: %w", i, ErrEmptyListID)
		}
		if lq.Count < 0 {
			return fmt.Errorf("entry %d (%s): %w", i, lq.ListID, ErrNegativeCount)
		}
	}
	return nil
}

// Total returns the sum of requested counts: the upper bound on
// records this run can consume.
func (r Request) Total() int {
	total := 0
	for _, lq := range r {
		total += lq.Count
	}
	return total
}

// ===== COLLABORATORS =====

// Upserter is the directory capability the allocator drives: one
// create-or-update call per consumed record. A non-nil error marks the
// record failed; its text becomes the retained error status.
type Upserter interface {
	Upsert(ctx context.Context, email, listID string, attrs []contact.Attribute) error
}

// Outcome classifies how a consumed record left the run.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// Event reports one consumed record. Email is the raw address;
// reporters redact it before logging.
type Event struct {
	Index   int     `json:"index"`
	Email   string  `json:"email"`
	ListID  string  `json:"list_id"`
	Outcome Outcome `json:"outcome"`
	Detail  string  `json:"detail,omitempty"`
}

// Progress observes a run as it executes. Calls happen inline between
// records, so implementations must be cheap.
type Progress interface {
	ListStarted(listID string, quota int)
	RecordDone(ev Event)
}

// ===== RUN =====

// Input is everything one allocation run consumes. Queue must already
// be filtered of records whose status is processed; the run date
// stamps every success status.
type Input struct {
	Queue    []contact.Record
	Headers  []string
	Request  Request
	RunDate  time.Time
	Progress Progress
}

// Counts summarizes a run.
type Counts struct {
	Total     int            `json:"total"`
	Consumed  int            `json:"consumed"`
	Succeeded int            `json:"succeeded"`
	Skipped   int            `json:"skipped"`
	Failed    int            `json:"failed"`
	Remaining int            `json:"remaining"`
	PerList   map[string]int `json:"per_list"`
}

// Result partitions the queue after a run. Processed rows are already
// serialized in header order, ready to append to the processed table;
// Retained records go back to the source queue.
type Result struct {
	Processed [][]string
	Retained  []contact.Record
	Counts    Counts
}

// Allocator assigns queue records to lists through an Upserter.
type Allocator struct {
	upserter Upserter
}

// New creates an Allocator around the given directory capability.
func New(upserter Upserter) *Allocator {
	return &Allocator{upserter: upserter}
}

// Run executes one allocation pass. A single cursor walks the queue;
// each (list, quota) pair consumes up to quota records in queue order.
// A consumed record counts against the pair's quota whatever its
// outcome. Per-record upsert failures never fail the run; the only
// error Run returns is context cancellation, and even then the partial
// Result is valid, with every unconsumed record retained unchanged, so
// the caller can still write back a consistent queue.
func (a *Allocator) Run(ctx context.Context, in Input) (*Result, error) {
	res := &Result{
		Counts: Counts{
			Total:   len(in.Queue),
			PerList: make(map[string]int),
		},
	}

	idx := 0
	var canceled bool

pairs:
	for _, lq := range in.Request {
		if in.Progress != nil {
			in.Progress.ListStarted(lq.ListID, lq.Count)
		}

		for allocated := 0; allocated < lq.Count && idx < len(in.Queue); allocated++ {
			if ctx.Err() != nil {
				canceled = true
				break pairs
			}

			rec := in.Queue[idx]
			pos := idx
			idx++
			res.Counts.Consumed++
			res.Counts.PerList[lq.ListID]++

			email := rec.Email()
			if email == "" {
				rec.SetStatus(contact.Skipped(contact.ReasonNoEmail))
				res.Retained = append(res.Retained, rec)
				res.Counts.Skipped++
				a.report(in.Progress, Event{Index: pos, ListID: lq.ListID, Outcome: OutcomeSkipped, Detail: contact.ReasonNoEmail})
				continue
			}

			if err := a.upserter.Upsert(ctx, email, lq.ListID, rec.Attributes()); err != nil {
				rec.SetStatus(contact.Failed(err.Error()))
				res.Retained = append(res.Retained, rec)
				res.Counts.Failed++
				a.report(in.Progress, Event{Index: pos, Email: email, ListID: lq.ListID, Outcome: OutcomeFailed, Detail: err.Error()})
				continue
			}

			rec.SetStatus(contact.Succeeded(in.RunDate, lq.ListID))
			res.Processed = append(res.Processed, rec.Row(in.Headers))
			res.Counts.Succeeded++
			a.report(in.Progress, Event{Index: pos, Email: email, ListID: lq.ListID, Outcome: OutcomeSucceeded})
		}
	}

	// Everything still under the cursor goes back to the queue unchanged.
	res.Retained = append(res.Retained, in.Queue[idx:]...)
	res.Counts.Remaining = len(in.Queue) - idx

	if canceled {
		return res, ctx.Err()
	}
	return res, nil
}

func (a *Allocator) report(p Progress, ev Event) {
	if p != nil {
		p.RecordDone(ev)
	}
}

// Package runs orchestrates allocation runs: read the contact queue,
// drive the allocator against BigMailer, write outcomes back to the
// sheet, and track run state for the API.
package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/listfeed/internal/allocator"
	"github.com/ignite/listfeed/internal/config"
	"github.com/ignite/listfeed/internal/contact"
	"github.com/ignite/listfeed/internal/pkg/distlock"
	"github.com/ignite/listfeed/internal/pkg/logger"
	"github.com/ignite/listfeed/internal/sheets"
)

var (
	ErrRunInProgress = errors.New("an allocation run is already in progress")
	ErrRunNotFound   = errors.New("run not found")
)

// Run status values
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const (
	runStateTTL = 24 * time.Hour
	runLockTTL  = 10 * time.Minute
	runLockKey  = "allocation-run"

	latestRunKey = "listfeed:run:latest"

	// Progress persistence: a bounded event sample plus periodic saves
	// keep Redis traffic flat regardless of queue size.
	maxEventSample   = 50
	progressSaveFreq = 20
)

// Entry names a target list by registry name (MAIN, WARMING1, ...) or
// raw BigMailer list ID, with the number of contacts to allocate.
type Entry struct {
	List  string `json:"list"`
	Count int    `json:"count"`
}

// RunState is the persisted status of one allocation run. It lives as
// JSON in Redis for 24 hours and is mirrored in memory so single-node
// setups work without Redis.
type RunState struct {
	ID          string            `json:"id"`
	Status      string            `json:"status"`
	Request     allocator.Request `json:"request"`
	RunDate     string            `json:"run_date"`
	Counts      allocator.Counts  `json:"counts"`
	CurrentList string            `json:"current_list,omitempty"`
	Message     string            `json:"message,omitempty"`
	Events      []allocator.Event `json:"events,omitempty"` // Sample of per-record outcomes
	Error       string            `json:"error,omitempty"`
	SheetURL    string            `json:"sheet_url,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

func (st *RunState) clone() *RunState {
	cp := *st
	cp.Request = append(allocator.Request(nil), st.Request...)
	cp.Events = append([]allocator.Event(nil), st.Events...)
	if st.Counts.PerList != nil {
		perList := make(map[string]int, len(st.Counts.PerList))
		for k, v := range st.Counts.PerList {
			perList[k] = v
		}
		cp.Counts.PerList = perList
	}
	if st.CompletedAt != nil {
		t := *st.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Service coordinates allocation runs. At most one run executes at a
// time; the guard is an in-process flag plus a distributed lock when
// Redis or Postgres is available.
type Service struct {
	cfg      *config.Config
	store    sheets.Store
	upserter allocator.Upserter
	redis    *redis.Client
	db       *sql.DB
	archiver *Archiver

	mu       sync.Mutex
	active   bool
	mem      map[string]*RunState
	latestID string
}

// NewService creates a run service over the given sheet store and
// contact directory.
func NewService(cfg *config.Config, store sheets.Store, upserter allocator.Upserter) *Service {
	return &Service{
		cfg:      cfg,
		store:    store,
		upserter: upserter,
		mem:      make(map[string]*RunState),
	}
}

// SetRedisClient enables cross-process run state and locking.
func (s *Service) SetRedisClient(client *redis.Client) { s.redis = client }

// SetDB provides a database handle for advisory locking when Redis is
// not configured.
func (s *Service) SetDB(db *sql.DB) { s.db = db }

// SetArchiver enables S3 archival of completed runs.
func (s *Service) SetArchiver(a *Archiver) { s.archiver = a }

// Start begins an allocation run in the background and returns its
// initial state. ErrRunInProgress means another run holds the lock.
func (s *Service) Start(ctx context.Context, entries []Entry) (*RunState, error) {
	st, lock, err := s.prepare(ctx, entries)
	if err != nil {
		return nil, err
	}
	snapshot := st.clone()
	go s.execute(context.Background(), st, lock)
	return snapshot, nil
}

// Run executes an allocation run synchronously and returns its final
// state. The returned error is non-nil when the run did not complete.
func (s *Service) Run(ctx context.Context, entries []Entry) (*RunState, error) {
	st, lock, err := s.prepare(ctx, entries)
	if err != nil {
		return nil, err
	}
	final := s.execute(ctx, st, lock)
	if final.Status == StatusFailed {
		return final, errors.New(final.Error)
	}
	return final, nil
}

func (s *Service) prepare(ctx context.Context, entries []Entry) (*RunState, distlock.DistLock, error) {
	req, err := s.resolveRequest(entries)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return nil, nil, ErrRunInProgress
	}
	s.active = true
	s.mu.Unlock()

	var lock distlock.DistLock
	if s.redis != nil || s.db != nil {
		lock = distlock.NewLock(s.redis, s.db, runLockKey, runLockTTL)
		ok, err := lock.Acquire(ctx)
		if err != nil {
			s.releaseActive()
			return nil, nil, fmt.Errorf("acquire run lock: %w", err)
		}
		if !ok {
			s.releaseActive()
			return nil, nil, ErrRunInProgress
		}
	}

	now := time.Now()
	st := &RunState{
		ID:        uuid.New().String(),
		Status:    StatusPending,
		Request:   req,
		RunDate:   now.Format("2006-01-02"),
		Message:   "Starting allocation process...",
		SheetURL:  s.cfg.Sheets.SpreadsheetURL(),
		StartedAt: now,
	}
	s.saveState(ctx, st)
	log.Printf("[Run] Run %s started: %d lists, %d contacts requested", st.ID, len(req), req.Total())
	logger.Info("allocation run started", "run_id", st.ID, "lists", len(req), "requested", req.Total())
	return st, lock, nil
}

// resolveRequest maps registry names to list IDs. Anything not in the
// registry passes through as a raw list ID, matching how operators
// paste IDs directly.
func (s *Service) resolveRequest(entries []Entry) (allocator.Request, error) {
	req := make(allocator.Request, 0, len(entries))
	for _, e := range entries {
		listID := e.List
		if id, ok := s.cfg.ListID(e.List); ok {
			listID = id
		}
		req = append(req, allocator.ListQuota{ListID: listID, Count: e.Count})
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *Service) execute(ctx context.Context, st *RunState, lock distlock.DistLock) *RunState {
	defer func() {
		if lock != nil {
			if err := lock.Release(context.Background()); err != nil {
				log.Printf("[Run] Warning: failed to release run lock: %v", err)
			}
		}
		s.releaseActive()
	}()

	source := s.cfg.Sheets.SourceTable

	st.Status = StatusRunning
	s.saveState(ctx, st)

	headers, records, err := s.store.Read(ctx, source)
	if err != nil {
		return s.fail(ctx, st, fmt.Errorf("read %q: %w", source, err))
	}
	if len(records) == 0 {
		log.Printf("[Run] No rows found in '%s'.", source)
		return s.complete(ctx, st, fmt.Sprintf("No rows found in '%s'.", source))
	}

	// Rows added on a previous run leave the queue for good.
	queue := make([]contact.Record, 0, len(records))
	for _, rec := range records {
		if rec.Status().IsProcessed() {
			continue
		}
		queue = append(queue, rec)
	}

	st.Counts.Total = len(queue)
	s.saveState(ctx, st)

	res, runErr := allocator.New(s.upserter).Run(ctx, allocator.Input{
		Queue:    queue,
		Headers:  headers,
		Request:  st.Request,
		RunDate:  st.StartedAt,
		Progress: &runProgress{svc: s, st: st, ctx: ctx},
	})

	// After cancellation the write-back runs on a fresh context so
	// contacts already handed to BigMailer still get recorded.
	writeCtx := ctx
	if runErr != nil {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
	}

	retained := make([][]string, 0, len(res.Retained))
	for _, rec := range res.Retained {
		retained = append(retained, rec.Row(headers))
	}

	st.Counts = res.Counts

	// Source first: a crash between the two writes must never lose a
	// record, only delay its appearance in the processed table.
	if err := s.store.Overwrite(writeCtx, source, headers, retained); err != nil {
		return s.fail(writeCtx, st, fmt.Errorf("rewrite %q: %w", source, err))
	}

	if len(res.Processed) > 0 {
		target := s.cfg.Sheets.ProcessedTable
		if err := s.store.Append(writeCtx, target, res.Processed); err != nil {
			return s.fail(writeCtx, st, fmt.Errorf("append to %q: %w", target, err))
		}
		log.Printf("[Run] Appended %d contacts to '%s'.", len(res.Processed), target)
	}

	if runErr != nil {
		return s.fail(writeCtx, st, fmt.Errorf("allocation interrupted: %w", runErr))
	}

	log.Printf("[Run] All done. Check the sheet for updates.")
	final := s.complete(ctx, st, "All done. Check the sheet for updates.")
	s.archiveRun(final)
	return final
}

func (s *Service) complete(ctx context.Context, st *RunState, msg string) *RunState {
	now := time.Now()
	st.Status = StatusCompleted
	st.Message = msg
	st.CurrentList = ""
	st.CompletedAt = &now
	s.saveState(ctx, st)
	logger.Info("allocation run completed", "run_id", st.ID,
		"succeeded", st.Counts.Succeeded, "skipped", st.Counts.Skipped,
		"failed", st.Counts.Failed, "remaining", st.Counts.Remaining)
	return st
}

func (s *Service) fail(ctx context.Context, st *RunState, err error) *RunState {
	log.Printf("[Run] Run %s failed: %v", st.ID, err)
	now := time.Now()
	st.Status = StatusFailed
	st.Error = err.Error()
	st.CompletedAt = &now
	s.saveState(ctx, st)
	logger.Error("allocation run failed", "run_id", st.ID, "error", err.Error())
	return st
}

func (s *Service) archiveRun(st *RunState) {
	if s.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.archiver.SaveRun(ctx, st); err != nil {
		log.Printf("[Run] Warning: failed to archive run %s: %v", st.ID, err)
	}
}

func (s *Service) releaseActive() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// Get returns the state of a run by ID.
func (s *Service) Get(ctx context.Context, id string) (*RunState, error) {
	if s.redis != nil {
		data, err := s.redis.Get(ctx, runKey(id)).Bytes()
		if err == nil {
			var st RunState
			if err := json.Unmarshal(data, &st); err == nil {
				return &st, nil
			}
		}
	}

	s.mu.Lock()
	st, ok := s.mem[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	return st.clone(), nil
}

// Latest returns the most recently started run.
func (s *Service) Latest(ctx context.Context) (*RunState, error) {
	if s.redis != nil {
		id, err := s.redis.Get(ctx, latestRunKey).Result()
		if err == nil && id != "" {
			return s.Get(ctx, id)
		}
	}

	s.mu.Lock()
	id := s.latestID
	s.mu.Unlock()
	if id == "" {
		return nil, ErrRunNotFound
	}
	return s.Get(ctx, id)
}

// QueueSummary reports the source table's current composition.
type QueueSummary struct {
	Table     string `json:"table"`
	Total     int    `json:"total"`
	Pending   int    `json:"pending"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
	Succeeded int    `json:"succeeded"`
	SheetURL  string `json:"sheet_url,omitempty"`
}

// QueueSummary reads the source table and buckets rows by status.
// Skipped and failed rows still count as pending: the next run retries
// them.
func (s *Service) QueueSummary(ctx context.Context) (*QueueSummary, error) {
	source := s.cfg.Sheets.SourceTable
	_, records, err := s.store.Read(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", source, err)
	}

	sum := &QueueSummary{
		Table:    source,
		Total:    len(records),
		SheetURL: s.cfg.Sheets.SpreadsheetURL(),
	}
	for _, rec := range records {
		switch rec.Status().Kind {
		case contact.StatusSucceeded:
			sum.Succeeded++
		case contact.StatusSkipped:
			sum.Skipped++
		case contact.StatusFailed:
			sum.Failed++
		}
	}
	sum.Pending = sum.Total - sum.Succeeded
	return sum, nil
}

func (s *Service) saveState(ctx context.Context, st *RunState) {
	snap := st.clone()

	s.mu.Lock()
	s.mem[snap.ID] = snap
	s.latestID = snap.ID
	s.mu.Unlock()

	if s.redis == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, runKey(snap.ID), data, runStateTTL).Err(); err != nil {
		log.Printf("[Run] Warning: failed to persist run state %s: %v", snap.ID, err)
	}
	s.redis.Set(ctx, latestRunKey, snap.ID, runStateTTL)
}

func runKey(id string) string {
	return fmt.Sprintf("listfeed:run:%s", id)
}

// runProgress feeds allocator events into run state and the log. It
// lives for exactly one Run call.
type runProgress struct {
	svc   *Service
	st    *RunState
	ctx   context.Context
	dirty int
}

func (p *runProgress) ListStarted(listID string, quota int) {
	log.Printf("[Run] Allocating %d contacts to list: %s", quota, listID)
	p.st.CurrentList = listID
	p.st.Message = fmt.Sprintf("Allocating %d contacts to list: %s", quota, listID)
	p.svc.saveState(p.ctx, p.st)
}

func (p *runProgress) RecordDone(ev allocator.Event) {
	c := &p.st.Counts
	if c.PerList == nil {
		c.PerList = make(map[string]int)
	}
	c.Consumed++
	c.PerList[ev.ListID]++
	c.Remaining = c.Total - c.Consumed

	switch ev.Outcome {
	case allocator.OutcomeSucceeded:
		c.Succeeded++
		log.Printf("[Run] ✓ %s => %s", logger.RedactEmail(ev.Email), ev.ListID)
	case allocator.OutcomeSkipped:
		c.Skipped++
		log.Printf("[Run] Skipped row: no email provided.")
	case allocator.OutcomeFailed:
		c.Failed++
		log.Printf("[Run] ✗ %s => %s", logger.RedactEmail(ev.Email), ev.Detail)
	}

	if len(p.st.Events) < maxEventSample {
		p.st.Events = append(p.st.Events, ev)
	}

	p.dirty++
	if p.dirty >= progressSaveFreq {
		p.dirty = 0
		p.svc.saveState(p.ctx, p.st)
	}
}

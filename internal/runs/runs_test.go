package runs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/listfeed/internal/config"
	"github.com/ignite/listfeed/internal/contact"
	"github.com/ignite/listfeed/internal/pkg/distlock"
	"github.com/ignite/listfeed/internal/sheets"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var queueHeaders = []string{"Email", "First Name", "Last Name", "Tags", "Status"}

func queueRow(email, first, last, status string) []string {
	return []string{email, first, last, "", status}
}

type fakeStore struct {
	mu      sync.Mutex
	headers []string
	rows    [][]string

	readErr      error
	overwriteErr error
	appendErr    error

	ops              []string
	overwritten      map[string][][]string
	overwriteHeaders []string
	appended         map[string][][]string
}

var _ sheets.Store = (*fakeStore)(nil)

func newFakeStore(rows [][]string) *fakeStore {
	return &fakeStore{
		headers:     queueHeaders,
		rows:        rows,
		overwritten: make(map[string][][]string),
		appended:    make(map[string][][]string),
	}
}

func (f *fakeStore) Read(ctx context.Context, table string) ([]string, []contact.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, nil, f.readErr
	}
	if len(f.rows) == 0 {
		return nil, nil, nil
	}
	records := make([]contact.Record, 0, len(f.rows))
	for _, row := range f.rows {
		records = append(records, contact.NewRecord(f.headers, row))
	}
	return append([]string(nil), f.headers...), records, nil
}

func (f *fakeStore) Overwrite(ctx context.Context, table string, headers []string, rows [][]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.overwriteErr != nil {
		return f.overwriteErr
	}
	f.ops = append(f.ops, "overwrite:"+table)
	f.overwriteHeaders = headers
	f.overwritten[table] = rows
	return nil
}

func (f *fakeStore) Append(ctx context.Context, table string, rows [][]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.ops = append(f.ops, "append:"+table)
	f.appended[table] = append(f.appended[table], rows...)
	return nil
}

type upsertCall struct {
	email  string
	listID string
}

type fakeUpserter struct {
	mu     sync.Mutex
	calls  []upsertCall
	errFor map[string]error
}

func (f *fakeUpserter) Upsert(ctx context.Context, email, listID string, attrs []contact.Attribute) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, upsertCall{email: email, listID: listID})
	if err, ok := f.errFor[email]; ok {
		return err
	}
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Sheets: config.SheetsConfig{
			Type:           "local",
			SpreadsheetID:  "sheet-xyz",
			SourceTable:    "ContactsToAdd",
			ProcessedTable: "ProcessedContacts",
		},
		Lists: []config.ListEntry{
			{Name: "MAIN", ID: "list-main"},
			{Name: "WARMING1", ID: "list-w1"},
		},
	}
}

func setupTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

// =============================================================================
// RUN EXECUTION
// =============================================================================

func TestRun_AllocatesAndWritesBack(t *testing.T) {
	store := newFakeStore([][]string{
		queueRow("a@example.com", "Ann", "Apple", ""),
		queueRow("b@example.com", "Ben", "Berry", ""),
		queueRow("", "Carol", "Cherry", ""),
		queueRow("d@example.com", "Dan", "Dill", ""),
	})
	ups := &fakeUpserter{}
	svc := NewService(testConfig(), store, ups)

	final, err := svc.Run(context.Background(), []Entry{{List: "MAIN", Count: 3}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if final.Status != StatusCompleted {
		t.Fatalf("Status = %q, want %q", final.Status, StatusCompleted)
	}
	if final.Message != "All done. Check the sheet for updates." {
		t.Errorf("Message = %q", final.Message)
	}

	c := final.Counts
	if c.Total != 4 || c.Consumed != 3 || c.Succeeded != 2 || c.Skipped != 1 || c.Failed != 0 || c.Remaining != 1 {
		t.Errorf("Counts = %+v", c)
	}
	if c.PerList["list-main"] != 3 {
		t.Errorf("PerList[list-main] = %d, want 3", c.PerList["list-main"])
	}

	// Directory saw only the two rows with emails.
	wantCalls := []upsertCall{
		{email: "a@example.com", listID: "list-main"},
		{email: "b@example.com", listID: "list-main"},
	}
	if len(ups.calls) != len(wantCalls) {
		t.Fatalf("upsert calls = %v", ups.calls)
	}
	for i, want := range wantCalls {
		if ups.calls[i] != want {
			t.Errorf("call %d = %+v, want %+v", i, ups.calls[i], want)
		}
	}

	// Source rewritten before the processed append.
	wantOps := []string{"overwrite:ContactsToAdd", "append:ProcessedContacts"}
	if len(store.ops) != 2 || store.ops[0] != wantOps[0] || store.ops[1] != wantOps[1] {
		t.Fatalf("store ops = %v, want %v", store.ops, wantOps)
	}

	retained := store.overwritten["ContactsToAdd"]
	if len(retained) != 2 {
		t.Fatalf("retained rows = %v", retained)
	}
	if retained[0][4] != "Skipped: No Email" {
		t.Errorf("skipped row status = %q", retained[0][4])
	}
	if retained[1][0] != "d@example.com" || retained[1][4] != "" {
		t.Errorf("unconsumed row = %v", retained[1])
	}

	processed := store.appended["ProcessedContacts"]
	if len(processed) != 2 {
		t.Fatalf("processed rows = %v", processed)
	}
	wantStatus := fmt.Sprintf("Successfully added on %s to list-main", final.StartedAt.Format("2006-01-02"))
	for i, row := range processed {
		if row[4] != wantStatus {
			t.Errorf("processed row %d status = %q, want %q", i, row[4], wantStatus)
		}
	}
	if processed[0][0] != "a@example.com" || processed[1][0] != "b@example.com" {
		t.Errorf("processed emails = %q, %q", processed[0][0], processed[1][0])
	}
}

func TestRun_EmptyQueueIsNoOp(t *testing.T) {
	store := newFakeStore(nil)
	svc := NewService(testConfig(), store, &fakeUpserter{})

	final, err := svc.Run(context.Background(), []Entry{{List: "MAIN", Count: 10}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if final.Status != StatusCompleted {
		t.Errorf("Status = %q, want %q", final.Status, StatusCompleted)
	}
	if final.Message != "No rows found in 'ContactsToAdd'." {
		t.Errorf("Message = %q", final.Message)
	}
	if len(store.ops) != 0 {
		t.Errorf("store ops = %v, want none", store.ops)
	}
}

func TestRun_DropsPreviouslyAddedRows(t *testing.T) {
	store := newFakeStore([][]string{
		queueRow("done@example.com", "Old", "Row", "Successfully added on 2026-08-01 to list-main"),
		queueRow("a@example.com", "Ann", "Apple", ""),
		queueRow("b@example.com", "Ben", "Berry", ""),
	})
	ups := &fakeUpserter{}
	svc := NewService(testConfig(), store, ups)

	final, err := svc.Run(context.Background(), []Entry{{List: "MAIN", Count: 1}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// The already-added row neither counts nor survives the rewrite.
	if final.Counts.Total != 2 {
		t.Errorf("Total = %d, want 2", final.Counts.Total)
	}
	retained := store.overwritten["ContactsToAdd"]
	if len(retained) != 1 || retained[0][0] != "b@example.com" {
		t.Errorf("retained = %v, want only b@example.com", retained)
	}
	processed := store.appended["ProcessedContacts"]
	if len(processed) != 1 || processed[0][0] != "a@example.com" {
		t.Errorf("processed = %v, want only a@example.com", processed)
	}
}

func TestRun_UpsertFailureKeepsRowWithError(t *testing.T) {
	store := newFakeStore([][]string{
		queueRow("a@example.com", "Ann", "Apple", ""),
		queueRow("b@example.com", "Ben", "Berry", ""),
	})
	ups := &fakeUpserter{errFor: map[string]error{
		"b@example.com": errors.New("list not found"),
	}}
	svc := NewService(testConfig(), store, ups)

	final, err := svc.Run(context.Background(), []Entry{{List: "MAIN", Count: 2}})
	if err != nil {
		t.Fatalf("Run() error = %v; per-record failures must not fail the run", err)
	}
	if final.Status != StatusCompleted {
		t.Errorf("Status = %q, want %q", final.Status, StatusCompleted)
	}

	c := final.Counts
	if c.Consumed != 2 || c.Succeeded != 1 || c.Failed != 1 {
		t.Errorf("Counts = %+v", c)
	}

	retained := store.overwritten["ContactsToAdd"]
	if len(retained) != 1 {
		t.Fatalf("retained = %v", retained)
	}
	if retained[0][4] != "Error: list not found" {
		t.Errorf("failed row status = %q", retained[0][4])
	}
	if len(store.appended["ProcessedContacts"]) != 1 {
		t.Errorf("processed = %v", store.appended["ProcessedContacts"])
	}
}

func TestRun_ZeroCountWritesQueueBackUnchanged(t *testing.T) {
	store := newFakeStore([][]string{
		queueRow("a@example.com", "Ann", "Apple", ""),
		queueRow("b@example.com", "Ben", "Berry", ""),
	})
	ups := &fakeUpserter{}
	svc := NewService(testConfig(), store, ups)

	final, err := svc.Run(context.Background(), []Entry{{List: "MAIN", Count: 0}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if final.Counts.Consumed != 0 || final.Counts.Remaining != 2 {
		t.Errorf("Counts = %+v", final.Counts)
	}
	if len(ups.calls) != 0 {
		t.Errorf("upsert calls = %v, want none", ups.calls)
	}
	if len(store.overwritten["ContactsToAdd"]) != 2 {
		t.Errorf("retained = %v, want both rows back", store.overwritten["ContactsToAdd"])
	}
	if len(store.ops) != 1 || store.ops[0] != "overwrite:ContactsToAdd" {
		t.Errorf("store ops = %v, want overwrite only", store.ops)
	}
}

func TestRun_ReadErrorFailsRun(t *testing.T) {
	store := newFakeStore(nil)
	store.readErr = errors.New("sheets API error (status 500)")
	svc := NewService(testConfig(), store, &fakeUpserter{})

	final, err := svc.Run(context.Background(), []Entry{{List: "MAIN", Count: 1}})
	if err == nil {
		t.Fatal("Run() error = nil, want read failure")
	}
	if final.Status != StatusFailed {
		t.Errorf("Status = %q, want %q", final.Status, StatusFailed)
	}
	if !strings.Contains(final.Error, "sheets API error") {
		t.Errorf("Error = %q", final.Error)
	}
}

func TestRun_OverwriteErrorSkipsAppend(t *testing.T) {
	store := newFakeStore([][]string{
		queueRow("a@example.com", "Ann", "Apple", ""),
	})
	store.overwriteErr = errors.New("quota exceeded")
	svc := NewService(testConfig(), store, &fakeUpserter{})

	final, err := svc.Run(context.Background(), []Entry{{List: "MAIN", Count: 1}})
	if err == nil {
		t.Fatal("Run() error = nil, want rewrite failure")
	}
	if final.Status != StatusFailed {
		t.Errorf("Status = %q, want %q", final.Status, StatusFailed)
	}
	if len(store.appended["ProcessedContacts"]) != 0 {
		t.Error("append happened despite source rewrite failure")
	}
}

// =============================================================================
// CONCURRENCY GUARDS
// =============================================================================

func TestRun_RejectsWhileActive(t *testing.T) {
	svc := NewService(testConfig(), newFakeStore(nil), &fakeUpserter{})
	svc.active = true

	_, err := svc.Run(context.Background(), []Entry{{List: "MAIN", Count: 1}})
	if !errors.Is(err, ErrRunInProgress) {
		t.Errorf("Run() error = %v, want ErrRunInProgress", err)
	}
}

func TestRun_RejectsWhenLockHeldElsewhere(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx := context.Background()
	foreign := distlock.NewLock(client, nil, runLockKey, time.Minute)
	if ok, _ := foreign.Acquire(ctx); !ok {
		t.Fatal("failed to acquire lock for test setup")
	}

	svc := NewService(testConfig(), newFakeStore(nil), &fakeUpserter{})
	svc.SetRedisClient(client)

	_, err := svc.Run(ctx, []Entry{{List: "MAIN", Count: 1}})
	if !errors.Is(err, ErrRunInProgress) {
		t.Errorf("Run() error = %v, want ErrRunInProgress", err)
	}

	// Lock released: the next run goes through.
	if err := foreign.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := svc.Run(ctx, []Entry{{List: "MAIN", Count: 1}}); err != nil {
		t.Errorf("Run() after release error = %v", err)
	}
}

func TestStart_RunsInBackground(t *testing.T) {
	store := newFakeStore([][]string{
		queueRow("a@example.com", "Ann", "Apple", ""),
	})
	svc := NewService(testConfig(), store, &fakeUpserter{})

	ctx := context.Background()
	st, err := svc.Start(ctx, []Entry{{List: "MAIN", Count: 1}})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if st.Status != StatusPending {
		t.Errorf("initial Status = %q, want %q", st.Status, StatusPending)
	}

	deadline := time.After(2 * time.Second)
	for {
		cur, err := svc.Get(ctx, st.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if cur.Status == StatusCompleted {
			break
		}
		if cur.Status == StatusFailed {
			t.Fatalf("run failed: %s", cur.Error)
		}
		select {
		case <-deadline:
			t.Fatalf("run did not complete, status = %q", cur.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}

	store.mu.Lock()
	appended := len(store.appended["ProcessedContacts"])
	store.mu.Unlock()
	if appended != 1 {
		t.Errorf("processed rows = %d, want 1", appended)
	}
}

// =============================================================================
// STATE LOOKUP
// =============================================================================

func TestGet_RedisRoundTrip(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := newFakeStore([][]string{
		queueRow("a@example.com", "Ann", "Apple", ""),
	})
	svc := NewService(testConfig(), store, &fakeUpserter{})
	svc.SetRedisClient(client)

	ctx := context.Background()
	final, err := svc.Run(ctx, []Entry{{List: "MAIN", Count: 1}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// A fresh service with no memory of the run reads it from Redis.
	other := NewService(testConfig(), store, &fakeUpserter{})
	other.SetRedisClient(client)

	got, err := other.Get(ctx, final.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ID != final.ID || got.Status != StatusCompleted || got.Counts.Succeeded != 1 {
		t.Errorf("Get() = %+v", got)
	}

	latest, err := other.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if latest.ID != final.ID {
		t.Errorf("Latest() ID = %q, want %q", latest.ID, final.ID)
	}

	if _, err := other.Get(ctx, "no-such-run"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Get(unknown) error = %v, want ErrRunNotFound", err)
	}
}

func TestGet_MemoryFallbackWithoutRedis(t *testing.T) {
	store := newFakeStore([][]string{
		queueRow("a@example.com", "Ann", "Apple", ""),
	})
	svc := NewService(testConfig(), store, &fakeUpserter{})

	ctx := context.Background()
	final, err := svc.Run(ctx, []Entry{{List: "MAIN", Count: 1}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got, err := svc.Get(ctx, final.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("Status = %q", got.Status)
	}

	latest, err := svc.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if latest.ID != final.ID {
		t.Errorf("Latest() ID = %q, want %q", latest.ID, final.ID)
	}

	if _, err := svc.Get(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrRunNotFound", err)
	}
}

func TestLatest_NoRuns(t *testing.T) {
	svc := NewService(testConfig(), newFakeStore(nil), &fakeUpserter{})
	if _, err := svc.Latest(context.Background()); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Latest() error = %v, want ErrRunNotFound", err)
	}
}

// =============================================================================
// QUEUE SUMMARY
// =============================================================================

func TestQueueSummary(t *testing.T) {
	store := newFakeStore([][]string{
		queueRow("a@example.com", "Ann", "Apple", ""),
		queueRow("", "Carol", "Cherry", "Skipped: No Email"),
		queueRow("b@example.com", "Ben", "Berry", "Error: list not found"),
		queueRow("done@example.com", "Old", "Row", "Successfully added on 2026-08-01 to list-main"),
	})
	svc := NewService(testConfig(), store, &fakeUpserter{})

	sum, err := svc.QueueSummary(context.Background())
	if err != nil {
		t.Fatalf("QueueSummary() error = %v", err)
	}
	if sum.Table != "ContactsToAdd" {
		t.Errorf("Table = %q", sum.Table)
	}
	if sum.Total != 4 || sum.Succeeded != 1 || sum.Skipped != 1 || sum.Failed != 1 {
		t.Errorf("summary = %+v", sum)
	}
	// Skipped and failed rows stay in the queue, so they remain pending.
	if sum.Pending != 3 {
		t.Errorf("Pending = %d, want 3", sum.Pending)
	}
}

// =============================================================================
// REQUEST RESOLUTION
// =============================================================================

func TestRun_ResolvesRegistryNames(t *testing.T) {
	store := newFakeStore([][]string{
		queueRow("a@example.com", "Ann", "Apple", ""),
		queueRow("b@example.com", "Ben", "Berry", ""),
	})
	ups := &fakeUpserter{}
	svc := NewService(testConfig(), store, ups)

	// Registry names resolve case-insensitively; anything else passes
	// through as a raw list ID.
	final, err := svc.Run(context.Background(), []Entry{
		{List: "main", Count: 1},
		{List: "raw-list-42", Count: 1},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if final.Request[0].ListID != "list-main" {
		t.Errorf("Request[0].ListID = %q, want list-main", final.Request[0].ListID)
	}
	if final.Request[1].ListID != "raw-list-42" {
		t.Errorf("Request[1].ListID = %q, want raw-list-42", final.Request[1].ListID)
	}
	if ups.calls[0].listID != "list-main" || ups.calls[1].listID != "raw-list-42" {
		t.Errorf("upsert calls = %v", ups.calls)
	}
}

func TestRun_RejectsBadRequests(t *testing.T) {
	svc := NewService(testConfig(), newFakeStore(nil), &fakeUpserter{})
	ctx := context.Background()

	if _, err := svc.Run(ctx, nil); err == nil {
		t.Error("Run(nil entries) error = nil, want validation failure")
	}
	if _, err := svc.Run(ctx, []Entry{{List: "MAIN", Count: -5}}); err == nil {
		t.Error("Run(negative count) error = nil, want validation failure")
	}
	if _, err := svc.Run(ctx, []Entry{{List: "", Count: 5}}); err == nil {
		t.Error("Run(empty list) error = nil, want validation failure")
	}
}

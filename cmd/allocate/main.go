// One-shot allocation run from the command line: read the contact
// queue, fill the requested lists, write outcomes back to the sheet,
// print a summary. One invocation is exactly one run.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/ignite/listfeed/internal/bigmailer"
	"github.com/ignite/listfeed/internal/config"
	"github.com/ignite/listfeed/internal/runs"
	"github.com/ignite/listfeed/internal/sheets"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	allocateSpec := flag.String("allocate", "", "allocation request, e.g. \"MAIN=100,WARMING1=50\" (registry names or raw list IDs)")
	validate := flag.Bool("validate", false, "ask BigMailer to validate email addresses on upsert")
	flag.Parse()

	if *allocateSpec == "" {
		fmt.Fprintln(os.Stderr, "Usage: allocate -allocate \"MAIN=100,WARMING1=50\" [-config config/config.yaml] [-validate]")
		os.Exit(1)
	}

	entries, err := parseAllocateSpec(*allocateSpec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: bad -allocate value: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *validate {
		cfg.BigMailer.ValidateEmails = true
	}
	if cfg.BigMailer.APIKey == "" || cfg.BigMailer.BrandID == "" {
		fmt.Fprintln(os.Stderr, "FATAL: BigMailer not configured: set BIGMAILER_API_KEY and BIGMAILER_BRAND_ID")
		os.Exit(1)
	}

	// Ctrl-C stops between records; the partial partition still gets
	// written back before the process exits.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := sheets.New(ctx, cfg.Sheets)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to initialize sheet store: %v\n", err)
		os.Exit(1)
	}

	client := bigmailer.NewClient(bigmailer.Config{
		APIKey:     cfg.BigMailer.APIKey,
		BrandID:    cfg.BigMailer.BrandID,
		BaseURL:    cfg.BigMailer.BaseURL,
		Timeout:    cfg.BigMailer.Timeout(),
		MaxRetries: cfg.BigMailer.MaxRetries,
		Validate:   cfg.BigMailer.ValidateEmails,
	})

	svc := runs.NewService(cfg, store, client)
	if pg, ok := store.(*sheets.PostgresStore); ok {
		svc.SetDB(pg.DB())
	}

	fmt.Println("=========================================================")
	fmt.Println(" Contact Queue Allocation")
	fmt.Println("=========================================================")
	fmt.Printf("Source table:       %s\n", cfg.Sheets.SourceTable)
	fmt.Printf("Processed table:    %s\n", cfg.Sheets.ProcessedTable)
	for _, e := range entries {
		fmt.Printf("  %-16s %d\n", e.List, e.Count)
	}
	fmt.Println("---------------------------------------------------------")

	started := time.Now()
	st, runErr := svc.Run(ctx, entries)
	elapsed := time.Since(started).Round(time.Millisecond)

	if st == nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", runErr)
		os.Exit(1)
	}

	fmt.Println("---------------------------------------------------------")
	fmt.Printf("Run ID:             %s\n", st.ID)
	fmt.Printf("Status:             %s\n", st.Status)
	fmt.Printf("Queue size:         %d\n", st.Counts.Total)
	fmt.Printf("Consumed:           %d\n", st.Counts.Consumed)
	fmt.Printf("Succeeded:          %d\n", st.Counts.Succeeded)
	fmt.Printf("Skipped (no email): %d\n", st.Counts.Skipped)
	fmt.Printf("Failed:             %d\n", st.Counts.Failed)
	fmt.Printf("Remaining in queue: %d\n", st.Counts.Remaining)
	for list, n := range st.Counts.PerList {
		fmt.Printf("  %-16s %d consumed\n", list, n)
	}
	fmt.Printf("Elapsed:            %s\n", elapsed)
	fmt.Println("=========================================================")

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Run did not complete: %v\n", runErr)
		os.Exit(1)
	}
}

// parseAllocateSpec turns "MAIN=100,WARMING1=50" into ordered run
// entries. Order is preserved: it is the allocation priority.
func parseAllocateSpec(spec string) ([]runs.Entry, error) {
	var entries []runs.Entry
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, countStr, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("entry %q: want LIST=COUNT", part)
		}
		count, err := strconv.Atoi(strings.TrimSpace(countStr))
		if err != nil {
			return nil, fmt.Errorf("entry %q: count is not a number", part)
		}
		entries = append(entries, runs.Entry{List: strings.TrimSpace(name), Count: count})
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no entries in %q", spec)
	}
	return entries, nil
}

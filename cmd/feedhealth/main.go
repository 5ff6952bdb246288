// Feedhealth is the operator tool for the jobhound database: inspect feed
// health, re-enable feeds the pipeline disabled, and prune old records.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/jobhound/jobhound/internal/jobhound"
	"github.com/jobhound/jobhound/internal/migrations"
	jhsqlite "github.com/jobhound/jobhound/internal/sqlite"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true)
	healthyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	disabledStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle      = lipgloss.NewStyle().Faint(true)
)

func main() {
	var (
		dbPath    = flag.String("db", "", "path to the jobhound sqlite database (required)")
		status    = flag.Bool("status", false, "print health state for every feed")
		reset     = flag.String("reset", "", "reset failures and re-enable the given feed")
		enable    = flag.String("enable", "", "re-enable the given feed, keeping its failure count")
		disable   = flag.String("disable", "", "disable the given feed")
		cleanup   = flag.Int("cleanup", 0, "prune health rows with no activity in the given number of days")
		pruneSeen = flag.Int("prune-seen", 0, "prune seen records older than the given number of days")
	)
	flag.Parse()

	if *dbPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx := context.Background()

	dbx, err := sqlx.Open("sqlite", *dbPath)
	if err != nil {
		log.Fatalf("error opening database: %s", err)
	}
	defer dbx.Close()

	if err := migrations.Run(dbx); err != nil {
		log.Fatalf("error migrating: %s", err)
	}

	repo := jhsqlite.New(dbx)

	switch {
	case *reset != "":
		if err := repo.ResetHealth(ctx, *reset); err != nil {
			log.Fatalf("error resetting feed: %s", err)
		}
		fmt.Printf("reset %s\n", *reset)
	case *enable != "":
		if err := repo.SetDisabled(ctx, *enable, false); err != nil {
			log.Fatalf("error enabling feed: %s", err)
		}
		fmt.Printf("enabled %s\n", *enable)
	case *disable != "":
		if err := repo.SetDisabled(ctx, *disable, true); err != nil {
			log.Fatalf("error disabling feed: %s", err)
		}
		fmt.Printf("disabled %s\n", *disable)
	case *cleanup > 0:
		cutoff := time.Now().UTC().AddDate(0, 0, -*cleanup)
		n, err := repo.PruneHealth(ctx, cutoff)
		if err != nil {
			log.Fatalf("error pruning health records: %s", err)
		}
		fmt.Printf("pruned %d health records inactive since %s\n", n, cutoff.Format(time.DateOnly))
	case *pruneSeen > 0:
		cutoff := time.Now().UTC().AddDate(0, 0, -*pruneSeen)
		n, err := repo.PruneSeen(ctx, cutoff)
		if err != nil {
			log.Fatalf("error pruning seen records: %s", err)
		}
		fmt.Printf("pruned %d seen records older than %s\n", n, cutoff.Format(time.DateOnly))
	case *status:
		fallthrough
	default:
		if err := printStatus(ctx, repo); err != nil {
			log.Fatalf("error printing status: %s", err)
		}
	}
}

func printStatus(ctx context.Context, repo *jhsqlite.Repo) error {
	all, err := repo.AllHealth(ctx)
	if err != nil {
		return err
	}

	var healthy, failing, disabled []jobhound.FeedHealth
	for _, h := range all {
		switch {
		case h.Disabled:
			disabled = append(disabled, h)
		case h.ConsecutiveFailures > 0:
			failing = append(failing, h)
		default:
			healthy = append(healthy, h)
		}
	}

	printSection(healthyStyle.Render("healthy"), healthy)
	printSection(failingStyle.Render("failing"), failing)
	printSection(disabledStyle.Render("disabled"), disabled)

	jobs, err := repo.CountJobs(ctx)
	if err != nil {
		return err
	}
	seen, err := repo.CountSeen(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("\n%s %d jobs stored, %d fingerprints in the seen ledger\n",
		headerStyle.Render("totals:"), jobs, seen)

	return nil
}

func printSection(title string, feeds []jobhound.FeedHealth) {
	fmt.Printf("%s (%d)\n", headerStyle.Render(title), len(feeds))
	for _, h := range feeds {
		fmt.Printf("  %-30s %s\n", h.FeedID, describe(h))
	}
	if len(feeds) == 0 {
		fmt.Println(dimStyle.Render("  none"))
	}
}

func describe(h jobhound.FeedHealth) string {
	rate := "no attempts yet"
	if h.TotalAttempts > 0 {
		rate = fmt.Sprintf("%d/%d ok", h.TotalSuccesses, h.TotalAttempts)
	}

	last := ""
	switch {
	case h.LastFailureAt != nil && h.ConsecutiveFailures > 0:
		last = fmt.Sprintf(", %d consecutive failures, last at %s", h.ConsecutiveFailures, h.LastFailureAt.Format(time.RFC3339))
		if h.LastStatusCode != 0 {
			last += fmt.Sprintf(" (status %d)", h.LastStatusCode)
		}
	case h.LastSuccessAt != nil:
		last = ", last success " + h.LastSuccessAt.Format(time.RFC3339)
	}

	return rate + last
}

// Command reconcile runs one ledger consistency check and exits 2 when any
// violation is found.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"credit_ledger/internal/config"
	"credit_ledger/internal/events"
	"credit_ledger/internal/ledger"
	"credit_ledger/internal/storage"
	"credit_ledger/internal/utils"
)

const (
	exitOK        = 0
	exitError     = 1
	exitViolation = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	accountID := flag.String("account", "", "check a single account instead of all of them")
	publish := flag.Bool("publish", false, "publish violations to the ledger Kafka topic")
	timeout := flag.Duration("timeout", 30*time.Minute, "abort the check after this long")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to load configuration: %v\n", err)
		return exitError
	}
	if level, err := utils.ParseLogLevel(cfg.LogLevel); err == nil {
		utils.SetDefaultLogLevel(level)
	}

	if cfg.Database.URL == "" {
		fmt.Fprintf(os.Stderr, "ERROR: DATABASE_URL must be set\n")
		return exitError
	}

	db, err := storage.NewDB(storage.DBConfig{
		DSN:             cfg.Database.URL,
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		QueryTimeout:    cfg.Database.QueryTimeout,
		APIKeyCacheSize: 1, // No key lookups here
		APIKeyCacheTTL:  time.Minute,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to connect to database: %v\n", err)
		return exitError
	}
	defer db.Close()

	var publisher events.Publisher = events.NoopPublisher{}
	if *publish {
		kp, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.LedgerTopic)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: Failed to create publisher: %v\n", err)
			return exitError
		}
		defer kp.Close()
		publisher = kp
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	reconciler := ledger.NewReconciler(db.NewLedgerStore(cfg.Ledger.LockTimeout), publisher, ledger.ReconcilerConfig{
		PageSize: cfg.Reconcile.PageSize,
	})

	var report *ledger.Report
	if *accountID != "" {
		report, err = checkOne(ctx, reconciler, *accountID)
	} else {
		report, err = reconciler.Run(ctx)
	}
	if report != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(report); encErr != nil {
			fmt.Fprintf(os.Stderr, "ERROR: Failed to write report: %v\n", encErr)
		}
	}

	switch {
	case errors.Is(err, ledger.ErrConsistencyViolation):
		fmt.Fprintf(os.Stderr, "FAILED: %d violation(s) found\n", len(report.Violations))
		return exitViolation
	case err != nil:
		fmt.Fprintf(os.Stderr, "ERROR: Reconciliation failed: %v\n", err)
		return exitError
	}
	return exitOK
}

func checkOne(ctx context.Context, r *ledger.Reconciler, accountID string) (*ledger.Report, error) {
	report := &ledger.Report{StartedAt: time.Now().UTC()}
	violations, checked, err := r.CheckAccount(ctx, accountID)
	report.FinishedAt = time.Now().UTC()
	if err != nil {
		return nil, err
	}
	report.AccountsChecked = 1
	report.TransactionsChecked = checked
	report.Violations = violations
	return report, report.Err()
}

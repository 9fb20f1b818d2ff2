package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"orbital/internal/adapter/repo"
	"orbital/internal/adapter/sqlite"
	"orbital/internal/alerts"
	"orbital/internal/domain"
	"orbital/internal/infra"
	"orbital/internal/ledger"
)

func main() {
	var (
		userFlag    string
		opFlag      string
		minutesFlag float64
		keyFlag     string
		noteFlag    string
		limitFlag   int
		sqliteFlag  string
	)

	flag.StringVar(&userFlag, "user", "", "user ID to operate on")
	flag.StringVar(&opFlag, "op", "balance", "operation: balance, history, credit or debit")
	flag.Float64Var(&minutesFlag, "minutes", 0, "minutes to credit or debit (two decimals)")
	flag.StringVar(&keyFlag, "key", "", "idempotency key; rerunning with the same key is a no-op (default: random)")
	flag.StringVar(&noteFlag, "note", "", "reason recorded in entry metadata")
	flag.IntVar(&limitFlag, "limit", 20, "entries to show for history")
	flag.StringVar(&sqliteFlag, "sqlite", "", "operate on a SQLite file instead of DATABASE_URL")
	flag.Parse()

	userID := strings.TrimSpace(userFlag)
	op := strings.ToLower(strings.TrimSpace(opFlag))
	if userID == "" {
		exitWithError(errors.New("-user is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := infra.NewLogger("cli").With().Str("cmd", "ledgerctl").Logger()
	store, closeStore, err := openStore(ctx, strings.TrimSpace(sqliteFlag), logger)
	if err != nil {
		exitWithError(err)
	}
	defer closeStore()
	svc := ledger.NewService(store, logger, alerts.Nop{})

	switch op {
	case "balance":
		bal, err := svc.Balance(ctx, userID)
		if err != nil {
			exitWithError(err)
		}
		fmt.Printf("user %s: balance=%s held=%s available=%s\n", domain.MaskUserID(userID), bal.Minutes, bal.Held, bal.Available)
	case "history":
		entries, err := svc.Entries(ctx, userID, limitFlag)
		if err != nil {
			exitWithError(err)
		}
		for _, e := range entries {
			fmt.Printf("%s  %8s  %-15s  after=%-8s key=%s\n", e.CreatedAt.Format(time.RFC3339), e.Amount, e.Source, e.BalanceAfter, e.IdempotencyKey)
		}
	case "credit", "debit":
		amount := domain.MinutesFromFloat(minutesFlag)
		if amount <= 0 {
			exitWithError(errors.New("-minutes must be positive"))
		}
		key := strings.TrimSpace(keyFlag)
		if key == "" {
			key = "admin-" + uuid.NewString()
		}
		req := ledger.Request{
			UserID:         userID,
			Amount:         amount,
			Source:         domain.SourceAdmin,
			IdempotencyKey: key,
			Metadata:       map[string]any{"note": noteFlag, "operator": os.Getenv("USER")},
		}
		apply := svc.Credit
		if op == "debit" {
			apply = svc.Debit
		}
		res, err := apply(ctx, req)
		if err != nil {
			exitWithError(err)
		}
		if res.Idempotent {
			fmt.Printf("key %s already applied as %s, nothing changed\n", key, res.TransactionID)
		}
		fmt.Printf("%s %s: %s -> %s (key=%s)\n", op, res.Amount, res.PreviousBalance, res.Balance, key)
	default:
		exitWithError(fmt.Errorf("unsupported op %q", op))
	}
}

func openStore(ctx context.Context, sqlitePath string, logger infra.Logger) (ledger.Store, func(), error) {
	if sqlitePath != "" {
		db, err := sqlite.Open(ctx, sqlitePath)
		if err != nil {
			return nil, nil, err
		}
		return sqlite.NewLedgerStore(db), func() { _ = db.Close() }, nil
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		return nil, nil, errors.New("DATABASE_URL is required")
	}
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect database: %w", err)
	}
	return repo.NewLedgerRepository(infra.NewSQLRunner(pool, logger)), pool.Close, nil
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"vichat_go_backend/internal/database"
	"vichat_go_backend/internal/services"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

type options struct {
	driver     string
	sqlitePath string
	initial    int64
}

func newRootCmd() *cobra.Command {
	_ = godotenv.Load()

	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "creditctl",
		Short:         "Inspect and adjust ViChat credit balances",
		Long:          "creditctl talks to the credit ledger database directly. Every change it makes is recorded as an admin_adjustment transaction.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.driver, "driver", envOr("DB_DRIVER", database.DriverPostgres), "database driver (postgres or sqlite)")
	rootCmd.PersistentFlags().StringVar(&opts.sqlitePath, "sqlite-path", envOr("SQLITE_PATH", "vichat.db"), "sqlite database file")
	rootCmd.PersistentFlags().Int64Var(&opts.initial, "initial-credits", envInt64("INITIAL_CREDITS", 0), "initial grant for users without an account")

	rootCmd.AddCommand(
		newBalanceCmd(opts),
		newHistoryCmd(opts),
		newSetCmd(opts),
		newGrantCmd(opts),
		newVerifyCmd(opts),
	)
	return rootCmd
}

func (o *options) open() (services.CreditLedger, *gorm.DB, error) {
	db, err := database.InitDB(database.Config{
		Driver:     o.driver,
		Host:       envOr("DB_HOST", "localhost"),
		User:       envOr("DB_USER", "postgres"),
		Password:   os.Getenv("DB_PASSWORD"),
		Name:       envOr("DB_NAME", "vichat"),
		Port:       envOr("DB_PORT", "5432"),
		SSLMode:    envOr("DB_SSLMODE", "disable"),
		SQLitePath: o.sqlitePath,
	})
	if err != nil {
		return nil, nil, err
	}
	return services.NewCreditLedger(db, services.LedgerConfig{InitialBalance: o.initial}), db, nil
}

func withLedger(opts *options, fn func(ledger services.CreditLedger) error) error {
	ledger, db, err := opts.open()
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	return fn(ledger)
}

func newBalanceCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <user-id>",
		Short: "Show a user's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(opts, func(ledger services.CreditLedger) error {
				balance, err := ledger.GetBalance(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d credits\n", args[0], balance)
				return nil
			})
		},
	}
}

func newHistoryCmd(opts *options) *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history <user-id>",
		Short: "List a user's transactions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(opts, func(ledger services.CreditLedger) error {
				txns, err := ledger.History(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(txns)
				}
				if len(txns) == 0 {
					_, _ = fmt.Fprintln(out, "no transactions")
					return nil
				}
				for _, tx := range txns {
					_, _ = fmt.Fprintf(out, "%s  %-17s %+8d  -> %8d  %s\n",
						tx.CreatedAt.Format("2006-01-02 15:04:05"), tx.Type, tx.Amount, tx.BalanceAfter, tx.Description)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of transactions")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newSetCmd(opts *options) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "set <user-id> <amount>",
		Short: "Set an absolute balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			return withLedger(opts, func(ledger services.CreditLedger) error {
				balance, err := ledger.SetBalance(cmd.Context(), args[0], amount, reason)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: balance set to %d\n", args[0], balance)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "description stored with the transaction")
	return cmd
}

func newGrantCmd(opts *options) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "grant <user-id> <amount>",
		Short: "Add credits to a balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			return withLedger(opts, func(ledger services.CreditLedger) error {
				balance, err := ledger.Credit(cmd.Context(), args[0], amount, reason)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: granted %d, balance %d\n", args[0], amount, balance)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "description stored with the transaction")
	return cmd
}

func newVerifyCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <user-id>",
		Short: "Check that the transaction log reproduces the stored balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(opts, func(ledger services.CreditLedger) error {
				check, err := ledger.Verify(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: balance %d, replayed %d over %d transactions\n",
					check.UserID, check.Balance, check.TransactionSum, check.Transactions)
				if !check.Consistent {
					return errors.New("ledger is inconsistent")
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return nil
			})
		},
	}
}

func parseAmount(raw string) (int64, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amount %q is not an integer", raw)
	}
	return n, nil
}

func envInt64(key string, fallback int64) int64 {
	n, err := strconv.ParseInt(envOr(key, ""), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

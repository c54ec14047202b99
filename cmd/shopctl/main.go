package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-perfume-shop/internal/catalog"
	"github.com/ariefcatur/go-perfume-shop/internal/config"
	"github.com/ariefcatur/go-perfume-shop/internal/logger"
	"github.com/ariefcatur/go-perfume-shop/internal/orders"
	"github.com/ariefcatur/go-perfume-shop/internal/postgres"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "shopctl",
		Short:         "Operator tasks for the perfume shop order service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(sweepFestivalsCmd())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, err := logger.New(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.FromContext(ctx).Sync()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// connect reads the environment and opens the database.
func connect(ctx context.Context) (config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Read()
	if err != nil {
		return config.Config{}, nil, err
	}
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("db connect: %w", err)
	}
	return cfg, db, nil
}

func migrateCmd() *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if printOnly {
				fmt.Fprint(cmd.OutOrStdout(), postgres.Schema())
				return nil
			}
			ctx := cmd.Context()
			_, db, err := connect(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := postgres.Migrate(ctx, db); err != nil {
				return err
			}
			logger.FromContext(ctx).Info(ctx, "schema applied")
			return nil
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "print the schema instead of applying it")
	return cmd
}

func reconcileCmd() *cobra.Command {
	var (
		limit     int
		olderThan time.Duration
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Cancel orders that were never paid",
		Long: `Cancel every order still waiting for payment after the payment timeout.

Covers orders whose delayed payment check was never scheduled or got lost.
Each order goes through the same path as the payment check, so a payment that
lands concurrently wins.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, db, err := connect(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			timeout := cfg.PaymentTimeout
			if olderThan > 0 {
				timeout = olderThan
			}
			ledger := &orders.Ledger{Store: &orders.Repo{DB: db}, PaymentTimeout: timeout}
			n, err := ledger.ReconcileUnpaid(ctx, limit)
			if err != nil {
				return err
			}
			logger.FromContext(ctx).Info(ctx, "reconcile finished", zap.Int("expired", n), zap.Duration("older_than", timeout))
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d unpaid orders\n", n)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 500, "maximum number of orders to expire")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "override PAYMENT_TIMEOUT")
	return cmd
}

func sweepFestivalsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-festivals",
		Short: "Delete festivals that have ended",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, db, err := connect(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := (&catalog.Repo{DB: db}).DeleteExpiredFestivals(ctx, time.Now())
			if err != nil {
				return err
			}
			logger.FromContext(ctx).Info(ctx, "festivals swept", zap.Int64("deleted", n))
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired festivals\n", n)
			return nil
		},
	}
}

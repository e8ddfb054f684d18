package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"payment-service/internal/app"
	"payment-service/internal/config"
	"payment-service/internal/database"
	"payment-service/internal/models"
	"payment-service/internal/worker"
)

// env holds what every command needs. close releases the broker clients.
type env struct {
	cfg    *config.Config
	svc    *app.Services
	logger *zap.Logger
	close  func()
}

// setup builds the env for a command. Tests replace it.
var setup = connect

func connect(cmd *cobra.Command) (*env, error) {
	if path, _ := cmd.Flags().GetString("env"); path != "" {
		config.LoadEnv(path)
	} else {
		config.LoadEnv()
	}
	cfg := config.Load()

	verbose, _ := cmd.Flags().GetBool("verbose")
	logger := zap.NewNop()
	if verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		logger = l
	}

	db, err := database.Connect(cfg.DB, logger)
	if err != nil {
		return nil, err
	}

	redisOpt := app.RedisOpt(cfg)
	client := asynq.NewClient(redisOpt)
	inspector := asynq.NewInspector(redisOpt)
	tasks := worker.NewTaskClient(client, inspector, app.SweepUniqueWindow(cfg.Sweep.Cron), logger)

	return &env{
		cfg:    cfg,
		svc:    app.NewServices(cfg, db, tasks, logger),
		logger: logger,
		close: func() {
			_ = client.Close()
			_ = inspector.Close()
			_ = logger.Sync()
		},
	}, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func transactionID(arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid transaction id %q", arg)
	}
	return id, nil
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Poll gateways for stale PENDING transactions",
		Long: `Run one reconciliation sweep over PENDING payment-link transactions
older than SWEEP_STALE_AFTER, at most SWEEP_BATCH_SIZE per run.

By default the sweep runs in this process. With --enqueue it is handed to the
worker instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			if enqueue, _ := cmd.Flags().GetBool("enqueue"); enqueue {
				info, err := e.svc.Tasks.RequestSweep(cmd.Context(), "reconcilectl")
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Sweep queued: %s (queue %s)\n", info.ID, info.Queue)
				return nil
			}

			report, err := e.svc.Reconciler.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}

	cmd.Flags().Bool("enqueue", false, "Queue the sweep for the worker instead of running it here")
	cmd.Flags().BoolP("verbose", "v", false, "Log progress to stderr")
	return cmd
}

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [transaction-id]",
		Short: "Poll the gateway for one transaction and apply a final status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := transactionID(args[0])
			if err != nil {
				return err
			}
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			result, err := e.svc.Reconciler.CheckTransaction(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}

	cmd.Flags().BoolP("verbose", "v", false, "Log progress to stderr")
	return cmd
}

func expireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expire [transaction-id]",
		Short: "Run the link expiry check now, cancelling the transaction if still unpaid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := transactionID(args[0])
			if err != nil {
				return err
			}
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			result, err := e.svc.Reconciler.CheckExpiredLink(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}

	cmd.Flags().BoolP("verbose", "v", false, "Log progress to stderr")
	return cmd
}

func pendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List PENDING transactions older than a threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			olderThan, _ := cmd.Flags().GetDuration("older-than")
			limit, _ := cmd.Flags().GetInt("limit")

			rows, err := e.svc.Store.FindStale(cmd.Context(), time.Now().UTC().Add(-olderThan), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-8s %-10s %-10s %-12s %-26s %s\n", "ID", "PAYMENT", "GATEWAY", "AMOUNT", "REFERENCE", "CREATED")
			for _, trx := range rows {
				fmt.Fprintf(out, "%-8d %-10d %-10s %-12d %-26s %s\n",
					trx.ID, trx.PaymentId, trx.Gateway, trx.Amount, trx.ReferenceId, trx.CreatedAt.Format(time.RFC3339))
			}
			fmt.Fprintf(out, "\n%d %s transaction(s)\n", len(rows), models.TransactionPending)
			return nil
		},
	}

	cmd.Flags().Duration("older-than", 15*time.Minute, "Only list transactions created before now minus this")
	cmd.Flags().Int("limit", 50, "Maximum rows")
	cmd.Flags().BoolP("verbose", "v", false, "Log progress to stderr")
	return cmd
}

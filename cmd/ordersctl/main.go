package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ariefcatur/go-checkout-reconciler/internal/app"
	"github.com/ariefcatur/go-checkout-reconciler/internal/config"
	"github.com/ariefcatur/go-checkout-reconciler/internal/logging"
	"github.com/ariefcatur/go-checkout-reconciler/internal/sweeper"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "ordersctl",
		Short:         "Operator tools for the checkout reconciler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().Duration("timeout", 2*time.Minute, "Overall command timeout")

	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(syncCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp builds the app for one command and tears it down afterwards so
// queued notifications are flushed.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) (any, error)) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	cfg := config.Load()
	log := logging.MustNewLogger(cfg.ServiceName+"-ctl", cfg.Env)
	defer func() { _ = log.Sync() }()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	runCtx, stop := context.WithCancel(context.Background())
	a.Start(runCtx)
	defer func() {
		stop()
		a.Close()
	}()

	out, err := fn(ctx, a)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <event-id>",
		Short: "Re-process a stored webhook event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				res, err := a.Reconciler.Replay(ctx, args[0])
				if err != nil && res != nil {
					a.Log.Warn("replay finished with errors", zap.String("event_id", args[0]), zap.Error(err))
					return res, nil
				}
				return res, err
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "sweep <pix|orders>",
		Short:     "Run one expiration sweep now",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{sweeper.SweepPix, sweeper.SweepOrders},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				sweep := a.Sweeper.SweepPix
				if args[0] == sweeper.SweepOrders {
					sweep = a.Sweeper.SweepOrders
				}
				rep, ran := a.Sweeper.RunOnce(ctx, args[0], 5*time.Minute, sweep)
				if !ran {
					return nil, fmt.Errorf("sweep %s did not run (lock held or store error, see logs)", args[0])
				}
				return rep, nil
			})
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <payment-id>",
		Short: "Pull a payment's status from the gateway and apply it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) (any, error) {
				out, err := a.Reconciler.Sync(ctx, args[0])
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"payment_id":   out.PaymentID,
					"from":         out.From,
					"to":           out.To,
					"noop":         out.Noop,
					"released":     out.Released,
					"order_status": out.OrderTo,
				}, nil
			})
		},
	}
}

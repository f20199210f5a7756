package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"fiscalpos/backend/internal/config"
	"fiscalpos/backend/internal/domain"
	"fiscalpos/backend/internal/ledger"
	"fiscalpos/backend/internal/logger"
	pgstore "fiscalpos/backend/internal/store/postgres"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type cli struct {
	cfg    config.Config
	log    zerolog.Logger
	closer io.Closer
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "fiscalpos",
		Short: "Fiscal e-invoicing ledger, offline queue and authority sync",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			c.cfg = config.Load()
			log, closer, err := logger.New(c.cfg.Log)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			c.log, c.closer = log, closer
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if c.closer != nil {
				return c.closer.Close()
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		c.serveCmd(),
		c.verifyCmd(),
		c.syncCmd(),
		c.resumeCmd(),
		c.migrateCmd(),
	)
	return root
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background sync scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateSecurityConfig(c.cfg); err != nil {
				return fmt.Errorf("invalid security configuration: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}
}

func (c *cli) serve(ctx context.Context) error {
	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	app, err := buildApplication(startCtx, c.cfg, c.log)
	if err != nil {
		cancel()
		return err
	}
	defer app.Close()
	err = app.seedAdmin(startCtx)
	cancel()
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              c.cfg.Address(),
		Handler:           app.handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.log.Info().Str("addr", c.cfg.Address()).Msg("fiscalpos listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		app.syncClock(gctx)
		return app.scheduler.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	c.log.Info().Msg("server stopped")
	return err
}

func (c *cli) verifyCmd() *cobra.Command {
	var from, to int64
	cmd := &cobra.Command{
		Use:   "verify <device-id>",
		Short: "Re-verify a device's invoice chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApplication(cmd.Context(), c.cfg, c.log)
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.service.VerifyChain(cmd.Context(), args[0], from, to)
			printChainReport(cmd.OutOrStdout(), report)
			if err != nil && !errors.Is(err, ledger.ErrChainBroken) {
				return err
			}
			if !report.Valid {
				return fmt.Errorf("chain broken at sequence %d", report.BrokenAt)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "first sequence to check (default 1)")
	cmd.Flags().Int64Var(&to, "to", 0, "last sequence to check (default head)")
	return cmd
}

func (c *cli) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle against the authority and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := buildApplication(cmd.Context(), c.cfg, c.log)
			if err != nil {
				return err
			}
			defer app.Close()

			if _, err := app.queue.Recover(cmd.Context()); err != nil {
				return err
			}
			app.syncClock(cmd.Context())
			result, err := app.service.RunSync(cmd.Context())
			if err != nil {
				return err
			}
			printSyncResult(cmd.OutOrStdout(), result)
			return nil
		},
	}
}

func (c *cli) resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <device-id>",
		Short: "Lift a reporting hold; expired invoices are resubmitted late",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApplication(cmd.Context(), c.cfg, c.log)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.service.ResumeDevice(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s reporting resumed for %s\n", color.GreenString("ok"), args[0])
			return nil
		},
	}
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply postgres schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.Store.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			if err := pgstore.Migrate(cmd.Context(), c.cfg.Store.DatabaseURL); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("migrations applied"))
			return nil
		},
	}
}

func printChainReport(w io.Writer, r domain.ChainReport) {
	if r.DeviceID == "" {
		return
	}
	status := color.GreenString("VALID")
	if !r.Valid {
		status = color.RedString("BROKEN")
	}
	fmt.Fprintf(w, "%s %s sequences %d..%d checked=%d\n", status, r.DeviceID, r.From, r.To, r.Checked)
	if !r.Valid {
		fmt.Fprintf(w, "  at sequence %d: %s\n", r.BrokenAt, r.BrokenReason)
	}
}

func printSyncResult(w io.Writer, r domain.SyncResult) {
	fmt.Fprintf(w, "devices=%d reported=%d acknowledged=%s retried=%d held=%s expired=%s enqueued=%d\n",
		r.Devices, r.Reported,
		color.GreenString("%d", r.Acknowledged),
		r.Retried,
		color.YellowString("%d", r.Held),
		color.RedString("%d", r.Expired),
		r.Enqueued,
	)
	if r.CircuitOpen {
		fmt.Fprintln(w, color.YellowString("authority circuit open, remaining entries deferred"))
	}
}

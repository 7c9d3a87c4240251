// Command trustgate operates the approval surface of the gateway: serve
// the approvals HTTP API, list pending requests, decide them, and sweep
// stale ones.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sentire-labs/trustgate/pkg/approval"
	"github.com/sentire-labs/trustgate/pkg/approvalapi"
	"github.com/sentire-labs/trustgate/pkg/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "trustgate",
		Short:         "Trust-enforcement gateway operations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	viper.SetEnvPrefix("TRUSTGATE")
	viper.AutomaticEnv()

	root.PersistentFlags().String("database-url", "", "Postgres connection string (defaults to $TRUSTGATE_DATABASE_URL)")
	_ = viper.BindPFlag("database_url", root.PersistentFlags().Lookup("database-url"))

	root.AddCommand(newServeCmd(), newListCmd(), newDecideCmd("approve"), newDecideCmd("reject"), newSweepCmd())
	return root
}

func openStore() (approval.Store, func(), error) {
	url := viper.GetString("database_url")
	if url == "" {
		url = config.Load().DatabaseURL
	}
	if url == "" {
		return nil, nil, fmt.Errorf("no database configured: set --database-url or TRUSTGATE_DATABASE_URL")
	}
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	store := approval.NewPostgresStore(db)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("apply schema: %w", err)
	}
	return store, func() { _ = db.Close() }, nil
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the approvals HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

			store, closeStore, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			var verifier *approval.TokenVerifier
			if cfg.ApprovalSecret != "" {
				verifier = approval.NewHMACVerifier([]byte(cfg.ApprovalSecret))
			}
			server := approvalapi.New(store, verifier, logger)

			if addr == "" {
				addr = cfg.ListenAddr
			}
			httpServer := &http.Server{
				Addr:              addr,
				Handler:           server.Routes(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = httpServer.Shutdown(shutdownCtx)
			}()

			logger.Info("approvals API listening", "addr", addr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to $LISTEN_ADDR)")
	return cmd
}

func newListCmd() *cobra.Command {
	var domain, workflow, runID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending approval requests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, closeStore, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			requests, err := store.GetPendingRequests(cmd.Context(), approval.PendingFilter{
				Domain:       domain,
				WorkflowName: workflow,
				RunID:        runID,
			})
			if err != nil {
				return err
			}
			for _, r := range requests {
				fmt.Printf("%s  %-6s %-24s %-10s expires %s\n",
					r.ID, r.TrustLevel, r.ActionType, r.Domain, r.ExpiresAt.Format(time.RFC3339))
			}
			fmt.Printf("%d pending\n", len(requests))
			return nil
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "filter by domain")
	cmd.Flags().StringVar(&workflow, "workflow", "", "filter by workflow")
	cmd.Flags().StringVar(&runID, "run", "", "filter by run id")
	return cmd
}

func newDecideCmd(kind string) *cobra.Command {
	var by, notes string
	decision := approval.DecisionApprove
	if kind == "reject" {
		decision = approval.DecisionReject
	}
	cmd := &cobra.Command{
		Use:   kind + " <request-id>",
		Short: kind + " an approval request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			d, err := store.CreateDecision(cmd.Context(), &approval.DecisionInput{
				RequestID: args[0],
				DecidedBy: by,
				Decision:  decision,
				Notes:     notes,
			})
			if err != nil {
				return err
			}
			fmt.Printf("decision %s: %s by %s\n", d.ID, d.Decision, d.DecidedBy)
			return nil
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "approver identity (required)")
	cmd.Flags().StringVar(&notes, "notes", "", "decision notes")
	_ = cmd.MarkFlagRequired("by")
	return cmd
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire stale pending requests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, closeStore, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			n, err := store.ExpireStaleRequests(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("expired %d requests\n", n)
			return nil
		},
	}
}

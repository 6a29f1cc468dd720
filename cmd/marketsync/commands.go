package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/marketsync/internal/jobs"
	"github.com/ajitpratap0/marketsync/internal/offset"
	"github.com/ajitpratap0/marketsync/internal/streaming"
	"github.com/ajitpratap0/marketsync/internal/transfer"
	"github.com/ajitpratap0/marketsync/pkg/config"
	"github.com/ajitpratap0/marketsync/pkg/metrics"
)

type configLoader func() (*config.Config, error)

func setup(load configLoader) (*app, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	return newApp(cfg)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

func newWorkerCommand(load configLoader) *cobra.Command {
	var withStreaming bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run transfer, schedule and teardown jobs until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(load)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := a.tracing(); err != nil {
				return err
			}
			queue, err := a.queue(ctx)
			if err != nil {
				return err
			}
			offsets, err := a.offsets(ctx)
			if err != nil {
				return err
			}
			engine, err := a.engine(ctx, offsets)
			if err != nil {
				return err
			}

			worker := jobs.NewWorker(queue, a.cfg.Queue, a.logger)
			worker.Handle(jobs.KindTransfer, jobs.NewTransferHandler(engine))
			worker.Handle(jobs.KindScheduledTransfer, jobs.NewScheduledHandler(engine, queue, a.logger))
			worker.Use(jobs.NewSyncLifecycle(offsets, a.notifier(), a.logger))

			if withStreaming {
				manager, err := a.connectors()
				if err != nil {
					return err
				}
				worker.Handle(jobs.KindConnectorTeardown, jobs.NewTeardownHandler(manager))
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return worker.Run(ctx) })
			if a.cfg.Metrics.Enabled {
				g.Go(func() error { return metrics.Serve(ctx, a.cfg.Metrics.Addr) })
				g.Go(func() error {
					ticker := time.NewTicker(15 * time.Second)
					defer ticker.Stop()
					for {
						select {
						case <-ctx.Done():
							return nil
						case <-ticker.C:
							if _, err := queue.Counts(ctx); err != nil {
								a.logger.Warn("failed to refresh queue depth", zap.Error(err))
							}
						}
					}
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&withStreaming, "streaming", true, "Handle connector teardown jobs (needs cluster access)")
	return cmd
}

func newSyncCommand(load configLoader) *cobra.Command {
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Start, cancel or filter asset synchronization",
	}

	var (
		req         jobs.SyncRequest
		contractEnd string
	)
	start := &cobra.Command{
		Use:   "start",
		Short: "Queue a transfer and, depending on the terms, a schedule or a teardown",
		Example: `  marketsync sync start --asset urn:asset:42 --provider acme --token $TOKEN \
    --subscription --frequency daily --contract-end 2025-12-31T00:00:00Z`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if contractEnd != "" {
				end, err := time.Parse(time.RFC3339, contractEnd)
				if err != nil {
					return fmt.Errorf("invalid --contract-end: %w", err)
				}
				req.Terms.ContractEnd = &end
			}
			if req.AuthToken == "" {
				req.AuthToken = os.Getenv("MARKETSYNC_AUTH_TOKEN")
			}

			a, err := setup(load)
			if err != nil {
				return err
			}
			defer a.Close()

			queue, err := a.queue(cmd.Context())
			if err != nil {
				return err
			}
			accepted, err := jobs.NewOrchestrator(queue, a.logger).StartSync(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd, accepted)
		},
	}
	flags := start.Flags()
	flags.StringVar(&req.AssetID, "asset", "", "Marketplace asset id (required)")
	flags.StringVar(&req.ProviderName, "provider", "", "Name of the provider factory")
	flags.StringVar(&req.AuthToken, "token", "", "Requester token (defaults to $MARKETSYNC_AUTH_TOKEN)")
	flags.StringVar(&req.Requester.UserID, "user", "", "Requesting user id")
	flags.StringVar(&req.Requester.OrganizationID, "org", "", "Requesting organization id")
	flags.StringVar(&req.DistributionFormat, "format", transfer.FormatSQL, "Distribution format (sql, table, kafka or a file format)")
	flags.BoolVar(&req.Terms.Subscription, "subscription", false, "Keep the asset updated on a schedule")
	flags.StringVar(&req.Terms.UpdateFrequency, "frequency", "", "Update frequency: hourly, daily, weekly or monthly")
	flags.StringVar(&contractEnd, "contract-end", "", "Contract end as RFC3339")
	flags.StringVar(&req.TargetClusterRef, "target-cluster", "", "Consumer cluster of a live stream")
	_ = start.MarkFlagRequired("asset")

	var (
		cancelAsset    string
		cancelTeardown bool
	)
	cancel := &cobra.Command{
		Use:   "cancel",
		Short: "Remove the recurring transfer of an asset",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(load)
			if err != nil {
				return err
			}
			defer a.Close()

			queue, err := a.queue(cmd.Context())
			if err != nil {
				return err
			}
			o := jobs.NewOrchestrator(queue, a.logger)

			result := map[string]bool{}
			if result["scheduleCancelled"], err = o.CancelSchedule(cmd.Context(), cancelAsset); err != nil {
				return err
			}
			if cancelTeardown {
				if result["teardownCancelled"], err = o.CancelTeardown(cmd.Context(), cancelAsset); err != nil {
					return err
				}
			}
			return printJSON(cmd, result)
		},
	}
	cancel.Flags().StringVar(&cancelAsset, "asset", "", "Marketplace asset id (required)")
	cancel.Flags().BoolVar(&cancelTeardown, "teardown", false, "Also remove a pending connector teardown")
	_ = cancel.MarkFlagRequired("asset")

	syncCmd.AddCommand(start, cancel, newSelectorCommand(load))
	return syncCmd
}

func newSelectorCommand(load configLoader) *cobra.Command {
	selectorCmd := &cobra.Command{
		Use:   "selector",
		Short: "Show or set the query filter sent with every batch request of an asset",
	}

	var (
		sel   offset.QuerySelector
		query string
	)
	set := &cobra.Command{
		Use:     "set",
		Short:   "Store the query selector of an asset, replacing any existing one",
		Example: `  marketsync sync selector set --asset urn:asset:42 --query '{"country":"DE"}' --columns id,value`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if query != "" {
				if err := json.Unmarshal([]byte(query), &sel.Query); err != nil {
					return fmt.Errorf("invalid --query: %w", err)
				}
			}

			a, err := setup(load)
			if err != nil {
				return err
			}
			defer a.Close()

			offsets, err := a.offsets(cmd.Context())
			if err != nil {
				return err
			}
			saved, err := offset.SaveSelector(cmd.Context(), offsets, sel)
			if err != nil {
				return err
			}
			return printJSON(cmd, saved)
		},
	}
	set.Flags().StringVar(&sel.RemoteAssetID, "asset", "", "Marketplace asset id (required)")
	set.Flags().StringVar(&query, "query", "", "Filter parameters as a JSON object")
	set.Flags().StringSliceVar(&sel.Columns, "columns", nil, "Columns to retrieve")
	_ = set.MarkFlagRequired("asset")

	var showAsset string
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the stored query selector of an asset",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(load)
			if err != nil {
				return err
			}
			defer a.Close()

			offsets, err := a.offsets(cmd.Context())
			if err != nil {
				return err
			}
			got, err := offsets.GetSelector(cmd.Context(), showAsset)
			if err != nil {
				return err
			}
			if got == nil {
				return fmt.Errorf("no query selector stored for %s", showAsset)
			}
			return printJSON(cmd, got)
		},
	}
	show.Flags().StringVar(&showAsset, "asset", "", "Marketplace asset id (required)")
	_ = show.MarkFlagRequired("asset")

	selectorCmd.AddCommand(set, show)
	return selectorCmd
}

func newStreamCommand(load configLoader) *cobra.Command {
	streamCmd := &cobra.Command{
		Use:   "stream",
		Short: "Provision or tear down live stream mirroring",
	}

	var req streaming.ProvisionRequest
	provision := &cobra.Command{
		Use:   "provision",
		Short: "Create the topic, user and mirror connector for an asset",
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.SourceCredentials.Password == "" {
				req.SourceCredentials.Password = os.Getenv("MARKETSYNC_SOURCE_PASSWORD")
			}
			a, err := setup(load)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.tracing(); err != nil {
				return err
			}
			manager, err := a.connectors()
			if err != nil {
				return err
			}
			got, err := manager.Provision(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]string{
				"topic":      got.Topic,
				"user":       got.Credentials.Username,
				"secretName": got.Credentials.SecretName,
				"connector":  got.Connector,
			})
		},
	}
	flags := provision.Flags()
	flags.StringVar(&req.AssetID, "asset", "", "Marketplace asset id (required)")
	flags.StringVar(&req.Source.Alias, "source-alias", "", "Alias of the provider cluster (required)")
	flags.StringVar(&req.Source.BootstrapServers, "source-bootstrap", "", "Bootstrap servers of the provider cluster (required)")
	flags.StringVar(&req.SourceTopic, "source-topic", "", "Provider topic to mirror (required)")
	flags.StringVar(&req.SourceCredentials.Username, "source-user", "", "Provider cluster user (required)")
	flags.StringVar(&req.SourceCredentials.SecretName, "source-secret", "", "Secret holding the provider user's password (required)")
	flags.StringVar(&req.SourceCredentials.Password, "source-password", "", "Provider user's password, used for topic verification (defaults to $MARKETSYNC_SOURCE_PASSWORD)")
	flags.StringVar(&req.Target.Alias, "target-alias", "", "Alias of the local cluster (required)")
	flags.StringVar(&req.Target.BootstrapServers, "target-bootstrap", "", "Bootstrap servers of the local cluster (required)")
	for _, name := range []string{"asset", "source-alias", "source-bootstrap", "source-topic", "source-user", "source-secret", "target-alias", "target-bootstrap"} {
		_ = provision.MarkFlagRequired(name)
	}

	var teardownAsset string
	teardown := &cobra.Command{
		Use:   "teardown",
		Short: "Delete the mirror connector, topic and user of an asset",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(load)
			if err != nil {
				return err
			}
			defer a.Close()

			manager, err := a.connectors()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			return manager.Teardown(ctx, teardownAsset)
		},
	}
	teardown.Flags().StringVar(&teardownAsset, "asset", "", "Marketplace asset id (required)")
	_ = teardown.MarkFlagRequired("asset")

	streamCmd.AddCommand(provision, teardown)
	return streamCmd
}

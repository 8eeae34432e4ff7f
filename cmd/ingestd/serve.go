package main

import (
	"context"
	"io"
	"log"
	"os/signal"
	"syscall"

	"github.com/mwhitten/ingestd/internal/catalog"
	"github.com/mwhitten/ingestd/internal/config"
	"github.com/mwhitten/ingestd/internal/db"
	"github.com/mwhitten/ingestd/internal/indexer"
	"github.com/mwhitten/ingestd/internal/notify"
	"github.com/mwhitten/ingestd/internal/objectstore"
	"github.com/mwhitten/ingestd/internal/operation"
	"github.com/mwhitten/ingestd/internal/orchestrator"
	"github.com/mwhitten/ingestd/internal/pipeline"
	"github.com/mwhitten/ingestd/internal/server"
	"github.com/mwhitten/ingestd/internal/sharepoint"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var configPath string
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, port, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "override the configured HTTP port")
	return cmd
}

func runServe(configPath string, portOverride int, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}

	gdb, err := openDB(cfg)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gdb); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	objects, err := objectstore.New(ctx, cfg.ObjectStore.Bucket, cfg.ObjectStore.Prefix, cfg.ObjectStore.Region)
	if err != nil {
		return err
	}
	idx, err := indexer.New(ctx, cfg.Indexer.KnowledgeBaseID, cfg.Indexer.DataSourceID, cfg.Indexer.Region,
		cfg.Indexer.PollIntervalDuration(), cfg.Indexer.PollTimeoutDuration())
	if err != nil {
		return err
	}

	var source pipeline.Source
	if cfg.SharePoint.Configured() {
		sp, err := sharepoint.New(sharepoint.Opts{
			TenantID:     cfg.SharePoint.TenantID,
			ClientID:     cfg.SharePoint.ClientID,
			ClientSecret: cfg.SharePoint.ClientSecret,
			SiteID:       cfg.SharePoint.SiteID,
			DriveID:      cfg.SharePoint.DriveID,
		})
		if err != nil {
			return err
		}
		source = sp
	}

	notifier, err := buildNotifier(cfg.Notify)
	if err != nil {
		return err
	}

	ops := operation.NewStore(gdb)
	orch, err := orchestrator.New(ctx, orchestrator.Opts{
		Ops: ops,
		Deps: pipeline.Deps{
			Catalog: catalog.NewStore(gdb),
			Source:  source,
			Objects: objects,
			Indexer: idx,
		},
		Notifier:   notifier,
		Limits:     cfg.Limits,
		StaleAfter: cfg.Sweep.StaleAfterDuration(),
		Out:        out,
	})
	if err != nil {
		return err
	}

	sched := cron.New()
	if _, err := sched.AddFunc(cfg.Sweep.Schedule, func() {
		if _, err := orch.SweepStale(); err != nil {
			log.Printf("serve: reconciliation sweep: %v", err)
		}
	}); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	err = server.Start(ctx, server.StartOpts{
		Orch: orch,
		Ops:  ops,
		Port: cfg.Server.Port,
		Out:  out,
	})

	// Let in-flight pipelines observe the cancelled context and record
	// their terminal state before the process exits.
	orch.Wait()
	return err
}

func buildNotifier(cfg config.NotifyConfig) (notify.Notifier, error) {
	var targets notify.Multi
	if cfg.Slack.BotToken != "" {
		s, err := notify.NewSlack(cfg.Slack.BotToken, cfg.Slack.ChannelID)
		if err != nil {
			return nil, err
		}
		targets = append(targets, s)
	}
	if cfg.Discord.BotToken != "" {
		d, err := notify.NewDiscord(cfg.Discord.BotToken, cfg.Discord.ChannelID)
		if err != nil {
			return nil, err
		}
		targets = append(targets, d)
	}
	if len(targets) == 0 {
		return nil, nil
	}
	return targets, nil
}

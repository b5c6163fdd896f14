// Copyright 2024-2026 Aiku AI

// chatbridge relays messages between a Matrix room and a Mattermost channel
// in both directions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aiku/chatbridge/pkg/bridge"
	"github.com/aiku/chatbridge/pkg/chatbridge"
	"github.com/aiku/chatbridge/pkg/format"
	"github.com/aiku/chatbridge/pkg/format/matrixfmt"
	"github.com/aiku/chatbridge/pkg/format/mattermostfmt"
	"github.com/aiku/chatbridge/pkg/linkhost"
	"github.com/aiku/chatbridge/pkg/platform"
	"github.com/aiku/chatbridge/pkg/platform/matrix"
	"github.com/aiku/chatbridge/pkg/platform/mattermost"
	"github.com/aiku/chatbridge/pkg/store"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chatbridge",
		Short: "Bidirectional Matrix <-> Mattermost channel bridge",
	}
	cmd.AddCommand(
		newRunCommand(),
		newGenerateConfigCommand(),
		newVersionCommand(),
	)
	return cmd
}

func newRunCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the bridge daemon",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the config file")
	return cmd
}

func newGenerateConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-config",
		Short: "Print an example config file to stdout",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Print(chatbridge.ExampleConfig)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the chatbridge version",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println("chatbridge", Version)
		},
	}
}

func run(configPath string) error {
	cfg, err := chatbridge.Load(configPath)
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DBPath, log)
	if err != nil {
		return err
	}
	defer db.Close()

	identities, err := store.NewIdentityMapper(db, cfg.DisplaynameTemplate, log)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics := bridge.NewMetrics(reg)

	var host bridge.LinkHost
	if cfg.LinkHost.Enabled() {
		s3Host, err := linkhost.New(ctx, cfg.LinkHost, log)
		if err != nil {
			return fmt.Errorf("link host: %w", err)
		}
		host = s3Host
		log.Info().Str("bucket", cfg.LinkHost.Bucket).Msg("Attachment link host enabled")
	}

	translator := bridge.NewTranslator(db, map[string]format.Dialect{
		matrix.PlatformName:     matrixfmt.Dialect{},
		mattermost.PlatformName: mattermostfmt.Dialect{},
	}, log)
	relay := bridge.NewAttachmentRelay(cfg.RelayPolicy(), host, metrics, log)
	queue := bridge.NewDeliveryQueue(cfg.QueueRateLimits(), cfg.QueueRetryPolicy(), metrics, log)
	engine := bridge.NewEngine(db, identities, translator, relay, queue, metrics,
		bridge.ReactionMode(cfg.ReactionMode), log)

	for _, link := range cfg.Links {
		engine.LinkChannels(matrix.PlatformName, link.MatrixRoom, mattermost.PlatformName, link.MattermostChannel)
	}

	mxAdapter, err := matrix.New(cfg.MatrixAdapterConfig(), log)
	if err != nil {
		return err
	}
	mmAdapter := mattermost.New(cfg.MattermostAdapterConfig(), log)

	adapters := []platform.Adapter{mxAdapter, mmAdapter}
	for _, a := range adapters {
		engine.RegisterSender(a.Platform(), a)
		if err := a.Start(ctx, engine); err != nil {
			return fmt.Errorf("start %s adapter: %w", a.Platform(), err)
		}
		log.Info().Str("platform", a.Platform()).Msg("Adapter started")
	}

	admin := bridge.NewAdminAPI(cfg.AdminAPIAddr, engine, reg, log)
	admin.Start()

	log.Info().Int("links", len(cfg.Links)).Msg("Bridge running")
	<-ctx.Done()
	log.Info().Msg("Shutting down")

	for _, a := range adapters {
		a.Stop()
	}
	admin.Stop()
	engine.Close(cfg.ShutdownGrace)
	return nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

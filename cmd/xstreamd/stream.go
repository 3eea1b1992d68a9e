package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/corvidlabs/xstream/pkg/eventbus"
	"github.com/corvidlabs/xstream/pkg/poller"
	"github.com/corvidlabs/xstream/pkg/pool"
	"github.com/corvidlabs/xstream/pkg/ratelimit"
	"github.com/corvidlabs/xstream/pkg/scraper"
	"github.com/corvidlabs/xstream/pkg/streammanager"
	"github.com/corvidlabs/xstream/pkg/types"
)

// streamCmd is a one-shot local client for the management interface spec
// §6 describes: it opens the same data directory a running `serve`
// process uses, replays stream state, performs a single operation, and
// exits. The spec leaves the management interface's transport out of
// scope; this is the in-process realization cmd/warren's own subcommands
// use for their embedded manager.
var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Manage streams (create, list, pause, resume, stop)",
}

func init() {
	streamCreateCmd.Flags().Int64("interval-ms", 0, "Poll interval in milliseconds (0 uses the configured default)")
	streamCreateCmd.Flags().String("operation", "", "Override the scraper operation (inferred from kind if empty)")
	streamUpdateIntervalCmd.Flags().Int64("interval-ms", 60_000, "New poll interval in milliseconds")
	streamHistoryCmd.Flags().Int("limit", 50, "Maximum number of events to return")
	streamHistoryCmd.Flags().String("topic", "", "Filter by event topic (optional)")

	streamCmd.AddCommand(streamCreateCmd)
	streamCmd.AddCommand(streamListCmd)
	streamCmd.AddCommand(streamStatusCmd)
	streamCmd.AddCommand(streamPauseCmd)
	streamCmd.AddCommand(streamResumeCmd)
	streamCmd.AddCommand(streamStopCmd)
	streamCmd.AddCommand(streamStopAllCmd)
	streamCmd.AddCommand(streamUpdateIntervalCmd)
	streamCmd.AddCommand(streamHistoryCmd)
	streamCmd.AddCommand(streamStatsCmd)
}

// withManager opens the configured store, replays it into a fresh
// Manager, runs fn, and tears everything back down before returning.
func withManager(cmd *cobra.Command, fn func(ctx context.Context, m *streammanager.Manager) error) error {
	configPath, _ := rootCmd.PersistentFlags().GetString("config")
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer closeStore()

	rateRegistry := ratelimit.NewRegistry(cfg.RateLimit.toRateLimitConfig())
	browserPool := pool.New(cfg.Pool.toPoolConfig())
	defer func() { _ = browserPool.Close() }()
	dispatcher := scraper.NewDispatcher()
	bus := eventbus.New(st, eventHistoryCap)

	manager := streammanager.New(cfg.StreamManager.toStreamManagerConfig(), poller.Deps{
		Store:       st,
		Pool:        browserPool,
		Dispatcher:  dispatcher,
		RateLimiter: rateRegistry,
		Bus:         bus,
	})

	ctx := context.Background()
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("replaying streams: %w", err)
	}

	err = fn(ctx, manager)
	_ = manager.StopAll(ctx)
	return err
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("%+v\n", v)
		return
	}
	fmt.Println(string(data))
}

var streamCreateCmd = &cobra.Command{
	Use:   "create <kind> <target>",
	Short: "Create a stream (kind is one of: tweet, follower, mention)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		intervalMS, _ := cmd.Flags().GetInt64("interval-ms")
		operation, _ := cmd.Flags().GetString("operation")
		return withManager(cmd, func(ctx context.Context, m *streammanager.Manager) error {
			s, err := m.Create(ctx, types.StreamKind(args[0]), args[1], intervalMS, streammanager.CreateOptions{OperationName: operation})
			if err != nil {
				return err
			}
			printJSON(s)
			return nil
		})
	},
}

var streamListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every known stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, m *streammanager.Manager) error {
			printJSON(m.List())
			return nil
		})
	},
}

var streamStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show one stream's current record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, m *streammanager.Manager) error {
			s, err := m.Status(args[0])
			if err != nil {
				return err
			}
			printJSON(s)
			return nil
		})
	},
}

var streamPauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "Pause a stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, m *streammanager.Manager) error {
			return m.PauseStream(ctx, args[0])
		})
	},
}

var streamResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume a paused or backed-off stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, m *streammanager.Manager) error {
			return m.ResumeStream(ctx, args[0])
		})
	},
}

var streamStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop a stream permanently",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, m *streammanager.Manager) error {
			return m.StopStream(ctx, args[0])
		})
	},
}

var streamStopAllCmd = &cobra.Command{
	Use:   "stop-all",
	Short: "Stop every stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, m *streammanager.Manager) error {
			return m.StopAll(ctx)
		})
	},
}

var streamUpdateIntervalCmd = &cobra.Command{
	Use:   "set-interval <id>",
	Short: "Update a stream's poll interval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		intervalMS, _ := cmd.Flags().GetInt64("interval-ms")
		return withManager(cmd, func(ctx context.Context, m *streammanager.Manager) error {
			return m.UpdateInterval(ctx, args[0], intervalMS)
		})
	},
}

var streamHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show a stream's recent event history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		topicStr, _ := cmd.Flags().GetString("topic")
		var topic *types.EventTopic
		if topicStr != "" {
			t := types.EventTopic(topicStr)
			topic = &t
		}
		return withManager(cmd, func(ctx context.Context, m *streammanager.Manager) error {
			events, err := m.History(ctx, args[0], limit, topic)
			if err != nil {
				return err
			}
			printJSON(events)
			return nil
		})
	},
}

var streamStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate stream and pool statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, m *streammanager.Manager) error {
			printJSON(m.GlobalStats())
			return nil
		})
	},
}

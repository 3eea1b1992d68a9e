// Command xstreamd drives xstream's Stream Manager and Agent Orchestrators
// as a single long-running process, and offers a `stream` subcommand for
// one-shot local stream management against the same data directory.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/corvidlabs/xstream/pkg/log"
	"github.com/corvidlabs/xstream/pkg/types"
)

var (
	// Version information, set via ldflags during build.
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "xstreamd",
	Short: "xstream - automated streaming and agent orchestration for X/Twitter",
	Long: `xstreamd runs the Stream Manager, Browser Pool and Agent
Orchestrators that power xstream's polling streams and autonomous agents,
as a single binary.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"xstreamd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(versionCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func quotaKindFromString(s string) types.QuotaKind {
	switch s {
	case "likes", "like":
		return types.QuotaLike
	case "follows", "follow":
		return types.QuotaFollow
	case "comments", "comment":
		return types.QuotaComment
	case "posts", "post":
		return types.QuotaPost
	default:
		return types.QuotaKind(s)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print xstreamd's version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("xstreamd version %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		return nil
	},
}

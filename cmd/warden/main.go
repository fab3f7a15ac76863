// Command warden runs the capability-scoped MCP routing gateway.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	flagConfig  string
	flagVerbose bool
	flagJSONLog bool
)

func main() {
	// Best effort; a missing .env is not an error.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "warden",
		Short: "Capability-scoped MCP routing gateway",
		Long: `warden sits between an MCP client and a fleet of backend servers,
exposing a single tool surface filtered by a skill-derived role model.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to the server configuration document")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&flagJSONLog, "log-json", false, "emit JSON logs")

	root.AddCommand(newServeCmd())
	root.AddCommand(newSkillsCmd())
	root.AddCommand(newRolesCmd())
	root.AddCommand(newAuditCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setupLogging routes logs to stderr; stdout carries the protocol stream.
func setupLogging() {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if flagJSONLog {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

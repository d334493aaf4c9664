package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// rootOptions holds the global flags shared by all subcommands.
type rootOptions struct {
	Verbose bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "hindsight",
		Short: "Local-first retrospective boards",
		Long: `Hindsight keeps a retro board replicated across participants: every
client owns a full local replica that works offline, and a relay server
merges the replicas whenever they are connected.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// a .env beside the binary is a dev convenience, never required
			if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
				slog.Debug("no .env loaded", "err", err)
			}
			level := slog.LevelInfo
			if opts.Verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(newRelayCommand())
	cmd.AddCommand(newBoardCommand())
	cmd.AddCommand(newVizCommand())

	return cmd
}

// envOr falls back to an environment variable when the flag was left empty.
func envOr(flagValue, envKey, fallback string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return fallback
}

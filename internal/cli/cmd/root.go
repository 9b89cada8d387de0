package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"tgrelay/internal/config"
)

const (
	ExitOK          = 0
	ExitCLIError    = 1
	ExitMissingDep  = 2
	ExitConfigError = 3
	ExitRuntime     = 4
)

// ExitError wraps an error with a process exit code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tgrelay",
		Short:         "Telegram file relay bot",
		Long:          "tgrelay is a Telegram bot that fetches files and videos from URLs and sends them back in chat, with optional 720p conversion, quality selection for video platforms, and a large-file relay path.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Running without a subcommand starts the bot.
			return runServe(cmd.Context())
		},
	}

	// Persistent flags available to all subcommands
	root.PersistentFlags().String("download-dir", "", "Base directory for transient downloads")
	root.PersistentFlags().String("dl-binary", "", "Path to yt-dlp or youtube-dl")
	root.PersistentFlags().String("ffmpeg-binary", "", "Path to ffmpeg")
	root.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	root.PersistentFlags().String("log-format", "text", "Log format: text, json")

	// Subcommands
	root.AddCommand(newRunCmd())
	root.AddCommand(newDoctorCmd())
	root.AddCommand(newCompletionCmd())

	return root
}

// Execute runs the CLI with the provided context.
func Execute(ctx context.Context) error {
	root := newRootCmd()
	if err := config.Init(root); err != nil {
		return &ExitError{Code: ExitConfigError, Err: err}
	}
	return root.ExecuteContext(ctx)
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"tgrelay/internal/config"
	"tgrelay/internal/util/deps"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "doctor",
		Short:         "Diagnose configuration and external dependencies (yt-dlp/youtube-dl, ffmpeg)",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := config.Load()
			if err != nil {
				return &ExitError{Code: ExitConfigError, Err: err}
			}

			dl, derr := deps.FindDownloader(settings.DLBinary)
			if derr != nil {
				return &ExitError{Code: ExitMissingDep, Err: derr}
			}
			ff, ferr := deps.FindFFmpeg(settings.FFmpegBinary)
			if ferr != nil {
				return &ExitError{Code: ExitMissingDep, Err: ferr}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Downloader:   %s\n", dl)
			fmt.Fprintf(out, "FFmpeg:       %s\n", ff)
			fmt.Fprintf(out, "Download dir: %s\n", settings.DownloadDir)

			if settings.BotToken == "" {
				fmt.Fprintln(out, "Bot token:    MISSING (set TGRELAY_BOT_TOKEN)")
			} else {
				fmt.Fprintln(out, "Bot token:    set")
			}
			if settings.LocalServer() {
				fmt.Fprintf(out, "API server:   self-hosted (%s), upload limit ~2GB\n", settings.APIEndpoint)
			} else {
				fmt.Fprintln(out, "API server:   cloud, upload limit ~50MB")
			}
			if settings.RelayConfigured() {
				fmt.Fprintf(out, "Relay path:   configured (chat %d)\n", settings.RelayChatID)
			} else {
				fmt.Fprintln(out, "Relay path:   not configured")
			}
			return nil
		},
	}
}

package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"tgrelay/internal/broker"
	"tgrelay/internal/cleanup"
	"tgrelay/internal/config"
	"tgrelay/internal/deliver"
	"tgrelay/internal/fetch"
	"tgrelay/internal/logger"
	"tgrelay/internal/pipeline"
	"tgrelay/internal/probe"
	"tgrelay/internal/telegram"
	"tgrelay/internal/transcode"
	"tgrelay/internal/util/deps"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "run",
		Short:         "Start the bot and poll for updates",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

// runServe wires the components from configuration and blocks on the update
// loop until the context is cancelled.
func runServe(ctx context.Context) error {
	settings, err := config.Load()
	if err != nil {
		return &ExitError{Code: ExitConfigError, Err: err}
	}
	logger.Init(settings.LogLevel, settings.LogFormat)

	if settings.BotToken == "" {
		return &ExitError{Code: ExitConfigError, Err: errors.New("bot_token is required (set TGRELAY_BOT_TOKEN)")}
	}

	dlPath, derr := deps.FindDownloader(settings.DLBinary)
	if derr != nil {
		return &ExitError{Code: ExitMissingDep, Err: derr}
	}
	ffmpegPath, ferr := deps.FindFFmpeg(settings.FFmpegBinary)
	if ferr != nil {
		return &ExitError{Code: ExitMissingDep, Err: ferr}
	}

	bot, err := telegram.New(settings.BotToken, settings.APIEndpoint)
	if err != nil {
		return &ExitError{Code: ExitRuntime, Err: fmt.Errorf("primary bot: %w", err)}
	}

	var relay deliver.Messenger
	if settings.RelayConfigured() {
		relayBot, rerr := telegram.New(settings.RelayBotToken, settings.APIEndpoint)
		if rerr != nil {
			return &ExitError{Code: ExitRuntime, Err: fmt.Errorf("relay bot: %w", rerr)}
		}
		relay = relayBot
		logger.Info("relay path configured", "relay_chat_id", settings.RelayChatID)
	}

	router := deliver.NewRouter(deliver.Options{
		Primary:     bot,
		Relay:       relay,
		RelayChatID: settings.RelayChatID,
		SizeCeiling: settings.SizeCeiling(),
		LocalServer: settings.LocalServer(),
	})

	prober := probe.New(probe.Options{
		ToolPath:   dlPath,
		CookieFile: settings.CookieFile,
		ProxyURL:   settings.ProxyURL,
		Dir:        settings.DownloadDir,
	})

	transcoder := transcode.New(transcode.Options{
		FFmpegPath: ffmpegPath,
		Policy:     transcode.Policy(settings.ScalePolicy),
	})

	svc := pipeline.NewService(
		pipeline.WithUI(bot),
		pipeline.WithFetcher(fetch.New(settings.DownloadDir)),
		pipeline.WithProber(prober),
		pipeline.WithTranscoder(transcoder),
		pipeline.WithDeliverer(router),
		pipeline.WithChoices(broker.New(settings.ChoiceTTL, nil)),
		pipeline.WithJanitor(cleanup.New(settings.CleanupDelay, nil)),
		pipeline.WithAuthorization(settings.AllowAll, settings.AllowedUserIDs),
	)

	logger.Info("starting", "username", bot.Username(),
		"local_server", settings.LocalServer(), "size_ceiling", settings.SizeCeiling())

	if err := bot.Run(ctx, svc); err != nil && !errors.Is(err, context.Canceled) {
		return &ExitError{Code: ExitRuntime, Err: err}
	}
	return nil
}

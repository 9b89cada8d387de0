package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tgrelay/internal/dirs"
)

// Size ceilings for the primary upload channel. The public Bot API rejects
// uploads over ~50MB; a self-hosted API server raises that to ~2GB.
const (
	cloudCeilingBytes = 50 << 20
	localCeilingBytes = 2 << 30
)

// Settings is the resolved runtime configuration.
type Settings struct {
	BotToken    string
	APIEndpoint string // Self-hosted Bot API server base URL; empty = cloud API

	AllowAll       bool
	AllowedUserIDs []int64

	RelayBotToken string // Secondary account for the large-file relay path
	RelayChatID   int64  // Staging chat the relay account uploads into

	CookieFile string
	ProxyURL   string

	DLBinary     string
	FFmpegBinary string

	DownloadDir string
	ScalePolicy string // "pad" or "stretch"

	ChoiceTTL    time.Duration
	CleanupDelay time.Duration

	LogLevel  string
	LogFormat string
}

// LocalServer reports whether uploads go through a self-hosted API server.
func (s Settings) LocalServer() bool {
	return s.APIEndpoint != ""
}

// SizeCeiling returns the primary channel's payload limit in bytes.
func (s Settings) SizeCeiling() int64 {
	if s.LocalServer() {
		return localCeilingBytes
	}
	return cloudCeilingBytes
}

// RelayConfigured reports whether the relay tier has everything it needs.
func (s Settings) RelayConfigured() bool {
	return s.RelayBotToken != "" && s.RelayChatID != 0
}

// Init wires Viper with config paths, env, defaults, and flag bindings.
// A .env file in the working directory is loaded first so TGRELAY_* values
// can live next to the binary during development.
func Init(root *cobra.Command) error {
	_ = godotenv.Load()
	_ = dirs.EnsureAll()

	if cfgDir, err := dirs.ConfigDir(); err == nil {
		_ = dirs.Ensure(cfgDir)
		viper.AddConfigPath(cfgDir)
	}
	viper.AddConfigPath(".")
	viper.SetConfigName("config") // supports config.{yaml|yml|json|toml}

	// Environment variables: TGRELAY_*
	viper.SetEnvPrefix("TGRELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("scale_policy", "pad")
	viper.SetDefault("choice_ttl", time.Hour)
	viper.SetDefault("cleanup_delay", 20*time.Second)
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "text")

	// Bind root persistent flags to Viper keys
	_ = viper.BindPFlag("download_dir", root.PersistentFlags().Lookup("download-dir"))
	_ = viper.BindPFlag("dl_binary", root.PersistentFlags().Lookup("dl-binary"))
	_ = viper.BindPFlag("ffmpeg_binary", root.PersistentFlags().Lookup("ffmpeg-binary"))
	_ = viper.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log_format", root.PersistentFlags().Lookup("log-format"))

	// Read config file if present (ignore not found)
	_ = viper.ReadInConfig()

	return nil
}

// Load resolves Settings from the initialized Viper state.
func Load() (Settings, error) {
	s := Settings{
		BotToken:       viper.GetString("bot_token"),
		APIEndpoint:    viper.GetString("api_endpoint"),
		AllowAll:       viper.GetBool("allow_all"),
		AllowedUserIDs: parseUserIDs(viper.GetStringSlice("allowed_user_ids")),
		RelayBotToken:  viper.GetString("relay_bot_token"),
		RelayChatID:    viper.GetInt64("relay_chat_id"),
		CookieFile:     viper.GetString("cookie_file"),
		ProxyURL:       viper.GetString("proxy_url"),
		DLBinary:       viper.GetString("dl_binary"),
		FFmpegBinary:   viper.GetString("ffmpeg_binary"),
		DownloadDir:    viper.GetString("download_dir"),
		ScalePolicy:    viper.GetString("scale_policy"),
		ChoiceTTL:      viper.GetDuration("choice_ttl"),
		CleanupDelay:   viper.GetDuration("cleanup_delay"),
		LogLevel:       viper.GetString("log_level"),
		LogFormat:      viper.GetString("log_format"),
	}

	if s.DownloadDir == "" {
		d, err := dirs.DefaultDownloadDir()
		if err != nil {
			return Settings{}, fmt.Errorf("resolve download dir: %w", err)
		}
		s.DownloadDir = d
	}
	if s.ScalePolicy != "pad" && s.ScalePolicy != "stretch" {
		return Settings{}, fmt.Errorf("scale_policy must be pad or stretch, got %q", s.ScalePolicy)
	}
	return s, nil
}

// parseUserIDs converts the configured ID list, tolerating comma-separated
// single entries from env vars.
func parseUserIDs(raw []string) []int64 {
	var ids []int64
	for _, entry := range raw {
		for _, part := range strings.Split(entry, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			var id int64
			if _, err := fmt.Sscanf(part, "%d", &id); err == nil {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

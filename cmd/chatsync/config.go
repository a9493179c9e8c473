package main

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/go-go-golems/chatsync/pkg/config"
)

const envPrefix = "CHATSYNC"

// flagKeys maps persistent flags onto config keys.
var flagKeys = map[string]string{
	"server":           "server.base_url",
	"live-url":         "server.live_url",
	"transport":        "live.transport",
	"refresh-strategy": "sync.refresh_strategy",
	"redis-addr":       "live.redis.addr",
	"log-level":        "log.level",
	"log-format":       "log.format",
}

func addConfigFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("config", "", "Path to a YAML config file")
	f.String("server", "", "Chat server base URL")
	f.String("live-url", "", "Live websocket URL (defaults to <server>/ws)")
	f.String("transport", "", "Live transport: websocket or redis")
	f.String("refresh-strategy", "", "Notification handling: payload or refetch")
	f.String("redis-addr", "", "Redis address for the redis transport")
	f.String("log-level", "", "Log level (trace, debug, info, warn, error)")
	f.String("log-format", "", "Log format (auto, json, console)")
}

// loadConfig layers defaults, the optional config file, CHATSYNC_* environment
// variables and explicitly set flags, in increasing precedence.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	var bindErr error
	cmd.Flags().VisitAll(func(fl *pflag.Flag) {
		key, ok := flagKeys[fl.Name]
		if !ok || !fl.Changed {
			return
		}
		if err := v.BindPFlag(key, fl); err != nil && bindErr == nil {
			bindErr = errors.Wrapf(err, "bind flag --%s", fl.Name)
		}
	})
	if bindErr != nil {
		return cfg, bindErr
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "decode configuration")
	}
	return cfg, cfg.Validate()
}

// setDefaults registers every key so that environment variables can
// override it.
func setDefaults(v *viper.Viper, c config.Config) {
	v.SetDefault("server.base_url", c.Server.BaseURL)
	v.SetDefault("server.live_url", c.Server.LiveURL)
	v.SetDefault("http.timeout", c.HTTP.Timeout)
	v.SetDefault("live.transport", c.Live.Transport)
	v.SetDefault("live.reconnect.enabled", c.Live.Reconnect.Enabled)
	v.SetDefault("live.reconnect.initial_interval", c.Live.Reconnect.InitialInterval)
	v.SetDefault("live.reconnect.max_interval", c.Live.Reconnect.MaxInterval)
	v.SetDefault("live.reconnect.max_attempts", c.Live.Reconnect.MaxAttempts)
	v.SetDefault("live.redis.addr", c.Live.Redis.Addr)
	v.SetDefault("live.redis.notify_stream", c.Live.Redis.NotifyStream)
	v.SetDefault("live.redis.outbound_stream", c.Live.Redis.OutboundStream)
	v.SetDefault("live.redis.group", c.Live.Redis.Group)
	v.SetDefault("live.redis.consumer", c.Live.Redis.Consumer)
	v.SetDefault("sync.refresh_strategy", c.Sync.RefreshStrategy)
	v.SetDefault("sync.echo_window", c.Sync.EchoWindow)
	v.SetDefault("submit.rate", c.Submit.Rate)
	v.SetDefault("submit.burst", c.Submit.Burst)
	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.format", c.Log.Format)
}

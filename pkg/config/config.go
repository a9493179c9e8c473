// Package config holds the chatsync client configuration.
package config

import (
	"bytes"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatsync/pkg/logging"
)

const (
	// RefreshPayload applies full-payload notifications directly and re-pulls
	// history only for payload-less ones.
	RefreshPayload = "payload"
	// RefreshRefetch re-pulls history on every notification.
	RefreshRefetch = "refetch"

	TransportWebsocket = "websocket"
	TransportRedis     = "redis"
)

type Config struct {
	Server ServerSettings   `yaml:"server" mapstructure:"server"`
	HTTP   HTTPSettings     `yaml:"http" mapstructure:"http"`
	Live   LiveSettings     `yaml:"live" mapstructure:"live"`
	Sync   SyncSettings     `yaml:"sync" mapstructure:"sync"`
	Submit SubmitSettings   `yaml:"submit" mapstructure:"submit"`
	Log    logging.Settings `yaml:"log" mapstructure:"log"`
}

type ServerSettings struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	// LiveURL defaults to the websocket form of BaseURL + /ws.
	LiveURL string `yaml:"live_url" mapstructure:"live_url"`
}

type HTTPSettings struct {
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

type LiveSettings struct {
	Transport string            `yaml:"transport" mapstructure:"transport"`
	Reconnect ReconnectSettings `yaml:"reconnect" mapstructure:"reconnect"`
	Redis     RedisSettings     `yaml:"redis" mapstructure:"redis"`
}

type ReconnectSettings struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	InitialInterval time.Duration `yaml:"initial_interval" mapstructure:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" mapstructure:"max_interval"`
	// MaxAttempts of 0 retries forever.
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`
}

type RedisSettings struct {
	Addr           string `yaml:"addr" mapstructure:"addr"`
	NotifyStream   string `yaml:"notify_stream" mapstructure:"notify_stream"`
	OutboundStream string `yaml:"outbound_stream" mapstructure:"outbound_stream"`
	// Group is empty by default so that every client reads every notification.
	// Clients sharing a group split the stream between them.
	Group string `yaml:"group" mapstructure:"group"`
	// Consumer defaults to a unique name per client when Group is set.
	Consumer string `yaml:"consumer" mapstructure:"consumer"`
}

type SyncSettings struct {
	RefreshStrategy string        `yaml:"refresh_strategy" mapstructure:"refresh_strategy"`
	EchoWindow      time.Duration `yaml:"echo_window" mapstructure:"echo_window"`
}

type SubmitSettings struct {
	// Rate is submissions per second; 0 disables limiting.
	Rate  float64 `yaml:"rate" mapstructure:"rate"`
	Burst int     `yaml:"burst" mapstructure:"burst"`
}

func Default() Config {
	return Config{
		Server: ServerSettings{BaseURL: "http://localhost:3001"},
		HTTP:   HTTPSettings{Timeout: 10 * time.Second},
		Live: LiveSettings{
			Transport: TransportWebsocket,
			Reconnect: ReconnectSettings{
				Enabled:         true,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     30 * time.Second,
			},
			Redis: RedisSettings{
				Addr:           "localhost:6379",
				NotifyStream:   "chat.notifications",
				OutboundStream: "chat.outbound",
			},
		},
		Sync: SyncSettings{
			RefreshStrategy: RefreshPayload,
			EchoWindow:      10 * time.Second,
		},
		Submit: SubmitSettings{Burst: 1},
		Log:    logging.Settings{Level: "info", Format: logging.FormatAuto},
	}
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "decode config %s", path)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.BaseURL) == "" {
		return errors.New("server.base_url is empty")
	}
	if _, err := url.Parse(c.Server.BaseURL); err != nil {
		return errors.Wrap(err, "server.base_url")
	}
	switch c.Sync.RefreshStrategy {
	case RefreshPayload, RefreshRefetch:
	default:
		return errors.Errorf("sync.refresh_strategy must be %q or %q, got %q", RefreshPayload, RefreshRefetch, c.Sync.RefreshStrategy)
	}
	switch c.Live.Transport {
	case TransportWebsocket:
	case TransportRedis:
		if c.Live.Redis.Addr == "" || c.Live.Redis.NotifyStream == "" {
			return errors.New("live.redis.addr and live.redis.notify_stream are required for the redis transport")
		}
	default:
		return errors.Errorf("unknown live.transport %q", c.Live.Transport)
	}
	if c.Live.Reconnect.Enabled {
		r := c.Live.Reconnect
		if r.InitialInterval <= 0 || r.MaxInterval < r.InitialInterval {
			return errors.New("live.reconnect intervals must be positive with max_interval >= initial_interval")
		}
		if r.MaxAttempts < 0 {
			return errors.New("live.reconnect.max_attempts must not be negative")
		}
	}
	if c.Submit.Rate < 0 {
		return errors.New("submit.rate must not be negative")
	}
	if c.HTTP.Timeout < 0 {
		return errors.New("http.timeout must not be negative")
	}
	return nil
}

// LiveURL resolves the websocket endpoint.
func (c Config) LiveURL() (string, error) {
	if c.Server.LiveURL != "" {
		return c.Server.LiveURL, nil
	}
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return "", errors.Wrap(err, "parse server.base_url")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

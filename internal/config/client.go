package config

import (
	"time"

	pkgconfig "github.com/weiawesome/wes-io-live/realtime-service/pkg/config"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
)

// ClientConfig configures the reconnecting command line client.
type ClientConfig struct {
	Client ClientSection
	Log    log.Config
}

type ClientSection struct {
	URL               string        `mapstructure:"url"`
	Token             string        `mapstructure:"token"`
	UserID            string        `mapstructure:"user_id"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	ReconnectBackoff  bool          `mapstructure:"reconnect_backoff"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
	Heartbeat         time.Duration `mapstructure:"heartbeat"`
}

// LoadClient reads ./config/client.yaml and the environment.
func LoadClient() (*ClientConfig, error) {
	v, err := pkgconfig.Load("./config", "client")
	if err != nil {
		return nil, err
	}

	v.SetDefault("client.url", "ws://localhost:8090/ws")
	v.SetDefault("client.token", "")
	v.SetDefault("client.user_id", "")
	v.SetDefault("client.reconnect_delay", "5s")
	v.SetDefault("client.reconnect_backoff", false)
	v.SetDefault("client.max_reconnect_delay", "1m")
	v.SetDefault("client.heartbeat", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)
	v.SetDefault("log.service_name", "realtime-client")

	if err := pkgconfig.BindEnvs(v, map[string]string{
		"client.url":     "REALTIME_URL",
		"client.token":   "REALTIME_TOKEN",
		"client.user_id": "REALTIME_USER_ID",
		"log.level":      "LOG_LEVEL",
	}); err != nil {
		return nil, err
	}

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.Client.ReconnectDelay = pkgconfig.Duration(v, "client.reconnect_delay", 5*time.Second)
	cfg.Client.MaxReconnectDelay = pkgconfig.Duration(v, "client.max_reconnect_delay", time.Minute)
	cfg.Client.Heartbeat = pkgconfig.Duration(v, "client.heartbeat", 10*time.Second)

	return &cfg, nil
}

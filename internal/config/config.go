package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/weiawesome/wes-io-live/realtime-service/internal/auth"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/call"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/gateway"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/idgen"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/push"
	pkgconfig "github.com/weiawesome/wes-io-live/realtime-service/pkg/config"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/database"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/pubsub"
)

type Config struct {
	Server    ServerConfig
	WebSocket gateway.Config `mapstructure:"websocket"`
	Auth      auth.Config
	Call      call.Config
	Push      push.Config
	PubSub    pubsub.Config `mapstructure:"pubsub"`
	Presence  PresenceConfig
	Database  database.Config
	ID        idgen.Config `mapstructure:"id"`
	Log       log.Config
}

type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type PresenceConfig struct {
	Store string             `mapstructure:"store"` // memory, redis
	Redis pubsub.RedisConfig `mapstructure:"redis"`
	TTL   time.Duration      `mapstructure:"ttl"`
}

// Load reads the server configuration from ./config/config.yaml and the
// environment.
func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}

	setServerDefaults(v)
	if err := pkgconfig.BindEnvs(v, map[string]string{
		"server.port":                   "PORT",
		"auth.driver":                   "AUTH_DRIVER",
		"auth.grpc_address":             "AUTH_GRPC_ADDRESS",
		"auth.jwt_public_key_path":      "JWT_PUBLIC_KEY_PATH",
		"auth.jwt_issuer":               "JWT_ISSUER",
		"pubsub.driver":                 "PUBSUB_DRIVER",
		"pubsub.redis.address":          "REDIS_ADDRESS",
		"pubsub.redis.password":         "REDIS_PASSWORD",
		"pubsub.kafka.brokers":          "KAFKA_BROKERS",
		"pubsub.kafka.group_id":         "KAFKA_PUBSUB_GROUP_ID",
		"push.driver":                   "PUSH_DRIVER",
		"push.kafka.brokers":            "KAFKA_BROKERS",
		"push.kafka.topic":              "KAFKA_PUSH_TOPIC",
		"presence.store":                "PRESENCE_STORE",
		"presence.redis.address":        "REDIS_ADDRESS",
		"presence.redis.password":       "REDIS_PASSWORD",
		"database.driver":               "DB_DRIVER",
		"database.host":                 "DB_HOST",
		"database.port":                 "DB_PORT",
		"database.user":                 "DB_USER",
		"database.password":             "DB_PASSWORD",
		"database.dbname":               "DB_NAME",
		"database.file_path":            "DB_FILE_PATH",
		"id.strategy":                   "ID_STRATEGY",
		"log.level":                     "LOG_LEVEL",
		"log.pretty":                    "LOG_PRETTY",
		"call.strict_call_type":         "CALL_STRICT_CALL_TYPE",
		"websocket.heartbeat_incoming":  "WS_HEARTBEAT_INCOMING",
		"websocket.heartbeat_outgoing":  "WS_HEARTBEAT_OUTGOING",
		"websocket.malformed_threshold": "WS_MALFORMED_THRESHOLD",
	}); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Parse durations
	cfg.Server.ShutdownTimeout = pkgconfig.Duration(v, "server.shutdown_timeout", 30*time.Second)
	cfg.WebSocket.WriteWait = pkgconfig.Duration(v, "websocket.write_wait", 10*time.Second)
	cfg.WebSocket.HandshakeTimeout = pkgconfig.Duration(v, "websocket.handshake_timeout", 10*time.Second)
	cfg.WebSocket.HeartbeatOutgoing = pkgconfig.Duration(v, "websocket.heartbeat_outgoing", 10*time.Second)
	cfg.WebSocket.HeartbeatIncoming = pkgconfig.Duration(v, "websocket.heartbeat_incoming", 10*time.Second)
	cfg.WebSocket.WatchdogInterval = pkgconfig.Duration(v, "websocket.watchdog_interval", time.Second)
	cfg.Auth.GRPCTimeout = pkgconfig.Duration(v, "auth.grpc_timeout", 5*time.Second)
	cfg.Call.RingTimeout = pkgconfig.Duration(v, "call.ring_timeout", 30*time.Second)
	cfg.Call.Retention = pkgconfig.Duration(v, "call.retention", 5*time.Minute)
	cfg.PubSub.Redis.ReadTimeout = pkgconfig.Duration(v, "pubsub.redis.read_timeout", 3*time.Second)
	cfg.PubSub.Redis.WriteTimeout = pkgconfig.Duration(v, "pubsub.redis.write_timeout", 3*time.Second)
	cfg.Presence.TTL = pkgconfig.Duration(v, "presence.ttl", 24*time.Hour)

	return &cfg, nil
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 65536)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("websocket.handshake_timeout", "10s")
	v.SetDefault("websocket.heartbeat_outgoing", "10s")
	v.SetDefault("websocket.heartbeat_incoming", "10s")
	v.SetDefault("websocket.malformed_threshold", 5)
	v.SetDefault("websocket.watchdog_interval", "1s")
	v.SetDefault("websocket.server_name", "wes-io-live-realtime/1.0")

	v.SetDefault("auth.driver", "jwt")
	v.SetDefault("auth.grpc_address", "localhost:50051")
	v.SetDefault("auth.grpc_timeout", "5s")
	v.SetDefault("auth.jwt_public_key_path", "./keys/public.pem")
	v.SetDefault("auth.jwt_issuer", "wes-io-live")

	v.SetDefault("call.ring_timeout", "30s")
	v.SetDefault("call.retention", "5m")
	v.SetDefault("call.strict_call_type", false)

	v.SetDefault("push.driver", "log")
	v.SetDefault("push.kafka.brokers", "localhost:9092")
	v.SetDefault("push.kafka.topic", "push.requests")
	v.SetDefault("push.kafka.partitions", 4)

	v.SetDefault("pubsub.driver", pubsub.DriverMemory)
	v.SetDefault("pubsub.redis.address", "localhost:6379")
	v.SetDefault("pubsub.redis.password", "")
	v.SetDefault("pubsub.redis.db", 0)
	v.SetDefault("pubsub.redis.pool_size", 10)
	v.SetDefault("pubsub.redis.read_timeout", "3s")
	v.SetDefault("pubsub.redis.write_timeout", "3s")
	v.SetDefault("pubsub.kafka.brokers", "localhost:9092")
	v.SetDefault("pubsub.kafka.group_id", "realtime-service")
	v.SetDefault("pubsub.kafka.partitions", 4)

	v.SetDefault("presence.store", "memory")
	v.SetDefault("presence.redis.address", "localhost:6379")
	v.SetDefault("presence.redis.password", "")
	v.SetDefault("presence.redis.db", 0)
	v.SetDefault("presence.redis.pool_size", 10)
	v.SetDefault("presence.ttl", "24h")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "realtime")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.timezone", "UTC")
	v.SetDefault("database.file_path", "./data/realtime.db")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.conn_max_lifetime", 60)
	v.SetDefault("database.log_level", "silent")

	v.SetDefault("id.strategy", idgen.StrategyULID)
	v.SetDefault("id.nanoid_size", idgen.DefaultNanoIDSize)
	v.SetDefault("id.nanoid_alphabet", idgen.DefaultNanoIDAlphabet)
	v.SetDefault("id.cuid2_length", idgen.DefaultCUID2Length)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.service_name", "realtime-service")
}

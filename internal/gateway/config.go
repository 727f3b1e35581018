package gateway

import "time"

// Config tunes the websocket transport and the STOMP session layer.
type Config struct {
	WriteWait          time.Duration `mapstructure:"write_wait"`
	MaxMessageSize     int64         `mapstructure:"max_message_size"`
	SendBuffer         int           `mapstructure:"send_buffer"`
	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout"`
	HeartbeatOutgoing  time.Duration `mapstructure:"heartbeat_outgoing"`
	HeartbeatIncoming  time.Duration `mapstructure:"heartbeat_incoming"`
	MalformedThreshold int           `mapstructure:"malformed_threshold"`
	WatchdogInterval   time.Duration `mapstructure:"watchdog_interval"`
	ServerName         string        `mapstructure:"server_name"`
}

// HeartbeatFactor is how many negotiated intervals may pass without client
// traffic before the watchdog evicts a session.
const HeartbeatFactor = 3

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		WriteWait:          10 * time.Second,
		MaxMessageSize:     64 * 1024,
		SendBuffer:         256,
		HandshakeTimeout:   10 * time.Second,
		HeartbeatOutgoing:  10 * time.Second,
		HeartbeatIncoming:  10 * time.Second,
		MalformedThreshold: 5,
		WatchdogInterval:   time.Second,
		ServerName:         "wes-io-live-realtime/1.0",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.WriteWait <= 0 {
		c.WriteWait = def.WriteWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.MalformedThreshold <= 0 {
		c.MalformedThreshold = def.MalformedThreshold
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = def.WatchdogInterval
	}
	if c.ServerName == "" {
		c.ServerName = def.ServerName
	}
	return c
}

// Package config loads chat-relay settings from defaults, an optional YAML file, CHAT_RELAY_*
// environment variables and bound command-line flags, in increasing precedence.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chat-relay/pkg/envelope"
	"github.com/go-go-golems/chat-relay/pkg/logging"
	"github.com/go-go-golems/chat-relay/pkg/redisstream"
	"github.com/go-go-golems/chat-relay/pkg/relay"
	"github.com/go-go-golems/chat-relay/pkg/session"
)

const EnvPrefix = "CHAT_RELAY"

type ServerSettings struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read-header-timeout" yaml:"read-header-timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown-timeout" yaml:"shutdown-timeout"`
	// AdminToken guards /admin routes with a bearer token when set.
	AdminToken string `mapstructure:"admin-token" yaml:"admin-token"`
}

type RelaySettings struct {
	MaxImageBytes int `mapstructure:"max-image-bytes" yaml:"max-image-bytes"`
	// MaxFrameBytes caps one inbound websocket frame; 0 derives it from MaxImageBytes.
	MaxFrameBytes int      `mapstructure:"max-frame-bytes" yaml:"max-frame-bytes"`
	EchoToSender  bool     `mapstructure:"echo-to-sender" yaml:"echo-to-sender"`
	AcceptedTopic string   `mapstructure:"accepted-topic" yaml:"accepted-topic"`
	Blocked       []string `mapstructure:"blocked" yaml:"blocked"`
}

type SessionSettings struct {
	SendBuffer   int           `mapstructure:"send-buffer" yaml:"send-buffer"`
	IdleTimeout  time.Duration `mapstructure:"idle-timeout" yaml:"idle-timeout"`
	PingInterval time.Duration `mapstructure:"ping-interval" yaml:"ping-interval"`
	WriteTimeout time.Duration `mapstructure:"write-timeout" yaml:"write-timeout"`
	SendRate     float64       `mapstructure:"send-rate" yaml:"send-rate"`
	SendBurst    int           `mapstructure:"send-burst" yaml:"send-burst"`
}

type HistorySettings struct {
	// SQLitePath selects the SQLite store; empty keeps history in memory.
	SQLitePath         string `mapstructure:"sqlite-path" yaml:"sqlite-path"`
	MaxPerConversation int    `mapstructure:"max-per-conversation" yaml:"max-per-conversation"`
	FetchLimit         int    `mapstructure:"fetch-limit" yaml:"fetch-limit"`
}

type Settings struct {
	Server  ServerSettings       `mapstructure:"server" yaml:"server"`
	Relay   RelaySettings        `mapstructure:"relay" yaml:"relay"`
	Session SessionSettings      `mapstructure:"session" yaml:"session"`
	History HistorySettings      `mapstructure:"history" yaml:"history"`
	Redis   redisstream.Settings `mapstructure:"redis" yaml:"redis"`
	Log     logging.Settings     `mapstructure:"log" yaml:"log"`
}

// SetDefaults registers every key with its default on v. Durations are registered as strings
// so they read back the way a config file spells them.
func SetDefaults(v *viper.Viper) {
	sess := session.DefaultConfig()
	rs := redisstream.DefaultSettings()
	ls := logging.DefaultSettings()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read-header-timeout", "10s")
	v.SetDefault("server.shutdown-timeout", "10s")
	v.SetDefault("server.admin-token", "")

	v.SetDefault("relay.max-image-bytes", envelope.DefaultMaxImageBytes)
	v.SetDefault("relay.max-frame-bytes", 0)
	v.SetDefault("relay.echo-to-sender", true)
	v.SetDefault("relay.accepted-topic", relay.DefaultAcceptedTopic)
	v.SetDefault("relay.blocked", []string{})

	v.SetDefault("session.send-buffer", sess.SendBuffer)
	v.SetDefault("session.idle-timeout", sess.IdleTimeout.String())
	v.SetDefault("session.ping-interval", sess.PingInterval.String())
	v.SetDefault("session.write-timeout", sess.WriteTimeout.String())
	v.SetDefault("session.send-rate", sess.SendRate)
	v.SetDefault("session.send-burst", sess.SendBurst)

	v.SetDefault("history.sqlite-path", "")
	v.SetDefault("history.max-per-conversation", 5000)
	v.SetDefault("history.fetch-limit", 0)

	v.SetDefault("redis.enabled", rs.Enabled)
	v.SetDefault("redis.addr", rs.Addr)
	v.SetDefault("redis.group", rs.Group)
	v.SetDefault("redis.consumer", rs.Consumer)
	v.SetDefault("redis.blocklist-key", rs.BlocklistKey)

	v.SetDefault("log.level", ls.Level)
	v.SetDefault("log.format", ls.Format)
	v.SetDefault("log.with-caller", false)
}

// New returns a viper instance with defaults and environment binding in place.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configFile (when non-empty) into v and decodes the result.
func Load(v *viper.Viper, configFile string) (Settings, error) {
	if v == nil {
		v = New()
	}
	if configFile = strings.TrimSpace(configFile); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, errors.Wrapf(err, "read config file %s", configFile)
		}
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "decode settings")
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) Validate() error {
	if strings.TrimSpace(s.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}
	if s.Relay.MaxImageBytes < 0 {
		return errors.New("relay.max-image-bytes must not be negative")
	}
	if s.Relay.MaxFrameBytes < 0 {
		return errors.New("relay.max-frame-bytes must not be negative")
	}
	if strings.TrimSpace(s.Relay.AcceptedTopic) == "" {
		return errors.New("relay.accepted-topic is required")
	}
	if _, err := s.BlockedKeys(); err != nil {
		return err
	}
	if s.Session.SendBuffer <= 0 {
		return errors.New("session.send-buffer must be positive")
	}
	if s.Session.IdleTimeout > 0 && s.Session.PingInterval >= s.Session.IdleTimeout {
		return errors.Errorf("session.ping-interval (%s) must be shorter than session.idle-timeout (%s)",
			s.Session.PingInterval, s.Session.IdleTimeout)
	}
	if s.History.MaxPerConversation < 0 || s.History.FetchLimit < 0 {
		return errors.New("history limits must not be negative")
	}
	if err := s.Redis.Validate(); err != nil {
		return err
	}
	return nil
}

// BlockedKeys parses relay.blocked entries of the form "a|b".
func (s Settings) BlockedKeys() ([]envelope.ConversationKey, error) {
	out := make([]envelope.ConversationKey, 0, len(s.Relay.Blocked))
	for _, entry := range s.Relay.Blocked {
		k, err := envelope.ParseKey(entry)
		if err != nil {
			return nil, errors.Wrapf(err, "relay.blocked entry %q", entry)
		}
		out = append(out, k)
	}
	return out, nil
}

func (s Settings) SessionConfig() session.Config {
	return session.Config{
		SendBuffer:   s.Session.SendBuffer,
		IdleTimeout:  s.Session.IdleTimeout,
		PingInterval: s.Session.PingInterval,
		WriteTimeout: s.Session.WriteTimeout,
		SendRate:     s.Session.SendRate,
		SendBurst:    s.Session.SendBurst,
	}
}

// YAML renders the settings as a config file would spell them.
func (s Settings) YAML() ([]byte, error) {
	b, err := yaml.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "marshal settings")
	}
	return b, nil
}

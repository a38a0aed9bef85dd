package redisstream

import (
	"strings"

	"github.com/pkg/errors"
)

// Settings holds the Redis configuration for the accepted-envelope stream and the block list.
type Settings struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr         string `mapstructure:"addr" yaml:"addr"`
	Group        string `mapstructure:"group" yaml:"group"`
	Consumer     string `mapstructure:"consumer" yaml:"consumer"`
	BlocklistKey string `mapstructure:"blocklist-key" yaml:"blocklist-key"`
}

func DefaultSettings() Settings {
	return Settings{
		Enabled:      false,
		Addr:         "localhost:6379",
		Group:        "chat-history",
		Consumer:     "relay-1",
		BlocklistKey: "chat-relay:blocked",
	}
}

func (s Settings) Validate() error {
	if !s.Enabled {
		return nil
	}
	if strings.TrimSpace(s.Addr) == "" {
		return errors.New("redis: addr is required when enabled")
	}
	if strings.TrimSpace(s.Group) == "" {
		return errors.New("redis: group is required when enabled")
	}
	if strings.TrimSpace(s.Consumer) == "" {
		return errors.New("redis: consumer is required when enabled")
	}
	if strings.TrimSpace(s.BlocklistKey) == "" {
		return errors.New("redis: blocklist-key is required when enabled")
	}
	return nil
}

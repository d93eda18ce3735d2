package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Ledger LedgerConfig `mapstructure:"ledger"`
	Mirror MirrorConfig `mapstructure:"mirror"`
	Node   NodeConfig   `mapstructure:"node"`
	Events EventsConfig `mapstructure:"events"`
	Alerts AlertsConfig `mapstructure:"alerts"`
}

type LedgerConfig struct {
	RPCURL          string `mapstructure:"rpc_url"`
	KeyFile         string `mapstructure:"key_file"`
	ConfirmAttempts int    `mapstructure:"confirm_attempts"`
	ConfirmInterval string `mapstructure:"confirm_interval"`
}

type MirrorConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	DSN     string `mapstructure:"dsn"`
}

type NodeConfig struct {
	ID        string            `mapstructure:"id"`
	BindAddr  string            `mapstructure:"bind_addr"`
	DataDir   string            `mapstructure:"data_dir"`
	Peers     []string          `mapstructure:"peers"`
	Bootstrap bool              `mapstructure:"bootstrap"`
	PeerAddrs map[string]string `mapstructure:"peer_addrs"`
}

type EventsConfig struct {
	BrokerURL string `mapstructure:"broker_url"`
	Topic     string `mapstructure:"topic"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Ledger.RPCURL == "" {
		return fmt.Errorf("ledger.rpc_url is required")
	}
	if c.Ledger.KeyFile == "" {
		return fmt.Errorf("ledger.key_file is required")
	}
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}

	if c.Ledger.ConfirmAttempts == 0 {
		c.Ledger.ConfirmAttempts = 30
	}
	if c.Ledger.ConfirmInterval == "" {
		c.Ledger.ConfirmInterval = "2s"
	}
	if _, err := time.ParseDuration(c.Ledger.ConfirmInterval); err != nil {
		return fmt.Errorf("invalid ledger.confirm_interval: %w", err)
	}

	if c.Mirror.Backend == "" {
		c.Mirror.Backend = "bolt"
	}
	switch c.Mirror.Backend {
	case "bolt":
		if c.Mirror.Path == "" {
			c.Mirror.Path = "mirror.db"
		}
	case "postgres":
		if c.Mirror.DSN == "" {
			return fmt.Errorf("mirror.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid mirror backend: %s (valid options: bolt, postgres)", c.Mirror.Backend)
	}

	if (len(c.Node.Peers) > 0 || c.Node.Bootstrap) && c.Node.BindAddr == "" {
		return fmt.Errorf("node.bind_addr is required when consensus is enabled")
	}

	if c.Events.BrokerURL != "" && c.Events.Topic == "" {
		c.Events.Topic = "medtrail.shipments"
	}

	return nil
}

// ConfirmIntervalDuration returns the parsed poll interval. Validate has
// already checked it parses.
func (l *LedgerConfig) ConfirmIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(l.ConfirmInterval)
	return d
}

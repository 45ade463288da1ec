// Package config loads Chemist's static configuration — network binding,
// sharding strategy, timeouts, and the seed instances/flasks a fresh
// deployment starts from before the cloud event queue populates the rest —
// via viper/mapstructure.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Network holds the admin HTTP binding and the default telemetry port.
type Network struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	FunnelPort int    `mapstructure:"funnel-port"`
}

// Instance is a statically seeded target, per §6.
type Instance struct {
	ClusterName string   `mapstructure:"clusterName"`
	URIs        []string `mapstructure:"uris"`
}

// FlaskLocation is a statically seeded flask's location, per §6.
type FlaskLocation struct {
	Host                    string   `mapstructure:"host"`
	Port                    int      `mapstructure:"port"`
	Protocol                string   `mapstructure:"protocol"`
	Datacenter              string   `mapstructure:"datacenter"`
	Intent                  string   `mapstructure:"intent"`
	TargetResourceTemplates []string `mapstructure:"target-resource-templates"`
}

// Flask is a statically seeded flask, per §6.
type Flask struct {
	Location FlaskLocation `mapstructure:"location"`
}

// Config is the full set of §6 configuration keys.
type Config struct {
	Network                 Network            `mapstructure:"network"`
	ShardingStrategy        string             `mapstructure:"sharding-strategy"`
	CommandTimeout          time.Duration      `mapstructure:"command-timeout"`
	MaxInvestigatingRetries int                `mapstructure:"max-investigating-retries"`
	Instances               map[string]Instance `mapstructure:"instances"`
	Flasks                  map[string]Flask    `mapstructure:"flasks"`

	AWSRegion          string `mapstructure:"aws-region"`
	EventQueueURL      string `mapstructure:"event-queue-url"`
	ArchiveTableName   string `mapstructure:"archive-table-name"`
	OTLPEndpoint       string `mapstructure:"otlp-endpoint"`
	FlaskASGResourceID string `mapstructure:"flask-asg-resource-id"`
	FlaskFloor         int    `mapstructure:"flask-floor"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("network.host", "0.0.0.0")
	v.SetDefault("network.port", 8080)
	v.SetDefault("network.funnel-port", 9090)
	v.SetDefault("sharding-strategy", "least-loaded")
	v.SetDefault("command-timeout", 10*time.Second)
	v.SetDefault("max-investigating-retries", 11)
	v.SetDefault("flask-floor", 1)
}

// Load reads configuration from cfgFile if set, otherwise
// $HOME/.chemist.yaml, falling back silently to defaults plus environment
// overrides (CHEMIST_-prefixed) when no file is present.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.SetConfigFile(filepath.Join(home, ".chemist.yaml"))
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("chemist")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

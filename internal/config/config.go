// Package config loads process configuration from YAML files with
// environment overrides.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// SimulatorConfig configures the replay simulator process.
type SimulatorConfig struct {
	Addr      string `mapstructure:"addr"`
	DataFile  string `mapstructure:"data_file"`
	LogLevel  string `mapstructure:"log_level"`
	AutoStart bool   `mapstructure:"auto_start"`
}

// ServerConfig configures the aggregation server process.
type ServerConfig struct {
	Addr                  string `mapstructure:"addr"`
	LogLevel              string `mapstructure:"log_level"`
	StaticDir             string `mapstructure:"static_dir"`
	FeedURL               string `mapstructure:"feed_url"`
	CatchUpURL            string `mapstructure:"catch_up_url"`
	CatchUpLimit          int    `mapstructure:"catch_up_limit"`
	ReconnectDelaySeconds int    `mapstructure:"reconnect_delay_seconds"`
	MaxReconnectAttempts  int    `mapstructure:"max_reconnect_attempts"`
	BackoffCap            int    `mapstructure:"backoff_cap"`
	LongRetryDelaySeconds int    `mapstructure:"long_retry_delay_seconds"`
	BroadcastIntervalMS   int    `mapstructure:"broadcast_interval_ms"`
	MAWindows             []int  `mapstructure:"ma_windows"`
}

// LoadSimulator reads simulator.yaml (from . or ./configs) and TICKFLOW_*
// environment overrides. A missing config file is fine; defaults apply.
func LoadSimulator() (*SimulatorConfig, error) {
	v := newViper("simulator")
	v.SetDefault("addr", ":8000")
	v.SetDefault("data_file", "AAPL.csv")
	v.SetDefault("log_level", "info")
	v.SetDefault("auto_start", true)

	if err := readConfig(v); err != nil {
		return nil, err
	}
	var cfg SimulatorConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal simulator config: %w", err)
	}
	return &cfg, nil
}

// LoadServer reads server.yaml (from . or ./configs) and TICKFLOW_*
// environment overrides. A missing config file is fine; defaults apply.
func LoadServer() (*ServerConfig, error) {
	v := newViper("server")
	v.SetDefault("addr", ":8001")
	v.SetDefault("log_level", "info")
	v.SetDefault("static_dir", "")
	v.SetDefault("feed_url", "ws://localhost:8000/ws")
	v.SetDefault("catch_up_url", "http://localhost:8000/trades")
	v.SetDefault("catch_up_limit", 100)
	v.SetDefault("reconnect_delay_seconds", 5)
	v.SetDefault("max_reconnect_attempts", 10)
	v.SetDefault("backoff_cap", 5)
	v.SetDefault("long_retry_delay_seconds", 60)
	v.SetDefault("broadcast_interval_ms", 1000)
	v.SetDefault("ma_windows", []int{10, 20})

	if err := readConfig(v); err != nil {
		return nil, err
	}
	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal server config: %w", err)
	}
	return &cfg, nil
}

func newViper(name string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix("TICKFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

// Package config loads runtime settings for the medium managers and the
// nearbyctl tool.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/user/nearby-connections/platform"
)

type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	DataDir   string          `mapstructure:"data_dir"`
	Lan       LanConfig       `mapstructure:"lan"`
	Multiplex MultiplexConfig `mapstructure:"multiplex"`
	Channel   ChannelConfig   `mapstructure:"channel"`
	Ble       BleConfig       `mapstructure:"ble"`
	Sim       SimConfig       `mapstructure:"sim"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	Klog  bool   `mapstructure:"klog"`
}

type LanConfig struct {
	PortRangeFirst  int    `mapstructure:"port_range_first"`
	PortRangeSecond int    `mapstructure:"port_range_second"`
	Interface       string `mapstructure:"interface"`
}

// PortRange returns the configured dynamic range, and false when unset or
// malformed.
func (c LanConfig) PortRange() (platform.PortRange, bool) {
	r := platform.PortRange{First: c.PortRangeFirst, Second: c.PortRangeSecond}
	return r, r.IsValid()
}

type MultiplexConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
}

type ChannelConfig struct {
	MaxAllowedReadBytes   int `mapstructure:"max_allowed_read_bytes"`
	MaxTransmitPacketSize int `mapstructure:"max_transmit_packet_size"`
}

type BleConfig struct {
	LostSweepInterval  time.Duration `mapstructure:"lost_sweep_interval"`
	ReadInitialBackoff time.Duration `mapstructure:"read_initial_backoff"`
	ReadMaxBackoff     time.Duration `mapstructure:"read_max_backoff"`
}

type SimConfig struct {
	MinConnectionDelay    time.Duration `mapstructure:"min_connection_delay"`
	MaxConnectionDelay    time.Duration `mapstructure:"max_connection_delay"`
	ConnectionFailureRate float64       `mapstructure:"connection_failure_rate"`
	MinDiscoveryDelay     time.Duration `mapstructure:"min_discovery_delay"`
	MaxDiscoveryDelay     time.Duration `mapstructure:"max_discovery_delay"`
	Seed                  int64         `mapstructure:"seed"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.klog", false)
	v.SetDefault("data_dir", "")
	v.SetDefault("lan.port_range_first", 0)
	v.SetDefault("lan.port_range_second", 0)
	v.SetDefault("lan.interface", "")
	v.SetDefault("multiplex.enabled", false)
	v.SetDefault("multiplex.response_timeout", "3s")
	v.SetDefault("channel.max_allowed_read_bytes", 1024*1024)
	v.SetDefault("channel.max_transmit_packet_size", 32*1024)
	v.SetDefault("ble.lost_sweep_interval", "3s")
	v.SetDefault("ble.read_initial_backoff", "30s")
	v.SetDefault("ble.read_max_backoff", "5m")
	v.SetDefault("sim.min_connection_delay", "0s")
	v.SetDefault("sim.max_connection_delay", "0s")
	v.SetDefault("sim.connection_failure_rate", 0.0)
	v.SetDefault("sim.min_discovery_delay", "0s")
	v.SetDefault("sim.max_discovery_delay", "0s")
	v.SetDefault("sim.seed", 0)
	v.SetDefault("metrics.listen", "")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("NEARBY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the built-in configuration, with NEARBY_* environment
// overrides applied.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		// defaults are static, so this only trips on a bad env override
		panic(err)
	}
	return cfg
}

// Load reads path, or searches /etc/nearby, $HOME/.nearby and the working
// directory for nearby.yaml when path is empty. A missing file is not an
// error.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("nearby")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/nearby/")
		v.AddConfigPath("$HOME/.nearby")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Mode    ModeConfig    `yaml:"mode"`
	Stream  StreamConfig  `yaml:"stream"`
	Output  OutputConfig  `yaml:"output"`
	Redis   RedisConfig   `yaml:"redis"`
	Log     LogConfig     `yaml:"log"`
	Monitor MonitorConfig `yaml:"monitor"`
}

type DeviceConfig struct {
	Port           string        `yaml:"port"`
	BaudRate       int           `yaml:"baud_rate"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Retries        int           `yaml:"retries"`
	Simulate       bool          `yaml:"simulate"`
}

// ModeConfig selects how samples are collected.
//
//	0  print one ReadSensors sample and exit
//	1  poll ReadValues every PollInterval
//	2  continuous transmission
//	3  continuous transmission after switching to FastBaudRate
type ModeConfig struct {
	Speed        int           `yaml:"speed"`
	PollInterval time.Duration `yaml:"poll_interval"`
	FastBaudRate int           `yaml:"fast_baud_rate"`
}

type StreamConfig struct {
	BufferSize     int           `yaml:"buffer_size"`
	Overflow       string        `yaml:"overflow"`
	Watchdog       time.Duration `yaml:"watchdog"`
	TimestampBytes int           `yaml:"timestamp_bytes"`
	ChannelMask    int           `yaml:"channel_mask"`
}

type OutputConfig struct {
	// Path of the CSV file. Empty writes to stdout.
	Path            string        `yaml:"path"`
	SummaryInterval time.Duration `yaml:"summary_interval"`
	SummaryChannel  string        `yaml:"summary_channel"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Channel  string `yaml:"channel"`
	ListSize int64  `yaml:"list_size"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type MonitorConfig struct {
	Enabled     bool `yaml:"enabled"`
	MetricsPort int  `yaml:"metrics_port"`
}

// LoadConfig reads a YAML file over the defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := GetDefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Device.Port == "" && !c.Device.Simulate {
		return fmt.Errorf("device.port is required")
	}
	if c.Mode.Speed < 0 || c.Mode.Speed > 3 {
		return fmt.Errorf("mode.speed must be 0..3, got %d", c.Mode.Speed)
	}
	if c.Mode.Speed == 1 && c.Mode.PollInterval <= 0 {
		return fmt.Errorf("mode.poll_interval must be positive")
	}
	if c.Stream.Overflow != "drop_oldest" && c.Stream.Overflow != "block" {
		return fmt.Errorf("stream.overflow must be drop_oldest or block, got %q", c.Stream.Overflow)
	}
	if c.Stream.BufferSize <= 0 {
		return fmt.Errorf("stream.buffer_size must be positive")
	}
	if c.Stream.TimestampBytes < 0 || c.Stream.TimestampBytes > 4 {
		return fmt.Errorf("stream.timestamp_bytes must be 0..4, got %d", c.Stream.TimestampBytes)
	}
	if c.Stream.ChannelMask < 1 || c.Stream.ChannelMask > 0xFF {
		return fmt.Errorf("stream.channel_mask must be 0x01..0xFF, got 0x%X", c.Stream.ChannelMask)
	}
	return nil
}

// GetDefaultConfig returns the default configuration.
func GetDefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Port:           "/dev/ttyUSB0",
			BaudRate:       115200,
			ReadTimeout:    50 * time.Millisecond,
			RequestTimeout: time.Second,
			Retries:        1,
		},
		Mode: ModeConfig{
			Speed:        1,
			PollInterval: time.Second,
			FastBaudRate: 460800,
		},
		Stream: StreamConfig{
			BufferSize:     4096,
			Overflow:       "drop_oldest",
			Watchdog:       2 * time.Second,
			TimestampBytes: 4,
			ChannelMask:    0xFF,
		},
		Output: OutputConfig{
			SummaryInterval: 0,
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			PoolSize: 10,
			Channel:  "pmd_samples",
			ListSize: 1000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Monitor: MonitorConfig{
			Enabled:     false,
			MetricsPort: 9090,
		},
	}
}

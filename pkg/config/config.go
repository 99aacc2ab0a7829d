// Package config loads the server settings: defaults, then an optional
// YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	HTTP   HTTPConfig   `yaml:"http"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	Addr    string `yaml:"addr"`
	Port    int    `yaml:"port"`
	Backlog int    `yaml:"backlog"`

	Workers     int `yaml:"workers"`      // worker goroutines
	MaxRequests int `yaml:"max_requests"` // pending jobs the worker queue holds
	MaxConns    int `yaml:"max_conns"`    // live connections before "server busy"
	MaxEvents   int `yaml:"max_events"`   // events per epoll_wait

	// idle connections are closed after 3 slots without reads
	TimeSlot time.Duration `yaml:"time_slot"`
}

type HTTPConfig struct {
	DocRoot         string `yaml:"doc_root"`
	ReadBufferSize  int    `yaml:"read_buffer_size"`
	WriteBufferSize int    `yaml:"write_buffer_size"`
	MaxFilenameLen  int    `yaml:"max_filename_len"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        "0.0.0.0",
			Port:        8080,
			Backlog:     2048,
			Workers:     8,
			MaxRequests: 10000,
			MaxConns:    65535,
			MaxEvents:   10000,
			TimeSlot:    5 * time.Second,
		},
		HTTP: HTTPConfig{
			DocRoot:         "./root",
			ReadBufferSize:  2048,
			WriteBufferSize: 1024,
			MaxFilenameLen:  200,
		},
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config file")
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config file %s", path)
		}
	}

	cfg.Server.Addr = getEnvOrDefault("WEBSERVER_ADDR", cfg.Server.Addr)
	cfg.Server.Port = getEnvAsIntOrDefault("PORT", cfg.Server.Port)
	cfg.HTTP.DocRoot = getEnvOrDefault("WEBSERVER_DOC_ROOT", cfg.HTTP.DocRoot)
	cfg.Log.Level = getEnvOrDefault("WEBSERVER_LOG_LEVEL", cfg.Log.Level)

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	s, h := c.Server, c.HTTP
	switch {
	case s.Port < 0 || s.Port > 65535:
		return errors.Errorf("invalid port: %d", s.Port)
	case s.Backlog <= 0:
		return errors.Errorf("invalid backlog: %d", s.Backlog)
	case s.Workers <= 0:
		return errors.Errorf("invalid worker count: %d", s.Workers)
	case s.MaxRequests <= 0:
		return errors.Errorf("invalid max_requests: %d", s.MaxRequests)
	case s.MaxConns <= 0:
		return errors.Errorf("invalid max_conns: %d", s.MaxConns)
	case s.MaxEvents <= 0:
		return errors.Errorf("invalid max_events: %d", s.MaxEvents)
	case s.TimeSlot <= 0:
		return errors.Errorf("invalid time_slot: %s", s.TimeSlot)
	case h.DocRoot == "":
		return errors.New("doc_root is empty")
	case h.ReadBufferSize < 64:
		return errors.Errorf("read_buffer_size too small: %d", h.ReadBufferSize)
	case h.WriteBufferSize < 256:
		return errors.Errorf("write_buffer_size too small: %d", h.WriteBufferSize)
	}

	// requests are resolved against the absolute root
	root, err := c.AbsDocRoot()
	if err != nil {
		return err
	}
	if h.MaxFilenameLen <= len(root)+1 {
		return errors.Errorf("max_filename_len %d leaves no room after doc_root %s", h.MaxFilenameLen, root)
	}
	return nil
}

// AbsDocRoot returns the document root as a cleaned absolute path.
func (c *Config) AbsDocRoot() (string, error) {
	root, err := filepath.Abs(c.HTTP.DocRoot)
	if err != nil {
		return "", errors.Wrap(err, "resolve doc_root")
	}
	return root, nil
}

func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Addr, c.Server.Port)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}

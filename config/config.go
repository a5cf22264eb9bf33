// Package config loads the studio configuration from TOML, an optional .env
// file and MASKSTUDIO_* environment variables.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

//go:embed config.example.toml
var exampleConf []byte

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is injected into every client at startup; nothing in the module
// reads backend addresses from constants.
type Config struct {
	Backend Backend `toml:"backend"`
	Comfy   Comfy   `toml:"comfy"`
	Tunnel  Tunnel  `toml:"tunnel"`
	Editor  Editor  `toml:"editor"`
	Monitor Monitor `toml:"monitor"`
	History History `toml:"history"`
	Server  Server  `toml:"server"`
}

// Backend is the generation server.
type Backend struct {
	BaseURL string   `toml:"base_url"`
	Timeout Duration `toml:"timeout"`
}

// Comfy is the ComfyUI server.
type Comfy struct {
	BaseURL  string   `toml:"base_url"`
	Timeout  Duration `toml:"timeout"`
	MaxRetry int      `toml:"max_retry"`
}

// Tunnel is the header attached to every outgoing request.
type Tunnel struct {
	Header string `toml:"header"`
	Value  string `toml:"value"`
}

type Editor struct {
	Width   int `toml:"width"`
	Height  int `toml:"height"`
	Padding int `toml:"padding"`
}

type Monitor struct {
	PipelineInterval Duration `toml:"pipeline_interval"`
	StatsInterval    Duration `toml:"stats_interval"`
}

// MaxHistoryLimit is the most history entries any store keeps.
const MaxHistoryLimit = 20

type History struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
	Limit  int    `toml:"limit"`
}

type Server struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Addr returns host:port.
func (s Server) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// Duration decodes TOML strings such as "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the embedded example configuration.
func Default() *Config {
	var cfg Config
	if _, err := toml.Decode(string(exampleConf), &cfg); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &cfg
}

// Load reads path on top of the defaults. A missing file is not an error when
// path is empty. Values from a .env file in the working directory and from
// the environment override the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// .env is optional
	_ = godotenv.Load()
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteExample writes the embedded example configuration to path.
func WriteExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := os.WriteFile(path, exampleConf, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	strs := map[string]*string{
		"MASKSTUDIO_BACKEND_URL":    &c.Backend.BaseURL,
		"MASKSTUDIO_COMFY_URL":      &c.Comfy.BaseURL,
		"MASKSTUDIO_TUNNEL_HEADER":  &c.Tunnel.Header,
		"MASKSTUDIO_TUNNEL_VALUE":   &c.Tunnel.Value,
		"MASKSTUDIO_HISTORY_DRIVER": &c.History.Driver,
		"MASKSTUDIO_HISTORY_PATH":   &c.History.Path,
		"MASKSTUDIO_SERVER_HOST":    &c.Server.Host,
	}
	for k, p := range strs {
		if v := getenv(k); v != "" {
			*p = v
		}
	}
	if v := getenv("MASKSTUDIO_SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: MASKSTUDIO_SERVER_PORT: %v", ErrInvalidConfig, err)
		}
		c.Server.Port = port
	}
	return nil
}

// Validate checks that both base URLs are absolute http(s) URLs and clamps
// the history limit to MaxHistoryLimit.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{"backend.base_url": c.Backend.BaseURL, "comfy.base_url": c.Comfy.BaseURL} {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
			return fmt.Errorf("%w: %s must be an http(s) URL, got %q", ErrInvalidConfig, name, raw)
		}
	}
	c.Backend.BaseURL = strings.TrimRight(c.Backend.BaseURL, "/")
	c.Comfy.BaseURL = strings.TrimRight(c.Comfy.BaseURL, "/")
	if c.History.Limit <= 0 || c.History.Limit > MaxHistoryLimit {
		c.History.Limit = MaxHistoryLimit
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// DefaultFileName is looked up in the project directory when no --config is given.
const DefaultFileName = "banana.config.yaml"

// Config is the dev server configuration. Zero values are filled by Defaults.
type Config struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ProjectDir   string `yaml:"projectDir"`
	StaticDir    string `yaml:"staticDir"`
	WorkspaceDir string `yaml:"workspaceDir"`
	Shell        string `yaml:"shell"`
	Dev          bool   `yaml:"dev"`
	LogLevel     string `yaml:"logLevel"`
	// AuthSecret enables token auth on /v1 when set.
	AuthSecret string `yaml:"authSecret"`

	Watch    WatchConfig    `yaml:"watch"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Terminal TerminalConfig `yaml:"terminal"`
	Session  SessionConfig  `yaml:"session"`
}

type WatchConfig struct {
	Roots []string `yaml:"roots"`
	// Exclude holds glob patterns matched against root-relative paths and
	// against each path segment. node_modules is always excluded.
	Exclude    []string `yaml:"exclude"`
	CoalesceMs int      `yaml:"coalesceMs"`
}

type MetricsConfig struct {
	IntervalMs int `yaml:"intervalMs"`
}

type TerminalConfig struct {
	Cols            int      `yaml:"cols"`
	Rows            int      `yaml:"rows"`
	BlockedPatterns []string `yaml:"blockedPatterns"`
}

type SessionConfig struct {
	SendQueue int `yaml:"sendQueue"`
}

// Defaults returns the configuration used when no file is present.
func Defaults() *Config {
	rt := DetectRuntime()
	return &Config{
		Host:         "localhost",
		Port:         3000,
		ProjectDir:   rt.WorkDir,
		StaticDir:    "dist",
		WorkspaceDir: rt.WorkDir,
		Shell:        rt.Shell,
		LogLevel:     "info",
		Watch: WatchConfig{
			Roots:   []string{"src", "public"},
			Exclude: []string{"dist", "*.swp", "*~"},
		},
		Metrics:  MetricsConfig{IntervalMs: 1000},
		Terminal: TerminalConfig{Cols: 80, Rows: 24},
		Session:  SessionConfig{SendQueue: 256},
	}
}

// Load reads path (if it exists) over the defaults and applies environment
// overrides. A missing file is not an error when path is the default name.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	explicit := path != ""
	if !explicit {
		path = filepath.Join(cfg.ProjectDir, DefaultFileName)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		// Directories in a config file are relative to the file itself.
		cfg.ProjectDir = ""
		cfg.WorkspaceDir = ""
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		base := filepath.Dir(path)
		if abs, err := filepath.Abs(base); err == nil {
			base = abs
		}
		switch {
		case cfg.ProjectDir == "":
			cfg.ProjectDir = base
		case !filepath.IsAbs(cfg.ProjectDir):
			cfg.ProjectDir = filepath.Join(base, cfg.ProjectDir)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.fill()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BANANA_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("BANANA_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("BANANA_SHELL"); v != "" {
		c.Shell = v
	}
	if v := os.Getenv("BANANA_WORKSPACE"); v != "" {
		c.WorkspaceDir = v
	}
	if v := os.Getenv("BANANA_STATIC_DIR"); v != "" {
		c.StaticDir = v
	}
	if v := os.Getenv("BANANA_AUTH_SECRET"); v != "" {
		c.AuthSecret = v
	}
}

// fill replaces zero values left by a partial YAML file and resolves
// relative directories against ProjectDir.
func (c *Config) fill() {
	d := Defaults()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.ProjectDir == "" {
		c.ProjectDir = d.ProjectDir
	}
	if c.Shell == "" {
		c.Shell = d.Shell
	}
	if c.Metrics.IntervalMs <= 0 {
		c.Metrics.IntervalMs = d.Metrics.IntervalMs
	}
	if c.Terminal.Cols <= 0 {
		c.Terminal.Cols = d.Terminal.Cols
	}
	if c.Terminal.Rows <= 0 {
		c.Terminal.Rows = d.Terminal.Rows
	}
	if c.Session.SendQueue <= 0 {
		c.Session.SendQueue = d.Session.SendQueue
	}

	c.StaticDir = c.resolve(c.StaticDir)
	if c.WorkspaceDir == "" {
		c.WorkspaceDir = c.ProjectDir
	}
	c.WorkspaceDir = c.resolve(c.WorkspaceDir)
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.ProjectDir, p)
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Watch.CoalesceMs < 0 {
		return fmt.Errorf("watch.coalesceMs must not be negative")
	}
	if c.Terminal.Cols < 1 || c.Terminal.Cols > 65535 || c.Terminal.Rows < 1 || c.Terminal.Rows > 65535 {
		return fmt.Errorf("terminal size %dx%d out of range", c.Terminal.Cols, c.Terminal.Rows)
	}
	if strings.TrimSpace(c.Shell) == "" {
		return fmt.Errorf("shell must not be empty")
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WatchRoots returns the absolute watch roots.
func (c *Config) WatchRoots() []string {
	roots := make([]string, 0, len(c.Watch.Roots))
	for _, r := range c.Watch.Roots {
		roots = append(roots, c.resolve(r))
	}
	return roots
}

func (c *Config) MetricsInterval() time.Duration {
	return time.Duration(c.Metrics.IntervalMs) * time.Millisecond
}

func (c *Config) CoalesceWindow() time.Duration {
	return time.Duration(c.Watch.CoalesceMs) * time.Millisecond
}

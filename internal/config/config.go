package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the optional config file looked up in the data dir.
const FileName = "updater.yaml"

type Config struct {
	Port        int     `yaml:"port"`
	BindAddress string  `yaml:"bind"`
	DataDir     string  `yaml:"data_dir"`
	LogLevel    string  `yaml:"log_level"`
	DevMode     bool    `yaml:"dev"`
	TokenSecret string  `yaml:"token_secret"`
	Updater     Updater `yaml:"updater"`

	// File is the config file that was read, if any.
	File string `yaml:"-"`
	// FileErr is set when the config file existed but could not be used.
	FileErr error `yaml:"-"`
}

type Updater struct {
	ManifestURL   string        `yaml:"manifest_url"`
	PublicKey     string        `yaml:"public_key"`
	StartupDelay  time.Duration `yaml:"startup_delay"`
	CheckInterval time.Duration `yaml:"check_interval"`
	ErrorCooldown time.Duration `yaml:"error_cooldown"`
}

func defaults() *Config {
	return &Config{
		Port:        41296,
		BindAddress: "127.0.0.1",
		DataDir:     resolveDataDir(),
		LogLevel:    "info",
		Updater: Updater{
			StartupDelay:  2 * time.Second,
			CheckInterval: 24 * time.Hour,
			ErrorCooldown: time.Hour,
		},
	}
}

// Load builds the config from defaults, then the YAML file, then FANYI_*
// environment variables. Invalid values fall back to the defaults.
func Load() *Config {
	cfg := defaults()
	def := *cfg

	if d := getEnv("FANYI_DATA_DIR", ""); d != "" {
		cfg.DataDir = d
	}
	path := getEnv("FANYI_CONFIG", "")
	if path == "" {
		path = filepath.Join(cfg.DataDir, FileName)
	}
	if err := cfg.loadFile(path); err != nil {
		cfg.FileErr = err
	}

	if p := getEnv("FANYI_PORT", ""); p != "" {
		if port, err := strconv.Atoi(p); err == nil {
			cfg.Port = port
		}
	}
	if b := getEnv("FANYI_BIND", ""); b != "" {
		cfg.BindAddress = b
	}
	if d := getEnv("FANYI_DATA_DIR", ""); d != "" {
		cfg.DataDir = d
	}
	if l := getEnv("FANYI_LOG_LEVEL", ""); l != "" {
		cfg.LogLevel = l
	}
	if v, ok := os.LookupEnv("FANYI_DEV"); ok {
		cfg.DevMode = v == "true"
	}
	if s := getEnv("FANYI_TOKEN_SECRET", ""); s != "" {
		cfg.TokenSecret = s
	}
	if u := getEnv("FANYI_MANIFEST_URL", ""); u != "" {
		cfg.Updater.ManifestURL = u
	}
	if k := getEnv("FANYI_PUBLIC_KEY", ""); k != "" {
		cfg.Updater.PublicKey = k
	}
	envDuration("FANYI_STARTUP_DELAY", &cfg.Updater.StartupDelay)
	envDuration("FANYI_CHECK_INTERVAL", &cfg.Updater.CheckInterval)
	envDuration("FANYI_ERROR_COOLDOWN", &cfg.Updater.ErrorCooldown)

	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = def.Port
	}
	if cfg.Updater.StartupDelay <= 0 {
		cfg.Updater.StartupDelay = def.Updater.StartupDelay
	}
	if cfg.Updater.CheckInterval <= 0 {
		cfg.Updater.CheckInterval = def.Updater.CheckInterval
	}
	if cfg.Updater.ErrorCooldown <= 0 {
		cfg.Updater.ErrorCooldown = def.Updater.ErrorCooldown
	}

	return cfg
}

// Addr is the listen address for the local API.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	fileCfg := *c
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	*c = fileCfg
	c.File = path
	return nil
}

func envDuration(key string, dst *time.Duration) {
	v := getEnv(key, "")
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		*dst = d
	}
}

func resolveDataDir() string {
	// Resolve data dir relative to the executable, not the CWD
	exe, err := os.Executable()
	if err != nil {
		return "./data"
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return "./data"
	}
	return filepath.Join(filepath.Dir(exe), "data")
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

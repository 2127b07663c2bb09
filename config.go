package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
)

const (
	defaultDataDir            = "data"
	defaultWebUIListen        = ":8180"
	defaultPollInterval       = 3 * time.Second
	defaultCameraPortMin      = 8181
	defaultCameraPortMax      = 8191
	defaultCameraRetryBase    = 2 * time.Second
	defaultCameraMaxRetries   = 5
	defaultCooledThresholdC   = 40.0
	defaultBackendTimeout     = 10 * time.Second
	defaultStartupConnectPool = 4
)

type Config struct {
	DataDir     string
	WebUIListen string // HTTP listen address for the secondary web UI, e.g. ":8180"
	// WebUIAuth gates the web UI behind a pairing access code printed at
	// startup; LAN-only setups can disable it.
	WebUIAuth bool

	PollInterval   time.Duration
	BackendTimeout time.Duration

	CameraPortMin    int
	CameraPortMax    int
	CameraRetryBase  time.Duration
	CameraMaxRetries int

	// CooledThresholdC is the bed temperature at or below which a printer
	// that finished a job is considered cooled down.
	CooledThresholdC    float64
	NotifyPrintComplete bool
	NotifyPrinterCooled bool

	// Optional Discord relay: when both are set, fired notifications are
	// also posted to the channel.
	DiscordBotToken  string
	DiscordChannelID string

	// Printers are reconnected at startup with bounded parallelism.
	Printers []PrinterDetails

	LogDebug bool
}

type fileConfig struct {
	DataDir     string `toml:"data_dir"`
	WebUIListen string `toml:"webui_listen"`
	WebUIAuth   *bool  `toml:"webui_auth"`

	PollIntervalSeconds   *int `toml:"poll_interval_seconds"`
	BackendTimeoutSeconds *int `toml:"backend_timeout_seconds"`

	CameraPortMin          *int `toml:"camera_port_min"`
	CameraPortMax          *int `toml:"camera_port_max"`
	CameraRetryBaseSeconds *int `toml:"camera_retry_base_seconds"`
	CameraMaxRetries       *int `toml:"camera_max_retries"`

	CooledThresholdC    *float64 `toml:"cooled_threshold_c"`
	NotifyPrintComplete *bool    `toml:"notify_print_complete"`
	NotifyPrinterCooled *bool    `toml:"notify_printer_cooled"`

	DiscordBotToken  string `toml:"discord_bot_token"`
	DiscordChannelID string `toml:"discord_channel_id"`

	Printers []PrinterDetails `toml:"printers"`

	LogDebug *bool `toml:"log_debug"`
}

func defaultConfig() Config {
	return Config{
		DataDir:             defaultDataDir,
		WebUIListen:         defaultWebUIListen,
		WebUIAuth:           true,
		PollInterval:        defaultPollInterval,
		BackendTimeout:      defaultBackendTimeout,
		CameraPortMin:       defaultCameraPortMin,
		CameraPortMax:       defaultCameraPortMax,
		CameraRetryBase:     defaultCameraRetryBase,
		CameraMaxRetries:    defaultCameraMaxRetries,
		CooledThresholdC:    defaultCooledThresholdC,
		NotifyPrintComplete: true,
		NotifyPrinterCooled: true,
	}
}

func defaultConfigPath() string {
	return filepath.Join(defaultDataDir, "config.toml")
}

func loadConfig(configPath string) Config {
	cfg := defaultConfig()

	if configPath == "" {
		configPath = defaultConfigPath()
	}

	if fc, ok, err := loadConfigFile(configPath); err != nil {
		fatal("config file", err, "path", configPath)
	} else if ok {
		applyFileConfig(&cfg, *fc)
	} else {
		// Config file doesn't exist, write out defaults.
		if err := rewriteConfigFile(configPath, cfg); err != nil {
			fatal("write default config", err, "path", configPath)
		}
		logger.Info("created default config file", "path", configPath)
	}

	// Optional tuning overlay: advanced knobs kept in a separate file so it
	// can be deleted to fall back to defaults.
	tuningPath := filepath.Join(cfg.DataDir, "tuning.toml")
	if tf, ok, err := loadConfigFile(tuningPath); err != nil {
		fatal("tuning config file", err, "path", tuningPath)
	} else if ok {
		applyFileConfig(&cfg, *tf)
	}

	return cfg
}

func loadConfigFile(path string) (*fileConfig, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, true, fmt.Errorf("parse %s: %w", path, err)
	}
	return &fc, true, nil
}

func rewriteConfigFile(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	fc := buildFileConfig(cfg)
	data, err := toml.Marshal(fc)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "config-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmpFile.Name()
	removeTemp := true
	defer func() {
		if tmpFile != nil {
			_ = tmpFile.Close()
		}
		if removeTemp {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	tmpFile = nil

	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}

	bakPath := path + ".bak"
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(bakPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", bakPath, err)
		}
		if err := os.Rename(path, bakPath); err != nil {
			return fmt.Errorf("rename %s to %s: %w", path, bakPath, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmpName, path, err)
	}
	removeTemp = false
	return nil
}

func buildFileConfig(cfg Config) fileConfig {
	intPtr := func(v int) *int { return &v }
	boolPtr := func(v bool) *bool { return &v }
	float64Ptr := func(v float64) *float64 { return &v }

	return fileConfig{
		DataDir:                cfg.DataDir,
		WebUIListen:            cfg.WebUIListen,
		WebUIAuth:              boolPtr(cfg.WebUIAuth),
		PollIntervalSeconds:    intPtr(int(cfg.PollInterval / time.Second)),
		BackendTimeoutSeconds:  intPtr(int(cfg.BackendTimeout / time.Second)),
		CameraPortMin:          intPtr(cfg.CameraPortMin),
		CameraPortMax:          intPtr(cfg.CameraPortMax),
		CameraRetryBaseSeconds: intPtr(int(cfg.CameraRetryBase / time.Second)),
		CameraMaxRetries:       intPtr(cfg.CameraMaxRetries),
		CooledThresholdC:       float64Ptr(cfg.CooledThresholdC),
		NotifyPrintComplete:    boolPtr(cfg.NotifyPrintComplete),
		NotifyPrinterCooled:    boolPtr(cfg.NotifyPrinterCooled),
		DiscordBotToken:        cfg.DiscordBotToken,
		DiscordChannelID:       cfg.DiscordChannelID,
		Printers:               cfg.Printers,
		LogDebug:               boolPtr(cfg.LogDebug),
	}
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.WebUIListen != "" {
		addr := strings.TrimSpace(fc.WebUIListen)
		// Be forgiving: a bare port like "8180" is treated as ":8180".
		if addr != "" && !strings.Contains(addr, ":") {
			addr = ":" + addr
		}
		cfg.WebUIListen = addr
	}
	if fc.WebUIAuth != nil {
		cfg.WebUIAuth = *fc.WebUIAuth
	}
	if fc.PollIntervalSeconds != nil && *fc.PollIntervalSeconds > 0 {
		cfg.PollInterval = time.Duration(*fc.PollIntervalSeconds) * time.Second
	}
	if fc.BackendTimeoutSeconds != nil && *fc.BackendTimeoutSeconds > 0 {
		cfg.BackendTimeout = time.Duration(*fc.BackendTimeoutSeconds) * time.Second
	}
	if fc.CameraPortMin != nil {
		cfg.CameraPortMin = *fc.CameraPortMin
	}
	if fc.CameraPortMax != nil {
		cfg.CameraPortMax = *fc.CameraPortMax
	}
	if fc.CameraRetryBaseSeconds != nil && *fc.CameraRetryBaseSeconds > 0 {
		cfg.CameraRetryBase = time.Duration(*fc.CameraRetryBaseSeconds) * time.Second
	}
	if fc.CameraMaxRetries != nil && *fc.CameraMaxRetries >= 0 {
		cfg.CameraMaxRetries = *fc.CameraMaxRetries
	}
	if fc.CooledThresholdC != nil && *fc.CooledThresholdC > 0 {
		cfg.CooledThresholdC = *fc.CooledThresholdC
	}
	if fc.NotifyPrintComplete != nil {
		cfg.NotifyPrintComplete = *fc.NotifyPrintComplete
	}
	if fc.NotifyPrinterCooled != nil {
		cfg.NotifyPrinterCooled = *fc.NotifyPrinterCooled
	}
	if fc.DiscordBotToken != "" {
		cfg.DiscordBotToken = strings.TrimSpace(fc.DiscordBotToken)
	}
	if fc.DiscordChannelID != "" {
		cfg.DiscordChannelID = strings.TrimSpace(fc.DiscordChannelID)
	}
	if len(fc.Printers) > 0 {
		cfg.Printers = fc.Printers
	}
	if fc.LogDebug != nil {
		cfg.LogDebug = *fc.LogDebug
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("data_dir is required")
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll_interval_seconds must be > 0, got %s", cfg.PollInterval)
	}
	if cfg.BackendTimeout <= 0 {
		return fmt.Errorf("backend_timeout_seconds must be > 0, got %s", cfg.BackendTimeout)
	}
	if cfg.CameraPortMin <= 0 || cfg.CameraPortMin > 65535 {
		return fmt.Errorf("camera_port_min out of range: %d", cfg.CameraPortMin)
	}
	if cfg.CameraPortMax < cfg.CameraPortMin || cfg.CameraPortMax > 65535 {
		return fmt.Errorf("camera_port_max must be >= camera_port_min and <= 65535, got %d", cfg.CameraPortMax)
	}
	if cfg.CameraRetryBase <= 0 {
		return fmt.Errorf("camera_retry_base_seconds must be > 0, got %s", cfg.CameraRetryBase)
	}
	if cfg.CameraMaxRetries < 0 {
		return fmt.Errorf("camera_max_retries cannot be negative")
	}
	if cfg.CooledThresholdC <= 0 {
		return fmt.Errorf("cooled_threshold_c must be > 0, got %v", cfg.CooledThresholdC)
	}
	if (cfg.DiscordBotToken == "") != (cfg.DiscordChannelID == "") {
		return fmt.Errorf("discord_bot_token and discord_channel_id must be set together")
	}
	for i, p := range cfg.Printers {
		if strings.TrimSpace(p.IP) == "" {
			return fmt.Errorf("printers[%d]: ip is required", i)
		}
		if strings.TrimSpace(p.Model) == "" {
			return fmt.Errorf("printers[%d]: model is required", i)
		}
	}
	return nil
}

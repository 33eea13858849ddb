package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"peerdrop/models"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "peerdrop"
	// DataDirEnv overrides the data directory.
	DataDirEnv = "PEERDROP_DATA_DIR"
	// EnvPrefix prefixes every environment override, e.g. PEERDROP_SINK_MODE.
	EnvPrefix = "PEERDROP"
	// DefaultListeningPort is the TCP port used when no user override exists.
	DefaultListeningPort = 9999
	// DefaultAPIAddress keeps the HTTP surface on loopback.
	DefaultAPIAddress = "127.0.0.1:8787"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

const (
	SinkModeAuto   = "auto"
	SinkModeMemory = "memory"
	SinkModeStream = "stream"
)

const (
	SubstrateTCP    = "tcp"
	SubstrateWebRTC = "webrtc"
)

const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// ErrInvalidSettings wraps every validation failure.
var ErrInvalidSettings = errors.New("config: invalid settings")

// Settings contains persistent node settings.
type Settings struct {
	PeerID           string   `json:"peer_id" mapstructure:"peer_id"`
	DownloadDir      string   `json:"download_dir" mapstructure:"download_dir"`
	SinkMode         string   `json:"sink_mode" mapstructure:"sink_mode"`
	Substrate        string   `json:"substrate" mapstructure:"substrate"`
	ListenPort       int      `json:"listen_port" mapstructure:"listen_port"`
	DiscoveryEnabled bool     `json:"discovery_enabled" mapstructure:"discovery_enabled"`
	APIAddress       string   `json:"api_address" mapstructure:"api_address"`
	LogLevel         string   `json:"log_level" mapstructure:"log_level"`
	LogFormat        string   `json:"log_format" mapstructure:"log_format"`
	ICEServers       []string `json:"ice_servers" mapstructure:"ice_servers"`
}

// Identity returns the configured peer identity.
func (s *Settings) Identity() (models.PeerIdentity, error) {
	return models.ParsePeerIdentity(s.PeerID)
}

// Validate checks every enumerated and ranged field.
func (s *Settings) Validate() error {
	if _, err := s.Identity(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	switch s.SinkMode {
	case SinkModeAuto, SinkModeMemory, SinkModeStream:
	default:
		return fmt.Errorf("%w: sink_mode %q", ErrInvalidSettings, s.SinkMode)
	}
	switch s.Substrate {
	case SubstrateTCP, SubstrateWebRTC:
	default:
		return fmt.Errorf("%w: substrate %q", ErrInvalidSettings, s.Substrate)
	}
	if s.ListenPort < 0 || s.ListenPort > 65535 {
		return fmt.Errorf("%w: listen_port %d", ErrInvalidSettings, s.ListenPort)
	}
	if _, err := logrus.ParseLevel(s.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level %q", ErrInvalidSettings, s.LogLevel)
	}
	switch s.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("%w: log_format %q", ErrInvalidSettings, s.LogFormat)
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PEERDROP_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads config.json through viper without environment overrides.
func Load(path string) (*Settings, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg Settings
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Settings) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// ApplyEnvironment returns a copy of cfg with PEERDROP_* variables layered on
// top. List values are comma separated.
func ApplyEnvironment(cfg *Settings) (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("peer_id", cfg.PeerID)
	v.SetDefault("download_dir", cfg.DownloadDir)
	v.SetDefault("sink_mode", cfg.SinkMode)
	v.SetDefault("substrate", cfg.Substrate)
	v.SetDefault("listen_port", cfg.ListenPort)
	v.SetDefault("discovery_enabled", cfg.DiscoveryEnabled)
	v.SetDefault("api_address", cfg.APIAddress)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("ice_servers", cfg.ICEServers)

	var out Settings
	if err := v.Unmarshal(&out); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}
	return &out, nil
}

// LoadOrCreate resolves the data directory and loads its settings.
func LoadOrCreate() (*Settings, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateIn(dataDir)
}

// LoadOrCreateIn ensures dataDir and its config exist, then returns the
// effective settings (file plus environment) and the config path.
func LoadOrCreateIn(dataDir string) (*Settings, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg, err = defaultSettings(dataDir)
		if err != nil {
			return nil, "", err
		}
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else {
		updated, err := normalizeDefaults(cfg, dataDir)
		if err != nil {
			return nil, "", err
		}
		if updated {
			if err := Save(cfgPath, cfg); err != nil {
				return nil, "", err
			}
		}
	}

	effective, err := ApplyEnvironment(cfg)
	if err != nil {
		return nil, "", err
	}
	if err := effective.Validate(); err != nil {
		return nil, "", err
	}
	return effective, cfgPath, nil
}

func defaultSettings(dataDir string) (*Settings, error) {
	cfg := &Settings{DiscoveryEnabled: true}
	if _, err := normalizeDefaults(cfg, dataDir); err != nil {
		return nil, err
	}
	return cfg, nil
}

func normalizeDefaults(cfg *Settings, dataDir string) (bool, error) {
	updated := false

	if _, err := cfg.Identity(); err != nil {
		id, err := models.NewIdentityGenerator().Next()
		if err != nil {
			return false, err
		}
		cfg.PeerID = id.String()
		updated = true
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(dataDir, "downloads")
		updated = true
	}
	if cfg.SinkMode == "" {
		cfg.SinkMode = SinkModeAuto
		updated = true
	}
	if cfg.Substrate == "" {
		cfg.Substrate = SubstrateTCP
		updated = true
	}
	if cfg.ListenPort == 0 {
		cfg.ListenPort = DefaultListeningPort
		updated = true
	}
	if cfg.APIAddress == "" {
		cfg.APIAddress = DefaultAPIAddress
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = logrus.InfoLevel.String()
		updated = true
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = LogFormatText
		updated = true
	}

	return updated, nil
}

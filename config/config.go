// Package config persists node settings in the per-user data directory and
// applies environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"mapsync/hasher"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "mapsync"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "MAPSYNC_DATA_DIR"
	// DefaultPresencePort is the well-known presence port.
	DefaultPresencePort = 11999
	// DefaultTransferPort is used when the transfer port is fixed but unset.
	DefaultTransferPort = 12000
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured transfer port value.
	PortModeFixed = "fixed"
	// TransportUDP selects the datagram transfer variant.
	TransportUDP = "udp"
	// TransportTCP selects the stream transfer variant.
	TransportTCP = "tcp"
	// DefaultLivenessTimeoutMS is how long a silent peer is kept.
	DefaultLivenessTimeoutMS = 5000
	// DefaultHeartbeatIntervalMS paces heartbeats.
	DefaultHeartbeatIntervalMS = 1000
	// DefaultMaxSyncAttempts bounds list/apply rounds per peer.
	DefaultMaxSyncAttempts = 5

	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// identityFileName holds the node identifier.
	identityFileName = "identity.json"
	// defaultFolderName is the synced folder created under the data dir.
	defaultFolderName = "shared"
)

// Environment overrides applied by ApplyEnvironment.
const (
	EnvSyncedFolder = "MAPSYNC_SYNCED_FOLDER"
	EnvTransport    = "MAPSYNC_TRANSPORT"
	EnvMaster       = "MAPSYNC_MASTER"
)

// NodeConfig contains persistent local node settings.
type NodeConfig struct {
	NodeName            string   `json:"node_name"`
	SyncedFolder        string   `json:"synced_folder"`
	PresencePort        int      `json:"presence_port"`
	TransferPortMode    string   `json:"transfer_port_mode"`
	TransferPort        int      `json:"transfer_port"`
	Transport           string   `json:"transport"`
	HashAlgorithm       string   `json:"hash_algorithm"`
	Master              bool     `json:"master"`
	MDNSEnabled         bool     `json:"mdns_enabled"`
	MetricsAddress      string   `json:"metrics_address"`
	ExcludePatterns     []string `json:"exclude_patterns"`
	LivenessTimeoutMS   int      `json:"liveness_timeout_ms"`
	HeartbeatIntervalMS int      `json:"heartbeat_interval_ms"`
	MaxSyncAttempts     int      `json:"max_sync_attempts"`
}

// LivenessTimeout returns the configured liveness window.
func (c *NodeConfig) LivenessTimeout() time.Duration {
	return time.Duration(c.LivenessTimeoutMS) * time.Millisecond
}

// HeartbeatInterval returns the configured heartbeat period.
func (c *NodeConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If MAPSYNC_DATA_DIR is set, its value is used as an explicit override.
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

// IdentityPath returns the full path to identity.json for a data directory.
func IdentityPath(dataDir string) string {
	return filepath.Join(dataDir, identityFileName)
}

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// LoadEnvironment loads KEY=VALUE pairs from a dotenv file into the process
// environment. Variables already set win. An empty path loads ".env" when
// it exists.
func LoadEnvironment(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load environment file %q: %w", path, err)
	}
	return nil
}

// ApplyEnvironment overrides fields from MAPSYNC_* variables for this run.
// The overrides are not persisted.
func ApplyEnvironment(cfg *NodeConfig) error {
	if v := strings.TrimSpace(os.Getenv(EnvSyncedFolder)); v != "" {
		cfg.SyncedFolder = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvTransport)); v != "" {
		transport, err := ParseTransport(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTransport, err)
		}
		cfg.Transport = transport
	}
	if v := strings.TrimSpace(os.Getenv(EnvMaster)); v != "" {
		master, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaster, err)
		}
		cfg.Master = master
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *NodeConfig) error {
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

// LoadOrCreate ensures the data directory and config exist under dataDir,
// then returns both. An empty dataDir resolves the default location.
func LoadOrCreate(dataDir string) (*NodeConfig, string, error) {
	if dataDir == "" {
		resolved, err := ResolveDataDir()
		if err != nil {
			return nil, "", err
		}
		dataDir = resolved
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultNodeName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "mapsync node"
}

func defaultConfig(dataDir string) *NodeConfig {
	return &NodeConfig{
		NodeName:            defaultNodeName(),
		SyncedFolder:        filepath.Join(dataDir, defaultFolderName),
		PresencePort:        DefaultPresencePort,
		TransferPortMode:    PortModeAutomatic,
		TransferPort:        0,
		Transport:           TransportUDP,
		HashAlgorithm:       hasher.AlgorithmMD5,
		MDNSEnabled:         true,
		ExcludePatterns:     []string{},
		LivenessTimeoutMS:   DefaultLivenessTimeoutMS,
		HeartbeatIntervalMS: DefaultHeartbeatIntervalMS,
		MaxSyncAttempts:     DefaultMaxSyncAttempts,
	}
}

func normalizeDefaults(cfg *NodeConfig, dataDir string) bool {
	updated := false

	if cfg.NodeName == "" {
		cfg.NodeName = defaultNodeName()
		updated = true
	}
	if cfg.SyncedFolder == "" {
		cfg.SyncedFolder = filepath.Join(dataDir, defaultFolderName)
		updated = true
	}
	if cfg.PresencePort <= 0 || cfg.PresencePort > 0xFFFF {
		cfg.PresencePort = DefaultPresencePort
		updated = true
	}

	mode := normalizePortMode(cfg.TransferPortMode)
	if mode == "" {
		if cfg.TransferPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.TransferPortMode != mode {
		cfg.TransferPortMode = mode
		updated = true
	}
	if cfg.TransferPortMode == PortModeFixed && cfg.TransferPort == 0 {
		cfg.TransferPort = DefaultTransferPort
		updated = true
	}
	if cfg.TransferPortMode == PortModeAutomatic && cfg.TransferPort != 0 {
		cfg.TransferPort = 0
		updated = true
	}

	if transport := normalizeTransport(cfg.Transport); transport != cfg.Transport {
		if transport == "" {
			transport = TransportUDP
		}
		cfg.Transport = transport
		updated = true
	}
	if algorithm := hasher.NormalizeAlgorithm(cfg.HashAlgorithm); algorithm != cfg.HashAlgorithm {
		cfg.HashAlgorithm = algorithm
		updated = true
	}
	if cfg.ExcludePatterns == nil {
		cfg.ExcludePatterns = []string{}
		updated = true
	}
	if cfg.LivenessTimeoutMS <= 0 {
		cfg.LivenessTimeoutMS = DefaultLivenessTimeoutMS
		updated = true
	}
	if cfg.HeartbeatIntervalMS <= 0 {
		cfg.HeartbeatIntervalMS = DefaultHeartbeatIntervalMS
		updated = true
	}
	if cfg.MaxSyncAttempts <= 0 {
		cfg.MaxSyncAttempts = DefaultMaxSyncAttempts
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}

// ParseTransport validates a transport name given on the command line or
// in the environment.
func ParseTransport(transport string) (string, error) {
	if normalized := normalizeTransport(transport); normalized != "" {
		return normalized, nil
	}
	return "", fmt.Errorf("unknown transport %q", transport)
}

func normalizeTransport(transport string) string {
	switch strings.ToLower(strings.TrimSpace(transport)) {
	case TransportUDP, "datagram":
		return TransportUDP
	case TransportTCP, "stream":
		return TransportTCP
	default:
		return ""
	}
}

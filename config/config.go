package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "hostlink"
	// DataDirEnv overrides the data directory.
	DataDirEnv = "HOSTLINK_DATA_DIR"
	// DefaultListeningPort is the perimeter port used in fixed mode.
	DefaultListeningPort = 9443
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Default intervals and limits.
const (
	DefaultOutboxInterval     = 15 * time.Second
	DefaultKeySweepInterval   = time.Minute
	DefaultFeedInterval       = 30 * time.Second
	DefaultTokenPruneInterval = time.Hour
	DefaultTokenRetention     = 24 * time.Hour
	DefaultAttemptTimeout     = 60 * time.Second
	DefaultBatchSize          = 16
	DefaultMaxAttempts        = 10
	DefaultInitialBackoff     = 30 * time.Second
	DefaultMaxBackoff         = time.Hour
	DefaultMaxPartBytes       = 256 << 20
	DefaultLogLevel           = "info"
)

// Duration marshals as a Go duration string and accepts either a string or
// a nanosecond count when decoding.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", value, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration %s", string(raw))
	}
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// DeliveryConfig tunes the outbound engine and its sweeps.
type DeliveryConfig struct {
	OutboxInterval     Duration `json:"outbox_interval"`
	KeySweepInterval   Duration `json:"key_sweep_interval"`
	FeedInterval       Duration `json:"feed_interval"`
	TokenPruneInterval Duration `json:"token_prune_interval"`
	TokenRetention     Duration `json:"token_retention"`
	AttemptTimeout     Duration `json:"attempt_timeout"`
	BatchSize          int      `json:"batch_size"`
	MaxAttempts        int      `json:"max_attempts"`
	InitialBackoff     Duration `json:"initial_backoff"`
	MaxBackoff         Duration `json:"max_backoff"`
}

// PerimeterConfig tunes inbound validation.
type PerimeterConfig struct {
	StagingDir          string   `json:"staging_dir"`
	MaxPartBytes        int64    `json:"max_part_bytes"`
	MaxTotalBytes       int64    `json:"max_total_bytes,omitempty"`
	AllowedContentTypes []string `json:"allowed_content_types,omitempty"`
	MaxThumbnailPixels  int      `json:"max_thumbnail_pixels,omitempty"`
}

// DriveConfig declares one local drive. Alias and Type are UUID strings; a
// channel drive gets the well-known channel type when Type is empty.
type DriveConfig struct {
	Name              string   `json:"name"`
	Alias             string   `json:"alias"`
	Type              string   `json:"type,omitempty"`
	Channel           bool     `json:"channel,omitempty"`
	AllowDistribution bool     `json:"allow_distribution,omitempty"`
	RelayReceived     bool     `json:"relay_received,omitempty"`
	AllowAnyWriter    bool     `json:"allow_any_writer,omitempty"`
	Writers           []string `json:"writers,omitempty"`
	InboxOnlyWriters  []string `json:"inbox_only_writers,omitempty"`
}

// HostConfig contains persistent settings of one identity host.
type HostConfig struct {
	Identity      string `json:"identity"`
	PortMode      string `json:"port_mode"`
	ListeningPort int    `json:"listening_port"`
	TLSCertFile   string `json:"tls_cert_file,omitempty"`
	TLSKeyFile    string `json:"tls_key_file,omitempty"`

	SigningKeyPath       string `json:"signing_key_path"`
	X25519PrivateKeyPath string `json:"x25519_private_key_path"`
	KeyFingerprint       string `json:"key_fingerprint"`
	PeersFile            string `json:"peers_file"`
	// Endpoints overrides endpoint resolution per identity.
	Endpoints map[string]string `json:"endpoints,omitempty"`
	Discovery bool              `json:"discovery"`
	LogLevel  string            `json:"log_level"`

	Drives    []DriveConfig   `json:"drives,omitempty"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Perimeter PerimeterConfig `json:"perimeter"`
}

// TLSEnabled reports whether the perimeter serves TLS.
func (c *HostConfig) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If HOSTLINK_DATA_DIR is set, its value is used as an explicit override.
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

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "staging"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*HostConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg HostConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *HostConfig) error {
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

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*HostConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
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

		cfg = &HostConfig{}
		normalizeDefaults(cfg, dataDir)
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

// normalizeDefaults fills unset fields and reports whether anything changed.
func normalizeDefaults(cfg *HostConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	setString := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}
	setDuration := func(field *Duration, value time.Duration) {
		if *field <= 0 {
			*field = Duration(value)
			updated = true
		}
	}
	setInt := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}

	if cfg.Identity != "" {
		if normalized := strings.ToLower(strings.TrimSpace(cfg.Identity)); normalized != cfg.Identity {
			cfg.Identity = normalized
			updated = true
		}
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}
	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	setString(&cfg.SigningKeyPath, filepath.Join(keysDir, "ed25519_private.pem"))
	setString(&cfg.X25519PrivateKeyPath, filepath.Join(keysDir, "x25519_private.pem"))
	setString(&cfg.PeersFile, filepath.Join(dataDir, "peers.json"))
	setString(&cfg.LogLevel, DefaultLogLevel)

	d := &cfg.Delivery
	setDuration(&d.OutboxInterval, DefaultOutboxInterval)
	setDuration(&d.KeySweepInterval, DefaultKeySweepInterval)
	setDuration(&d.FeedInterval, DefaultFeedInterval)
	setDuration(&d.TokenPruneInterval, DefaultTokenPruneInterval)
	setDuration(&d.TokenRetention, DefaultTokenRetention)
	setDuration(&d.AttemptTimeout, DefaultAttemptTimeout)
	setDuration(&d.InitialBackoff, DefaultInitialBackoff)
	setDuration(&d.MaxBackoff, DefaultMaxBackoff)
	setInt(&d.BatchSize, DefaultBatchSize)
	setInt(&d.MaxAttempts, DefaultMaxAttempts)

	p := &cfg.Perimeter
	setString(&p.StagingDir, filepath.Join(dataDir, "staging"))
	if p.MaxPartBytes <= 0 {
		p.MaxPartBytes = DefaultMaxPartBytes
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

// ApplyFlags overlays command-line flags onto cfg. Only flags present in
// args change the config; nothing is persisted.
func ApplyFlags(cfg *HostConfig, args []string) error {
	flags := flag.NewFlagSet("hostlink", flag.ContinueOnError)
	identity := flags.String("identity", cfg.Identity, "identity (domain name) this host serves")
	port := flags.Int("port", cfg.ListeningPort, "perimeter listening port; 0 picks one")
	logLevel := flags.String("log-level", cfg.LogLevel, "debug, info, warn or error")
	peers := flags.String("peers", cfg.PeersFile, "path to peers.json")
	discovery := flags.Bool("discovery", cfg.Discovery, "advertise and discover hosts on the LAN")
	tlsCert := flags.String("tls-cert", cfg.TLSCertFile, "TLS certificate file")
	tlsKey := flags.String("tls-key", cfg.TLSKeyFile, "TLS private key file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	set := make(map[string]bool)
	flags.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["identity"] {
		cfg.Identity = strings.ToLower(strings.TrimSpace(*identity))
	}
	if set["port"] {
		if *port < 0 || *port > 65535 {
			return fmt.Errorf("invalid port %d", *port)
		}
		cfg.ListeningPort = *port
		cfg.PortMode = PortModeFixed
		if *port == 0 {
			cfg.PortMode = PortModeAutomatic
		}
	}
	if set["log-level"] {
		cfg.LogLevel = *logLevel
	}
	if set["peers"] {
		cfg.PeersFile = *peers
	}
	if set["discovery"] {
		cfg.Discovery = *discovery
	}
	if set["tls-cert"] {
		cfg.TLSCertFile = *tlsCert
	}
	if set["tls-key"] {
		cfg.TLSKeyFile = *tlsKey
	}
	return nil
}

// Validate reports configuration the daemon cannot start with.
func (c *HostConfig) Validate() error {
	if c.Identity == "" {
		return errors.New("identity is required (set it in config.json or pass -identity)")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("tls_cert_file and tls_key_file must be set together")
	}
	return nil
}

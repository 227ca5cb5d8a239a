// Package config loads the per-machine configuration. The file is a
// bash-style KEY="value" map, parsed once at process start; changing it
// requires a restart.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/confsync/confsync/internal/utils"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".confsync.env")
)

const (
	defaultSyncSubdir = "ConfSync"
	defaultLocalDir   = "~/.claude"
	defaultDebounce   = 3 * time.Second
	defaultMaxBatch   = 10 * time.Second
	defaultMaxBackups = 10
)

// ConflictStrategy decides the direction when both sides changed.
type ConflictStrategy string

const (
	// ConflictNewest picks the side with the more recent relevant mtime.
	// Providers can rewrite mtimes on materialization, so this is an
	// approximation, not a correctness guarantee.
	ConflictNewest ConflictStrategy = "newest"
	ConflictLocal  ConflictStrategy = "local"
	ConflictRemote ConflictStrategy = "remote"
)

func ParseConflictStrategy(s string) (ConflictStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(ConflictNewest):
		return ConflictNewest, nil
	case string(ConflictLocal):
		return ConflictLocal, nil
	case string(ConflictRemote):
		return ConflictRemote, nil
	default:
		return "", fmt.Errorf("unknown conflict strategy %q", s)
	}
}

// Config is immutable for the process lifetime.
type Config struct {
	// Path is the config file this was loaded from, if any.
	Path string

	// CloudBase is the provider-synced base folder (e.g. ~/Dropbox).
	CloudBase string
	// SyncRoot is the shared sync folder inside CloudBase.
	SyncRoot string
	// LocalDir is the machine-local configuration tree.
	LocalDir string

	Debounce   time.Duration
	MaxBatch   time.Duration
	Conflict   ConflictStrategy
	LogLevel   slog.Level
	MaxBackups int
}

// Load reads the config file at path (DefaultConfigPath when empty).
// A missing file is not an error; defaults and cloud-folder autodetection
// apply.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	values := map[string]string{}
	if utils.FileExists(path) {
		parsed, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("config read %s: %w", path, err)
		}
		values = parsed
	}

	cfg := &Config{
		Path:       path,
		Debounce:   defaultDebounce,
		MaxBatch:   defaultMaxBatch,
		Conflict:   ConflictNewest,
		LogLevel:   slog.LevelInfo,
		MaxBackups: defaultMaxBackups,
	}

	if v := values["DEBOUNCE_SECS"]; v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			cfg.Debounce = time.Duration(secs * float64(time.Second))
		}
	}
	if v := values["MAX_BATCH_SECS"]; v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			cfg.MaxBatch = time.Duration(secs * float64(time.Second))
		}
	}
	if v := values["MAX_BACKUPS"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxBackups = n
		}
	}
	if v := values["CONFLICT_STRATEGY"]; v != "" {
		strategy, err := ParseConflictStrategy(v)
		if err != nil {
			return nil, err
		}
		cfg.Conflict = strategy
	}
	if v := values["LOG_LEVEL"]; v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	localDir := values["LOCAL_DIR"]
	if localDir == "" {
		localDir = defaultLocalDir
	}
	resolvedLocal, err := utils.ResolvePath(localDir)
	if err != nil {
		return nil, fmt.Errorf("local dir: %w", err)
	}
	cfg.LocalDir = resolvedLocal

	cloudBase := values["CLOUD_BASE"]
	if cloudBase == "" {
		cloudBase = detectCloudBase()
	}
	if cloudBase == "" {
		return nil, errors.New("cloud folder not configured: set CLOUD_BASE in " + path)
	}
	resolvedBase, err := utils.ResolvePath(cloudBase)
	if err != nil {
		return nil, fmt.Errorf("cloud base: %w", err)
	}
	cfg.CloudBase = resolvedBase

	subdir := values["SYNC_SUBDIR"]
	if subdir == "" {
		subdir = defaultSyncSubdir
	}
	cfg.SyncRoot = filepath.Join(cfg.CloudBase, subdir)

	return cfg, nil
}

// Validate checks the parts of the config that must exist before any sync.
func (c *Config) Validate() error {
	if c.CloudBase == "" {
		return errors.New("cloud base not set")
	}
	if !utils.DirExists(c.CloudBase) {
		return fmt.Errorf("cloud base does not exist: %s", c.CloudBase)
	}
	if c.Debounce <= 0 || c.MaxBatch <= 0 {
		return errors.New("debounce and max batch must be positive")
	}
	if c.MaxBatch < c.Debounce {
		return fmt.Errorf("max batch (%s) shorter than debounce (%s)", c.MaxBatch, c.Debounce)
	}
	return nil
}

// detectCloudBase probes well-known provider mirror locations.
func detectCloudBase() string {
	candidates := []string{
		filepath.Join(home, "Dropbox"),
		filepath.Join(home, "Library", "CloudStorage", "Dropbox"),
		"/Users/Shared/Dropbox",
	}
	for _, c := range candidates {
		if utils.DirExists(c) {
			return c
		}
	}
	return ""
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

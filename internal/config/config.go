// Package config loads client configuration from defaults, an optional YAML
// file, environment variables and command-line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Back ends and remotes understood by the mount command.
const (
	BackendGoFuse  = "gofuse"
	BackendCgoFuse = "cgofuse"

	RemoteSeafile = "seafile"
	RemoteMemory  = "memory"
)

// Config holds all client configuration.
type Config struct {
	// Remote
	Server   string `yaml:"server"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Token    string `yaml:"token"`
	Library  string `yaml:"library"`
	Remote   string `yaml:"remote"`

	// Mount
	MountPoint string `yaml:"mount_point"`
	Backend    string `yaml:"backend"`
	AllowOther bool   `yaml:"allow_other"`
	DebugFuse  bool   `yaml:"debug_fuse"`

	// MountOptions are extra FUSE options, as given to mount -o.
	MountOptions []string `yaml:"mount_options"`

	// Caching
	CacheDir       string        `yaml:"cache_dir"`
	MaxCacheSize   int64         `yaml:"max_cache_size"`
	AttrTTL        time.Duration `yaml:"attr_ttl"`
	RangeThreshold int64         `yaml:"range_threshold"`

	// Remote calls
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	CommitTimeout     time.Duration `yaml:"commit_timeout"`
	ReadRetries       int           `yaml:"read_retries"`
	CommitRetries     int           `yaml:"commit_retries"`
	Workers           int           `yaml:"workers"`
	UploadParallelism int           `yaml:"upload_parallelism"`
	BlockSize         int           `yaml:"block_size"`

	// Logging and metrics
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	LogFile     string `yaml:"log_file"`
	MetricsAddr string `yaml:"metrics_addr"`

	TokenFile  string `yaml:"token_file"`
	ConfigFile string `yaml:"-"`
}

// Default returns the built-in defaults.
func Default() *Config {
	cacheDir := filepath.Join(os.TempDir(), "seafile-fuse-cache")
	if dir, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(dir, "seafile-fuse")
	}
	tokenFile := ""
	if dir, err := os.UserConfigDir(); err == nil {
		tokenFile = filepath.Join(dir, "seafile-fuse", "token.json")
	}

	return &Config{
		Remote:            RemoteSeafile,
		Backend:           BackendGoFuse,
		CacheDir:          cacheDir,
		MaxCacheSize:      1 << 30,
		AttrTTL:           10 * time.Second,
		RangeThreshold:    8 << 20,
		RequestTimeout:    30 * time.Second,
		CommitTimeout:     10 * time.Minute,
		ReadRetries:       3,
		CommitRetries:     5,
		Workers:           16,
		UploadParallelism: 4,
		BlockSize:         1 << 20,
		LogLevel:          "info",
		LogFormat:         "console",
		TokenFile:         tokenFile,
	}
}

// envKeys maps environment variables to config keys. SEAFILE_TEST_* are
// kept for existing integration test setups.
var envKeys = []struct{ env, key string }{
	{"SEAFILE_TEST_SERVER_ADDRESS", "server"},
	{"SEAFILE_TEST_USERNAME", "username"},
	{"SEAFILE_TEST_PASSWORD", "password"},
	{"SEAFILE_TEST_MOUNT_POINT", "mount-point"},
	{"SEAFUSE_SERVER", "server"},
	{"SEAFUSE_USERNAME", "username"},
	{"SEAFUSE_PASSWORD", "password"},
	{"SEAFUSE_TOKEN", "token"},
	{"SEAFUSE_LIBRARY", "library"},
	{"SEAFUSE_REMOTE", "remote"},
	{"SEAFUSE_MOUNT_POINT", "mount-point"},
	{"SEAFUSE_BACKEND", "backend"},
	{"SEAFUSE_ALLOW_OTHER", "allow-other"},
	{"SEAFUSE_CACHE_DIR", "cache-dir"},
	{"SEAFUSE_MAX_CACHE_SIZE", "max-cache-size"},
	{"SEAFUSE_ATTR_TTL", "attr-ttl"},
	{"SEAFUSE_RANGE_THRESHOLD", "range-threshold"},
	{"SEAFUSE_REQUEST_TIMEOUT", "request-timeout"},
	{"SEAFUSE_COMMIT_TIMEOUT", "commit-timeout"},
	{"SEAFUSE_READ_RETRIES", "read-retries"},
	{"SEAFUSE_COMMIT_RETRIES", "commit-retries"},
	{"SEAFUSE_WORKERS", "workers"},
	{"SEAFUSE_UPLOAD_PARALLELISM", "upload-parallelism"},
	{"SEAFUSE_BLOCK_SIZE", "block-size"},
	{"SEAFUSE_LOG_LEVEL", "log-level"},
	{"SEAFUSE_LOG_FORMAT", "log-format"},
	{"SEAFUSE_LOG_FILE", "log-file"},
	{"SEAFUSE_METRICS_ADDR", "metrics-addr"},
	{"SEAFUSE_TOKEN_FILE", "token-file"},
	{"SEAFUSE_MOUNT_OPTIONS", "options"},
}

// RegisterFlags defines the configuration flags on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "YAML configuration file")
	fs.StringP("server", "s", d.Server, "Seafile server URL")
	fs.StringP("username", "u", d.Username, "account name")
	fs.String("password", d.Password, "account password (prefer the token file)")
	fs.String("token", d.Token, "API token")
	fs.StringP("library", "l", d.Library, "library (repo) id; defaults to the first library")
	fs.String("remote", d.Remote, "remote store: seafile or memory")
	fs.StringP("mount-point", "m", d.MountPoint, "mount point")
	fs.String("backend", d.Backend, "FUSE back end: gofuse or cgofuse")
	fs.Bool("allow-other", d.AllowOther, "allow other users to access the mount")
	fs.Bool("debug-fuse", d.DebugFuse, "log every kernel request")
	fs.StringArrayP("options", "o", nil, "extra FUSE mount options, comma separated (see man fuse)")
	fs.String("cache-dir", d.CacheDir, "content cache directory")
	fs.Int64("max-cache-size", d.MaxCacheSize, "content cache size limit in bytes")
	fs.Duration("attr-ttl", d.AttrTTL, "attribute and listing cache lifetime")
	fs.Int64("range-threshold", d.RangeThreshold, "files at least this large are read with ranged fetches")
	fs.Duration("request-timeout", d.RequestTimeout, "timeout for one remote request")
	fs.Duration("commit-timeout", d.CommitTimeout, "timeout for one commit including uploads")
	fs.Int("read-retries", d.ReadRetries, "attempts for remote reads and listings")
	fs.Int("commit-retries", d.CommitRetries, "attempts for a commit before it fails")
	fs.Int("workers", d.Workers, "concurrent remote-bound operations")
	fs.Int("upload-parallelism", d.UploadParallelism, "concurrent block uploads per commit")
	fs.Int("block-size", d.BlockSize, "average content block size in bytes")
	fs.String("log-level", d.LogLevel, "log level: debug, info, warn, error")
	fs.String("log-format", d.LogFormat, "log format: json or console")
	fs.String("log-file", d.LogFile, "append logs to this file instead of stderr")
	fs.String("metrics-addr", d.MetricsAddr, "serve Prometheus metrics on this address")
	fs.String("token-file", d.TokenFile, "saved token location")
}

// Load builds the configuration from the layers. fs must have been set up
// with RegisterFlags and parsed; only flags set on the command line override
// the lower layers.
func Load(fs *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	path := os.Getenv("SEAFUSE_CONFIG")
	if f := fs.Lookup("config"); f != nil && f.Changed {
		path = f.Value.String()
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
		cfg.ConfigFile = path
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}

	var flagErr error
	fs.Visit(func(f *pflag.Flag) {
		if f.Name == "config" || flagErr != nil {
			return
		}
		value := f.Value.String()
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			value = strings.Join(sv.GetSlice(), ",")
		}
		if err := cfg.Set(f.Name, value); err != nil && !errors.Is(err, errUnknownKey) {
			flagErr = fmt.Errorf("flag --%s: %w", f.Name, err)
		}
	})
	if flagErr != nil {
		return nil, flagErr
	}
	return cfg, nil
}

// LoadFile merges a YAML file into cfg.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv merges environment variables into cfg using getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	for _, e := range envKeys {
		v := getenv(e.env)
		if v == "" {
			continue
		}
		if err := c.Set(e.key, v); err != nil {
			return fmt.Errorf("%s: %w", e.env, err)
		}
	}
	return nil
}

var errUnknownKey = errors.New("unknown config key")

// Set assigns one key by its flag name.
func (c *Config) Set(key, value string) error {
	var err error
	switch key {
	case "server":
		c.Server = strings.TrimRight(value, "/")
	case "username":
		c.Username = value
	case "password":
		c.Password = value
	case "token":
		c.Token = value
	case "library":
		c.Library = value
	case "remote":
		c.Remote = value
	case "mount-point":
		c.MountPoint = value
	case "backend":
		c.Backend = value
	case "allow-other":
		c.AllowOther, err = strconv.ParseBool(value)
	case "debug-fuse":
		c.DebugFuse, err = strconv.ParseBool(value)
	case "options":
		c.MountOptions = splitOptions(value)
	case "cache-dir":
		c.CacheDir = value
	case "max-cache-size":
		c.MaxCacheSize, err = strconv.ParseInt(value, 10, 64)
	case "attr-ttl":
		c.AttrTTL, err = time.ParseDuration(value)
	case "range-threshold":
		c.RangeThreshold, err = strconv.ParseInt(value, 10, 64)
	case "request-timeout":
		c.RequestTimeout, err = time.ParseDuration(value)
	case "commit-timeout":
		c.CommitTimeout, err = time.ParseDuration(value)
	case "read-retries":
		c.ReadRetries, err = strconv.Atoi(value)
	case "commit-retries":
		c.CommitRetries, err = strconv.Atoi(value)
	case "workers":
		c.Workers, err = strconv.Atoi(value)
	case "upload-parallelism":
		c.UploadParallelism, err = strconv.Atoi(value)
	case "block-size":
		c.BlockSize, err = strconv.Atoi(value)
	case "log-level":
		c.LogLevel = value
	case "log-format":
		c.LogFormat = value
	case "log-file":
		c.LogFile = value
	case "metrics-addr":
		c.MetricsAddr = value
	case "token-file":
		c.TokenFile = value
	default:
		return fmt.Errorf("%w: %s", errUnknownKey, key)
	}
	return err
}

// splitOptions splits a comma separated option list, dropping empty items.
func splitOptions(value string) []string {
	var out []string
	for _, o := range strings.Split(value, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Validate checks the settings the mount command needs.
func (c *Config) Validate() error {
	if c.MountPoint == "" {
		return fmt.Errorf("mount point is required")
	}
	switch c.Backend {
	case BackendGoFuse, BackendCgoFuse:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	switch c.Remote {
	case RemoteSeafile:
		if c.Server == "" {
			return fmt.Errorf("server is required")
		}
	case RemoteMemory:
	default:
		return fmt.Errorf("unknown remote %q", c.Remote)
	}
	if c.AttrTTL < 0 {
		return fmt.Errorf("attr-ttl must not be negative")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.UploadParallelism < 1 {
		return fmt.Errorf("upload-parallelism must be at least 1")
	}
	if c.CommitRetries < 1 || c.ReadRetries < 1 {
		return fmt.Errorf("retry counts must be at least 1")
	}
	if c.BlockSize < 64<<10 {
		return fmt.Errorf("block-size must be at least 64KiB")
	}
	return nil
}

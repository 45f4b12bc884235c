// Package config loads the dispatcher configuration.
// Priority: defaults < system file < project file < explicit file < env
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/srvrs/srvrs/pkg/activity"
	srvrserrors "github.com/srvrs/srvrs/pkg/errors"
	"github.com/srvrs/srvrs/pkg/layout"
	"github.com/srvrs/srvrs/pkg/util"
)

// Config holds all srvrs configuration.
type Config struct {
	BaseDir string `yaml:"base_dir"`

	Service     ServiceConfig                  `yaml:"service"`
	GPU         GPUConfig                      `yaml:"gpu"`
	Lease       LeaseConfig                    `yaml:"lease"`
	Watch       WatchConfig                    `yaml:"watch"`
	Logging     LoggingConfig                  `yaml:"logging"`
	Telemetry   TelemetryConfig                `yaml:"telemetry"`
	Distributor DistributorConfig              `yaml:"distributor"`
	Activities  map[string]activity.Definition `yaml:"activities"`
}

// ServiceConfig names the identity status and queue files are handed to.
type ServiceConfig struct {
	User  string `yaml:"user"`
	Group string `yaml:"group"`
}

// GPUConfig controls accelerator discovery and waiting.
type GPUConfig struct {
	Backend      string        `yaml:"backend"` // nvml | smi | none
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
	SMIPath      string        `yaml:"smi_path"`
}

// LeaseConfig selects where accelerator leases are recorded.
type LeaseConfig struct {
	Backend string      `yaml:"backend"` // memory | redis
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig for the shared lease table.
type RedisConfig struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	Database int           `yaml:"database"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
	Timeout  time.Duration `yaml:"timeout"`
}

// WatchConfig selects the notification backend.
type WatchConfig struct {
	Backend string        `yaml:"backend"` // inotify | fsnotify
	Settle  time.Duration `yaml:"settle"`
}

// LoggingConfig for the root logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// TelemetryConfig for optional tracing.
type TelemetryConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Endpoint      string  `yaml:"endpoint"`
	ServiceName   string  `yaml:"service_name"`
	Insecure      bool    `yaml:"insecure"`
	SamplingRatio float64 `yaml:"sampling_ratio"`
}

// DistributorConfig for moving delivered work to its owner.
type DistributorConfig struct {
	Destination string   `yaml:"destination"`
	S3          S3Config `yaml:"s3"`
}

// S3Config selects object storage as the delivery destination.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
	Prefix    string `yaml:"prefix"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		BaseDir: "/var/srvrs",
		Service: ServiceConfig{
			User:  "srvrs",
			Group: "member",
		},
		GPU: GPUConfig{
			Backend:      "nvml",
			PollInterval: 2 * time.Second,
			Timeout:      time.Hour,
			SMIPath:      "nvidia-smi",
		},
		Lease: LeaseConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Address: "localhost:6379",
				Prefix:  "srvrs:lease:",
				TTL:     24 * time.Hour,
				Timeout: 5 * time.Second,
			},
		},
		Watch: WatchConfig{
			Backend: "inotify",
			Settle:  2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			Endpoint:      "localhost:4317",
			ServiceName:   "srvrs",
			Insecure:      true,
			SamplingRatio: 1.0,
		},
		Distributor: DistributorConfig{
			Destination: "/scratch",
		},
		Activities: map[string]activity.Definition{},
	}
}

// Manager handles configuration loading and layering.
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	explicit string
	search   []string
	paths    []string // Paths that were loaded
	getenv   func(string) string
}

// NewManager creates a configuration manager. A non-empty explicit path
// must exist when Load runs.
func NewManager(explicit string) *Manager {
	return &Manager{
		config:   Default(),
		explicit: explicit,
		search:   searchPaths(),
		getenv:   os.Getenv,
	}
}

// Load reads every configuration layer and validates the result.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config = Default()
	m.paths = nil

	for _, path := range m.search {
		if err := m.loadFile(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return srvrserrors.Wrapf(err, srvrserrors.CodeConfigInvalid, "load %s", path)
		}
		m.paths = append(m.paths, path)
	}

	if m.explicit != "" {
		if err := m.loadFile(m.explicit); err != nil {
			return srvrserrors.Wrapf(err, srvrserrors.CodeConfigInvalid, "load %s", m.explicit)
		}
		m.paths = append(m.paths, m.explicit)
	}

	m.loadEnv()
	m.config.finalize()

	return m.config.Validate()
}

// searchPaths returns config file paths in priority order.
func searchPaths() []string {
	paths := []string{"/etc/srvrs/config.yaml"}
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, "srvrs.yaml"))
	}
	return paths
}

// loadFile decodes one file over the layers loaded so far; keys absent
// from the file keep their current values.
func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, m.config)
}

// loadEnv applies environment overrides.
func (m *Manager) loadEnv() {
	if v := m.getenv("SRVRS_BASE_DIR"); v != "" {
		m.config.BaseDir = v
	}
	if v := m.getenv("SRVRS_LOG_LEVEL"); v != "" {
		m.config.Logging.Level = v
	}
	if v := m.getenv("SRVRS_GPU_BACKEND"); v != "" {
		m.config.GPU.Backend = v
	}
	if v := m.getenv("SRVRS_LEASE_BACKEND"); v != "" {
		m.config.Lease.Backend = v
	}
	if v := m.getenv("SRVRS_REDIS_ADDR"); v != "" {
		m.config.Lease.Redis.Address = v
	}
	if v := m.getenv("SRVRS_OTLP_ENDPOINT"); v != "" {
		m.config.Telemetry.Endpoint = v
		m.config.Telemetry.Enabled = true
	}
}

// finalize fills values derived from other keys. Relative base and script
// paths are resolved against the working directory at load time, since
// scripts run from their job's work directory.
func (c *Config) finalize() {
	c.BaseDir = filepath.Clean(c.BaseDir)
	if c.BaseDir != "." {
		c.BaseDir = absolute(c.BaseDir)
	}
	l := layout.New(c.BaseDir)
	for name, def := range c.Activities {
		def.Name = name
		if def.Script == "" {
			def.Script = l.For(name).Script
		} else {
			def.Script = absolute(def.Script)
		}
		c.Activities[name] = def
	}
}

func absolute(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// Validate rejects configurations the dispatcher cannot run with.
func (c *Config) Validate() error {
	var errs srvrserrors.MultiError

	if strings.TrimSpace(c.BaseDir) == "" || c.BaseDir == "." {
		errs.Add(fmt.Errorf("base_dir is required"))
	}
	if len(c.Activities) == 0 {
		errs.Add(fmt.Errorf("at least one activity must be configured"))
	}
	for _, def := range c.Definitions() {
		errs.Add(def.Validate())
	}

	if !oneOf(c.GPU.Backend, "nvml", "smi", "none") {
		errs.Add(fmt.Errorf("gpu.backend: unknown backend %q", c.GPU.Backend))
	}
	if c.GPU.PollInterval <= 0 {
		errs.Add(fmt.Errorf("gpu.poll_interval must be positive"))
	}
	if c.GPU.Timeout < 0 {
		errs.Add(fmt.Errorf("gpu.timeout must not be negative"))
	}
	if !oneOf(c.Lease.Backend, "memory", "redis") {
		errs.Add(fmt.Errorf("lease.backend: unknown backend %q", c.Lease.Backend))
	}
	if c.Lease.Backend == "redis" && c.Lease.Redis.Address == "" {
		errs.Add(fmt.Errorf("lease.redis.address is required for the redis backend"))
	}
	if !oneOf(c.Watch.Backend, "inotify", "fsnotify") {
		errs.Add(fmt.Errorf("watch.backend: unknown backend %q", c.Watch.Backend))
	}
	if !oneOf(c.Logging.Format, "text", "json") {
		errs.Add(fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}
	if c.Telemetry.SamplingRatio < 0 || c.Telemetry.SamplingRatio > 1 {
		errs.Add(fmt.Errorf("telemetry.sampling_ratio must be within [0, 1]"))
	}

	if err := errs.Combined(); err != nil {
		return srvrserrors.Wrap(err, srvrserrors.CodeConfigInvalid, "invalid configuration")
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Definitions returns the activities sorted by name.
func (c *Config) Definitions() []activity.Definition {
	names := make([]string, 0, len(c.Activities))
	for name := range c.Activities {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]activity.Definition, len(names))
	for i, name := range names {
		def := c.Activities[name]
		def.Name = name
		defs[i] = def
	}
	return defs
}

// ActivityNames returns the configured activity names, sorted.
func (c *Config) ActivityNames() []string {
	defs := c.Definitions()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

// Layout returns the directory layout under the base directory.
func (c *Config) Layout() layout.Layout {
	return layout.New(c.BaseDir)
}

// Identity is the resolved numeric service identity; -1 leaves a half of
// the ownership unchanged.
type Identity struct {
	UID int
	GID int
}

// ResolveIdentity looks the service user and group up once.
func (c *Config) ResolveIdentity() (Identity, error) {
	uid, gid, err := util.LookupIDs(c.Service.User, c.Service.Group)
	return Identity{UID: uid, GID: gid}, err
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetPaths returns the paths that were loaded.
func (m *Manager) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paths
}

// Save writes the current config to path.
func (m *Manager) Save(path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := yaml.Marshal(m.config)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}

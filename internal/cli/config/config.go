package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"sigs.k8s.io/yaml"

	"github.com/conduit-lang/metasync/internal/metadata"
	"github.com/conduit-lang/metasync/internal/template"
	"github.com/conduit-lang/metasync/internal/validate"
)

// FileNames are the accepted project file names, in lookup order
var FileNames = []string{".metasync.yml", ".metasync.yaml"}

// EnvPrefix prefixes environment overrides, e.g. METASYNC_OPTIONS_CONCURRENCY
const EnvPrefix = "METASYNC"

// Config represents the metasync project configuration
type Config struct {
	// Root is the directory holding the project file
	Root        string              `mapstructure:"-"`
	Directories DirectoriesConfig   `mapstructure:"directories"`
	Tenants     []TenantConfig      `mapstructure:"tenants"`
	Markets     template.Markets    `mapstructure:"-"`
	MarketList  map[string][]string `mapstructure:"-"`
	Options     OptionsConfig       `mapstructure:"options"`
	Cache       CacheConfig         `mapstructure:"cache"`
	Snapshots   SnapshotsConfig     `mapstructure:"snapshots"`
	Validation  []validate.Rule     `mapstructure:"validation"`
}

// DirectoriesConfig locates the metadata trees, relative to Root
type DirectoriesConfig struct {
	Retrieve     string `mapstructure:"retrieve"`
	Template     string `mapstructure:"template"`
	Deploy       string `mapstructure:"deploy"`
	DeltaPackage string `mapstructure:"deltaPackage"`
}

// TenantConfig represents one tenant (business unit) and its credentials
type TenantConfig struct {
	Name         string `mapstructure:"name"`
	ID           string `mapstructure:"id"`
	Parent       string `mapstructure:"parent"`
	AuthURL      string `mapstructure:"authUrl"`
	ClientID     string `mapstructure:"clientId"`
	ClientSecret string `mapstructure:"clientSecret"`
	RestURL      string `mapstructure:"restUrl"`
}

// OptionsConfig tunes retrieval and build behaviour
type OptionsConfig struct {
	Concurrency       int      `mapstructure:"concurrency"`
	RequestsPerSecond float64  `mapstructure:"requestsPerSecond"`
	DependencyFailure string   `mapstructure:"dependencyFailure"`
	StrictReferences  bool     `mapstructure:"strictReferences"`
	DefaultTypes      []string `mapstructure:"defaultTypes"`
	SharedTypes       []string `mapstructure:"sharedTypes"`
}

// CacheConfig selects the persisted cache store
type CacheConfig struct {
	Store string        `mapstructure:"store"`
	TTL   time.Duration `mapstructure:"ttl"`
	Redis RedisConfig   `mapstructure:"redis"`
}

// RedisConfig addresses the Redis cache store
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SnapshotsConfig addresses the snapshot database
type SnapshotsConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// rawFile carries the sections whose map keys are case-sensitive; viper
// lower-cases every key it reads
type rawFile struct {
	Markets    map[string]map[string]string `json:"markets"`
	MarketList map[string][]string          `json:"marketList"`
}

// Load loads the configuration from the project file in dir. A missing file
// yields the defaults.
func Load(dir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var file string
	for _, name := range FileNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			file = p
			break
		}
	}

	var raw rawFile
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Root = dir
	cfg.Markets = template.Markets{}
	for name, vars := range raw.Markets {
		cfg.Markets[name] = template.Variables(vars)
	}
	cfg.MarketList = raw.MarketList
	if cfg.MarketList == nil {
		cfg.MarketList = map[string][]string{}
	}

	for i := range cfg.Tenants {
		t := &cfg.Tenants[i]
		t.ClientID = os.ExpandEnv(t.ClientID)
		t.ClientSecret = os.ExpandEnv(t.ClientSecret)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("directories.retrieve", "retrieve")
	v.SetDefault("directories.template", "template")
	v.SetDefault("directories.deploy", "deploy")
	v.SetDefault("directories.deltaPackage", "deltaPackage")
	v.SetDefault("options.concurrency", 5)
	v.SetDefault("options.requestsPerSecond", 10)
	v.SetDefault("options.dependencyFailure", "abort")
	v.SetDefault("options.strictReferences", false)
	v.SetDefault("cache.store", "none")
	v.SetDefault("cache.ttl", "24h")
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("snapshots.driver", "sqlite3")
	v.SetDefault("snapshots.dsn", filepath.Join(".metasync", "snapshots.db"))
}

// ErrNotInProject is returned when no project file is found
var ErrNotInProject = errors.New("not in a metasync project (no .metasync.yml found)")

// FindProjectRoot walks up from dir to the first directory holding a
// project file
func FindProjectRoot(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		for _, name := range FileNames {
			if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotInProject
		}
		dir = parent
	}
}

// Path resolves a configured directory against the project root
func (c *Config) Path(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(c.Root, rel)
}

// Tenant returns the named tenant
func (c *Config) Tenant(name string) (*TenantConfig, error) {
	for i := range c.Tenants {
		if c.Tenants[i].Name == name {
			return &c.Tenants[i], nil
		}
	}
	names := make([]string, 0, len(c.Tenants))
	for _, t := range c.Tenants {
		names = append(names, t.Name)
	}
	return nil, fmt.Errorf("tenant %q is not configured (known: %s)", name, strings.Join(names, ", "))
}

// TenantContext returns the engine's view of the named tenant; Parent is the
// parent tenant's id
func (c *Config) TenantContext(name string) (metadata.TenantContext, error) {
	t, err := c.Tenant(name)
	if err != nil {
		return metadata.TenantContext{}, err
	}
	ctx := metadata.TenantContext{Name: t.Name, ID: t.ID}
	if t.Parent != "" {
		parent, err := c.Tenant(t.Parent)
		if err != nil {
			return metadata.TenantContext{}, err
		}
		ctx.Parent = parent.ID
		ctx.ParentName = parent.Name
	}
	return ctx, nil
}

// TenantByID returns the tenant with the platform id
func (c *Config) TenantByID(id string) (*TenantConfig, error) {
	for i := range c.Tenants {
		if c.Tenants[i].ID == id {
			return &c.Tenants[i], nil
		}
	}
	return nil, fmt.Errorf("no tenant with id %q is configured", id)
}

// Variables resolves a market or market list name into one variable set.
// Market lists are merged in order.
func (c *Config) Variables(name string) (template.Variables, error) {
	if name == "" {
		return template.Variables{}, nil
	}
	if list, ok := c.MarketList[name]; ok {
		return c.Markets.Resolve(list...)
	}
	return c.Markets.Resolve(name)
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	switch cfg.Options.DependencyFailure {
	case "abort", "bestEffort":
	default:
		return fmt.Errorf("options.dependencyFailure must be abort or bestEffort, got: %s", cfg.Options.DependencyFailure)
	}
	if cfg.Options.Concurrency < 1 {
		return fmt.Errorf("options.concurrency must be at least 1, got: %d", cfg.Options.Concurrency)
	}
	if cfg.Options.RequestsPerSecond < 0 {
		return fmt.Errorf("options.requestsPerSecond must not be negative, got: %v", cfg.Options.RequestsPerSecond)
	}
	switch cfg.Cache.Store {
	case "none", "redis":
	default:
		return fmt.Errorf("cache.store must be none or redis, got: %s", cfg.Cache.Store)
	}
	switch cfg.Snapshots.Driver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("snapshots.driver must be sqlite3 or pgx, got: %s", cfg.Snapshots.Driver)
	}

	names := make(map[string]bool, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		if t.Name == "" || t.ID == "" {
			return fmt.Errorf("every tenant needs a name and an id")
		}
		if names[t.Name] {
			return fmt.Errorf("tenant %q is defined twice", t.Name)
		}
		names[t.Name] = true
	}
	for _, t := range cfg.Tenants {
		if t.Parent != "" && !names[t.Parent] {
			return fmt.Errorf("tenant %q has undefined parent %q", t.Name, t.Parent)
		}
		if t.Parent == t.Name && t.Parent != "" {
			return fmt.Errorf("tenant %q cannot be its own parent", t.Name)
		}
	}

	for list, markets := range cfg.MarketList {
		for _, m := range markets {
			if _, ok := cfg.Markets[m]; !ok {
				return fmt.Errorf("marketList %q references undefined market %q", list, m)
			}
		}
	}
	return nil
}

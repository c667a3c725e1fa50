// Package config loads stocktake settings from a YAML file, an optional
// .env file and STOCKTAKE_* environment variables, in that order of
// precedence (later wins), and validates the result against an embedded
// CUE schema.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roach88/stocktake/internal/ident"
)

//go:embed schema.cue
var schemaCUE string

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config is the full runtime configuration.
type Config struct {
	Env      string  `yaml:"env"`
	LogLevel string  `yaml:"log_level"`
	Storage  Storage `yaml:"storage"`
	Scan     Scan    `yaml:"scan"`
	Draft    Draft   `yaml:"draft"`
	Audit    Audit   `yaml:"audit"`
	Commit   Commit  `yaml:"commit"`
	Lookup   Lookup  `yaml:"lookup"`
}

// Storage selects where drafts, group state, audit history and the scan
// inbox live.
type Storage struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

type Scan struct {
	Debounce        time.Duration `yaml:"debounce"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	DuplicateWindow time.Duration `yaml:"duplicate_window"`
	MinCodeLength   int           `yaml:"min_code_length"`
}

type Draft struct {
	Debounce time.Duration `yaml:"debounce"`
}

type Audit struct {
	Max int `yaml:"max"`
}

// Commit tunes the inventory committer. RateLimit is remote calls per
// second; zero means unlimited. LockTTL of zero disables the commit lock.
type Commit struct {
	ChunkSize int           `yaml:"chunk_size"`
	MaxQty    int           `yaml:"max_qty"`
	RateLimit float64       `yaml:"rate_limit"`
	RateBurst int           `yaml:"rate_burst"`
	LockTTL   time.Duration `yaml:"lock_ttl"`
}

type Lookup struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Env:      "development",
		LogLevel: "info",
		Storage: Storage{
			Backend:     BackendSQLite,
			Path:        "stocktake.db",
			RedisPrefix: "stocktake:",
		},
		Scan: Scan{
			Debounce:        180 * time.Millisecond,
			PollInterval:    100 * time.Millisecond,
			DuplicateWindow: 350 * time.Millisecond,
			MinCodeLength:   ident.DefaultMinCodeLength,
		},
		Draft:  Draft{Debounce: 300 * time.Millisecond},
		Audit:  Audit{Max: 50},
		Commit: Commit{ChunkSize: 50, MaxQty: ident.MaxQty, LockTTL: 30 * time.Second},
		Lookup: Lookup{CacheTTL: 24 * time.Hour},
	}
}

// Load reads the YAML file at path (skipped when empty), then envFile
// (".env" when empty; a missing file is ignored), then applies STOCKTAKE_*
// overrides and validates.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := decode(f, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes YAML onto the defaults without consulting the environment.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decode(r, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

type envVar struct {
	name  string
	apply func(*Config, string) error
}

var envVars = []envVar{
	{"STOCKTAKE_ENV", func(c *Config, v string) error { c.Env = v; return nil }},
	{"STOCKTAKE_LOG_LEVEL", func(c *Config, v string) error { c.LogLevel = v; return nil }},
	{"STOCKTAKE_STORAGE_BACKEND", func(c *Config, v string) error { c.Storage.Backend = v; return nil }},
	{"STOCKTAKE_STORAGE_PATH", func(c *Config, v string) error { c.Storage.Path = v; return nil }},
	{"STOCKTAKE_REDIS_ADDR", func(c *Config, v string) error { c.Storage.RedisAddr = v; return nil }},
	{"STOCKTAKE_REDIS_PREFIX", func(c *Config, v string) error { c.Storage.RedisPrefix = v; return nil }},
	{"STOCKTAKE_SCAN_DEBOUNCE", durationVar(func(c *Config) *time.Duration { return &c.Scan.Debounce })},
	{"STOCKTAKE_SCAN_POLL_INTERVAL", durationVar(func(c *Config) *time.Duration { return &c.Scan.PollInterval })},
	{"STOCKTAKE_SCAN_DUPLICATE_WINDOW", durationVar(func(c *Config) *time.Duration { return &c.Scan.DuplicateWindow })},
	{"STOCKTAKE_MIN_CODE_LENGTH", intVar(func(c *Config) *int { return &c.Scan.MinCodeLength })},
	{"STOCKTAKE_DRAFT_DEBOUNCE", durationVar(func(c *Config) *time.Duration { return &c.Draft.Debounce })},
	{"STOCKTAKE_AUDIT_MAX", intVar(func(c *Config) *int { return &c.Audit.Max })},
	{"STOCKTAKE_CHUNK_SIZE", intVar(func(c *Config) *int { return &c.Commit.ChunkSize })},
	{"STOCKTAKE_MAX_QTY", intVar(func(c *Config) *int { return &c.Commit.MaxQty })},
	{"STOCKTAKE_RATE_LIMIT", func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.Commit.RateLimit = f
		return nil
	}},
	{"STOCKTAKE_RATE_BURST", intVar(func(c *Config) *int { return &c.Commit.RateBurst })},
	{"STOCKTAKE_LOCK_TTL", durationVar(func(c *Config) *time.Duration { return &c.Commit.LockTTL })},
	{"STOCKTAKE_LOOKUP_CACHE_TTL", durationVar(func(c *Config) *time.Duration { return &c.Lookup.CacheTTL })},
}

func intVar(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func durationVar(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	for _, ev := range envVars {
		v, ok := lookup(ev.name)
		if !ok || v == "" {
			continue
		}
		if err := ev.apply(cfg, v); err != nil {
			return fmt.Errorf("%s: %w", ev.name, err)
		}
	}
	return nil
}

// Validate checks the configuration against the embedded CUE schema.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	v := def.Unify(ctx.Encode(c.view()))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		var buf bytes.Buffer
		cueerrors.Print(&buf, err, nil)
		return fmt.Errorf("invalid config: %s", bytes.TrimSpace(buf.Bytes()))
	}
	return nil
}

// view is the schema-facing shape of Config.
type view struct {
	Env      string `json:"env"`
	LogLevel string `json:"log_level"`
	Storage  struct {
		Backend     string `json:"backend"`
		Path        string `json:"path"`
		RedisAddr   string `json:"redis_addr"`
		RedisPrefix string `json:"redis_prefix"`
	} `json:"storage"`
	Scan struct {
		DebounceMS        int64 `json:"debounce_ms"`
		PollIntervalMS    int64 `json:"poll_interval_ms"`
		DuplicateWindowMS int64 `json:"duplicate_window_ms"`
		MinCodeLength     int   `json:"min_code_length"`
	} `json:"scan"`
	Draft struct {
		DebounceMS int64 `json:"debounce_ms"`
	} `json:"draft"`
	Audit struct {
		Max int `json:"max"`
	} `json:"audit"`
	Commit struct {
		ChunkSize int     `json:"chunk_size"`
		MaxQty    int     `json:"max_qty"`
		RateLimit float64 `json:"rate_limit"`
		RateBurst int     `json:"rate_burst"`
		LockTTLMS int64   `json:"lock_ttl_ms"`
	} `json:"commit"`
	Lookup struct {
		CacheTTLMS int64 `json:"cache_ttl_ms"`
	} `json:"lookup"`
}

func (c Config) view() view {
	var v view
	v.Env = c.Env
	v.LogLevel = c.LogLevel
	v.Storage.Backend = c.Storage.Backend
	v.Storage.Path = c.Storage.Path
	v.Storage.RedisAddr = c.Storage.RedisAddr
	v.Storage.RedisPrefix = c.Storage.RedisPrefix
	v.Scan.DebounceMS = c.Scan.Debounce.Milliseconds()
	v.Scan.PollIntervalMS = c.Scan.PollInterval.Milliseconds()
	v.Scan.DuplicateWindowMS = c.Scan.DuplicateWindow.Milliseconds()
	v.Scan.MinCodeLength = c.Scan.MinCodeLength
	v.Draft.DebounceMS = c.Draft.Debounce.Milliseconds()
	v.Audit.Max = c.Audit.Max
	v.Commit.ChunkSize = c.Commit.ChunkSize
	v.Commit.MaxQty = c.Commit.MaxQty
	v.Commit.RateLimit = c.Commit.RateLimit
	v.Commit.RateBurst = c.Commit.RateBurst
	v.Commit.LockTTLMS = c.Commit.LockTTL.Milliseconds()
	v.Lookup.CacheTTLMS = c.Lookup.CacheTTL.Milliseconds()
	return v
}

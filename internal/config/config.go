// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package config loads render session parameters from defaults, an optional
// YAML file, PATHTRACER_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/gogpu/pathtracer/internal/gpu"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// EnvPrefix prefixes every environment variable, e.g. PATHTRACER_BATCH_COUNT.
const EnvPrefix = "PATHTRACER"

// Config is the full set of render parameters.
type Config struct {
	Width      int             `mapstructure:"width"`
	Height     int             `mapstructure:"height"`
	BatchCount int             `mapstructure:"batch_count"`
	Workgroup  WorkgroupConfig `mapstructure:"workgroup"`

	// Scene is a built-in scene name or an OBJ path.
	Scene string `mapstructure:"scene"`

	// Kernel is a kernel file resolved against the search paths. Empty
	// selects the embedded kernel.
	Kernel string `mapstructure:"kernel"`

	Output   string  `mapstructure:"output"`
	Preview  string  `mapstructure:"preview"`
	Exposure float32 `mapstructure:"exposure"`

	Backend        string        `mapstructure:"backend"`
	SubmitTimeout  time.Duration `mapstructure:"submit_timeout"`
	MemoryBudgetMB int           `mapstructure:"memory_budget_mb"`

	Build BuildConfig `mapstructure:"build"`
	Log   LogConfig   `mapstructure:"log"`
}

// WorkgroupConfig is the kernel workgroup size.
type WorkgroupConfig struct {
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
}

// BuildConfig selects acceleration structure build preferences.
type BuildConfig struct {
	FastBuild       bool `mapstructure:"fast_build"`
	AllowCompaction bool `mapstructure:"allow_compaction"`
}

// LogConfig configures the CLI log handler.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Width:      800,
		Height:     600,
		BatchCount: 1,
		Workgroup:  WorkgroupConfig{Width: 16, Height: 8},
		Scene:      "cornell",
		Output:     "out.hdr",
		Exposure:   1,
		Backend:    string(gpu.BackendVulkan),

		SubmitTimeout:  gpu.DefaultSubmitTimeout,
		MemoryBudgetMB: 0,

		Build: BuildConfig{FastBuild: false, AllowCompaction: true},
		Log:   LogConfig{Level: "info"},
	}
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"width":            "width",
	"height":           "height",
	"batches":          "batch_count",
	"workgroup-width":  "workgroup.width",
	"workgroup-height": "workgroup.height",
	"kernel":           "kernel",
	"output":           "output",
	"preview":          "preview",
	"exposure":         "exposure",
	"backend":          "backend",
	"submit-timeout":   "submit_timeout",
	"memory-budget":    "memory_budget_mb",
	"fast-build":       "build.fast_build",
	"allow-compaction": "build.allow_compaction",
	"log-level":        "log.level",
}

// FlagKey returns the configuration key bound to a flag name.
func FlagKey(flag string) (string, bool) {
	k, ok := flagKeys[flag]
	return k, ok
}

// Load reads the configuration. An empty cfgFile searches for
// pathtracer.yaml in the working directory and tolerates its absence. Flags
// in the set whose names appear in the flag table override everything else;
// flags may be nil.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	cfg := Default()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("pathtracer")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if key, ok := flagKeys[f.Name]; ok && bindErr == nil {
				bindErr = v.BindPFlag(key, f)
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("binding flags: %w", bindErr)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else {
		gpu.Logger().Debug("config: file loaded", "path", v.ConfigFileUsed())
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every value. A zero batch count is rejected like any
// other non-positive size.
func (c *Config) Validate() error {
	positive := []struct {
		key string
		val int
	}{
		{"width", c.Width},
		{"height", c.Height},
		{"batch_count", c.BatchCount},
		{"workgroup.width", c.Workgroup.Width},
		{"workgroup.height", c.Workgroup.Height},
	}
	for _, p := range positive {
		if p.val <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, p.key, p.val)
		}
	}
	if c.Exposure <= 0 {
		return fmt.Errorf("%w: exposure must be positive, got %v", ErrInvalidConfig, c.Exposure)
	}
	if c.SubmitTimeout <= 0 {
		return fmt.Errorf("%w: submit_timeout must be positive, got %v", ErrInvalidConfig, c.SubmitTimeout)
	}
	if c.MemoryBudgetMB < 0 {
		return fmt.Errorf("%w: memory_budget_mb must not be negative, got %d", ErrInvalidConfig, c.MemoryBudgetMB)
	}
	if c.Scene == "" {
		return fmt.Errorf("%w: scene is empty", ErrInvalidConfig)
	}
	if c.Output == "" {
		return fmt.Errorf("%w: output is empty", ErrInvalidConfig)
	}
	if _, err := gpu.ParseBackend(c.Backend); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("%w: log.level: %w", ErrInvalidConfig, err)
	}
	return level, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("width", cfg.Width)
	v.SetDefault("height", cfg.Height)
	v.SetDefault("batch_count", cfg.BatchCount)
	v.SetDefault("workgroup.width", cfg.Workgroup.Width)
	v.SetDefault("workgroup.height", cfg.Workgroup.Height)

	v.SetDefault("scene", cfg.Scene)
	v.SetDefault("kernel", cfg.Kernel)
	v.SetDefault("output", cfg.Output)
	v.SetDefault("preview", cfg.Preview)
	v.SetDefault("exposure", cfg.Exposure)

	v.SetDefault("backend", cfg.Backend)
	v.SetDefault("submit_timeout", cfg.SubmitTimeout)
	v.SetDefault("memory_budget_mb", cfg.MemoryBudgetMB)

	v.SetDefault("build.fast_build", cfg.Build.FastBuild)
	v.SetDefault("build.allow_compaction", cfg.Build.AllowCompaction)

	v.SetDefault("log.level", cfg.Log.Level)
}

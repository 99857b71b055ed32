// Package config loads dropcond settings.
//
// Precedence (highest to lowest): DROPCOND_* env vars > config file > defaults.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/stefanvanburen/dropcond/internal/dropdown"
	"github.com/stefanvanburen/dropcond/internal/entity"
	"github.com/stefanvanburen/dropcond/internal/formula"
)

// EnvPrefix prefixes environment overrides, e.g. DROPCOND_LOG_LEVEL=debug
// sets log.level and DROPCOND_ROOTS_REC=self sets roots.rec.
const EnvPrefix = "DROPCOND_"

// Config holds all settings.
type Config struct {
	// Dialect is the formula dialect: python or cel.
	Dialect string `koanf:"dialect"`
	// Roots maps each reserved root name to the table its attributes
	// belong to: ref for the referenced table, self for the column's own.
	Roots map[string]string `koanf:"roots"`
	Log   LogConfig         `koanf:"log"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func defaults() map[string]any {
	return map[string]any{
		"dialect":                    string(formula.Python),
		"roots." + entity.ChoiceRoot: dropdown.ScopeRef.String(),
		"log.level":                  "info",
		"log.format":                 "text",
	}
}

// Load reads configuration from path, if not empty, layered over the
// defaults and under the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	// DROPCOND_LOG_LEVEL -> log.level
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := formula.ParseDialect(c.Dialect); err != nil {
		return err
	}
	if _, err := c.Scopes(); err != nil {
		return err
	}
	if _, err := c.level(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q: want text or json", c.Log.Format)
	}
	return nil
}

// Parser returns the formula parser for the configured dialect.
func (c *Config) Parser() (formula.Parser, error) {
	d, err := formula.ParseDialect(c.Dialect)
	if err != nil {
		return nil, err
	}
	return formula.NewParser(d)
}

// Scopes returns the configured reserved roots.
func (c *Config) Scopes() (map[string]dropdown.Scope, error) {
	scopes := make(map[string]dropdown.Scope, len(c.Roots))
	for root, s := range c.Roots {
		scope, err := dropdown.ParseScope(s)
		if err != nil {
			return nil, fmt.Errorf("root %s: %w", root, err)
		}
		scopes[root] = scope
	}
	return scopes, nil
}

func (c *Config) level() (slog.Level, error) {
	var level slog.Level
	if c.Log.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}
	return level, nil
}

// Logger returns a logger writing to w in the configured format and level.
func (c *Config) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := c.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// Engine returns a dropdown engine configured by c, logging to logger.
func (c *Config) Engine(logger *slog.Logger) (*dropdown.Engine, error) {
	parser, err := c.Parser()
	if err != nil {
		return nil, err
	}
	roots, err := c.Scopes()
	if err != nil {
		return nil, err
	}
	return dropdown.New(dropdown.Options{
		Parser: parser,
		Roots:  roots,
		Logger: logger,
	}), nil
}

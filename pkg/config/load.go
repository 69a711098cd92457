package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/artisync/pkg/artifact"
	"github.com/openfroyo/artisync/pkg/telemetry"
)

// Environment variables overriding the file.
const (
	EnvConfigFile   = "ARTISYNC_CONFIG"
	EnvLogLevel     = "ARTISYNC_LOG_LEVEL"
	EnvRegistryRoot = "ARTISYNC_REGISTRY_ROOT"
)

// DefaultFile is read when no configuration file is given.
const DefaultFile = "artisync.yaml"

// Default returns the configuration used when no file exists: three groups
// covering every kind, a local registry and local SQLite databases.
func Default() *Config {
	return &Config{
		Registry: RegistryConfig{
			Root:         "registry",
			Predelivered: true,
		},
		Store: StoreConfig{
			Path: "artisync.db",
		},
		Target: TargetConfig{
			DSN: "artisync-target.db",
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
		Groups: []GroupConfig{
			{Name: "persistence", Kinds: []string{"table", "view"}, Interval: 5 * time.Minute},
			{Name: "messaging", Kinds: []string{"listener", "odata"}, Interval: 5 * time.Minute},
			{Name: "extensions", Kinds: []string{"extensionpoint", "extension", "job"}, Interval: time.Minute},
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads the configuration file at path on top of the defaults and
// applies environment overrides. An empty path reads DefaultFile if it
// exists and falls back to the defaults otherwise.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist) && !explicit:
		cfg := Default()
		applyEnv(cfg)
		return cfg, cfg.Validate()
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.SourceFile = path
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		var verrs ValidationErrors
		if errors.As(err, &verrs) {
			for i := range verrs {
				verrs[i].File = path
			}
			return nil, verrs
		}
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a YAML configuration on top of the defaults. Unknown fields
// are rejected. A groups list replaces the default groups.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Groups = nil

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if cfg.Groups == nil {
		cfg.Groups = Default().Groups
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.DefaultConfig()
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if level := strings.TrimSpace(os.Getenv(EnvLogLevel)); level != "" {
		cfg.Telemetry.Logging.Level = strings.ToLower(level)
	}
	if root := strings.TrimSpace(os.Getenv(EnvRegistryRoot)); root != "" {
		cfg.Registry.Root = root
	}
}

// Validate checks field constraints, that group names are unique and that
// no kind belongs to two groups.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if err := validator.New().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("failed to validate config: %w", err)
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Path:    fieldPath(fe.Namespace()),
				Message: fmt.Sprintf("failed on '%s' (value %v)", fe.Tag(), fe.Value()),
			})
		}
	}

	names := make(map[string]bool)
	owners := make(map[artifact.Kind]string)
	for i, g := range c.Groups {
		if g.Name != "" && names[g.Name] {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("groups[%d].name", i),
				Message: fmt.Sprintf("duplicate group %q", g.Name),
			})
		}
		names[g.Name] = true

		for _, k := range g.Kinds {
			kind := artifact.Kind(strings.ToLower(k))
			if owner, taken := owners[kind]; taken {
				errs = append(errs, ValidationError{
					Path:    fmt.Sprintf("groups[%d].kinds", i),
					Message: fmt.Sprintf("kind %s already belongs to group %s", kind, owner),
				})
				continue
			}
			owners[kind] = g.Name
		}
	}

	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			errs = append(errs, ValidationError{Path: "telemetry", Message: err.Error()})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// fieldPath turns a validator namespace such as "Config.Groups[0].Kinds[1]"
// into "groups[0].kinds[1]".
func fieldPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToLower(p[:1]) + p[1:]
	}
	return strings.Join(parts, ".")
}

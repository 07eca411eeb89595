package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-brood/pkg/errors"
)

const (
	DefaultGracePeriod     = 5 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultTickInterval    = time.Second
	DefaultDebounce        = 300 * time.Millisecond
	DefaultPrefix          = "[{name}]"
)

// Config is the top-level configuration file structure.
type Config struct {
	FailureMode     string          `yaml:"failure_mode" toml:"failure_mode"`
	GracePeriod     Duration        `yaml:"grace_period" toml:"grace_period"`
	ShutdownTimeout Duration        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	TickInterval    Duration        `yaml:"tick_interval" toml:"tick_interval"`
	Renderer        RendererConfig  `yaml:"renderer" toml:"renderer"`
	Commands        []CommandConfig `yaml:"commands" toml:"commands"`

	// BaseDir resolves relative dirs and watch paths. Set by LoadFile.
	BaseDir string `yaml:"-" toml:"-"`
}

type RendererConfig struct {
	// Prefix is a template; {name} expands to the command's display prefix.
	Prefix       string `yaml:"prefix" toml:"prefix"`
	PrefixStyle  string `yaml:"prefix_style" toml:"prefix_style"`
	MessageStyle string `yaml:"message_style" toml:"message_style"`
	StatusStyle  string `yaml:"status_style" toml:"status_style"`
}

type CommandConfig struct {
	Name         string            `yaml:"name" toml:"name"`
	Command      string            `yaml:"command" toml:"command"`
	Dir          string            `yaml:"dir,omitempty" toml:"dir,omitempty"`
	Env          map[string]string `yaml:"env,omitempty" toml:"env,omitempty"`
	Prefix       string            `yaml:"prefix,omitempty" toml:"prefix,omitempty"`
	PrefixStyle  string            `yaml:"prefix_style,omitempty" toml:"prefix_style,omitempty"`
	MessageStyle string            `yaml:"message_style,omitempty" toml:"message_style,omitempty"`
	Restart      RestartConfig     `yaml:"restart" toml:"restart"`
	Watch        *WatchConfig      `yaml:"watch,omitempty" toml:"watch,omitempty"`
	Shutdown     string            `yaml:"shutdown,omitempty" toml:"shutdown,omitempty"`
}

type RestartConfig struct {
	Policy           string   `yaml:"policy" toml:"policy"`
	Delay            Duration `yaml:"delay" toml:"delay"`
	MaxRestarts      *int     `yaml:"max_restarts,omitempty" toml:"max_restarts,omitempty"`
	RestartOnTrigger bool     `yaml:"restart_on_trigger" toml:"restart_on_trigger"`
}

type WatchConfig struct {
	Paths     []string `yaml:"paths" toml:"paths"`
	Debounce  Duration `yaml:"debounce" toml:"debounce"`
	Ignore    []string `yaml:"ignore,omitempty" toml:"ignore,omitempty"`
	GitIgnore bool     `yaml:"gitignore" toml:"gitignore"`
}

// Duration reads "300ms" style strings from YAML and TOML.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Format is the configuration file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatOf picks the format from the file extension.
func FormatOf(filename string) (Format, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", errors.NewValidationError("unsupported configuration format", nil).WithContext("filename", filename)
	}
}

// Load parses data and applies defaults. It does not validate.
func Load(data []byte, format Format) (*Config, error) {
	var config Config

	switch format {
	case FormatYAML:
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&config); err != nil {
			return nil, errors.NewValidationError("failed to parse YAML configuration", err)
		}
	case FormatTOML:
		decoder := toml.NewDecoder(bytes.NewReader(data))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&config); err != nil {
			return nil, errors.NewValidationError("failed to parse TOML configuration", err)
		}
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("unknown configuration format: %s", format), nil)
	}

	setConfigDefaults(&config)
	return &config, nil
}

// LoadFile reads, parses and applies defaults to a configuration file.
func LoadFile(filename string) (*Config, error) {
	format, err := FormatOf(filename)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	config, err := Load(data, format)
	if err != nil {
		if de, ok := err.(*errors.DomainError); ok {
			return nil, de.WithContext("filename", filename)
		}
		return nil, err
	}

	abs, err := filepath.Abs(filepath.Dir(filename))
	if err != nil {
		return nil, errors.NewIOError("failed to resolve configuration directory", err).WithContext("filename", filename)
	}
	config.BaseDir = abs
	return config, nil
}

// Candidates are tried in order when no configuration file is given.
var Candidates = []string{"brood.yaml", "brood.yml", "brood.toml"}

// Discover returns the first candidate present in dir.
func Discover(dir string) (string, error) {
	for _, name := range Candidates {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", errors.NewIOError("no configuration file found", nil).
		WithContext("dir", dir).
		WithContext("candidates", strings.Join(Candidates, ", "))
}

func setConfigDefaults(config *Config) {
	if config.FailureMode == "" {
		config.FailureMode = "continue"
	}
	if config.GracePeriod == 0 {
		config.GracePeriod = Duration(DefaultGracePeriod)
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}
	if config.TickInterval == 0 {
		config.TickInterval = Duration(DefaultTickInterval)
	}
	if config.Renderer.Prefix == "" {
		config.Renderer.Prefix = DefaultPrefix
	}

	for i := range config.Commands {
		cmd := &config.Commands[i]
		cmd.Name = strings.TrimSpace(cmd.Name)
		if cmd.Name == "" {
			cmd.Name = strings.TrimSpace(cmd.Command)
		}
		if cmd.Restart.Policy == "" {
			cmd.Restart.Policy = "never"
		}
		if cmd.Watch != nil && cmd.Watch.Debounce == 0 {
			cmd.Watch.Debounce = Duration(DefaultDebounce)
		}
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-brood/pkg/command"
	"github.com/core-tools/hsu-brood/pkg/errors"
	"github.com/core-tools/hsu-brood/pkg/orchestrator"
)

const sampleYAML = `
failure_mode: kill_others
grace_period: 2s
shutdown_timeout: 15s
renderer:
  prefix: "<{name}>"
  prefix_style: bold
commands:
  - name: web
    command: npm run dev
    dir: frontend
    env:
      PORT: "3000"
    restart:
      policy: on_exit
      delay: 500ms
      max_restarts: 3
      restart_on_trigger: true
    watch:
      paths: [src]
      ignore: ["*.log"]
  - command: go run ./cmd/api
    shutdown: ./scripts/cleanup.sh
`

const sampleTOML = `
failure_mode = "continue"
tick_interval = "2s"

[[commands]]
name = "db"
command = "postgres -D data"

[commands.restart]
policy = "always"
delay = "1s"

[commands.env]
PGPORT = "5433"
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoad_YAML(t *testing.T) {
	config, err := Load([]byte(sampleYAML), FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, "kill_others", config.FailureMode)
	assert.Equal(t, 2*time.Second, config.GracePeriod.Std())
	assert.Equal(t, 15*time.Second, config.ShutdownTimeout.Std())
	assert.Equal(t, DefaultTickInterval, config.TickInterval.Std())
	assert.Equal(t, "<{name}>", config.Renderer.Prefix)
	assert.Equal(t, "bold", config.Renderer.PrefixStyle)

	require.Len(t, config.Commands, 2)
	web := config.Commands[0]
	assert.Equal(t, "web", web.Name)
	assert.Equal(t, "3000", web.Env["PORT"])
	assert.Equal(t, "on_exit", web.Restart.Policy)
	assert.Equal(t, 500*time.Millisecond, web.Restart.Delay.Std())
	require.NotNil(t, web.Restart.MaxRestarts)
	assert.Equal(t, 3, *web.Restart.MaxRestarts)
	assert.True(t, web.Restart.RestartOnTrigger)
	require.NotNil(t, web.Watch)
	assert.Equal(t, DefaultDebounce, web.Watch.Debounce.Std())

	api := config.Commands[1]
	assert.Equal(t, "go run ./cmd/api", api.Name, "name defaults to the command line")
	assert.Equal(t, "never", api.Restart.Policy)
	assert.Nil(t, api.Restart.MaxRestarts)
	assert.Equal(t, "./scripts/cleanup.sh", api.Shutdown)
}

func TestLoad_TOML(t *testing.T) {
	config, err := Load([]byte(sampleTOML), FormatTOML)
	require.NoError(t, err)

	assert.Equal(t, "continue", config.FailureMode)
	assert.Equal(t, 2*time.Second, config.TickInterval.Std())
	assert.Equal(t, DefaultGracePeriod, config.GracePeriod.Std())
	assert.Equal(t, DefaultPrefix, config.Renderer.Prefix)

	require.Len(t, config.Commands, 1)
	db := config.Commands[0]
	assert.Equal(t, "db", db.Name)
	assert.Equal(t, "always", db.Restart.Policy)
	assert.Equal(t, time.Second, db.Restart.Delay.Std())
	assert.Equal(t, "5433", db.Env["PGPORT"])
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		format Format
	}{
		{"yaml_unknown_field", "commands:\n  - command: ls\n    restrat: {}\n", FormatYAML},
		{"yaml_bad_duration", "grace_period: soon\ncommands:\n  - command: ls\n", FormatYAML},
		{"yaml_malformed", "commands: [\n", FormatYAML},
		{"toml_unknown_field", "bogus = 1\n", FormatTOML},
		{"toml_bad_duration", "grace_period = \"5 parsecs\"\n", FormatTOML},
		{"unknown_format", "", Format("ini")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.data), tt.format)
			require.Error(t, err)
			assert.True(t, errors.IsValidationError(err))
		})
	}
}

func TestFormatOf(t *testing.T) {
	for name, want := range map[string]Format{
		"brood.yaml": FormatYAML,
		"brood.YML":  FormatYAML,
		"a/b.toml":   FormatTOML,
	} {
		got, err := FormatOf(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := FormatOf("brood.json")
	assert.True(t, errors.IsValidationError(err))
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "brood.yaml", sampleYAML)

	config, err := LoadFile(p)
	require.NoError(t, err)

	abs, err := filepath.Abs(dir)
	require.NoError(t, err)
	assert.Equal(t, abs, config.BaseDir)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsIOError(err))
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()

	_, err := Discover(dir)
	require.Error(t, err)
	assert.True(t, errors.IsIOError(err))

	writeFile(t, dir, "brood.toml", sampleTOML)
	p, err := Discover(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "brood.toml"), p)

	writeFile(t, dir, "brood.yaml", sampleYAML)
	p, err = Discover(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "brood.yaml"), p, "yaml wins over toml")
}

func TestValidate(t *testing.T) {
	three := 3
	negative := -1

	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{
			name:        "failure_mode",
			mutate:      func(c *Config) { c.FailureMode = "panic" },
			expectError: `unknown failure mode "panic"`,
		},
		{
			name:        "negative_grace",
			mutate:      func(c *Config) { c.GracePeriod = Duration(-time.Second) },
			expectError: "grace_period cannot be negative",
		},
		{
			name:        "no_commands",
			mutate:      func(c *Config) { c.Commands = nil },
			expectError: "no commands configured",
		},
		{
			name:        "empty_command",
			mutate:      func(c *Config) { c.Commands[0].Command = " " },
			expectError: "command line cannot be empty",
		},
		{
			name:        "unknown_policy",
			mutate:      func(c *Config) { c.Commands[0].Restart.Policy = "sometimes" },
			expectError: `unknown restart policy "sometimes"`,
		},
		{
			name:        "negative_max_restarts",
			mutate:      func(c *Config) { c.Commands[0].Restart.MaxRestarts = &negative },
			expectError: "max_restarts cannot be negative",
		},
		{
			name:        "watch_without_paths",
			mutate:      func(c *Config) { c.Commands[0].Watch = &WatchConfig{} },
			expectError: "watch needs at least one path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{FailureMode: "continue", Commands: []CommandConfig{
				{Name: "web", Command: "npm start", Restart: RestartConfig{Policy: "on_exit", MaxRestarts: &three}},
			}}
			tt.mutate(c)

			err := Validate(c)
			if tt.expectError == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsValidationError(err))
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestToSpecs(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "frontend", "src"), 0o755))

	config, err := Load([]byte(sampleYAML), FormatYAML)
	require.NoError(t, err)
	config.BaseDir = base

	specs, err := config.ToSpecs()
	require.NoError(t, err)
	require.Len(t, specs, 2)

	web := specs[0]
	assert.Equal(t, filepath.Join(base, "frontend"), web.Dir)
	assert.Equal(t, command.RestartOnExit, web.Restart.Kind)
	assert.Equal(t, 500*time.Millisecond, web.Restart.Delay)
	assert.True(t, web.Restart.HonoursTrigger())
	assert.True(t, web.Restart.RestartsOnExit(2))
	assert.False(t, web.Restart.RestartsOnExit(3))

	require.NotNil(t, web.Watch)
	assert.Equal(t, []string{filepath.Join(base, "frontend", "src")}, web.Watch.Paths)
	assert.Equal(t, DefaultDebounce, web.Watch.Debounce)
	require.NotNil(t, web.Watch.Ignore)
	assert.True(t, web.Watch.Ignore(filepath.Join(base, "frontend", "src", "debug.log")))
	assert.False(t, web.Watch.Ignore(filepath.Join(base, "frontend", "src", "main.ts")))

	api := specs[1]
	assert.Equal(t, command.RestartNever, api.Restart.Kind)
	assert.Empty(t, api.Dir)
	assert.Nil(t, api.Watch)
	assert.Equal(t, "./scripts/cleanup.sh", api.Shutdown)
}

func TestToSpecs_GitIgnore(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(base, ".git"), 0o755))
	writeFile(t, base, ".gitignore", "dist/\n")

	config := &Config{BaseDir: base, Commands: []CommandConfig{{
		Name:    "build",
		Command: "make",
		Restart: RestartConfig{Policy: "always"},
		Watch:   &WatchConfig{Paths: []string{"."}, GitIgnore: true, Ignore: []string{"*.tmp"}},
	}}}
	setConfigDefaults(config)

	specs, err := config.ToSpecs()
	require.NoError(t, err)
	ignore := specs[0].Watch.Ignore
	require.NotNil(t, ignore)

	assert.True(t, ignore(filepath.Join(base, "dist", "app.js")))
	assert.True(t, ignore(filepath.Join(base, ".git", "HEAD")))
	assert.True(t, ignore(filepath.Join(base, "x.tmp")))
	assert.False(t, ignore(filepath.Join(base, "main.go")))
}

func TestToSpecs_DuplicateNames(t *testing.T) {
	config := &Config{Commands: []CommandConfig{
		{Name: "web", Command: "a", Restart: RestartConfig{Policy: "never"}},
		{Name: "web", Command: "b", Restart: RestartConfig{Policy: "never"}},
	}}

	_, err := config.ToSpecs()
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
	assert.Contains(t, err.Error(), `duplicate command name "web"`)
}

func TestOrchestratorOptions(t *testing.T) {
	config, err := Load([]byte(sampleYAML), FormatYAML)
	require.NoError(t, err)

	opts := config.OrchestratorOptions()
	assert.Equal(t, orchestrator.FailureKillOthers, opts.FailureMode)
	assert.Equal(t, 2*time.Second, opts.GracePeriod)
	assert.Equal(t, 15*time.Second, opts.ShutdownTimeout)
	assert.Equal(t, DefaultTickInterval, opts.TickInterval)
}

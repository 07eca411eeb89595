package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/core-tools/hsu-brood/pkg/command"
	"github.com/core-tools/hsu-brood/pkg/errors"
	"github.com/core-tools/hsu-brood/pkg/orchestrator"
	"github.com/core-tools/hsu-brood/pkg/watch"
)

// Validate checks the file-level settings. Command sets are checked again by
// ToSpecs once they are converted.
func Validate(config *Config) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	collection := errors.NewErrorCollection()

	switch orchestrator.FailureMode(config.FailureMode) {
	case orchestrator.FailureContinue, orchestrator.FailureKillOthers:
	default:
		collection.Add(errors.NewValidationError(
			fmt.Sprintf("unknown failure mode %q, expected continue or kill_others", config.FailureMode), nil))
	}

	for name, d := range map[string]Duration{
		"grace_period":     config.GracePeriod,
		"shutdown_timeout": config.ShutdownTimeout,
		"tick_interval":    config.TickInterval,
	} {
		if d < 0 {
			collection.Add(errors.NewValidationError(name+" cannot be negative", nil))
		}
	}

	if len(config.Commands) == 0 {
		collection.Add(errors.NewValidationError("no commands configured", nil))
	}

	for i, cmd := range config.Commands {
		if err := validateCommandConfig(cmd); err != nil {
			collection.Add(errors.NewValidationError(fmt.Sprintf("invalid command %d", i), err).
				WithContext("name", cmd.Name))
		}
	}

	return collection.ToError()
}

func validateCommandConfig(cmd CommandConfig) error {
	if strings.TrimSpace(cmd.Command) == "" {
		return errors.NewValidationError("command line cannot be empty", nil)
	}

	if _, err := parsePolicyKind(cmd.Restart.Policy); err != nil {
		return err
	}
	if cmd.Restart.Delay < 0 {
		return errors.NewValidationError("restart delay cannot be negative", nil)
	}
	if cmd.Restart.MaxRestarts != nil && *cmd.Restart.MaxRestarts < 0 {
		return errors.NewValidationError("max_restarts cannot be negative", nil)
	}

	if cmd.Watch != nil {
		if len(cmd.Watch.Paths) == 0 {
			return errors.NewValidationError("watch needs at least one path", nil)
		}
		if cmd.Watch.Debounce < 0 {
			return errors.NewValidationError("watch debounce cannot be negative", nil)
		}
	}
	return nil
}

func parsePolicyKind(policy string) (command.RestartKind, error) {
	kind := command.RestartKind(strings.ToLower(strings.TrimSpace(policy)))
	switch kind {
	case command.RestartNever, command.RestartOnExit, command.RestartAlways:
		return kind, nil
	case "on-exit", "onexit":
		return command.RestartOnExit, nil
	default:
		return "", errors.NewValidationError(fmt.Sprintf("unknown restart policy %q", policy), nil)
	}
}

// ToSpecs converts the commands into immutable specs, resolving relative
// directories against BaseDir and watch paths against the command directory.
func (c *Config) ToSpecs() ([]command.Spec, error) {
	specs := make([]command.Spec, 0, len(c.Commands))

	for i, cmd := range c.Commands {
		spec, err := c.toSpec(cmd)
		if err != nil {
			return nil, errors.NewValidationError(fmt.Sprintf("invalid command %d", i), err).
				WithContext("name", cmd.Name)
		}
		specs = append(specs, spec)
	}

	if err := command.Validate(specs); err != nil {
		return nil, err
	}
	return specs, nil
}

func (c *Config) toSpec(cmd CommandConfig) (command.Spec, error) {
	kind, err := parsePolicyKind(cmd.Restart.Policy)
	if err != nil {
		return command.Spec{}, err
	}

	dir := resolvePath(c.BaseDir, cmd.Dir)

	spec := command.Spec{
		Name:         cmd.Name,
		Command:      cmd.Command,
		Dir:          dir,
		Env:          cmd.Env,
		Prefix:       cmd.Prefix,
		PrefixStyle:  cmd.PrefixStyle,
		MessageStyle: cmd.MessageStyle,
		Restart: command.RestartPolicy{
			Kind:             kind,
			Delay:            cmd.Restart.Delay.Std(),
			MaxRestarts:      cmd.Restart.MaxRestarts,
			RestartOnTrigger: cmd.Restart.RestartOnTrigger,
		},
		Shutdown: cmd.Shutdown,
	}

	if cmd.Watch != nil {
		rule, err := c.toWatchRule(dir, *cmd.Watch)
		if err != nil {
			return command.Spec{}, err
		}
		spec.Watch = rule
	}
	return spec, nil
}

func (c *Config) toWatchRule(dir string, w WatchConfig) (*command.WatchRule, error) {
	root := dir
	if root == "" {
		root = c.BaseDir
	}

	paths := make([]string, 0, len(w.Paths))
	for _, p := range w.Paths {
		paths = append(paths, resolvePath(root, p))
	}

	rule := &command.WatchRule{Paths: paths, Debounce: w.Debounce.Std()}

	matchRoot := root
	if matchRoot == "" {
		matchRoot = "."
	}

	switch {
	case w.GitIgnore:
		matcher, err := watch.NewGitIgnoreMatcher(matchRoot, w.Ignore)
		if err != nil {
			return nil, errors.NewWatchError("failed to load ignore rules", err).WithContext("root", matchRoot)
		}
		rule.Ignore = matcher
	case len(w.Ignore) > 0:
		matcher, err := watch.NewIgnoreMatcher(matchRoot, w.Ignore)
		if err != nil {
			return nil, errors.NewWatchError("failed to build ignore rules", err).WithContext("root", matchRoot)
		}
		rule.Ignore = matcher
	}
	return rule, nil
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) || base == "" {
		return p
	}
	return filepath.Join(base, p)
}

// OrchestratorOptions maps the file-level settings. ChildEnv and Sampler are
// left for the caller.
func (c *Config) OrchestratorOptions() orchestrator.Options {
	return orchestrator.Options{
		GracePeriod:     c.GracePeriod.Std(),
		ShutdownTimeout: c.ShutdownTimeout.Std(),
		TickInterval:    c.TickInterval.Std(),
		FailureMode:     orchestrator.FailureMode(c.FailureMode),
	}
}

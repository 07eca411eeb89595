package command

import (
	"fmt"
	"strings"

	"github.com/core-tools/hsu-brood/pkg/errors"
)

const maxNameLength = 64

// Validate checks the whole command set before anything is spawned. Every
// violation is collected so the user sees all of them at once.
func Validate(specs []Spec) error {
	if len(specs) == 0 {
		return errors.NewValidationError("no commands configured", nil)
	}

	collection := errors.NewErrorCollection()
	seen := make(map[string]int, len(specs))

	for i, spec := range specs {
		if prev, dup := seen[spec.Name]; dup {
			collection.Add(errors.NewValidationError(
				fmt.Sprintf("duplicate command name %q (commands %d and %d)", spec.Name, prev, i), nil).
				WithContext("name", spec.Name))
			continue
		}
		seen[spec.Name] = i

		if err := ValidateSpec(spec); err != nil {
			collection.Add(errors.NewValidationError(fmt.Sprintf("invalid command %d", i), err).
				WithContext("name", spec.Name))
		}
	}

	return collection.ToError()
}

// ValidateSpec checks a single command.
func ValidateSpec(spec Spec) error {
	if spec.Name == "" {
		return errors.NewValidationError("command name cannot be empty", nil)
	}
	if len(spec.Name) > maxNameLength {
		return errors.NewValidationError(fmt.Sprintf("command name cannot exceed %d characters", maxNameLength), nil)
	}
	if strings.TrimSpace(spec.Command) == "" {
		return errors.NewValidationError("command line cannot be empty", nil)
	}
	if err := validateRestartPolicy(spec.Restart); err != nil {
		return err
	}
	if spec.Watch != nil {
		if err := validateWatchRule(*spec.Watch); err != nil {
			return err
		}
	}
	return nil
}

func validateRestartPolicy(p RestartPolicy) error {
	switch p.Kind {
	case RestartNever, RestartOnExit, RestartAlways:
	default:
		return errors.NewValidationError(fmt.Sprintf("unknown restart policy %q", p.Kind), nil)
	}
	if p.Delay < 0 {
		return errors.NewValidationError(fmt.Sprintf("restart delay cannot be negative: %v", p.Delay), nil)
	}
	if p.MaxRestarts != nil && *p.MaxRestarts < 0 {
		return errors.NewValidationError(fmt.Sprintf("max restarts cannot be negative: %d", *p.MaxRestarts), nil)
	}
	return nil
}

func validateWatchRule(w WatchRule) error {
	if len(w.Paths) == 0 {
		return errors.NewValidationError("watch rule needs at least one path", nil)
	}
	for _, p := range w.Paths {
		if strings.TrimSpace(p) == "" {
			return errors.NewValidationError("watch path cannot be empty", nil)
		}
	}
	if w.Debounce < 0 {
		return errors.NewValidationError(fmt.Sprintf("debounce cannot be negative: %v", w.Debounce), nil)
	}
	return nil
}

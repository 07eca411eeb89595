package process

import (
	"strings"

	"github.com/core-tools/hsu-brood/pkg/errors"
)

// ValidateExecutionConfig checks what can be checked before spawning.
// A missing working directory is left to Start so it surfaces as a spawn failure.
func ValidateExecutionConfig(config ExecutionConfig) error {
	if strings.TrimSpace(config.Command) == "" {
		return errors.NewValidationError("command line cannot be empty", nil)
	}
	for key := range config.Environment {
		if key == "" || strings.ContainsAny(key, "=\x00") {
			return errors.NewValidationError("invalid environment variable name: "+key, nil)
		}
	}
	return nil
}

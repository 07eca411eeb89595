//go:build !linux

package resources

import (
	"github.com/core-tools/hsu-brood/pkg/logging"
)

func createPlatformSpecificSampler(logger logging.Logger) Sampler {
	return nil
}

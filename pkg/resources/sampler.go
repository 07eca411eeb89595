package resources

import (
	"runtime"
	"time"

	"github.com/core-tools/hsu-brood/pkg/logging"
)

// Usage is one resource sample of a child's process group.
type Usage struct {
	PID        int
	CPUPercent float64
	RSSBytes   uint64
	Timestamp  time.Time
}

// Sampler reads resource usage for a PID. It keeps per-PID history to derive
// CPU percentages, so it must be owned by a single goroutine.
type Sampler interface {
	Sample(pid int) (Usage, error)

	// Forget drops history for a PID that is gone.
	Forget(pid int)

	SupportsRealTimeMonitoring() bool
}

// NewSampler returns the best sampler for this platform.
func NewSampler(logger logging.Logger) Sampler {
	if s := createPlatformSpecificSampler(logger); s != nil {
		return s
	}

	logger.Warnf("Resource sampling not supported on platform: %s, reporting PID only", runtime.GOOS)
	return newGenericSampler()
}

// genericSampler reports the PID without metrics.
type genericSampler struct{}

func newGenericSampler() Sampler {
	return genericSampler{}
}

func (genericSampler) Sample(pid int) (Usage, error) {
	return Usage{PID: pid, Timestamp: time.Now()}, nil
}

func (genericSampler) Forget(pid int) {}

func (genericSampler) SupportsRealTimeMonitoring() bool {
	return false
}

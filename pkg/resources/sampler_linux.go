//go:build linux

package resources

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/core-tools/hsu-brood/pkg/logging"
)

// USER_HZ is 100 on every mainstream Linux ABI.
const clockTicksPerSecond = 100

type cpuMark struct {
	ticks uint64
	at    time.Time
}

// linuxSampler aggregates /proc/{pid}/stat over the whole process group led by pid.
type linuxSampler struct {
	procRoot string
	pageSize uint64
	logger   logging.Logger
	last     map[int]cpuMark
}

func newLinuxSampler(procRoot string, logger logging.Logger) *linuxSampler {
	return &linuxSampler{
		procRoot: procRoot,
		pageSize: uint64(os.Getpagesize()),
		logger:   logger,
		last:     make(map[int]cpuMark),
	}
}

func createPlatformSpecificSampler(logger logging.Logger) Sampler {
	return newLinuxSampler("/proc", logger)
}

func (l *linuxSampler) SupportsRealTimeMonitoring() bool {
	return true
}

func (l *linuxSampler) Forget(pid int) {
	delete(l.last, pid)
}

func (l *linuxSampler) Sample(pid int) (Usage, error) {
	now := time.Now()

	leader, err := l.readStat(pid)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to read stat for PID %d: %w", pid, err)
	}

	ticks := leader.utime + leader.stime
	rssPages := leader.rssPages

	// Descendants share the leader's process group.
	entries, err := os.ReadDir(l.procRoot)
	if err == nil {
		for _, entry := range entries {
			other, convErr := strconv.Atoi(entry.Name())
			if convErr != nil || other == pid {
				continue
			}
			st, statErr := l.readStat(other)
			if statErr != nil || st.pgrp != pid {
				continue
			}
			ticks += st.utime + st.stime
			rssPages += st.rssPages
		}
	}

	usage := Usage{
		PID:       pid,
		RSSBytes:  rssPages * l.pageSize,
		Timestamp: now,
	}

	if prev, ok := l.last[pid]; ok && ticks >= prev.ticks {
		elapsed := now.Sub(prev.at).Seconds()
		if elapsed > 0 {
			used := float64(ticks-prev.ticks) / clockTicksPerSecond
			usage.CPUPercent = used / elapsed * 100
		}
	}
	l.last[pid] = cpuMark{ticks: ticks, at: now}

	return usage, nil
}

type procStat struct {
	pgrp     int
	utime    uint64
	stime    uint64
	rssPages uint64
}

// readStat parses /proc/{pid}/stat. The command name may contain spaces and
// parentheses, so fields are counted from the last ')'.
func (l *linuxSampler) readStat(pid int) (procStat, error) {
	data, err := os.ReadFile(filepath.Join(l.procRoot, strconv.Itoa(pid), "stat"))
	if err != nil {
		return procStat{}, err
	}
	return parseStat(string(data))
}

func parseStat(content string) (procStat, error) {
	end := strings.LastIndexByte(content, ')')
	if end < 0 {
		return procStat{}, fmt.Errorf("malformed stat line")
	}

	// fields[0] is the state (field 3 in proc(5)).
	fields := strings.Fields(content[end+1:])
	if len(fields) < 22 {
		return procStat{}, fmt.Errorf("short stat line: %d fields", len(fields))
	}

	pgrp, err := strconv.Atoi(fields[2])
	if err != nil {
		return procStat{}, fmt.Errorf("bad pgrp: %w", err)
	}
	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return procStat{}, fmt.Errorf("bad utime: %w", err)
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return procStat{}, fmt.Errorf("bad stime: %w", err)
	}
	rss, err := strconv.ParseInt(fields[21], 10, 64)
	if err != nil {
		return procStat{}, fmt.Errorf("bad rss: %w", err)
	}
	if rss < 0 {
		rss = 0
	}

	return procStat{pgrp: pgrp, utime: utime, stime: stime, rssPages: uint64(rss)}, nil
}

// Package hostmetrics reads load, memory and uptime from the local host.
package hostmetrics

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/HerbHall/runnerbridge/internal/bridge"
)

// Compile-time guard.
var _ bridge.MetricsSource = (*Source)(nil)

// probes are the host readers behind a Source.
type probes struct {
	load   func(ctx context.Context) (*load.AvgStat, error)
	memory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	uptime func(ctx context.Context) (uint64, error)
}

var hostProbes = probes{
	load:   load.AvgWithContext,
	memory: mem.VirtualMemoryWithContext,
	uptime: host.UptimeWithContext,
}

// Source samples the local host through gopsutil.
type Source struct {
	logger *zap.Logger
	probes probes
}

// NewSource returns a Source reading the local host.
func NewSource(logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{logger: logger, probes: hostProbes}
}

// Sample reads every metric. Each reading is attempted even when another
// fails; any failure makes the whole sample fail with the joined errors.
func (s *Source) Sample(ctx context.Context) (bridge.Sample, error) {
	if err := ctx.Err(); err != nil {
		return bridge.Sample{}, err
	}

	var (
		out  bridge.Sample
		errs []error
	)

	if avg, err := s.probes.load(ctx); err != nil {
		errs = append(errs, fmt.Errorf("load average: %w", err))
	} else {
		out.LoadAverage1m = avg.Load1
	}

	if vm, err := s.probes.memory(ctx); err != nil {
		errs = append(errs, fmt.Errorf("virtual memory: %w", err))
	} else {
		out.TotalMemoryBytes = vm.Total
		out.FreeMemoryBytes = vm.Free
	}

	if up, err := s.probes.uptime(ctx); err != nil {
		errs = append(errs, fmt.Errorf("uptime: %w", err))
	} else {
		out.UptimeSeconds = up
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Debug("host sample incomplete", zap.Error(err))
		return bridge.Sample{}, err
	}
	return out, nil
}

// HostID returns the machine's stable identifier. When the platform has
// none, a name-based UUID of the hostname is used instead.
func HostID(ctx context.Context) (string, error) {
	return hostID(ctx, host.HostIDWithContext, os.Hostname)
}

func hostID(ctx context.Context, machine func(context.Context) (string, error), hostname func() (string, error)) (string, error) {
	if id, err := machine(ctx); err == nil && id != "" {
		return id, nil
	}
	name, err := hostname()
	if err != nil {
		return "", fmt.Errorf("resolve host id: %w", err)
	}
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(name)).String(), nil
}

package runner

import (
	"fmt"
	"time"

	"extracthub/internal/model"
	"extracthub/internal/runerr"
	"extracthub/pkg/config"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// admit checks the host against the configured resource floors before a run
// is allowed to start. A turned-away run is rescheduled, not failed. A zero
// floor disables its check.
func admit(cfg *config.Config) error {
	if cfg.Runner.MinFreeDiskPercent > 0 {
		if usage, err := disk.Usage(cfg.Runner.TempPath); err == nil {
			free := 100 - usage.UsedPercent
			if free < cfg.Runner.MinFreeDiskPercent {
				return runerr.New(runerr.Admission, model.LogSystem,
					"low disk space: %.1f%% free, need %.1f%%", free, cfg.Runner.MinFreeDiskPercent)
			}
		}
	}

	if cfg.Runner.MaxCPUPercent > 0 {
		if percents, err := cpu.Percent(time.Second, false); err == nil && len(percents) > 0 {
			if percents[0] > cfg.Runner.MaxCPUPercent {
				return runerr.New(runerr.Admission, model.LogSystem,
					"cpu busy: %.1f%% used, ceiling %.1f%%", percents[0], cfg.Runner.MaxCPUPercent)
			}
		}
	}

	if cfg.Runner.MinFreeMemPercent > 0 {
		if vm, err := mem.VirtualMemory(); err == nil {
			free := 100 - vm.UsedPercent
			if free < cfg.Runner.MinFreeMemPercent {
				return runerr.New(runerr.Admission, model.LogSystem,
					"low memory: %.1f%% free, need %.1f%%", free, cfg.Runner.MinFreeMemPercent)
			}
		}
	}

	return nil
}

// HostStatus reports the current resource readings for the status endpoint.
func HostStatus(cfg *config.Config) map[string]string {
	out := map[string]string{}

	if usage, err := disk.Usage(cfg.Runner.TempPath); err == nil {
		out["disk_free_percent"] = fmt.Sprintf("%.1f", 100-usage.UsedPercent)
	}
	if percents, err := cpu.Percent(time.Second, false); err == nil && len(percents) > 0 {
		out["cpu_percent"] = fmt.Sprintf("%.1f", percents[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		out["mem_free_percent"] = fmt.Sprintf("%.1f", 100-vm.UsedPercent)
	}

	return out
}

package agent

import (
	"context"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostMetadata collects facts about the machine the worker runs on. Facts
// that cannot be read are left out.
func HostMetadata(ctx context.Context) map[string]any {
	md := map[string]any{}
	if hi, err := host.InfoWithContext(ctx); err == nil {
		md["hostname"] = hi.Hostname
		md["os"] = hi.OS
		md["platform"] = hi.Platform
		md["platformVersion"] = hi.PlatformVersion
		md["kernelArch"] = hi.KernelArch
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		md["cpuCount"] = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		md["memoryTotalBytes"] = vm.Total
	}
	return md
}

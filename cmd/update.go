package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"ocirun/container"
	"ocirun/spec"
)

var updateCmd = &cobra.Command{
	Use:   "update <container-id>",
	Short: "Update resource limits for a running container",
	Args:  cobra.ExactArgs(1),
	RunE:  runUpdate,
}

var (
	updateMemoryLimit int64
	updateCPUShares   uint64
	updateCPUQuota    int64
	updateCPUPeriod   uint64
	updatePidsLimit   int64
)

func init() {
	rootCmd.AddCommand(updateCmd)

	updateCmd.Flags().Int64Var(&updateMemoryLimit, "memory", 0, "memory limit in bytes")
	updateCmd.Flags().Uint64Var(&updateCPUShares, "cpu-share", 0, "CPU shares (relative weight)")
	updateCmd.Flags().Int64Var(&updateCPUQuota, "cpu-quota", 0, "CPU hardcap limit in microseconds")
	updateCmd.Flags().Uint64Var(&updateCPUPeriod, "cpu-period", 0, "CPU period in microseconds")
	updateCmd.Flags().Int64Var(&updatePidsLimit, "pids-limit", 0, "maximum number of pids")
}

func runUpdate(cmd *cobra.Command, args []string) error {
	resources := &spec.LinuxResources{}

	if updateMemoryLimit != 0 {
		resources.Memory = &spec.LinuxMemory{Limit: &updateMemoryLimit}
	}
	if updateCPUShares != 0 || updateCPUQuota != 0 || updateCPUPeriod != 0 {
		resources.CPU = &spec.LinuxCPU{}
		if updateCPUShares != 0 {
			resources.CPU.Shares = &updateCPUShares
		}
		if updateCPUQuota != 0 {
			resources.CPU.Quota = &updateCPUQuota
		}
		if updateCPUPeriod != 0 {
			resources.CPU.Period = &updateCPUPeriod
		}
	}
	if updatePidsLimit != 0 {
		resources.Pids = &spec.LinuxPids{Limit: updatePidsLimit}
	}

	if err := container.Update(GetContext(), args[0], GetStateRoot(), resources); err != nil {
		return fmt.Errorf("update container: %w", err)
	}
	return nil
}

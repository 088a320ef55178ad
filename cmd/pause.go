package cmd

import (
	"github.com/spf13/cobra"

	"ocirun/container"
)

var pauseCmd = &cobra.Command{
	Use:   "pause <container-id>",
	Short: "Suspend all processes in a container",
	Long:  `Freeze the container's cgroup, suspending all of its processes until 'resume' is called.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runPause,
}

func init() {
	rootCmd.AddCommand(pauseCmd)
}

func runPause(cmd *cobra.Command, args []string) error {
	return container.Pause(GetContext(), args[0], GetStateRoot())
}

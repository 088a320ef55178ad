package cmd

import (
	"github.com/spf13/cobra"

	"ocirun/container"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <container-id>",
	Short: "Resume all processes in a paused container",
	Long:  `Thaw the container's cgroup, resuming processes suspended by 'pause'.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	return container.Resume(GetContext(), args[0], GetStateRoot())
}

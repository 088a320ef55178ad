package cmd

import (
	"github.com/spf13/cobra"

	"ocirun/container"
)

var intermediateCmd = &cobra.Command{
	Use:    "intermediate",
	Short:  "Run the intermediate bootstrap stage (internal use)",
	Long:   `Internal command: the middle stage of the Main -> Intermediate -> Init pipeline.`,
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runIntermediate,
}

func init() {
	rootCmd.AddCommand(intermediateCmd)
}

func runIntermediate(cmd *cobra.Command, args []string) error {
	return container.RunIntermediate()
}

package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ocirun/container"
)

var eventsCmd = &cobra.Command{
	Use:   "events <container-id>",
	Short: "Display container resource usage statistics",
	Long:  `Poll and print container resource usage as JSON, once or repeatedly at an interval.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runEvents,
}

var (
	eventsInterval time.Duration
	eventsStats    bool
)

func init() {
	rootCmd.AddCommand(eventsCmd)

	eventsCmd.Flags().DurationVar(&eventsInterval, "interval", 5*time.Second, "set the stats collection interval")
	eventsCmd.Flags().BoolVar(&eventsStats, "stats", false, "print only a single stats snapshot and exit")
}

func runEvents(cmd *cobra.Command, args []string) error {
	ctx := GetContext()
	containerID := args[0]

	encoder := json.NewEncoder(os.Stdout)

	emit := func() error {
		stats, err := container.GetStats(ctx, containerID, GetStateRoot())
		if err != nil {
			return fmt.Errorf("get stats: %w", err)
		}
		return encoder.Encode(stats)
	}

	if eventsStats {
		return emit()
	}

	ticker := time.NewTicker(eventsInterval)
	defer ticker.Stop()

	for {
		if err := emit(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

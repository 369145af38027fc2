package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sensorhub",
	Short: "SensorHub - multi-sensor recording session coordinator",
	Long: `SensorHub coordinates multi-sensor recording sessions for
human-physiology research: Android phone cameras, thermal cameras,
GSR sensors and PC webcams connect over TCP and are driven through a
shared start/stop lifecycle with precise time alignment.

It runs the coordination server, a time-synchronization service and a
monitor feed, and ships a simulated device for development without
physical hardware.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(timesyncCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(versionCmd)
}

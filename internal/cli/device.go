package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/physiolink/sensorhub-cli/internal/simulator"
)

var (
	deviceServerAddr   string
	deviceID           string
	deviceCapabilities []string
	deviceCount        int
	deviceStatusEvery  string
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Run one or more simulated recording devices",
	Long: `Starts simulated devices that connect to a coordination server,
handshake with the given capabilities, acknowledge start/stop commands
and stream synthetic status, preview and file data.

Useful for development and demos without physical hardware.

Examples:
  sensorhub device --server 127.0.0.1:9000
  sensorhub device --id phone-01 --capability camera --capability gsr
  sensorhub device --count 4`,
	RunE: runDevice,
}

func init() {
	deviceCmd.Flags().StringVar(&deviceServerAddr, "server", "127.0.0.1:9000", "Coordination server address")
	deviceCmd.Flags().StringVar(&deviceID, "id", "", "Device ID (auto-generated if not provided)")
	deviceCmd.Flags().StringSliceVar(&deviceCapabilities, "capability", []string{"camera"}, "Declared capability (repeatable)")
	deviceCmd.Flags().IntVar(&deviceCount, "count", 1, "Number of simulated devices to run")
	deviceCmd.Flags().StringVar(&deviceStatusEvery, "status-interval", "2s", "Device status report interval")
}

func runDevice(cmd *cobra.Command, args []string) error {
	statusInterval, err := parseTimeout(deviceStatusEvery, 2*time.Second)
	if err != nil {
		return err
	}
	if deviceCount < 1 {
		return fmt.Errorf("--count must be at least 1")
	}
	if deviceCount > 1 && deviceID != "" {
		return fmt.Errorf("--id cannot be combined with --count > 1")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("received interrupt, disconnecting...")
		cancel()
	}()

	var wg sync.WaitGroup
	for i := 0; i < deviceCount; i++ {
		id := deviceID
		if deviceCount > 1 {
			id = fmt.Sprintf("sim-%02d", i+1)
		}
		sim := simulator.New(simulator.Config{
			ServerAddr:     deviceServerAddr,
			DeviceID:       id,
			Capabilities:   deviceCapabilities,
			StatusInterval: statusInterval,
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sim.Run(ctx); err != nil {
				log.Printf("device %s: %v", sim.DeviceID(), err)
			}
		}()
	}

	wg.Wait()
	return nil
}

package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/physiolink/sensorhub-cli/internal/protocol"
	"github.com/physiolink/sensorhub-cli/internal/timesync"
)

var (
	timesyncHost     string
	timesyncPort     int
	timesyncNTP      []string
	timesyncInterval string
	timesyncQuery    string
)

var timesyncCmd = &cobra.Command{
	Use:   "timesync",
	Short: "Run the time-synchronization service standalone",
	Long: `Starts just the time-synchronization service: a TCP endpoint that
answers time_sync_request messages with a precise server timestamp,
keeping itself aligned against upstream NTP servers in the background.

With --query the command acts as a client instead and prints one
response from a running service.

Examples:
  sensorhub timesync
  sensorhub timesync --port 9100 --ntp-server time.google.com
  sensorhub timesync --query 127.0.0.1:9001`,
	RunE: runTimesync,
}

func init() {
	timesyncCmd.Flags().StringVar(&timesyncHost, "host", "0.0.0.0", "Host address to bind to")
	timesyncCmd.Flags().IntVar(&timesyncPort, "port", 9001, "Port to listen on")
	timesyncCmd.Flags().StringSliceVar(&timesyncNTP, "ntp-server", nil, "Upstream NTP servers (repeatable)")
	timesyncCmd.Flags().StringVar(&timesyncInterval, "sync-interval", "5m", "Upstream synchronization interval")
	timesyncCmd.Flags().StringVar(&timesyncQuery, "query", "", "Query a running service at this address and exit")
}

func runTimesync(cmd *cobra.Command, args []string) error {
	if timesyncQuery != "" {
		resp, err := timesync.Query(timesyncQuery, "sensorhub-cli", 1, 5*time.Second)
		if err != nil {
			return err
		}
		fmt.Printf("server_time_ms:      %d\n", resp.ServerTimeMS)
		fmt.Printf("server_precision_ms: %.3f\n", resp.ServerPrecisionMS)
		if resp.NTPOffset != nil {
			fmt.Printf("ntp_offset_ms:       %.3f\n", *resp.NTPOffset)
		} else {
			fmt.Printf("ntp_offset_ms:       (unsynchronized, system clock)\n")
		}
		local := time.Now().UnixMilli()
		fmt.Printf("local_delta_ms:      %d\n", local-resp.ServerTimeMS)
		return nil
	}

	interval, err := parseTimeout(timesyncInterval, 5*time.Minute)
	if err != nil {
		return err
	}

	svc := timesync.NewService(timesync.Config{
		Host:         timesyncHost,
		Port:         timesyncPort,
		NTPServers:   timesyncNTP,
		SyncInterval: interval,
	})
	svc.AddCallback(func(resp protocol.TimeSyncResponse) {
		log.Printf("timesync: answered sequence %d", resp.Sequence)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("received interrupt, shutting down...")
		cancel()
	}()

	fmt.Printf("Time sync service on tcp://%s:%d\n", timesyncHost, timesyncPort)
	return svc.Start(ctx)
}

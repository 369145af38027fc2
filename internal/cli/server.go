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

	"github.com/physiolink/sensorhub-cli/internal/device"
	"github.com/physiolink/sensorhub-cli/internal/hub"
	"github.com/physiolink/sensorhub-cli/internal/session"
	"github.com/physiolink/sensorhub-cli/internal/timesync"
)

var (
	serverHost         string
	serverPort         int
	serverTimeSyncPort int
	serverMonitorPort  int
	serverSessionDir   string
	serverHandshake    string
	serverHeartbeat    string
	serverConfigFile   string
	serverNTPServers   []string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the device coordination server",
	Long: `Starts the coordination server, the time-synchronization service
and the monitor feed. Devices connect over TCP, handshake with their
identity and capabilities, and are then driven through session
start/stop commands.

Examples:
  sensorhub server
  sensorhub server --port 9000 --session-dir ./recordings
  sensorhub server --config sensorhub.yaml`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().StringVar(&serverHost, "host", "0.0.0.0", "Host address to bind to")
	serverCmd.Flags().IntVar(&serverPort, "port", 9000, "Coordination port")
	serverCmd.Flags().IntVar(&serverTimeSyncPort, "timesync-port", 9001, "Time synchronization port")
	serverCmd.Flags().IntVar(&serverMonitorPort, "monitor-port", 9002, "Monitor HTTP/WebSocket port")
	serverCmd.Flags().StringVar(&serverSessionDir, "session-dir", "sessions", "Directory for session folders")
	serverCmd.Flags().StringVar(&serverHandshake, "handshake-timeout", "10s", "Time allowed for a device handshake")
	serverCmd.Flags().StringVar(&serverHeartbeat, "heartbeat-timeout", "30s", "Silence threshold before a device is considered dead")
	serverCmd.Flags().StringVar(&serverConfigFile, "config", "", "YAML config file (flags provide defaults)")
	serverCmd.Flags().StringSliceVar(&serverNTPServers, "ntp-server", nil, "Upstream NTP servers (repeatable)")
}

func runServer(cmd *cobra.Command, args []string) error {
	if serverConfigFile != "" {
		cfg, err := LoadServerConfig(serverConfigFile)
		if err != nil {
			return err
		}
		applyServerConfig(cfg)
	}

	handshakeTimeout, err := parseTimeout(serverHandshake, 10*time.Second)
	if err != nil {
		return err
	}
	heartbeatTimeout, err := parseTimeout(serverHeartbeat, 30*time.Second)
	if err != nil {
		return err
	}

	registry := device.NewRegistry()
	sessions := session.NewManager(serverSessionDir)
	server := hub.NewServer(hub.Config{
		Host:             serverHost,
		Port:             serverPort,
		HandshakeTimeout: handshakeTimeout,
		HeartbeatTimeout: heartbeatTimeout,
	}, registry, sessions)

	timeService := timesync.NewService(timesync.Config{
		Host:       serverHost,
		Port:       serverTimeSyncPort,
		NTPServers: serverNTPServers,
	})

	monitor := hub.NewMonitor(serverHost, serverMonitorPort, func() any {
		status := map[string]any{
			"devices":  registry.Snapshot(),
			"totals":   registry.AggregateTotals(),
			"timesync": timeService.GetStatus(),
		}
		if current, ok := sessions.Current(); ok {
			status["session"] = current
		}
		return status
	})
	monitor.WatchRegistry(registry)
	server.SetMonitor(monitor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("received interrupt, shutting down gracefully...")
		cancel()
	}()

	fmt.Printf("SensorHub Coordination Server\n\n")
	fmt.Printf("Coordination: tcp://%s:%d\n", serverHost, serverPort)
	fmt.Printf("Time sync:    tcp://%s:%d\n", serverHost, serverTimeSyncPort)
	fmt.Printf("Monitor:      http://%s:%d\n", serverHost, serverMonitorPort)
	fmt.Printf("Sessions:     %s\n\n", serverSessionDir)

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(ctx); err != nil {
			errCh <- err
			cancel()
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := timeService.Start(ctx); err != nil {
			errCh <- err
			cancel()
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := monitor.Start(ctx); err != nil && err != context.Canceled {
			errCh <- err
			cancel()
		}
	}()

	wg.Wait()
	close(errCh)
	for err := range errCh {
		return err
	}

	fmt.Println("\nShutdown complete")
	return nil
}

func applyServerConfig(cfg *ServerConfig) {
	if cfg.Host != "" {
		serverHost = cfg.Host
	}
	if cfg.Port != 0 {
		serverPort = cfg.Port
	}
	if cfg.TimeSyncPort != 0 {
		serverTimeSyncPort = cfg.TimeSyncPort
	}
	if cfg.MonitorPort != 0 {
		serverMonitorPort = cfg.MonitorPort
	}
	if cfg.SessionDir != "" {
		serverSessionDir = cfg.SessionDir
	}
	if cfg.HandshakeTimeout != "" {
		serverHandshake = cfg.HandshakeTimeout
	}
	if cfg.HeartbeatTimeout != "" {
		serverHeartbeat = cfg.HeartbeatTimeout
	}
	if len(cfg.NTPServers) > 0 {
		serverNTPServers = cfg.NTPServers
	}
}

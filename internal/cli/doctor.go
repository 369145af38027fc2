package cli

import (
	"fmt"
	"net"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check environment and print connection info",
	Long:  `Validates the local environment, checks port availability, and provides connection examples.`,
	RunE:  runDoctor,
}

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Println("🏥 SensorHub Environment Check")

	// Check Go version
	fmt.Printf("Go Version:        %s\n", runtime.Version())
	fmt.Printf("OS/Arch:           %s/%s\n\n", runtime.GOOS, runtime.GOARCH)

	// Check session directory
	sessionDir := serverSessionDir
	if sessionDir == "" {
		sessionDir = "sessions"
	}
	if info, err := os.Stat(sessionDir); err == nil && info.IsDir() {
		fmt.Printf("✅ Session directory found: %s\n\n", sessionDir)
	} else {
		fmt.Printf("ℹ️  Session directory not present yet: %s (created on first session)\n\n", sessionDir)
	}

	// Check default port availability
	ports := map[string]int{
		"device server":     9000,
		"time sync service": 9001,
		"monitor":           9002,
	}
	for _, name := range []string{"device server", "time sync service", "monitor"} {
		port := ports[name]
		if isPortAvailable(port) {
			fmt.Printf("✅ Default %s port %d is available\n", name, port)
		} else {
			fmt.Printf("⚠️  Default %s port %d is in use\n", name, port)
		}
	}
	fmt.Println()

	// Print connection examples
	fmt.Println("📡 Connection Examples:")
	fmt.Println()

	fmt.Println("Device (length-prefixed JSON over TCP):")
	fmt.Println("  send: 4-byte big-endian payload length, then UTF-8 JSON")
	fmt.Println("  first message must be a handshake:")
	fmt.Println("    {\"type\": \"handshake\", \"timestamp\": 1700000000.0,")
	fmt.Println("     \"device_id\": \"android-01\", \"capabilities\": [\"rgb_video\"]}")
	fmt.Println()

	fmt.Println("Built-in simulator:")
	fmt.Println("  sensorhub device --server 127.0.0.1:9000 --count 2")
	fmt.Println()

	fmt.Println("Time sync query:")
	fmt.Println("  sensorhub timesync --query 127.0.0.1:9001")
	fmt.Println()

	fmt.Println("Monitor feed (WebSocket):")
	fmt.Println("  const ws = new WebSocket('ws://localhost:9002/events');")
	fmt.Println("  ws.onmessage = (event) => console.log(JSON.parse(event.data));")
	fmt.Println()

	fmt.Println("✅ Environment check complete")
	return nil
}

func isPortAvailable(port int) bool {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	listener.Close()
	return true
}

package main

import "github.com/physiolink/sensorhub-cli/internal/cli"

func main() {
	cli.Execute()
}

// MonoSync - real-time transform synchronization over UDP.
//
// The client subcommand streams the local peer's position and rotation to a
// relay and tracks the peers it hears back from. The relay subcommand fans
// every datagram out to the other registered peers, keeps a history of who
// came and went, exposes a monitor REST API and publishes telemetry via MQTT.
package main

import (
	"os"

	"github.com/monosync-project/monosync/cmd/monosync/cmd"
)

func main() {
	if err := cmd.Root.Execute(); err != nil {
		os.Exit(1)
	}
}

package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// RunSetupWizard asks for the client settings on first run and saves them.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	for {
		fmt.Fprintln(out, "MonoSync - First Run Setup")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "-- Relay --")

		client := cfg.GetClient()
		client.Address = promptString(reader, out, "Relay IP address", client.Address)
		client.Port = promptInt(reader, out, "Relay UDP port", client.Port)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "-- Streaming --")

		client.TickRateHz = promptInt(reader, out, "Transform updates per second", client.TickRateHz)
		client.PeerID = promptInt(reader, out, "Peer id (0-255, -1 for random)", client.PeerID)
		cfg.SetClient(client)

		app := cfg.GetApplicationData()
		app.MQTT.Enabled = promptBool(reader, out, "Enable MQTT telemetry", app.MQTT.Enabled)
		if app.MQTT.Enabled {
			app.MQTT.BrokerURL = promptString(reader, out, "MQTT broker host", app.MQTT.BrokerURL)
			app.MQTT.Port = promptInt(reader, out, "MQTT broker port", app.MQTT.Port)
		}
		cfg.SetApplicationData(app)

		result := Validate(cfg, ModeClient)
		if result.IsValid() {
			for _, w := range result.Warnings {
				log.Warn().Str("field", w.Field).Msg(w.Message)
			}
			break
		}

		fmt.Fprintln(out, "\nConfiguration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		retry := promptString(reader, out, "Would you like to try again? (yes/no)", "no")
		if strings.ToLower(retry) != "yes" {
			return fmt.Errorf("configuration validation failed")
		}
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Configuration saved.")
	fmt.Fprintln(out)
	return nil
}

func promptString(reader *bufio.Reader, out io.Writer, prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(out, "  %s: ", prompt)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func promptInt(reader *bufio.Reader, out io.Writer, prompt string, defaultVal int) int {
	fmt.Fprintf(out, "  %s [%d]: ", prompt, defaultVal)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func promptBool(reader *bufio.Reader, out io.Writer, prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultStr)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(strings.ToLower(input))

	if input == "" {
		return defaultVal
	}

	return input == "yes" || input == "y" || input == "true" || input == "1"
}

// Package cli implements the interactive console of a MonoSync client:
// connect and disconnect, move the local peer and inspect the peers it
// hears from.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/monosync-project/monosync/internal/config"
	"github.com/monosync-project/monosync/internal/events"
	"github.com/monosync-project/monosync/internal/protocol"
	"github.com/monosync-project/monosync/internal/session"
)

const prompt = "monosync> "

// errQuit ends the command loop.
var errQuit = errors.New("quit")

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	session  *session.Session
	in       io.Reader
	out      io.Writer
	logger   zerolog.Logger

	mu      sync.Mutex
	wg      sync.WaitGroup
	stopRun context.CancelFunc
}

// NewCLI creates a console for sess reading commands from in. bus may be nil.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, sess *session.Session, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		session:  sess,
		in:       in,
		out:      out,
		logger:   log.With().Str("component", "cli").Logger(),
	}
}

// Connect connects the session and starts its tick loop in the background.
func (c *CLI) Connect(ctx context.Context, address string, port int) error {
	if err := c.session.Connect(ctx, address, port); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.stopRun != nil {
		c.stopRun()
	}
	c.stopRun = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.session.Run(runCtx); err != nil {
			c.logger.Error().Err(err).Msg("session loop failed")
		}
	}()
	return nil
}

// Start reads commands until quit, EOF or ctx cancellation. On return the
// session has left and its loop has stopped.
func (c *CLI) Start(ctx context.Context) {
	c.printf("\nMonoSync client ready (peer %d). Type 'help' for available commands.\n", c.session.ID())
	c.printf("─────────────────────────────────────────────────────\n")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	defer c.shutdown()

	for {
		c.printf("%s", prompt)

		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = l
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])

		err := c.execute(ctx, cmd, parts[1:])
		if errors.Is(err, errQuit) {
			return
		}
		if err != nil {
			c.printf("Error: %v\n", err)
		}
	}
}

func (c *CLI) shutdown() {
	c.session.Leave()

	c.mu.Lock()
	if c.stopRun != nil {
		c.stopRun()
		c.stopRun = nil
	}
	c.mu.Unlock()

	c.wg.Wait()
}

// execute processes a single CLI command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "peers", "p":
		c.printPeers()
	case "connect":
		return c.cmdConnect(ctx, args)
	case "disconnect":
		return c.cmdDisconnect()
	case "move":
		return c.cmdMove(args)
	case "pos":
		return c.cmdPosition(args)
	case "rotate":
		return c.cmdRotate(args)
	case "send":
		return c.session.SendTransform()
	case "set":
		return c.cmdSet(args)
	case "quit", "exit", "q":
		c.printf("Shutting down MonoSync client...\n")
		if c.eventBus != nil {
			c.eventBus.Emit(ctx, events.Event{
				Type:   events.EventShutdown,
				Source: "cli",
			})
		}
		return errQuit
	default:
		c.printf("Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

// printHelp displays available commands.
func (c *CLI) printHelp() {
	c.printf("\n╔══════════════════════════════════════════════════════════════╗\n")
	c.printf("║                    MonoSync Client Commands                  ║\n")
	c.printf("╠══════════════════════════════════════════════════════════════╣\n")
	c.printf("║  status               Show connection and local transform    ║\n")
	c.printf("║  peers                List remote peers heard from           ║\n")
	c.printf("║  connect [addr port]  Connect (defaults from config)         ║\n")
	c.printf("║  disconnect           Announce leave and close the socket    ║\n")
	c.printf("║  move <dx> <dy> <dz>  Move the local position by a delta     ║\n")
	c.printf("║  pos <x> <y> <z>      Set the local position                 ║\n")
	c.printf("║  rotate <x> <y> <z>   Set the local rotation                 ║\n")
	c.printf("║  send                 Send the transform now                 ║\n")
	c.printf("║  set <key> <value>    Update a client config value           ║\n")
	c.printf("║  quit                 Leave and exit                         ║\n")
	c.printf("║  help                 Show this help message                 ║\n")
	c.printf("╚══════════════════════════════════════════════════════════════╝\n\n")
}

// printStatus shows the local peer.
func (c *CLI) printStatus() {
	client := c.session.Client()
	pos, rot := c.session.Transform()
	stats := client.Stats()

	remote := "-"
	if addr := client.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	local := "-"
	if addr := client.LocalAddr(); addr != nil {
		local = addr.String()
	}

	c.printf("\n  Peer ID:      %d\n", c.session.ID())
	c.printf("  Connected:    %v\n", client.IsConnected())
	c.printf("  Remote:       %s\n", remote)
	c.printf("  Local:        %s\n", local)
	c.printf("  Position:     %s\n", formatVector(pos))
	c.printf("  Rotation:     %s\n", formatVector(rot))
	c.printf("  Ticks sent:   %d\n", c.session.Ticks())
	c.printf("  Datagrams:    %d sent, %d received\n", stats.DatagramsSent, stats.DatagramsReceived)
	c.printf("  Bytes:        %d sent, %d received\n", stats.BytesSent, stats.BytesReceived)
	c.printf("  Remote peers: %d\n\n", c.session.Tracker().Count())
}

// printPeers displays remote peers in a formatted table.
func (c *CLI) printPeers() {
	peers := c.session.Tracker().All()
	if len(peers) == 0 {
		c.printf("No remote peers.\n")
		return
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })

	c.printf("\n")
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Peer", "Position", "Rotation", "Updates", "Last Seen"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	now := time.Now()
	for _, p := range peers {
		tw.Append([]string{
			strconv.Itoa(int(p.ID)),
			formatVector(p.Position),
			formatVector(p.Rotation),
			strconv.FormatUint(p.Updates, 10),
			now.Sub(p.LastSeen).Round(time.Millisecond).String() + " ago",
		})
	}

	tw.Render()
	c.printf("\n")
}

func (c *CLI) cmdConnect(ctx context.Context, args []string) error {
	clientCfg := c.cfg.GetClient()
	address, port := clientCfg.Address, clientCfg.Port

	if len(args) >= 1 {
		address = args[0]
	}
	if len(args) >= 2 {
		p, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid port: %s", args[1])
		}
		port = p
	}

	if err := c.Connect(ctx, address, port); err != nil {
		return err
	}
	c.printf("Connected to %s:%d as peer %d\n", address, port, c.session.ID())
	return nil
}

func (c *CLI) cmdDisconnect() error {
	if !c.session.Client().IsConnected() {
		return fmt.Errorf("not connected")
	}
	c.session.Leave()
	c.printf("Disconnected\n")
	return nil
}

func (c *CLI) cmdMove(args []string) error {
	delta, err := parseVector("move", args)
	if err != nil {
		return err
	}
	pos := c.session.Translate(delta)
	c.printf("Position: %s\n", formatVector(pos))
	return nil
}

func (c *CLI) cmdPosition(args []string) error {
	v, err := parseVector("pos", args)
	if err != nil {
		return err
	}
	c.session.SetPosition(v)
	c.printf("Position: %s\n", formatVector(v))
	return nil
}

func (c *CLI) cmdRotate(args []string) error {
	v, err := parseVector("rotate", args)
	if err != nil {
		return err
	}
	c.session.SetRotation(v)
	c.printf("Rotation: %s\n", formatVector(v))
	return nil
}

// cmdSet updates one client config field. Address, port and peer id apply
// on the next connect or restart.
func (c *CLI) cmdSet(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: set <key> <value>")
	}

	key := args[0]
	raw := strings.Join(args[1:], " ")

	var value interface{} = raw
	if n, err := strconv.Atoi(raw); err == nil {
		value = n
	}

	previous := c.cfg.GetClient()
	if err := c.cfg.UpdateField("client", key, value); err != nil {
		return err
	}

	result := config.Validate(c.cfg, config.ModeClient)
	if !result.IsValid() {
		c.cfg.SetClient(previous)
		return result.Errors[0]
	}

	if err := c.cfg.Save(); err != nil {
		return err
	}

	if c.eventBus != nil {
		c.eventBus.Emit(context.Background(), events.Event{
			Type:   events.EventConfigChanged,
			Source: "cli",
			Payload: events.ConfigChangedPayload{
				Section: "client",
				Key:     key,
				Value:   value,
			},
		})
	}

	c.printf("Config updated: %s = %s\n", key, raw)
	return nil
}

func (c *CLI) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.out, format, args...)
}

func parseVector(cmd string, args []string) (protocol.Vector3, error) {
	if len(args) != 3 {
		return protocol.Vector3{}, fmt.Errorf("usage: %s <x> <y> <z>", cmd)
	}

	var xyz [3]float32
	for i, a := range args {
		f, err := strconv.ParseFloat(a, 32)
		if err != nil {
			return protocol.Vector3{}, fmt.Errorf("invalid number: %s", a)
		}
		xyz[i] = float32(f)
	}
	return protocol.Vector3{X: xyz[0], Y: xyz[1], Z: xyz[2]}, nil
}

func formatVector(v protocol.Vector3) string {
	return fmt.Sprintf("(%.2f, %.2f, %.2f)", v.X, v.Y, v.Z)
}

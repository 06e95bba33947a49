package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bit2swaz/afetmesh/internal/envelope"
	"github.com/spf13/cobra"
)

var (
	botInterval time.Duration
	botCount    int
	botSOS      bool
	botLinger   time.Duration
)

// botCmd runs a headless node that keeps announcing itself, which is handy
// for exercising a mesh of real nodes from a second terminal.
var botCmd = &cobra.Command{
	Use:   "bot",
	Short: "Run a headless node that publishes status pings",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("port") {
			cfg.Radio.Port = 0
		}
		if !cmd.Flags().Changed("discovery-port") && cfg.Radio.DiscoveryPort == 9000 {
			cfg.Radio.DiscoveryPort = 9001
		}
		if !cmd.Flags().Changed("nick") && cfg.Node.Name == "Anonymous" {
			cfg.Node.Name = "TestBot"
		}
		cfg.Web.Enabled = false

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		n, err := openNode(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			cancel()
			n.Close()
		}()
		go n.record(ctx, n.eng.Subscribe())

		if err := n.Start(ctx); err != nil {
			return err
		}
		fmt.Printf("Bot %s started as %q\n", shortID(n.id.NodeID), cfg.Node.Name)

		if botSOS {
			crit := envelope.PriorityCritical
			r, err := envelope.BuildHelpRequest(envelope.Fields{
				Location: cfg.Location(),
				Priority: &crit,
				Note:     "bot SOS",
			})
			if err != nil {
				return err
			}
			if err := n.eng.Publish(r); err != nil {
				return err
			}
			fmt.Println("Published SOS", r.ID)
		}

		ticker := time.NewTicker(botInterval)
		defer ticker.Stop()
		for sent := 0; botCount == 0 || sent < botCount; {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				r, err := envelope.BuildStatusPing(envelope.Fields{
					Location: cfg.Location(),
					Note:     cfg.Node.Name,
				})
				if err != nil {
					return err
				}
				if err := n.eng.Publish(r); err != nil {
					slog.Error("Failed to publish", "error", err)
					continue
				}
				sent++
				st := n.eng.Stats()
				fmt.Printf("Ping %d queued (peers %d, queued %d)\n", sent, st.Connected, st.Queued)
			}
		}

		// Give the queue a chance to drain before leaving.
		fmt.Println("Bot shutting down...")
		select {
		case <-ctx.Done():
		case <-time.After(botLinger):
		}
		return nil
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	botCmd.Flags().IntP("port", "p", 0, "TCP port for mesh links (0 picks a free one)")
	botCmd.Flags().StringP("nick", "n", "TestBot", "Nickname")
	botCmd.Flags().String("radio", "lan", "Radio to use: lan or sim")
	botCmd.Flags().Int("discovery-port", 9001, "UDP port to listen for beacons on")
	botCmd.Flags().DurationVar(&botInterval, "interval", 10*time.Second, "Time between status pings")
	botCmd.Flags().IntVar(&botCount, "count", 0, "Number of pings to send, 0 runs until interrupted")
	botCmd.Flags().BoolVar(&botSOS, "sos", false, "Publish one critical help request on start")
	botCmd.Flags().DurationVar(&botLinger, "linger", 5*time.Second, "How long to stay up after the last ping")
}

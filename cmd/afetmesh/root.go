package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bit2swaz/afetmesh/internal/config"
	"github.com/bit2swaz/afetmesh/internal/core"
	"github.com/bit2swaz/afetmesh/internal/logger"
	"github.com/bit2swaz/afetmesh/internal/tui"
	"github.com/bit2swaz/afetmesh/internal/uplink"
	"github.com/bit2swaz/afetmesh/internal/web"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	v       = config.NewViper()
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "afetmesh",
	Short:         "AfetMesh disaster relay node",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		for name, key := range flagKeys {
			if f := cmd.Flags().Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return err
				}
			}
		}
		if err := config.LoadConfig(v, cfgFile); err != nil {
			return err
		}
		c, err := config.ParseConfig(v)
		if err != nil {
			return err
		}
		cfg = c
		if err := os.MkdirAll(cfg.Node.DataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data dir: %w", err)
		}
		return logger.Init(cfg.Path(cfg.Log.File), cfg.Log.Level)
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a relay node",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Moving the radio port without touching the web port shifts the web
		// port by the same offset so several nodes can share a machine.
		if cfg.Radio.Port != 9000 && cfg.Radio.Port != 0 && !cmd.Flags().Changed("web-port") && cfg.Web.Port == 8080 {
			cfg.Web.Port = 8080 + cfg.Radio.Port - 9000
			fmt.Printf("Auto-adjusting Web Port to %d (to match radio port offset)\n", cfg.Web.Port)
		}
		if cfg.Radio.Kind == "lan" && cfg.Radio.Port != 0 {
			if err := checkPort(cfg.Radio.Port); err != nil {
				return fmt.Errorf("radio port %d is already in use", cfg.Radio.Port)
			}
		}
		if cfg.Web.Enabled {
			if err := checkPort(cfg.Web.Port); err != nil {
				return fmt.Errorf("web port %d is already in use", cfg.Web.Port)
			}
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		slog.Info("Starting AfetMesh", "radio", cfg.Radio.Kind, "port", cfg.Radio.Port, "nick", cfg.Node.Name)
		n, err := openNode(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			cancel()
			n.Close()
		}()

		sub := n.eng.Subscribe()
		sink := n.eng.Subscribe()
		go n.record(ctx, sink)

		if cfg.Uplink.Webhook != "" {
			slog.Info("Initializing Uplink Service", "webhook", "REDACTED")
			up := n.eng.Subscribe()
			uplink.NewService(cfg.Uplink.Webhook, cfg.Uplink.Timeout).Start(ctx, up.MessageReceived)
		}

		if err := n.Start(ctx); err != nil {
			return fmt.Errorf("failed to start engine: %w", err)
		}

		if cfg.Web.Enabled {
			webSrv := web.NewServer(n.db, n.eng, cfg.Web.Port)
			go func() {
				if err := webSrv.Start(ctx); err != nil {
					slog.Error("Web server failed", "error", err)
					cancel()
				}
			}()
			printJoinQR(cfg.Web.Port)
		}

		if cfg.Node.Headless {
			slog.Info("Running in HEADLESS mode (No TUI)")
			fmt.Println("Running headless, press Ctrl+C to stop")
			<-ctx.Done()
			return nil
		}
		return tui.StartTUI(n.db, n.eng, sub.MessageReceived, tui.Options{
			Nick:     cfg.Node.Name,
			Location: cfg.Location(),
			Version:  version,
		})
	},
}

var (
	keygenOut   string
	keygenForce bool
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Write a new node identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := keygenOut
		if path == "" {
			path = cfg.Path(identityFile)
		}
		if _, err := os.Stat(path); err == nil && !keygenForce {
			return fmt.Errorf("%s exists, use --force to replace it", path)
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		id, err := core.GenerateIdentity()
		if err != nil {
			return err
		}
		if err := core.SaveIdentity(path, id); err != nil {
			return err
		}
		fmt.Printf("Node ID:    %s\nPublic key: %s\nWritten to: %s\n", id.NodeID, id.PubKey, path)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("afetmesh", version)
	},
}

func printJoinQR(webPort int) {
	ip, _ := outboundIP()
	url := fmt.Sprintf("http://%s:%d", ip, webPort)
	qr, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		slog.Warn("Failed to render QR code", "error", err)
		return
	}
	fmt.Println("\nSCAN TO OPEN DASHBOARD:")
	fmt.Println(qr.ToString(false))
	fmt.Println("URL:", url)
}

// flagKeys maps command line flags onto config keys. Only the flags of the
// command being run are bound.
var flagKeys = map[string]string{
	"data-dir":        "node.data_dir",
	"nick":            "node.name",
	"headless":        "node.headless",
	"port":            "radio.port",
	"radio":           "radio.kind",
	"discovery-port":  "radio.discovery_port",
	"web-port":        "web.port",
	"discord-webhook": "uplink.webhook",
	"log-level":       "log.level",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().String("data-dir", ".afetmesh", "Directory for the database, identity and logs")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn or error")

	startCmd.Flags().IntP("port", "p", 9000, "TCP port for mesh links")
	startCmd.Flags().IntP("web-port", "w", 8080, "Web interface port")
	startCmd.Flags().StringP("nick", "n", "Anonymous", "Nickname")
	startCmd.Flags().String("radio", "lan", "Radio to use: lan or sim")
	startCmd.Flags().Int("discovery-port", 9000, "UDP port to listen for beacons on")
	startCmd.Flags().String("discord-webhook", "", "Discord Webhook URL for Uplink Service")
	startCmd.Flags().Bool("headless", false, "Run without the dashboard")

	keygenCmd.Flags().StringVarP(&keygenOut, "out", "o", "", "Identity file (default <data-dir>/identity.json)")
	keygenCmd.Flags().BoolVar(&keygenForce, "force", false, "Replace an existing identity")

	rootCmd.AddCommand(startCmd, botCmd, keygenCmd, versionCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

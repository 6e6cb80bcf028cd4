// Package main provides the CLI entry point for the Burrow broker daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/burrownet/burrow/internal/broker"
	"github.com/burrownet/burrow/internal/config"
	"github.com/burrownet/burrow/internal/control"
	"github.com/burrownet/burrow/internal/logging"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "burrowd",
		Short: "Burrow - Overlay tunnel broker",
		Long: `Burrow is an overlay tunnel broker. Edge peers dial in over QUIC or
WebSocket, authenticate, and expose named services; the broker routes
logical streams between tunnels, bridging requesters to whichever
tunnel currently owns the requested service name.`,
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(servicesCmd())
	rootCmd.AddCommand(drainCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the broker",
		Long:  "Start the broker with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Broker.LogLevel, cfg.Broker.LogFormat)

			b, err := broker.New(cfg, logger, nil)
			if err != nil {
				return fmt.Errorf("failed to create broker: %w", err)
			}

			if err := b.Start(); err != nil {
				return fmt.Errorf("failed to start broker: %w", err)
			}

			for _, addr := range b.ListenerAddrs() {
				fmt.Printf("Listening on %s (%s)\n", addr.String(), addr.Network())
			}
			if cfg.Health.Enabled {
				fmt.Printf("Health endpoints: http://%s\n", cfg.Health.Address)
			}
			if cfg.Control.Enabled {
				fmt.Printf("Control socket: %s\n", cfg.Control.SocketPath)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			if err := b.Stop(); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Broker stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./burrowd.yaml", "Path to configuration file")

	return cmd
}

func checkCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration file",
		Long:  "Parse and validate the configuration, then print it with secrets redacted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Print(cfg.String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./burrowd.yaml", "Path to configuration file")

	return cmd
}

func statusCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show broker status",
		Long:  "Display the status of the running broker via its control socket.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := control.NewClient(socketPath)
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			status, err := client.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to query broker: %w", err)
			}

			fmt.Printf("Running:       %v\n", status.Running)
			fmt.Printf("Uptime:        %s\n", status.Uptime)
			fmt.Printf("Sessions:      %d\n", status.SessionCount)
			fmt.Printf("Services:      %d\n", status.ServiceCount)
			fmt.Printf("Bytes bridged: %s\n", status.BytesCopied)
			return nil
		},
	}

	addSocketFlag(cmd, &socketPath)

	return cmd
}

func sessionsCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions",
		Long:  "Display every live tunnel session on the running broker.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := control.NewClient(socketPath)
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			sessions, err := client.Sessions(ctx)
			if err != nil {
				return fmt.Errorf("failed to query broker: %w", err)
			}

			if len(sessions.Sessions) == 0 {
				fmt.Println("No live sessions.")
				return nil
			}
			for _, s := range sessions.Sessions {
				fmt.Printf("%s  %-9s %-5s %-10s routes=%d age=%s %s\n",
					s.ID, s.State, s.Transport, s.Principal,
					s.ActiveRoutes, s.Age, strings.Join(s.Services, ","))
			}
			return nil
		},
	}

	addSocketFlag(cmd, &socketPath)

	return cmd
}

func servicesCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "services",
		Short: "List registered services",
		Long:  "Display every registered service name and its owning session.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := control.NewClient(socketPath)
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			services, err := client.Services(ctx)
			if err != nil {
				return fmt.Errorf("failed to query broker: %w", err)
			}

			if len(services.Services) == 0 {
				fmt.Println("No registered services.")
				return nil
			}
			for _, svc := range services.Services {
				fmt.Printf("%-30s %s (%s)\n", svc.Name, svc.SessionID, svc.Principal)
			}
			return nil
		},
	}

	addSocketFlag(cmd, &socketPath)

	return cmd
}

func drainCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "drain <session-id>",
		Short: "Drain a session",
		Long:  "Ask the broker to gracefully drain one session by its full ID.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := control.NewClient(socketPath)
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			drain, err := client.Drain(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Draining session %s\n", drain.Session)
			return nil
		},
	}

	addSocketFlag(cmd, &socketPath)

	return cmd
}

func addSocketFlag(cmd *cobra.Command, socketPath *string) {
	cmd.Flags().StringVarP(socketPath, "socket", "s", "/var/run/burrowd.sock", "Path to the broker control socket")
}

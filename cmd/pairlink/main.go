// Package main provides the CLI entry point for the PairLink relay.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/coinstash/pairlink/internal/bridge"
	"github.com/coinstash/pairlink/internal/broker"
	"github.com/coinstash/pairlink/internal/config"
	"github.com/coinstash/pairlink/internal/gateway"
	"github.com/coinstash/pairlink/internal/keyring"
	"github.com/coinstash/pairlink/internal/logging"
	"github.com/coinstash/pairlink/internal/peer"
	"github.com/coinstash/pairlink/internal/protocol"
	"github.com/coinstash/pairlink/internal/token"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pairlink",
		Short: "PairLink - Pairing relay with end-to-end encrypted bridging",
		Long: `PairLink pairs an application with a bridge through a relay broker.

Peers register under a short-lived pairing token, agree on a shared
key with X25519, and exchange sealed frames the broker cannot read.
The bridge side forwards decrypted commands to an upstream gateway
and relays gateway events back to the application.`,
		Version: Version,
	}

	// Add subcommands
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(brokerCmd())
	rootCmd.AddCommand(bridgeCmd())
	rootCmd.AddCommand(appCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize peer identity",
		Long:  "Initialize a peer by creating the data directory and generating an X25519 keypair.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, pub, created, err := keyring.LoadOrCreateKeyPair(dataDir)
			if err != nil {
				return fmt.Errorf("failed to initialize peer: %w", err)
			}

			if created {
				fmt.Printf("Peer initialized in %s\n", dataDir)
			} else {
				fmt.Printf("Peer already initialized in %s\n", dataDir)
			}
			fmt.Printf("Public key: %s\n", hex.EncodeToString(pub[:]))
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for persistent state")

	return cmd
}

func brokerCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run the relay broker",
		Long:  "Start the relay broker with token issuance, pairing and frame forwarding.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			// The registry consults the broker's group ceiling before
			// issuing, so wire the admission check through a closure.
			var b *broker.Broker
			registry := token.NewRegistry(token.RegistryConfig{
				TTL:           cfg.Broker.Token.TTL,
				SweepInterval: cfg.Broker.Token.SweepInterval,
				IssueRate:     cfg.Broker.Token.IssueRate,
				IssueBurst:    cfg.Broker.Token.IssueBurst,
				Admission: func() bool {
					return b.Admission()
				},
				Logger: logger,
			})

			b = broker.New(broker.Config{
				MaxGroups:        cfg.Broker.MaxGroups,
				HeartbeatTimeout: cfg.Broker.HeartbeatTimeout,
				SweepInterval:    cfg.Broker.SweepInterval,
				Logger:           logger,
			}, registry)

			srv := broker.NewServer(broker.ServerConfig{
				Address:      cfg.Broker.Address,
				Path:         cfg.Broker.Path,
				ReadTimeout:  cfg.Broker.ReadTimeout,
				WriteTimeout: cfg.Broker.WriteTimeout,
				Logger:       logger,
			}, b, registry)

			registry.Start()
			b.Start()
			if err := srv.Start(); err != nil {
				return fmt.Errorf("failed to start broker: %w", err)
			}

			fmt.Printf("Broker listening on %s%s\n", cfg.Broker.Address, cfg.Broker.Path)
			fmt.Printf("Group ceiling: %d, heartbeat timeout: %s\n",
				cfg.Broker.MaxGroups, cfg.Broker.HeartbeatTimeout)

			waitForSignal()

			if err := srv.Stop(); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
			}
			b.Stop()
			registry.Stop()

			fmt.Println("Broker stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func bridgeCmd() *cobra.Command {
	var configPath string
	var tokenSecret string

	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Run the bridge peer",
		Long:  "Connect to the broker as the bridge role and forward traffic to the upstream gateway.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			ring, err := loadKeyring(cfg.Peer.DataDir)
			if err != nil {
				return err
			}

			p, err := peer.New(peer.Config{
				BrokerURL:    cfg.Peer.BrokerURL,
				Token:        tokenSecret,
				Role:         protocol.RoleBridge,
				Keyring:      ring,
				PingInterval: cfg.Peer.PingInterval,
				Backoff: peer.BackoffConfig{
					InitialDelay: cfg.Peer.Reconnect.InitialDelay,
					MaxDelay:     cfg.Peer.Reconnect.MaxDelay,
					Multiplier:   cfg.Peer.Reconnect.Multiplier,
					Jitter:       cfg.Peer.Reconnect.Jitter,
				},
				Logger: logger,
			})
			if err != nil {
				return fmt.Errorf("failed to create peer: %w", err)
			}

			gw := gateway.NewClient(gateway.Config{
				URL:            cfg.Upstream.URL,
				RequestTimeout: cfg.Upstream.RequestTimeout,
				Logger:         logger,
			})

			br := bridge.New(p, gw, logger)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err = br.Start(ctx)
			cancel()
			if err != nil {
				return fmt.Errorf("failed to start bridge: %w", err)
			}

			fmt.Printf("Bridge connected to %s\n", cfg.Upstream.URL)
			fmt.Printf("Pairing via %s\n", cfg.Peer.BrokerURL)

			waitForSignal()

			br.Stop()
			fmt.Println("Bridge stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().StringVarP(&tokenSecret, "token", "t", "", "Pairing token from the broker")
	cmd.MarkFlagRequired("token")

	return cmd
}

func appCmd() *cobra.Command {
	var configPath string
	var tokenSecret string

	cmd := &cobra.Command{
		Use:   "app",
		Short: "Run an app peer",
		Long:  "Connect to the broker as the app role and print decrypted messages from the bridge.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			ring, err := loadKeyring(cfg.Peer.DataDir)
			if err != nil {
				return err
			}

			p, err := peer.New(peer.Config{
				BrokerURL:    cfg.Peer.BrokerURL,
				Token:        tokenSecret,
				Role:         protocol.RoleApp,
				Keyring:      ring,
				PingInterval: cfg.Peer.PingInterval,
				Backoff: peer.BackoffConfig{
					InitialDelay: cfg.Peer.Reconnect.InitialDelay,
					MaxDelay:     cfg.Peer.Reconnect.MaxDelay,
					Multiplier:   cfg.Peer.Reconnect.Multiplier,
					Jitter:       cfg.Peer.Reconnect.Jitter,
				},
				Logger: logger,
			})
			if err != nil {
				return fmt.Errorf("failed to create peer: %w", err)
			}

			p.OnStateChange(func(s peer.State) {
				fmt.Printf("State: %s\n", s)
				if s == peer.StatePaired {
					// Ask the bridge for its status once pairing lands.
					req, _ := json.Marshal(bridge.Command{ID: "1", Method: bridge.MethodStatus})
					if err := p.SendEncrypted(req); err != nil {
						fmt.Printf("Status request failed: %v\n", err)
					}
				}
			})
			p.OnMessage(func(data []byte) {
				fmt.Printf("<- %s\n", data)
			})
			p.OnError(func(err error) {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			})

			if err := p.Start(); err != nil {
				return fmt.Errorf("failed to start peer: %w", err)
			}

			fmt.Printf("Pairing via %s\n", cfg.Peer.BrokerURL)

			waitForSignal()

			p.Stop()
			fmt.Println("App peer stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().StringVarP(&tokenSecret, "token", "t", "", "Pairing token from the broker")
	cmd.MarkFlagRequired("token")

	return cmd
}

func tokenCmd() *cobra.Command {
	var brokerURL string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a pairing token",
		Long:  "Request a fresh pairing token from a running broker.",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequest(http.MethodPost, brokerURL+"/v1/tokens", nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("failed to reach broker: %w", err)
			}
			defer resp.Body.Close()

			switch resp.StatusCode {
			case http.StatusCreated:
			case http.StatusTooManyRequests:
				return fmt.Errorf("broker is rate limiting token issuance, retry shortly")
			case http.StatusServiceUnavailable:
				return fmt.Errorf("broker is at capacity")
			default:
				return fmt.Errorf("unexpected broker response: %s", resp.Status)
			}

			var body broker.IssueTokenResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}

			fmt.Printf("Token:   %s\n", body.Token)
			fmt.Printf("Expires: %s (%s)\n", body.ExpiresAt.Format(time.RFC3339), humanize.Time(body.ExpiresAt))
			return nil
		},
	}

	cmd.Flags().StringVarP(&brokerURL, "broker", "b", "http://127.0.0.1:8443", "Broker HTTP base URL")

	return cmd
}

func statusCmd() *cobra.Command {
	var brokerURL string

	cmd := &cobra.Command{
		Use:   "status <token>",
		Short: "Show pairing status for a token",
		Long:  "Query a running broker for the pairing status of a token.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(brokerURL + "/v1/tokens/" + args[0])
			if err != nil {
				return fmt.Errorf("failed to reach broker: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode == http.StatusNotFound {
				return fmt.Errorf("token not found or expired")
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unexpected broker response: %s", resp.Status)
			}

			var body broker.TokenStatusResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}

			fmt.Printf("Paired:           %v\n", body.Paired)
			fmt.Printf("App connected:    %v\n", body.AppConnected)
			fmt.Printf("Bridge connected: %v\n", body.BridgeConnected)
			if !body.Paired {
				fmt.Printf("Expires:          %s (%s)\n",
					body.ExpiresAt.Format(time.RFC3339), humanize.Time(body.ExpiresAt))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&brokerURL, "broker", "b", "http://127.0.0.1:8443", "Broker HTTP base URL")

	return cmd
}

// loadConfig reads configPath if it exists, otherwise falls back to
// defaults so the binaries run out of the box.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func loadKeyring(dataDir string) (*keyring.Keyring, error) {
	priv, pub, _, err := keyring.LoadOrCreateKeyPair(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load keypair: %w", err)
	}
	return keyring.New(priv, pub), nil
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
}

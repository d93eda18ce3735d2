package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/medtrail/medtrail/internal/alert"
	"github.com/medtrail/medtrail/internal/audit"
	"github.com/medtrail/medtrail/internal/config"
	"github.com/medtrail/medtrail/internal/consensus"
	"github.com/medtrail/medtrail/internal/events"
	"github.com/medtrail/medtrail/internal/ledger"
	"github.com/medtrail/medtrail/internal/mirror"
	"github.com/medtrail/medtrail/internal/nonce"
	"github.com/medtrail/medtrail/internal/pipeline"
	"github.com/medtrail/medtrail/internal/reconcile"
	"github.com/medtrail/medtrail/internal/signer"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "medtrail",
	Short: "Medtrail - Ledger-Backed Shipment Audit Trail",
	Long:  `An append-only audit trail for medicine shipments, anchored on a ledger with a local read mirror`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "medtrail.yaml", "config file path")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(notesCmd)
	rootCmd.AddCommand(getCmd)
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func openMirror(ctx context.Context, cfg *config.Config) (mirror.Store, error) {
	switch cfg.Mirror.Backend {
	case "postgres":
		return mirror.NewPostgresStore(ctx, cfg.Mirror.DSN)
	default:
		return mirror.NewBoltStore(cfg.Mirror.Path)
	}
}

// startConsensus joins (or bootstraps) the raft cluster so confirmed
// summaries replicate into every replica's mirror.
func startConsensus(cfg *config.Config, store mirror.Store) (*consensus.Node, error) {
	raftNode, err := consensus.NewNode(&consensus.NodeConfig{
		NodeID:    cfg.Node.ID,
		BindAddr:  cfg.Node.BindAddr,
		DataDir:   cfg.Node.DataDir,
		Bootstrap: cfg.Node.Bootstrap,
		Peers:     cfg.Node.Peers,
		PeerAddrs: cfg.Node.PeerAddrs,
	}, store)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft node: %w", err)
	}

	if err := raftNode.Start(); err != nil {
		return nil, fmt.Errorf("failed to start raft node: %w", err)
	}

	return raftNode, nil
}

// buildService wires the full write and read path: RPC client, signer,
// sequencer, pipeline, reconciler, audit service. When node.bind_addr is
// set, consensus is started too: mirror updates route through the raft FSM
// and writes are gated on leadership. The returned node (nil in single-node
// mode) must be stopped by the caller.
func buildService(ctx context.Context, cfg *config.Config, store mirror.Store, logger *slog.Logger) (*audit.Service, *consensus.Node, error) {
	sgn, err := signer.Load(cfg.Ledger.KeyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	client := ledger.NewRPCClient(cfg.Ledger.RPCURL)
	sequencer := nonce.NewSequencer(client)

	pipe := pipeline.New(client, sgn, sequencer, logger, pipeline.Config{
		ConfirmAttempts: cfg.Ledger.ConfirmAttempts,
		ConfirmInterval: cfg.Ledger.ConfirmIntervalDuration(),
	})

	reconciler := reconcile.New(store, logger)

	var raftNode *consensus.Node
	if cfg.Node.BindAddr != "" {
		raftNode, err = startConsensus(cfg, store)
		if err != nil {
			return nil, nil, err
		}
		reconciler.SetApplier(raftNode)
	}

	if cfg.Events.BrokerURL != "" {
		reconciler.SetPublisher(events.NewKafkaPublisher(cfg.Events.BrokerURL, cfg.Events.Topic))
	}

	svc := audit.NewService(client, pipe, reconciler, logger)

	if raftNode != nil {
		svc.SetLeadership(raftNode)
	}

	if cfg.Alerts.Enabled {
		am := alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook)
		reconciler.SetAlertManager(am)
		svc.SetAlertManager(am)
	}

	return svc, raftNode, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("medtrail v0.1.0-alpha")
		fmt.Println("Ledger-Backed Shipment Audit Trail")
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize medtrail node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		var sgn *signer.Signer
		if _, err := os.Stat(cfg.Ledger.KeyFile); os.IsNotExist(err) {
			sgn, err = signer.Generate(cfg.Ledger.KeyFile)
			if err != nil {
				return fmt.Errorf("failed to generate signing key: %w", err)
			}
			fmt.Printf("Generated signing key: %s\n", cfg.Ledger.KeyFile)
		} else {
			sgn, err = signer.Load(cfg.Ledger.KeyFile)
			if err != nil {
				return fmt.Errorf("failed to load signing key: %w", err)
			}
		}

		if cfg.Mirror.Backend == "bolt" {
			store, err := mirror.NewBoltStore(cfg.Mirror.Path)
			if err != nil {
				return fmt.Errorf("failed to initialize mirror: %w", err)
			}
			defer store.Close()

			if err := store.SetMetadata("node_id", cfg.Node.ID); err != nil {
				return fmt.Errorf("failed to write metadata: %w", err)
			}
			if err := store.SetMetadata("initialized_at", time.Now().Format(time.RFC3339)); err != nil {
				return fmt.Errorf("failed to write metadata: %w", err)
			}
		}

		fmt.Printf("Initialized medtrail node: %s\n", cfg.Node.ID)
		fmt.Printf("Signer address: %s\n", sgn.Address())
		fmt.Printf("Data directory: %s\n", cfg.Node.DataDir)
		fmt.Printf("Mirror backend: %s\n", cfg.Mirror.Backend)

		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start medtrail node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		store, err := openMirror(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open mirror: %w", err)
		}
		defer store.Close()

		// Fail fast on a bad key file before joining the cluster.
		sgn, err := signer.Load(cfg.Ledger.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to load signing key: %w", err)
		}

		fmt.Printf("Starting medtrail node: %s\n", cfg.Node.ID)
		fmt.Printf("Signer address: %s\n", sgn.Address())
		fmt.Printf("Ledger endpoint: %s\n", cfg.Ledger.RPCURL)

		if cfg.Node.BindAddr != "" {
			fmt.Println("Starting Raft consensus...")
			raftNode, err := startConsensus(cfg, store)
			if err != nil {
				return err
			}
			defer raftNode.Stop()

			fmt.Printf("Raft node started, leader: %s\n", raftNode.Leader())
		} else {
			fmt.Println("Running in single-node mode (no Raft)")
		}

		fmt.Println("Medtrail node is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display node status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Printf("Node ID: %s\n", cfg.Node.ID)
		fmt.Printf("Data Directory: %s\n", cfg.Node.DataDir)
		fmt.Printf("Ledger endpoint: %s\n", cfg.Ledger.RPCURL)
		fmt.Printf("Mirror backend: %s\n", cfg.Mirror.Backend)

		if cfg.Mirror.Backend == "bolt" {
			store, err := mirror.NewBoltStore(cfg.Mirror.Path)
			if err != nil {
				return fmt.Errorf("failed to open mirror: %w", err)
			}
			defer store.Close()

			if initialized, err := store.GetMetadata("initialized_at"); err == nil {
				fmt.Printf("Initialized: %s\n", initialized)
			} else {
				fmt.Println("Not initialized (run `medtrail init`)")
			}
		}

		return nil
	},
}

var createCmd = &cobra.Command{
	Use:   "create [tracking-id] [medicine] [sender] [receiver]",
	Short: "Register a new shipment on the ledger",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *audit.Service) error {
			receipt, err := svc.CreateShipment(ctx, args[0], args[1], args[2], args[3])
			if err != nil {
				return err
			}

			fmt.Printf("Shipment created: %s\n", receipt.TrackingID)
			fmt.Printf("Transaction: %s (block %d)\n", receipt.TxHash, receipt.BlockNumber)
			return nil
		})
	},
}

var appendCmd = &cobra.Command{
	Use:   "append [tracking-id] [status] [note]",
	Short: "Append a status note to a shipment",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *audit.Service) error {
			receipt, err := svc.AppendNote(ctx, args[0], args[1], args[2])
			if err != nil {
				return err
			}

			fmt.Printf("Note confirmed: %s -> %s\n", receipt.TrackingID, receipt.Status)
			fmt.Printf("Transaction: %s (block %d)\n", receipt.TxHash, receipt.BlockNumber)
			return nil
		})
	},
}

var notesCmd = &cobra.Command{
	Use:   "notes [tracking-id]",
	Short: "List the audit trail of a shipment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *audit.Service) error {
			result, err := svc.ListNotes(ctx, args[0])
			if err != nil {
				return err
			}

			if result.Degraded {
				fmt.Println("⚠ Ledger unreachable, serving mirrored summary (may be stale)")
				fmt.Printf("  %s: %s (last tx %s)\n",
					result.Summary.TrackingID, result.Summary.Status, result.Summary.LastTxHash)
				return nil
			}

			if len(result.Notes) == 0 {
				fmt.Println("No notes yet")
				return nil
			}

			for i, note := range result.Notes {
				fmt.Printf("%d. [%s] %s — %s (tx %s)\n",
					i+1, note.Timestamp.Format(time.RFC3339), note.Status, note.Note, note.TxHash)
			}
			return nil
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get [tracking-id]",
	Short: "Show a shipment summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *audit.Service) error {
			result, err := svc.GetShipment(ctx, args[0])
			if err != nil {
				return err
			}

			if result.Degraded {
				fmt.Println("⚠ Ledger unreachable, serving mirrored summary (may be stale)")
				fmt.Printf("Tracking ID: %s\n", result.Summary.TrackingID)
				fmt.Printf("Medicine: %s\n", result.Summary.Medicine)
				fmt.Printf("Status: %s\n", result.Summary.Status)
				fmt.Printf("Last transaction: %s\n", result.Summary.LastTxHash)
				return nil
			}

			fmt.Printf("Tracking ID: %s\n", result.Shipment.TrackingID)
			fmt.Printf("Medicine: %s\n", result.Shipment.Medicine)
			fmt.Printf("Sender: %s\n", result.Shipment.Sender)
			fmt.Printf("Receiver: %s\n", result.Shipment.Receiver)
			fmt.Printf("Status: %s\n", result.Shipment.Status)
			fmt.Printf("Last transaction: %s\n", result.Shipment.LastTxHash)
			return nil
		})
	},
}

// withService assembles the service from config for a one-shot command.
func withService(fn func(context.Context, *audit.Service) error) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openMirror(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open mirror: %w", err)
	}
	defer store.Close()

	svc, raftNode, err := buildService(ctx, cfg, store, newLogger())
	if err != nil {
		return err
	}
	if raftNode != nil {
		defer raftNode.Stop()
	}

	return fn(ctx, svc)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

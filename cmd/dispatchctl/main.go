package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/cobra"

	dispatch "github.com/textify/dispatch-go"
	"github.com/textify/dispatch-go/queue"
	"github.com/textify/dispatch-go/store"
	"github.com/textify/dispatch-go/topology"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dispatchctl",
		Short: "Inspect and manage the dispatch messaging layer",
		Long: `dispatchctl is an operator tool for the dispatch messaging layer.
It reports broker health and queue depths and manages the dead-letter archive.

The broker connection is configured through the RABBITMQ_* environment
variables (RABBITMQ_HOST, RABBITMQ_PORT, RABBITMQ_USERNAME, ...).`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	// Global flags
	var (
		archivePath string
		timeout     time.Duration
	)

	rootCmd.PersistentFlags().StringVarP(&archivePath, "archive", "a", "dispatch-dlq.db", "Path to the dead-letter archive database")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "Command timeout")

	connect := func(ctx context.Context, withArchive bool) (*dispatch.Orchestrator, error) {
		cfg := dispatch.Config{Broker: topology.ConfigFromEnv()}
		if withArchive {
			cfg.ArchivePath = archivePath
		}
		orch, err := dispatch.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to build orchestrator: %w", err)
		}
		if err := orch.Connect(ctx); err != nil {
			orch.Close()
			return nil, fmt.Errorf("failed to connect to broker: %w", err)
		}
		return orch, nil
	}

	// Health command
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check broker and queue health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			orch, err := connect(ctx, false)
			if err != nil {
				return err
			}
			defer orch.Close()

			healthy, failing := orch.HealthCheck(ctx)
			if healthy {
				fmt.Println("System Health: healthy")
				return nil
			}
			fmt.Println("System Health: NOT healthy")
			for _, name := range failing {
				fmt.Printf("  failing: %s\n", name)
			}
			return fmt.Errorf("%d checks failing", len(failing))
		},
	}

	// Queue command
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect queues",
	}

	queueStatsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show message and consumer counts for every managed queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			orch, err := connect(ctx, false)
			if err != nil {
				return err
			}
			defer orch.Close()

			printStats(orch.Stats(ctx))
			return nil
		},
	}

	queueCmd.AddCommand(queueStatsCmd)

	// DLQ command
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay archived dead letters",
	}

	var listLimit int
	dlqListCmd := &cobra.Command{
		Use:   "list",
		Short: "List archived dead-lettered messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			archive, err := store.NewSQLiteFailedMessageStore(archivePath)
			if err != nil {
				return fmt.Errorf("failed to open archive: %w", err)
			}
			defer archive.Close()

			msgs, err := archive.List(ctx, listLimit)
			if err != nil {
				return fmt.Errorf("failed to list archive: %w", err)
			}

			printFailedMessages(msgs)
			return nil
		},
	}
	dlqListCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "Maximum number of messages to list")

	dlqReplayCmd := &cobra.Command{
		Use:   "replay <message-id>",
		Short: "Republish an archived message to its origin queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			orch, err := connect(ctx, true)
			if err != nil {
				return err
			}
			defer orch.Close()

			if err := orch.DeadLetters().Replay(ctx, args[0]); err != nil {
				return fmt.Errorf("failed to replay message: %w", err)
			}
			fmt.Printf("Replayed %s\n", args[0])
			return nil
		},
	}

	dlqCmd.AddCommand(dlqListCmd, dlqReplayCmd)

	rootCmd.AddCommand(healthCmd, queueCmd, dlqCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// Output formatting functions

func printStats(stats map[string]queue.QueueInfo) {
	if len(stats) == 0 {
		fmt.Println("No queues found")
		return
	}

	fmt.Printf("%-40s %-10s %-10s\n", "Queue", "Messages", "Consumers")
	fmt.Println(strings.Repeat("-", 62))

	for name, info := range stats {
		fmt.Printf("%-40s %-10d %-10d\n", truncate(name, 40), info.Messages, info.Consumers)
	}
}

func printFailedMessages(msgs []store.FailedMessage) {
	if len(msgs) == 0 {
		fmt.Println("No archived messages found")
		return
	}

	fmt.Printf("%-36s %-24s %-8s %-20s %-10s\n", "ID", "Origin Queue", "Retries", "Failed At", "Replayed")
	fmt.Println(strings.Repeat("-", 102))

	for _, m := range msgs {
		replayed := "no"
		if m.ReplayedAt != nil {
			replayed = "yes"
		}
		fmt.Printf("%-36s %-24s %-8d %-20s %-10s\n",
			m.ID,
			truncate(m.OriginQueue, 24),
			m.RetryCount,
			m.FailedAt.Format(time.RFC3339),
			replayed,
		)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

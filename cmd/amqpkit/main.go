package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	amqpkit "github.com/glimte/amqpkit-go"
	"github.com/glimte/amqpkit-go/health"
	"github.com/glimte/amqpkit-go/messaging"
	"github.com/glimte/amqpkit-go/shutdown"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "amqpkit",
		Short: "Send, publish and serve AMQP events",
		Long: `amqpkit talks to RabbitMQ using the amqpkit envelope. It can serve an event
from a queue with progress replies, or send and publish events and wait for
their replies.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	// Global flags
	var (
		rabbitURL  string
		configPath string
		verbose    bool
	)

	defaultURL := os.Getenv("AMQPKIT_URL")
	if defaultURL == "" {
		defaultURL = amqpkit.DefaultURL
	}

	rootCmd.PersistentFlags().StringVarP(&rabbitURL, "url", "u", defaultURL, "RabbitMQ connection URL (env AMQPKIT_URL)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML file with the connection and topology")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	// connect builds a kit from the config file and flags; the coordinator closes it
	connect := func(cmd *cobra.Command) (*amqpkit.Kit, *shutdown.Coordinator, *slog.Logger, error) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		cfg := amqpkit.DefaultConfig()
		if configPath != "" {
			loaded, err := amqpkit.LoadConfig(configPath)
			if err != nil {
				return nil, nil, nil, err
			}
			cfg = loaded
		}
		if configPath == "" || cmd.Flags().Changed("url") {
			cfg.URL = rabbitURL
		}

		coordinator := shutdown.New(shutdown.WithLogger(logger))
		kit := amqpkit.New(amqpkit.WithLogger(logger), amqpkit.WithShutdown(coordinator))
		if err := kit.Init(cmd.Context(), cfg); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to initialize: %w", err)
		}
		return kit, coordinator, logger, nil
	}

	// Consume command
	var (
		steps    int
		interval time.Duration
	)
	consumeCmd := &cobra.Command{
		Use:   "consume <queue> <event>",
		Short: "Serve an event from a durable queue",
		Long:  "Consume an event, stream --steps progress replies every --interval, then reply with the received payload.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kit, coordinator, logger, err := connect(cmd)
			if err != nil {
				return err
			}
			queueName, eventName := args[0], args[1]

			queue := kit.GetQueue(queueName)
			if queue == nil {
				queue, err = kit.CreateQueue(cmd.Context(), queueName, queueName, messaging.QueueOptions{Durable: true})
				if err != nil {
					coordinator.Shutdown(context.Background())
					return fmt.Errorf("failed to declare queue: %w", err)
				}
			}

			err = queue.ConsumeEvent(cmd.Context(), eventName, func(ctx context.Context, payload json.RawMessage,
				done messaging.DoneFunc, progress messaging.ProgressFunc, routingKey string) {
				logger.Info("event received", "queue", queueName, "eventName", eventName, "routingKey", routingKey)

				go func() {
					for i := 1; i <= steps; i++ {
						time.Sleep(interval)
						progress(map[string]int{"step": i, "of": steps})
					}
					done(nil, map[string]any{"received": payload, "steps": steps})
				}()
			})
			if err != nil {
				coordinator.Shutdown(context.Background())
				return fmt.Errorf("failed to consume: %w", err)
			}

			fmt.Printf("Consuming %q on %s... Press Ctrl+C to stop\n", eventName, queue.Name())
			return coordinator.Listen(cmd.Context())
		},
	}
	consumeCmd.Flags().IntVarP(&steps, "steps", "s", 3, "Progress replies before the result")
	consumeCmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "Delay between progress replies")

	// Flags shared by send and publish
	var (
		timeout    time.Duration
		noReply    bool
		persistent bool
	)
	publishOptions := func() []messaging.PublishOption {
		options := []messaging.PublishOption{
			messaging.WithTimeout(timeout),
			messaging.WithPersistent(persistent),
		}
		if noReply {
			options = append(options, messaging.WithoutReply())
		}
		return options
	}

	// Send command
	sendCmd := &cobra.Command{
		Use:   "send <queue> <event> [json]",
		Short: "Send an event to a queue and wait for its reply",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(args[2:])
			if err != nil {
				return err
			}

			kit, coordinator, _, err := connect(cmd)
			if err != nil {
				return err
			}
			defer coordinator.Shutdown(context.Background())

			call, err := kit.SendEvent(cmd.Context(), args[0], args[1], payload, publishOptions()...)
			if err != nil {
				return fmt.Errorf("failed to send: %w", err)
			}
			return awaitReply(cmd.Context(), call, noReply)
		},
	}

	// Publish command
	var kind string
	publishCmd := &cobra.Command{
		Use:   "publish <exchange> <routing-key> <event> [json]",
		Short: "Publish an event to an exchange and wait for its reply",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(args[3:])
			if err != nil {
				return err
			}

			kit, coordinator, _, err := connect(cmd)
			if err != nil {
				return err
			}
			defer coordinator.Shutdown(context.Background())

			exchange := kit.GetExchange(args[0])
			if exchange == nil {
				exchange, err = kit.CreateExchange(cmd.Context(), args[0], args[0], messaging.ExchangeKind(kind), messaging.ExchangeOptions{})
				if err != nil {
					return fmt.Errorf("failed to declare exchange: %w", err)
				}
			}

			call, err := exchange.PublishEvent(cmd.Context(), args[1], args[2], payload, publishOptions()...)
			if err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}
			return awaitReply(cmd.Context(), call, noReply)
		},
	}
	publishCmd.Flags().StringVarP(&kind, "kind", "k", string(messaging.ExchangeTopic), "Exchange kind when the exchange is declared")

	for _, cmd := range []*cobra.Command{sendCmd, publishCmd} {
		cmd.Flags().DurationVarP(&timeout, "timeout", "t", messaging.DefaultTimeout, "Reply timeout, 0 waits forever")
		cmd.Flags().BoolVar(&noReply, "no-reply", false, "Do not wait for a reply")
		cmd.Flags().BoolVarP(&persistent, "persistent", "p", false, "Publish as a persistent message")
	}

	// Health command
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check the connection, rpc engine and configured queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			kit, coordinator, _, err := connect(cmd)
			if err != nil {
				return err
			}
			defer coordinator.Shutdown(context.Background())

			report := kit.Health(cmd.Context())
			printHealth(report)
			if !report.Healthy() {
				return fmt.Errorf("system is %s", report.Status)
			}
			return nil
		},
	}

	// Add all commands
	rootCmd.AddCommand(consumeCmd, sendCmd, publishCmd, healthCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Fatal(err)
	}
}

// parsePayload decodes the optional JSON argument; no argument sends {}
func parsePayload(args []string) (any, error) {
	if len(args) == 0 {
		return nil, nil
	}

	var payload any
	if err := json.Unmarshal([]byte(args[0]), &payload); err != nil {
		return nil, fmt.Errorf("invalid json payload: %w", err)
	}
	return payload, nil
}

func awaitReply(ctx context.Context, call *messaging.Call, noReply bool) error {
	if noReply {
		fmt.Println("Sent")
		return nil
	}

	call.OnProgress(func(update json.RawMessage) {
		fmt.Printf("Progress: %s\n", update)
	})

	result, err := call.Wait(ctx)
	if err != nil {
		return fmt.Errorf("call %s failed: %w", call.CorrelationID(), err)
	}
	fmt.Printf("Result: %s\n", result)
	return nil
}

func printHealth(report health.Report) {
	fmt.Printf("System Health: %s\n", report.Status)
	fmt.Printf("%-30s %-10s %-10s %s\n", "Check", "Status", "Duration", "Message")
	fmt.Println(strings.Repeat("-", 80))

	for _, check := range report.Checks {
		message := check.Message
		if check.Error != "" {
			message += ": " + check.Error
		}
		fmt.Printf("%-30s %-10s %-10s %s\n",
			truncate(check.Name, 30),
			check.Status,
			check.Duration.Truncate(time.Microsecond),
			message,
		)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

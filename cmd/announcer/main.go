package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jogardn/coffee-orders/internal/config"
	"github.com/jogardn/coffee-orders/internal/events"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "announcer",
	Short: "announcer prints ready orders from Kafka on the pickup screen",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "replay moves parked order-ready events from the DLQ back onto order.ready",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return replay(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.AddCommand(replayCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper(), cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, errors.New("kafka brokers not configured (COFFEE_KAFKA_BROKERS)")
	}
	return cfg, nil
}

type screen struct {
	out    io.Writer
	logger *logrus.Logger
}

func (s *screen) HandleOrderReady(event events.OrderReadyEvent) error {
	s.logger.WithFields(logrus.Fields{
		"order_id": event.OrderID,
		"barista":  event.Barista,
	}).Info("Calling customer")

	_, err := fmt.Fprintln(s.out, event.Message)
	return err
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := cfg.NewLogger()

	consumer, err := events.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, &screen{out: os.Stdout, logger: logger}, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to create Kafka consumer")
		return err
	}
	defer func() {
		logger.WithField("metrics", consumer.Metrics()).Info("Announcer stopped")
		consumer.Close()
	}()

	logger.WithField("topic", events.OrderReadyTopic).Info("Announcer started")
	return consumer.Start(ctx)
}

func replay(ctx context.Context, cfg *config.Config) error {
	logger := cfg.NewLogger()

	processor, err := events.NewDLQProcessor(cfg.Kafka.Brokers, cfg.Kafka.DLQGroupID, cfg.Kafka.ReplayDelay, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to create DLQ processor")
		return err
	}
	defer processor.Close()

	logger.WithField("topic", events.OrderReadyDLQTopic).Info("DLQ replay started")
	return processor.Start(ctx)
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/coffee-orders/internal/breaker"
	"github.com/jogardn/coffee-orders/internal/config"
	"github.com/jogardn/coffee-orders/internal/events"
	"github.com/jogardn/coffee-orders/internal/notify"
	"github.com/jogardn/coffee-orders/internal/orders"
	"github.com/jogardn/coffee-orders/internal/store"
	"github.com/jogardn/coffee-orders/internal/websocket"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "order-service",
	Short: "order-service takes coffee orders and calls customers when they are ready",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(viper.GetViper(), cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return run(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.Flags().String("port", "", "HTTP port")
	viper.BindPFlag("http.port", rootCmd.Flags().Lookup("port"))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := cfg.NewLogger()

	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	hub := websocket.NewHub(logger)
	go hub.Run(ctx)

	fanout := notify.NewFanout(logger)
	fanout.Add("console", notify.NewWriterNotifier(os.Stdout))
	fanout.Add("board", hub)

	handler := orders.NewHandler(repo, fanout, logger)
	handler.SetBroadcaster(hub)

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := events.NewKafkaProducer(cfg.Kafka.Brokers, logger)
		if err != nil {
			logger.WithError(err).Error("Failed to create Kafka producer")
			return err
		}
		defer producer.Close()

		kafkaBreaker := breaker.New(breaker.Config{
			Name:        "kafka",
			MaxFailures: cfg.Breaker.MaxFailures,
			Timeout:     cfg.Breaker.Timeout,
			MaxRequests: cfg.Breaker.MaxRequests,
		}, logger)
		fanout.Add("kafka", notify.Guarded(producer, kafkaBreaker))
		handler.AddBreaker(kafkaBreaker)
		logger.WithField("brokers", cfg.Kafka.Brokers).Info("Kafka producer configured")
	} else {
		logger.Info("Kafka brokers not configured - announcements stay local")
	}

	router := mux.NewRouter()
	handler.Routes(router)
	router.HandleFunc("/ws", hub.HandleWebSocket)
	router.Use(orders.LoggingMiddleware(logger))

	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("port", cfg.HTTP.Port).Info("Starting order service")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.WithError(err).Error("Failed to start server")
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server gracefully stopped")
	return nil
}

func openRepository(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (store.Repository, func(), error) {
	if cfg.Postgres.DSN == "" {
		logger.Info("Postgres DSN not configured - using in-memory store")
		return store.NewMemoryRepository(), func() {}, nil
	}

	db, err := store.OpenPostgres(ctx, cfg.Postgres.DSN, 30)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to database")
		return nil, nil, err
	}
	logger.Info("Database connection established")

	repo := store.NewPostgresRepository(db)
	if err := repo.CreateSchema(ctx); err != nil {
		db.Close()
		logger.WithError(err).Error("Failed to create tables")
		return nil, nil, err
	}
	return repo, func() { db.Close() }, nil
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gin-gonic/gin"

	"github.com/digidov/receiptd/internal/webhook"
	"github.com/digidov/receiptd/pkg/config"
	"github.com/digidov/receiptd/pkg/notify"
	"github.com/digidov/receiptd/pkg/pricing"
	"github.com/digidov/receiptd/pkg/receipt"
)

func main() {
	if err := Run(context.Background()); err != nil && err != context.Canceled {
		log.Crit("Application failed", "err", err)
		os.Exit(1)
	}
}

// Run is the testable entry point of the service
func Run(ctx context.Context) error {
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelInfo, true)))

	configFile := os.Getenv("CONFIG_FILE")
	if configFile == "" {
		configFile = "config.yaml"
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	// Setup Logger
	logLevel := log.LevelInfo
	if cfg.Log.Level == "debug" {
		logLevel = log.LevelDebug
	} else if cfg.Log.Level == "warn" {
		logLevel = log.LevelWarn
	} else if cfg.Log.Level == "error" {
		logLevel = log.LevelError
	}
	if cfg.Log.Format == "json" {
		log.SetDefault(log.NewLogger(log.JSONHandlerWithLevel(os.Stderr, logLevel)))
	} else {
		log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, logLevel, true)))
	}

	// Storage: postgres when a DSN is configured, in-memory otherwise.
	// The in-memory store loses counters on restart, dev only.
	var store receipt.Store
	var alloc receipt.Allocator
	if cfg.Database.DSN != "" {
		pg, err := receipt.NewPostgresStore(cfg.Database.DSN, cfg.Database.TablePrefix)
		if err != nil {
			return err
		}
		store, alloc = pg, pg
		log.Info("Using postgres store", "prefix", cfg.Database.TablePrefix)
	} else {
		mem := receipt.NewMemoryStore()
		store, alloc = mem, mem
		log.Warn("No database configured, using in-memory store")
	}
	defer store.Close()

	// Price cache
	var cache *pricing.Cache
	if cfg.Redis.Addr != "" {
		cache, err = pricing.NewCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix, cfg.Redis.TTL)
		if err != nil {
			log.Warn("Redis price cache unavailable", "err", err)
			cache = nil
		}
	}

	conv := pricing.NewConverter(pricing.Config{
		BaseURL:   cfg.Pricing.BaseURL,
		APIKey:    cfg.Pricing.APIKey,
		Window:    cfg.Pricing.Window,
		Timeout:   cfg.Pricing.Timeout,
		RateLimit: cfg.Pricing.RateLimit,
		Burst:     cfg.Pricing.Burst,
	}, cache)

	dispatcher := notify.NewDispatcher(buildOutputs(cfg)...)
	defer dispatcher.Close()

	if logLevel > log.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	processors := make([]*webhook.Processor, 0, len(cfg.Webhooks))
	for _, wh := range cfg.Webhooks {
		p, err := webhook.NewProcessor(wh, store, alloc, conv, dispatcher, cfg.Currency)
		if err != nil {
			return err
		}
		processors = append(processors, p)
		log.Info("Webhook endpoint registered", "path", wh.Path, "fields", wh.FieldCount)
	}
	webhook.Register(router, processors...)

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: router,
	}

	go func() {
		log.Info("Listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", "err", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("Shutting down...")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildOutputs assembles the notification sinks from configuration.
// A sink that fails to connect is skipped with a warning so a broker
// outage does not keep receipts from being issued.
func buildOutputs(cfg *config.Config) []notify.Output {
	var outputs []notify.Output

	if cfg.Mail.Enabled {
		sender := notify.NewMailerSendSender(cfg.Mail.APIKey, cfg.Mail.FromName, cfg.Mail.FromEmail)
		outputs = append(outputs, notify.NewEmailOutput(sender))
	}

	if cfg.Kafka.Enabled {
		if ko, err := notify.NewKafkaOutput(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.User, cfg.Kafka.Password); err == nil {
			outputs = append(outputs, ko)
		} else {
			log.Warn("Kafka output unavailable", "err", err)
		}
	}

	if cfg.RabbitMQ.Enabled {
		if ro, err := notify.NewRabbitMQOutput(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.RoutingKey, cfg.RabbitMQ.QueueName, cfg.RabbitMQ.Durable); err == nil {
			outputs = append(outputs, ro)
		} else {
			log.Warn("RabbitMQ output unavailable", "err", err)
		}
	}

	if len(outputs) == 0 {
		outputs = append(outputs, notify.NewConsoleOutput())
	}
	return outputs
}

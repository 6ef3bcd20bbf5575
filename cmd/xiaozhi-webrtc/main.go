package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lamdt1/xiaozhi-webrtc/pkg/broker"
	"github.com/lamdt1/xiaozhi-webrtc/pkg/credentials"
	"github.com/lamdt1/xiaozhi-webrtc/pkg/rtc"
	"github.com/lamdt1/xiaozhi-webrtc/pkg/transport"
)

func main() {
	// Parse flags
	var (
		port          = flag.String("port", "8080", "HTTP server port")
		transportKind = flag.String("transport", "direct", "Transport kind (direct, brokered)")
		signalURL     = flag.String("signal-url", "", "Signaling WebSocket URL (direct transport)")
		brokerURL     = flag.String("broker-url", "", "Broker API base URL (brokered transport)")
		brokerToken   = flag.String("broker-token", "", "Broker bearer token, plaintext")
		sealedToken   = flag.String("sealed-token", "", "Broker bearer token, sealed with the master key")
		maxRetries    = flag.Int("max-retries", 3, "Reconnection attempts before giving up")
		logLevel      = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	// Load from environment if flags not set
	if *port == "8080" {
		if p := os.Getenv("APP_PORT"); p != "" {
			*port = p
		}
	}
	if *signalURL == "" {
		*signalURL = os.Getenv("XIAOZHI_SIGNAL_URL")
	}
	if *brokerURL == "" {
		*brokerURL = os.Getenv("XIAOZHI_BROKER_URL")
	}
	if *brokerToken == "" {
		*brokerToken = os.Getenv("XIAOZHI_BROKER_TOKEN")
	}
	if *sealedToken == "" {
		*sealedToken = os.Getenv("XIAOZHI_SEALED_TOKEN")
	}
	if *logLevel == "info" {
		if ll := os.Getenv("LOG_LEVEL"); ll != "" {
			*logLevel = ll
		}
	}

	logger := setupLogger(*logLevel)

	cfg := rtc.ConnectionConfig{
		Transport:  rtc.TransportKind(*transportKind),
		MaxRetries: maxRetries,
	}

	factory, err := buildFactory(cfg, *signalURL, *brokerURL, *brokerToken, *sealedToken, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	controller, err := rtc.NewController(cfg, factory, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer controller.Close()

	logger.Info("starting webrtc session service",
		"port", *port,
		"transport", *transportKind,
		"connection", controller.ID())

	controller.On(rtc.EventConnectionStateChange, func(ev rtc.Event) {
		logger.Info("connection state", "state", ev.State)
	})
	controller.On(rtc.EventReconnect, func(ev rtc.Event) {
		logger.Warn("reconnecting", "attempt", ev.Attempt, "maxRetries", *maxRetries)
	})
	controller.On(rtc.EventError, func(ev rtc.Event) {
		logger.Error("connection error", "error", ev.Err)
	})
	controller.On(rtc.EventDataChannelMessage, func(ev rtc.Event) {
		logger.Debug("control message", "type", ev.Message.Type())
	})

	if err := controller.Initialize(context.Background()); err != nil {
		logger.Error("initialization failed", "error", err)
		os.Exit(1)
	}

	// Setup HTTP server
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":     "ok",
			"connection": controller.ID(),
			"state":      controller.State(),
			"timestamp":  time.Now().Unix(),
		})
	})

	mux.HandleFunc("GET /api/v1/performance", func(w http.ResponseWriter, r *http.Request) {
		summary := controller.GetPerformanceSummary()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"audioBitrateBps":      summary.Latest.AudioBitrateBps,
			"videoBitrateBps":      summary.Latest.VideoBitrateBps,
			"packetsLost":          summary.Latest.PacketsLost,
			"roundTripTimeMs":      summary.Latest.RoundTripTime.Milliseconds(),
			"connectionDurationMs": summary.ConnectionDuration.Milliseconds(),
		})
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    ":" + *port,
		Handler: mux,
	}

	go func() {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, gracefully shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("webrtc session service stopped")
}

// buildFactory wires the transport variant selected by the configuration.
func buildFactory(cfg rtc.ConnectionConfig, signalURL, brokerURL, brokerToken, sealedToken string, logger *slog.Logger) (transport.Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Transport {
	case rtc.TransportDirect:
		if signalURL == "" {
			return nil, fmt.Errorf("missing required configuration: XIAOZHI_SIGNAL_URL")
		}
		return func(ctx context.Context) (transport.Adapter, error) {
			return transport.NewDirectPeer(transport.DirectPeerConfig{
				SignalURL: signalURL,
				Options:   cfg.TransportOptions(),
				Logger:    logger,
			})
		}, nil

	case rtc.TransportBrokered:
		if brokerURL == "" {
			return nil, fmt.Errorf("missing required configuration: XIAOZHI_BROKER_URL")
		}
		provider, err := buildCredentials(brokerToken, sealedToken)
		if err != nil {
			return nil, err
		}
		client, err := broker.NewClient(broker.Config{
			BaseURL:     brokerURL,
			Credentials: provider,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) (transport.Adapter, error) {
			return transport.NewBrokered(transport.BrokeredConfig{
				Client:  client,
				Options: cfg.TransportOptions(),
				Logger:  logger,
			})
		}, nil

	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport)
	}
}

// buildCredentials prefers a sealed token when one is configured; the master
// key then comes from XIAOZHI_MASTER_KEY.
func buildCredentials(brokerToken, sealedToken string) (credentials.Provider, error) {
	if sealedToken != "" {
		masterKey := os.Getenv("XIAOZHI_MASTER_KEY")
		if masterKey == "" {
			return nil, fmt.Errorf("missing required configuration: XIAOZHI_MASTER_KEY")
		}
		return credentials.NewSealed(sealedToken, masterKey), nil
	}
	if brokerToken == "" {
		return nil, fmt.Errorf("missing required configuration: XIAOZHI_BROKER_TOKEN or XIAOZHI_SEALED_TOKEN")
	}
	return credentials.NewStatic(brokerToken), nil
}

// setupLogger creates a structured logger
func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

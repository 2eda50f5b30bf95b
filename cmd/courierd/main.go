// Command courierd runs the message relay daemon: HTTP send/pull/ack
// endpoints, the websocket push hub, and Prometheus metrics.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/courier/config"
	"github.com/opd-ai/courier/relay"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithField("error", err.Error()).Fatal("Configuration invalid")
	}
	logrus.SetLevel(cfg.ParsedLogLevel())
	logrus.SetFormatter(&logrus.JSONFormatter{})

	directory, err := loadDirectory(os.Getenv("COURIER_CONVERSATIONS_FILE"))
	if err != nil {
		logrus.WithField("error", err.Error()).Fatal("Conversations file invalid")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	service := relay.NewService(relay.Config{
		RetryBase:       cfg.RetryBase,
		RetryCap:        cfg.RetryCap,
		MaxAttempts:     cfg.MaxAttempts,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		DefaultTTL:      cfg.DefaultTTL,
		MaxTTL:          cfg.MaxTTL,
		QueueMaxEntries: cfg.QueueMaxEntries,
		QueueMaxBytes:   cfg.QueueMaxBytes,
	}, directory, directory, nil, relay.NewMetrics(registry))

	hub := relay.NewHub(service)
	service.SetPusher(hub)
	api := relay.NewServer(service, hub)

	router := chi.NewRouter()
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.Mount("/v1", api.Routes())

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepDone := make(chan struct{})
	sweepStop := make(chan struct{})
	go func() {
		defer close(sweepDone)
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepStop:
				return
			case now := <-ticker.C:
				service.SweepExpired(now)
			}
		}
	}()

	go func() {
		logrus.WithField("addr", cfg.ListenAddr).Info("Relay listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithField("error", err.Error()).Fatal("Server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logrus.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logrus.WithField("error", err.Error()).Warn("Shutdown incomplete")
	}

	close(sweepStop)
	<-sweepDone
	hub.Close()
	service.Close()
}

// conversationsFile is the optional seed membership for the in-memory
// directory.
type conversationsFile struct {
	Conversations map[string][]string `json:"conversations"`
}

func loadDirectory(path string) (*relay.MemoryDirectory, error) {
	directory := relay.NewMemoryDirectory()
	if path == "" {
		return directory, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file conversationsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	for id, participants := range file.Conversations {
		directory.AddConversation(id, participants...)
	}
	logrus.WithField("conversations", len(file.Conversations)).Info("Directory loaded")
	return directory, nil
}

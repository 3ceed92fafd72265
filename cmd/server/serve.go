package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/manpreetbhatti/kodeon/backend/internal/api"
	"github.com/manpreetbhatti/kodeon/backend/internal/autosave"
	"github.com/manpreetbhatti/kodeon/backend/internal/collab"
	"github.com/manpreetbhatti/kodeon/backend/internal/config"
	"github.com/manpreetbhatti/kodeon/backend/internal/db"
	"github.com/manpreetbhatti/kodeon/backend/internal/metrics"
	"github.com/manpreetbhatti/kodeon/backend/internal/presence"
	"github.com/manpreetbhatti/kodeon/backend/internal/relay"
	"github.com/manpreetbhatti/kodeon/backend/internal/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the collaboration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	log := logs.GetLoggerFromString(cfg.LogLevel)

	database, err := db.New(cfg.DBPath, log)
	if err != nil {
		return fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing database...")
		_ = database.Close()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.New(reg, "")

	hub := ws.NewHub(ws.Options{
		SendBuffer:        cfg.SendBufferSize,
		MaxMessageSize:    cfg.MaxMessageSize,
		MessagesPerSecond: cfg.MessagesPerSecond,
		MessageBurst:      cfg.MessageBurst,
	}, log)
	hub.SetConnectionGauge(collector.Connections)

	// autosave reads the coordinator's rooms, so it is created afterwards and
	// reached through this late-bound observer.
	var saver *autosave.Service
	opts := []collab.Option{
		collab.WithLogger(log),
		collab.WithRecorder(collector),
		collab.WithObserver(roomCloser(func(projectID string, files []collab.FileState) {
			saver.RoomClosed(projectID, files)
		})),
	}

	var mirror *presence.Mirror
	if cfg.RedisURL != "" {
		rc, err := presence.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		mirror = presence.NewMirror(rc, cfg.PresenceQueueSize, log)
		mirror.Start()
		defer mirror.Stop()
		opts = append(opts, collab.WithObserver(mirror))
		log.Info("Presence mirror enabled")
	}

	if cfg.NATSURL != "" {
		nc, err := relay.Connect(cfg.NATSURL, log)
		if err != nil {
			return err
		}
		defer nc.Close()
		opts = append(opts, collab.WithTap(relay.NewTap(nc, log)))
		log.Info("NATS relay enabled", "url", cfg.NATSURL)
	}

	coordinator := collab.NewCoordinator(hub, opts...)
	hub.SetHandler(coordinator)

	saver = autosave.New(coordinator, database, autosave.Config{
		Interval: cfg.AutosaveInterval,
	}, log)
	saver.Start()

	hubCtx, stopHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	apiHandler := api.New(coordinator, hub, database, log)
	apiHandler.SetMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	apiHandler.SetCORSOrigin(cfg.CORSOrigin)
	if mirror != nil {
		apiHandler.SetPresence(mirror)
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           apiHandler.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("Kodeon collaboration server starting", "address", server.Addr, "db", cfg.DBPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down server...")
	case err = <-errChan:
		log.Error("Server stopped unexpectedly", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Warn("HTTP shutdown incomplete", "error", shutdownErr)
	}

	// Live rooms are written first. Closing every connection then empties
	// the rooms and hands any later edits to autosave before it is stopped.
	if n := saver.SaveNow(); n > 0 {
		log.Info("Saved live rooms before shutdown", "files", n)
	}
	stopHub()
	select {
	case <-hub.Done():
	case <-shutdownCtx.Done():
		log.Warn("Timed out closing websocket connections")
	}
	saver.Stop()

	return err
}

// roomCloser adapts a function to collab.PresenceObserver, forwarding only
// RoomClosed.
type roomCloser func(projectID string, files []collab.FileState)

func (f roomCloser) ParticipantJoined(string, collab.Participant) {}
func (f roomCloser) ParticipantLeft(string, collab.Participant)   {}
func (f roomCloser) RoomClosed(projectID string, files []collab.FileState) {
	f(projectID, files)
}

var _ collab.PresenceObserver = roomCloser(nil)

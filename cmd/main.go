// Command hawsclient is a minimal demo of the connection engine: it
// connects, prints the remote config, pings the server, reads a handful
// of events (or stops early on SIGINT/SIGTERM), then closes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nborgers/hawsclient/internal/config"
	"github.com/nborgers/hawsclient/internal/ha"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := godotenv.Load(); err != nil {
		logger.Warn("no .env file found, using environment variables")
	}

	haURL := os.Getenv("HA_URL")
	haToken := os.Getenv("HA_TOKEN")
	if haURL == "" || haToken == "" {
		logger.Fatal("HA_URL and HA_TOKEN environment variables must be set")
	}

	cfgDir := os.Getenv("HA_CONFIG_DIR")
	if cfgDir == "" {
		cfgDir = "."
	}
	loader := config.NewLoader(cfgDir, logger)
	if err := loader.LoadAll(); err != nil {
		logger.Fatal("failed to load session config", zap.Error(err))
	}
	session := loader.SessionConfig()

	defaults := ha.DefaultConfig()
	cfg := ha.Config{
		SocketTimeout:      session.SocketTimeout(defaults.SocketTimeout),
		ChannelCapacity:    defaults.ChannelCapacity,
		ReceiveBufferBytes: defaults.ReceiveBufferBytes,
		MaxCloseWait:       session.MaxCloseWait(defaults.MaxCloseWait),
	}
	if session.ChannelCapacity > 0 {
		cfg.ChannelCapacity = session.ChannelCapacity
	}
	if session.ReceiveBufferBytes > 0 {
		cfg.ReceiveBufferBytes = session.ReceiveBufferBytes
	}

	logger.Info("starting hawsclient demo", zap.String("url", haURL))

	client := ha.NewClient(haURL, haToken, logger, ha.WithConfig(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	ok, err := client.Connect(ctx, ha.Options{GetStatesOnConnect: true, SubscribeEvents: true})
	cancel()
	if err != nil {
		logger.Fatal("failed to connect to Home Assistant", zap.Error(err))
	}
	if !ok {
		logger.Fatal("Home Assistant rejected authentication")
	}
	logger.Info("connected to Home Assistant")

	closeCtx := context.Background()
	defer client.Close(closeCtx)

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 5*time.Second)
	haConfig, err := client.GetConfig(reqCtx)
	reqCancel()
	if err != nil {
		logger.Error("failed to fetch config", zap.Error(err))
	} else {
		logger.Info("remote config",
			zap.String("version", haConfig.Version),
			zap.String("location_name", haConfig.LocationName),
			zap.Strings("components", haConfig.Components))
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	alive := client.Ping(pingCtx, 5*time.Second)
	pingCancel()
	logger.Info("ping result", zap.Bool("alive", alive))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		for i := 0; i < 5; i++ {
			evCtx, evCancel := context.WithTimeout(context.Background(), 30*time.Second)
			rec, err := client.ReadEvent(evCtx)
			evCancel()
			if err != nil {
				logger.Debug("stopped reading events", zap.Error(err))
				return
			}
			logger.Info("event received", zap.String("event_type", rec.EventType))
		}
	}()

	logger.Info("demo running, press Ctrl+C to exit")
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-eventsDone:
		logger.Info("finished reading demo events")
	}
}

// tutor runs the realtime voice conversation engine behind a small HTTP
// control surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-tutor/internal/config"
	tutorlog "github.com/teslashibe/go-tutor/internal/log"
	"github.com/teslashibe/go-tutor/pkg/audioio"
	"github.com/teslashibe/go-tutor/pkg/conversation"
	"github.com/teslashibe/go-tutor/pkg/engine"
	"github.com/teslashibe/go-tutor/pkg/playback"
	"github.com/teslashibe/go-tutor/pkg/web"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	agentID := flag.String("agent", "", "Agent ID (overrides TUTOR_AGENT_ID)")
	autostart := flag.Bool("autostart", false, "Start a session on launch")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration error: %v\n", err)
		os.Exit(1)
	}
	if *agentID != "" {
		cfg.ElevenLabs.AgentID = *agentID
	}

	tutorlog.Init(cfg.LogLevel)
	logger := tutorlog.With("component", "tutor")

	if err := run(cfg, *autostart, logger); err != nil {
		logger.Error("tutor exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.App, autostart bool, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	src, err := audioio.NewSource(cfg.Audio, logger)
	if err != nil {
		return fmt.Errorf("audio source: %w", err)
	}
	out, err := audioio.NewOutput(cfg.Audio, logger)
	if err != nil {
		src.Close()
		return fmt.Errorf("audio output: %w", err)
	}
	player := playback.NewPlayer(out, logger)

	factory, err := newFactory(ctx, cfg, logger)
	if err != nil {
		player.Close()
		src.Close()
		return err
	}

	opts := cfg.EngineOptions()
	opts.Logger = logger
	eng := engine.New(factory, src, player, opts)
	defer eng.Dispose()

	srv := web.NewServer(eng, web.Config{
		Addr:           cfg.Server.Addr,
		DefaultAgentID: cfg.ElevenLabs.AgentID,
		StaticDir:      cfg.Server.StaticDir,
		Logger:         logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})

	if autostart {
		g.Go(func() error {
			if cfg.ElevenLabs.AgentID == "" {
				return engine.ErrMissingAgentID
			}
			if err := eng.Start(gctx, cfg.ElevenLabs.AgentID); err != nil {
				// A failed session is reported through the status API;
				// the server keeps running.
				logger.Warn("autostart failed", "error", err)
			}
			return nil
		})
	}

	logger.Info("tutor ready",
		"addr", cfg.Server.Addr,
		"agent", cfg.ElevenLabs.AgentID,
		"audio", cfg.Audio.Backend,
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("tutor stopped")
	return nil
}

// newFactory picks the transport factory. Private agents need a signed URL
// fetched with the API key.
func newFactory(ctx context.Context, cfg *config.App, logger *slog.Logger) (engine.TransportFactory, error) {
	opts := append(cfg.ConversationOptions(),
		conversation.WithLogger(logger.With("component", "conversation")))

	if cfg.ElevenLabs.APIKey == "" {
		return engine.ElevenLabsFactory(opts...), nil
	}

	api, err := conversation.NewAPIClient(cfg.ElevenLabs.APIKey,
		conversation.WithAPIBaseURL(cfg.ElevenLabs.APIBaseURL))
	if err != nil {
		return nil, fmt.Errorf("api client: %w", err)
	}
	describeAgent(ctx, api, cfg.ElevenLabs.AgentID, logger)

	if cfg.ElevenLabs.SignedURL {
		return engine.SignedURLFactory(api, opts...), nil
	}
	return engine.ElevenLabsFactory(opts...), nil
}

// describeAgent logs the configured agent's name. Lookup failures are not
// fatal; the session will surface them.
func describeAgent(ctx context.Context, api *conversation.APIClient, agentID string, logger *slog.Logger) {
	if agentID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	agent, err := api.GetAgent(ctx, agentID)
	if err != nil {
		logger.Warn("agent lookup failed", "agent", agentID, "error", err)
		return
	}
	logger.Info("agent found",
		"agent", agent.AgentID,
		"name", agent.Name,
		"language", agent.ConversationConfig.Agent.Language,
	)
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/linluma/scorebridge/scoring/engine"
	"github.com/linluma/scorebridge/scoring/history"
	"github.com/linluma/scorebridge/scoring/server"
	"github.com/linluma/scorebridge/shared/config"
)

func main() {
	cfg := config.ParseScoringFlags()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Str("addr", cfg.Addr).Int("min_batch", cfg.MinBatch).Int("window", cfg.Window).
		Str("device", cfg.Device).Msg("starting scoring service")

	engineCfg := engine.DefaultConfig()
	if cfg.EngineConfig != "" {
		var err error
		engineCfg, err = engine.LoadConfig(cfg.EngineConfig)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.EngineConfig).Msg("failed to load engine config")
		}
	}
	if cfg.Device != "" {
		engineCfg.Device = engine.Device(cfg.Device)
	}

	scorer, err := engine.NewNeuralScorer(engineCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build scorer")
	}

	if cfg.Checkpoint != "" {
		if blob, err := os.ReadFile(cfg.Checkpoint); err == nil {
			if err := scorer.ImportState(blob); err != nil {
				log.Warn().Err(err).Str("path", cfg.Checkpoint).Msg("checkpoint rejected, starting fresh")
			} else {
				log.Info().Str("path", cfg.Checkpoint).Msg("restored model checkpoint")
			}
		} else if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", cfg.Checkpoint).Msg("failed to read checkpoint")
		}
	}

	var observer engine.StepObserver
	var recorder *history.Recorder
	if cfg.RedisAddr != "" {
		recorder = history.New(cfg.RedisAddr, cfg.HistoryKey, 0)
		observer = recorder.RecordStep
		log.Info().Str("redis", cfg.RedisAddr).Str("key", cfg.HistoryKey).Msg("training history enabled")

		if recs, err := recorder.Recent(context.Background(), 1); err != nil {
			log.Warn().Err(err).Msg("failed to read training history")
		} else if len(recs) > 0 {
			last := recs[len(recs)-1]
			log.Info().Int("step", last.Step).Float64("loss", last.Loss).
				Time("at", last.Timestamp).Msg("resuming recorded training history")
		}
	}

	buffer := engine.NewTrainingBuffer(scorer, engine.BufferConfig{
		MinBatch: cfg.MinBatch,
		Window:   cfg.Window,
	}, clock.New(), observer)

	srv := server.New(cfg.Addr, scorer, buffer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	// Log training status
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				log.Info().Int("buffered", buffer.Len()).Float64("last_loss", buffer.LastLoss()).
					Time("last_trained", buffer.LastTrainedAt()).Msg("training status")
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := srv.Serve(ctx); err != nil {
		log.Error().Err(err).Msg("bridge server stopped")
	}

	if cfg.Checkpoint != "" {
		if blob, err := scorer.ExportState(); err != nil {
			log.Error().Err(err).Msg("failed to export model state")
		} else if err := os.WriteFile(cfg.Checkpoint, blob, 0o644); err != nil {
			log.Error().Err(err).Str("path", cfg.Checkpoint).Msg("failed to save checkpoint")
		} else {
			log.Info().Str("path", cfg.Checkpoint).Msg("saved model checkpoint")
		}
	}

	if recorder != nil {
		recorder.Close()
	}

	log.Info().Msg("scoring service stopped")
}

package config

import (
	"flag"
	"time"
)

// ScoringConfig holds configuration for the scoring service
type ScoringConfig struct {
	Addr         string
	MinBatch     int
	Window       int
	Checkpoint   string
	RedisAddr    string
	HistoryKey   string
	EngineConfig string
	Device       string
	Debug        bool
}

// ClientConfig holds configuration for the demo decision loop
type ClientConfig struct {
	ServerURL     string
	Timeout       time.Duration
	Opportunities int
	HeuristicFile string
	Debug         bool
}

// ParseScoringFlags parses command line flags for the scoring service
func ParseScoringFlags() *ScoringConfig {
	var (
		addr         = flag.String("addr", ":8765", "Bridge listen address")
		minBatch     = flag.Int("min-batch", 10, "Buffered examples required before a training step")
		window       = flag.Int("window", 100, "Trailing examples retained after a step")
		checkpoint   = flag.String("checkpoint", "", "Model checkpoint file, loaded at start and saved on shutdown")
		redisAddr    = flag.String("redis", "", "Redis address for training history (disabled when empty)")
		historyKey   = flag.String("history-key", "training_history", "Redis list key for training records")
		engineConfig = flag.String("engine-config", "", "Optional yaml engine config")
		device       = flag.String("device", "cpu", "Execution backend (cpu/accelerated)")
		debug        = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	return &ScoringConfig{
		Addr:         *addr,
		MinBatch:     *minBatch,
		Window:       *window,
		Checkpoint:   *checkpoint,
		RedisAddr:    *redisAddr,
		HistoryKey:   *historyKey,
		EngineConfig: *engineConfig,
		Device:       *device,
		Debug:        *debug,
	}
}

// ParseClientFlags parses command line flags for the demo client
func ParseClientFlags() *ClientConfig {
	var (
		server        = flag.String("server", "ws://127.0.0.1:8765", "Bridge server URL")
		timeout       = flag.Duration("timeout", 2*time.Second, "Per-call timeout budget")
		opportunities = flag.Int("opportunities", 8, "Sample opportunities to score")
		heuristic     = flag.String("heuristic-config", "", "Optional yaml heuristic weights file")
		debug         = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	return &ClientConfig{
		ServerURL:     *server,
		Timeout:       *timeout,
		Opportunities: *opportunities,
		HeuristicFile: *heuristic,
		Debug:         *debug,
	}
}

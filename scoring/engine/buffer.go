package engine

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/linluma/scorebridge/shared/features"
)

// BufferConfig bounds the training buffer.
type BufferConfig struct {
	// MinBatch is how many fresh examples must accumulate before a training
	// step runs. Below it, Add only buffers.
	MinBatch int
	// Window is the trailing number of examples retained after a step. It
	// caps memory and biases training toward the recent market regime.
	Window int
}

// DefaultBufferConfig matches the documented policy: train at 10, keep the
// last 100.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{MinBatch: 10, Window: 100}
}

// StepObserver is notified after each applied training step. Used to fan
// loss records out to the history recorder without the buffer knowing about
// storage.
type StepObserver func(step int, loss float64, batchSize int)

// AddResult reports what an Add call did.
type AddResult struct {
	Trained  bool
	Loss     float64 // loss of the step when Trained, otherwise the last known loss
	Buffered int     // examples currently held
}

// TrainingBuffer collects outcome-labeled examples and drives the scorer's
// online training. Training on fewer than MinBatch examples is a no-op, not
// an error.
type TrainingBuffer struct {
	mu       sync.Mutex
	scorer   Scorer
	cfg      BufferConfig
	clk      clock.Clock
	observer StepObserver

	examples    []features.TrainingExample
	pending     int // examples added since the last applied step
	steps       int
	lastLoss    float64
	lastTrained time.Time
}

// NewTrainingBuffer wires a buffer to its scorer. A nil observer is allowed.
func NewTrainingBuffer(scorer Scorer, cfg BufferConfig, clk clock.Clock, observer StepObserver) *TrainingBuffer {
	if cfg.MinBatch <= 0 {
		cfg.MinBatch = DefaultBufferConfig().MinBatch
	}
	if cfg.Window < cfg.MinBatch {
		cfg.Window = DefaultBufferConfig().Window
	}
	if clk == nil {
		clk = clock.New()
	}
	return &TrainingBuffer{scorer: scorer, cfg: cfg, clk: clk, observer: observer}
}

// Add buffers examples and runs one training step once at least MinBatch
// fresh examples are available. Non-finite targets are discarded on entry so
// a single bad outcome cannot poison the whole window.
func (b *TrainingBuffer) Add(examples ...features.TrainingExample) (AddResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ex := range examples {
		if math.IsNaN(ex.Target) || math.IsInf(ex.Target, 0) {
			log.Warn().Float64("target", ex.Target).Msg("discarding example with non-finite target")
			continue
		}
		b.examples = append(b.examples, ex)
		b.pending++
	}
	if len(b.examples) > b.cfg.Window {
		b.examples = b.examples[len(b.examples)-b.cfg.Window:]
	}

	if b.pending < b.cfg.MinBatch {
		return AddResult{Trained: false, Loss: b.lastLoss, Buffered: len(b.examples)}, nil
	}

	// Train over the full retained window, not just the fresh examples, so
	// each step still sees the recent regime.
	batch := append([]features.TrainingExample(nil), b.examples...)
	loss, err := b.scorer.Train(batch)
	b.pending = 0
	if err != nil {
		return AddResult{Trained: false, Loss: b.lastLoss, Buffered: len(b.examples)}, err
	}

	b.steps++
	b.lastLoss = loss
	b.lastTrained = b.clk.Now()
	if b.observer != nil {
		b.observer(b.steps, loss, len(batch))
	}

	return AddResult{Trained: true, Loss: loss, Buffered: len(b.examples)}, nil
}

// LastLoss returns the loss of the most recent applied step.
func (b *TrainingBuffer) LastLoss() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastLoss
}

// LastTrainedAt returns when the most recent step ran; zero before any step.
func (b *TrainingBuffer) LastTrainedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastTrained
}

// Len returns how many examples are currently buffered.
func (b *TrainingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.examples)
}

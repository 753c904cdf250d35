// Package engine owns the learned model behind the bridge: the scorer
// contract, its feed-forward reference implementation and the training
// buffer that gates online updates.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/linluma/scorebridge/shared/features"
)

// Training failures surfaced to callers. Neither corrupts model state.
var (
	ErrEmptyBatch     = errors.New("training batch is empty")
	ErrNonFiniteLoss  = errors.New("training loss is not finite")
	ErrStateCorrupted = errors.New("model state blob is not usable")
)

// Device selects the execution backend for batch arithmetic. Accelerated
// spreads batch forward passes across goroutines; scores are identical either
// way.
type Device string

const (
	DeviceCPU         Device = "cpu"
	DeviceAccelerated Device = "accelerated"
)

// Scorer is the capability the bridge hosts: score opportunities, learn from
// outcomes, explain sensitivity. Implementations must be deterministic at
// inference for fixed parameters.
type Scorer interface {
	// Predict runs one forward evaluation.
	Predict(v features.FeatureVector) float64

	// BatchPredict scores many vectors, order-preserving and element-wise
	// identical to repeated Predict calls.
	BatchPredict(vs []features.FeatureVector) []float64

	// Train applies one optimization step over the batch and returns the
	// mean squared error before the update. Empty batches fail with
	// ErrEmptyBatch; a non-finite loss is rejected before any parameter
	// changes.
	Train(batch []features.TrainingExample) (float64, error)

	// FeatureImportance reports the output's gradient magnitude per input
	// field, probed at a fixed synthetic input so the result characterizes
	// the current parameters, not a sample.
	FeatureImportance() map[string]float64

	// ExportState and ImportState round-trip the full model state
	// losslessly: predictions before a save equal predictions after the
	// matching load.
	ExportState() ([]byte, error)
	ImportState(blob []byte) error
}

// Config controls the reference scorer.
type Config struct {
	Specs        []LayerSpec
	LearningRate float64
	MinLearning  float64
	LRDecay      float64 // multiplicative decay applied per step
	Momentum     float64
	ClipNorm     float64 // global gradient L2 bound, applied every step
	Seed         int64
	Device       Device
}

// DefaultConfig returns the reference hyperparameters.
func DefaultConfig() Config {
	return Config{
		Specs:        DefaultLayerSpecs(),
		LearningRate: 0.001,
		MinLearning:  0.0001,
		LRDecay:      0.999,
		Momentum:     0.9,
		ClipNorm:     1.0,
		Seed:         1,
		Device:       DeviceCPU,
	}
}

// NeuralScorer is the reference Scorer: a fixed feed-forward regressor
// trained by momentum SGD with gradient clipping. A single writer (Train,
// ImportState) and many readers (Predict, BatchPredict, FeatureImportance)
// share the parameters under an RWMutex, so readers always observe a fully
// applied update or none of it.
type NeuralScorer struct {
	mu sync.RWMutex

	cfg    Config
	layers []*layer

	// optimizer state
	velocity []*gradients
	step     int

	lossHistory []float64
}

// NewNeuralScorer builds a scorer from the config, seeding the weights
// deterministically.
func NewNeuralScorer(cfg Config) (*NeuralScorer, error) {
	if len(cfg.Specs) == 0 {
		cfg.Specs = DefaultLayerSpecs()
	}
	if err := validateSpecs(cfg.Specs, features.NumFeatures); err != nil {
		return nil, fmt.Errorf("invalid layer specs: %w", err)
	}
	if cfg.ClipNorm <= 0 {
		return nil, fmt.Errorf("clip norm must be positive, got %v", cfg.ClipNorm)
	}
	if cfg.Device == "" {
		cfg.Device = DeviceCPU
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	s := &NeuralScorer{cfg: cfg}
	for _, spec := range cfg.Specs {
		s.layers = append(s.layers, newLayer(spec, rng))
		s.velocity = append(s.velocity, newGradients(spec))
	}
	return s, nil
}

// Predict implements Scorer.
func (s *NeuralScorer) Predict(v features.FeatureVector) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return forwardPass(s.layers, v.Values()).output
}

// BatchPredict implements Scorer. Each element is an independent forward
// pass, so results match N Predict calls exactly.
func (s *NeuralScorer) BatchPredict(vs []features.FeatureVector) []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]float64, len(vs))
	if s.cfg.Device == DeviceAccelerated && len(vs) > 1 {
		var wg sync.WaitGroup
		for i := range vs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				out[i] = forwardPass(s.layers, vs[i].Values()).output
			}(i)
		}
		wg.Wait()
		return out
	}
	for i := range vs {
		out[i] = forwardPass(s.layers, vs[i].Values()).output
	}
	return out
}

// Train implements Scorer. The loss is validated before the update, so a
// poisoned batch leaves the parameters untouched.
func (s *NeuralScorer) Train(batch []features.TrainingExample) (float64, error) {
	if len(batch) == 0 {
		return 0, ErrEmptyBatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	grads := make([]*gradients, len(s.layers))
	for i, l := range s.layers {
		grads[i] = newGradients(l.Spec)
	}

	n := float64(len(batch))
	var loss float64
	for _, ex := range batch {
		trace := forwardPass(s.layers, ex.Features.Values())
		diff := trace.output - ex.Target
		loss += diff * diff / n
		// d(MSE)/d(output) for this example, batch-averaged
		backwardPass(s.layers, trace, 2*diff/n, grads)
	}

	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, fmt.Errorf("%w: %v", ErrNonFiniteLoss, loss)
	}

	clipGradients(grads, s.cfg.ClipNorm)

	lr := s.learningRate()
	for li, l := range s.layers {
		vel := s.velocity[li]
		g := grads[li]
		for o := range l.Weights {
			for i := range l.Weights[o] {
				vel.Weights[o][i] = s.cfg.Momentum*vel.Weights[o][i] - lr*g.Weights[o][i]
				l.Weights[o][i] += vel.Weights[o][i]
			}
			vel.Bias[o] = s.cfg.Momentum*vel.Bias[o] - lr*g.Bias[o]
			l.Bias[o] += vel.Bias[o]
		}
	}

	s.step++
	s.lossHistory = append(s.lossHistory, loss)

	log.Debug().
		Int("step", s.step).
		Int("batch", len(batch)).
		Float64("loss", loss).
		Float64("lr", lr).
		Msg("training step applied")

	return loss, nil
}

// learningRate applies the per-step decay schedule with a floor. Caller holds
// the write lock.
func (s *NeuralScorer) learningRate() float64 {
	lr := s.cfg.LearningRate * math.Pow(s.cfg.LRDecay, float64(s.step))
	if lr < s.cfg.MinLearning {
		lr = s.cfg.MinLearning
	}
	return lr
}

// FeatureImportance implements Scorer. The probe input is fixed (0.5 per
// field) so repeated calls on the same parameters agree.
func (s *NeuralScorer) FeatureImportance() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	probe := make([]float64, features.NumFeatures)
	for i := range probe {
		probe[i] = 0.5
	}

	trace := forwardPass(s.layers, probe)
	inGrad := backwardPass(s.layers, trace, 1, nil)

	names := features.FieldNames()
	importance := make(map[string]float64, len(names))
	for i, name := range names {
		importance[name] = math.Abs(inGrad[i])
	}
	return importance
}

// LossHistory returns a copy of the per-step loss record.
func (s *NeuralScorer) LossHistory() []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]float64(nil), s.lossHistory...)
}

// modelState is the serialized form of everything Train mutates.
type modelState struct {
	Layers      []*layer     `json:"layers"`
	Velocity    []*gradients `json:"velocity"`
	Step        int          `json:"step"`
	LossHistory []float64    `json:"loss_history"`
}

// ExportState implements Scorer.
func (s *NeuralScorer) ExportState() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(modelState{
		Layers:      s.layers,
		Velocity:    s.velocity,
		Step:        s.step,
		LossHistory: s.lossHistory,
	})
}

// ImportState implements Scorer. The blob must describe the same
// architecture the scorer was built with.
func (s *NeuralScorer) ImportState(blob []byte) error {
	var st modelState
	if err := json.Unmarshal(blob, &st); err != nil {
		return fmt.Errorf("%w: %v", ErrStateCorrupted, err)
	}
	if len(st.Layers) != len(s.cfg.Specs) {
		return fmt.Errorf("%w: blob has %d layers, model has %d", ErrStateCorrupted, len(st.Layers), len(s.cfg.Specs))
	}
	for i, l := range st.Layers {
		if l.Spec != s.cfg.Specs[i] {
			return fmt.Errorf("%w: layer %d spec mismatch", ErrStateCorrupted, i)
		}
		if len(l.Weights) != l.Spec.Out || len(l.Bias) != l.Spec.Out {
			return fmt.Errorf("%w: layer %d has %d weight rows and %d biases, want %d",
				ErrStateCorrupted, i, len(l.Weights), len(l.Bias), l.Spec.Out)
		}
		for o, row := range l.Weights {
			if len(row) != l.Spec.In {
				return fmt.Errorf("%w: layer %d row %d has %d weights, want %d",
					ErrStateCorrupted, i, o, len(row), l.Spec.In)
			}
		}
	}
	if !velocityFits(st.Velocity, s.cfg.Specs) {
		st.Velocity = st.Velocity[:0]
		for _, spec := range s.cfg.Specs {
			st.Velocity = append(st.Velocity, newGradients(spec))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.layers = st.Layers
	s.velocity = st.Velocity
	s.step = st.Step
	s.lossHistory = st.LossHistory
	return nil
}

// velocityFits reports whether an imported optimizer state matches the
// architecture. A mismatch is not corruption; momentum just restarts cold.
func velocityFits(vel []*gradients, specs []LayerSpec) bool {
	if len(vel) != len(specs) {
		return false
	}
	for i, g := range vel {
		if g == nil || len(g.Weights) != specs[i].Out || len(g.Bias) != specs[i].Out {
			return false
		}
		for _, row := range g.Weights {
			if len(row) != specs[i].In {
				return false
			}
		}
	}
	return true
}

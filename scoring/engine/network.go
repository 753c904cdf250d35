package engine

import (
	"fmt"
	"math"
	"math/rand"
)

// Activation selects the non-linearity applied after a layer.
type Activation string

const (
	ActivationReLU   Activation = "relu"
	ActivationLinear Activation = "linear"
)

// LayerSpec declares one dense layer of the network. The architecture is a
// statically declared list of these specs; no reflection, no dynamic stacking.
type LayerSpec struct {
	In         int        `json:"in" yaml:"in"`
	Out        int        `json:"out" yaml:"out"`
	Activation Activation `json:"activation" yaml:"activation"`
}

// DefaultLayerSpecs is the reference regressor architecture: a small
// feed-forward net over the 12-field feature vector with a single scalar
// output.
func DefaultLayerSpecs() []LayerSpec {
	return []LayerSpec{
		{In: 12, Out: 64, Activation: ActivationReLU},
		{In: 64, Out: 32, Activation: ActivationReLU},
		{In: 32, Out: 16, Activation: ActivationReLU},
		{In: 16, Out: 1, Activation: ActivationLinear},
	}
}

func validateSpecs(specs []LayerSpec, inputDim int) error {
	if len(specs) == 0 {
		return fmt.Errorf("empty layer spec list")
	}
	prev := inputDim
	for i, s := range specs {
		if s.In != prev {
			return fmt.Errorf("layer %d expects %d inputs, previous layer provides %d", i, s.In, prev)
		}
		if s.Out <= 0 {
			return fmt.Errorf("layer %d has non-positive output size %d", i, s.Out)
		}
		switch s.Activation {
		case ActivationReLU, ActivationLinear:
		default:
			return fmt.Errorf("layer %d has unknown activation %q", i, s.Activation)
		}
		prev = s.Out
	}
	if specs[len(specs)-1].Out != 1 {
		return fmt.Errorf("final layer must emit a single score, got %d", specs[len(specs)-1].Out)
	}
	return nil
}

// layer holds the weights of one dense layer. Weights are row-major
// [out][in]; json tags keep the exported state blob stable.
type layer struct {
	Spec    LayerSpec   `json:"spec"`
	Weights [][]float64 `json:"weights"`
	Bias    []float64   `json:"bias"`
}

func newLayer(spec LayerSpec, rng *rand.Rand) *layer {
	l := &layer{
		Spec:    spec,
		Weights: make([][]float64, spec.Out),
		Bias:    make([]float64, spec.Out),
	}
	// He initialization, seeded so a fresh model is reproducible.
	scale := math.Sqrt(2.0 / float64(spec.In))
	for o := range l.Weights {
		row := make([]float64, spec.In)
		for i := range row {
			row[i] = rng.NormFloat64() * scale
		}
		l.Weights[o] = row
	}
	return l
}

// forward computes the layer output for one input, returning both the
// pre-activation sums and the activated output.
func (l *layer) forward(in []float64) (pre, out []float64) {
	pre = make([]float64, l.Spec.Out)
	for o := range l.Weights {
		sum := l.Bias[o]
		row := l.Weights[o]
		for i, x := range in {
			sum += row[i] * x
		}
		pre[o] = sum
	}
	out = activate(pre, l.Spec.Activation)
	return pre, out
}

func activate(pre []float64, act Activation) []float64 {
	out := make([]float64, len(pre))
	switch act {
	case ActivationReLU:
		for i, v := range pre {
			if v > 0 {
				out[i] = v
			}
		}
	default:
		copy(out, pre)
	}
	return out
}

func activationDeriv(pre []float64, act Activation) []float64 {
	d := make([]float64, len(pre))
	switch act {
	case ActivationReLU:
		for i, v := range pre {
			if v > 0 {
				d[i] = 1
			}
		}
	default:
		for i := range d {
			d[i] = 1
		}
	}
	return d
}

// gradients accumulates parameter gradients for one layer across a batch.
type gradients struct {
	Weights [][]float64
	Bias    []float64
}

func newGradients(spec LayerSpec) *gradients {
	g := &gradients{
		Weights: make([][]float64, spec.Out),
		Bias:    make([]float64, spec.Out),
	}
	for o := range g.Weights {
		g.Weights[o] = make([]float64, spec.In)
	}
	return g
}

// forwardPass runs the full network, keeping per-layer inputs and
// pre-activations for the backward pass.
type forwardTrace struct {
	inputs []([]float64) // input to each layer
	pres   []([]float64) // pre-activation of each layer
	output float64
}

func forwardPass(layers []*layer, in []float64) forwardTrace {
	trace := forwardTrace{
		inputs: make([][]float64, len(layers)),
		pres:   make([][]float64, len(layers)),
	}
	cur := in
	for i, l := range layers {
		trace.inputs[i] = cur
		pre, out := l.forward(cur)
		trace.pres[i] = pre
		cur = out
	}
	trace.output = cur[0]
	return trace
}

// backwardPass propagates an output-gradient through the network,
// accumulating parameter gradients into grads (when non-nil) and returning
// the gradient with respect to the network input.
func backwardPass(layers []*layer, trace forwardTrace, outGrad float64, grads []*gradients) []float64 {
	delta := []float64{outGrad}
	for li := len(layers) - 1; li >= 0; li-- {
		l := layers[li]
		deriv := activationDeriv(trace.pres[li], l.Spec.Activation)
		for o := range delta {
			delta[o] *= deriv[o]
		}

		if grads != nil {
			g := grads[li]
			in := trace.inputs[li]
			for o, d := range delta {
				g.Bias[o] += d
				row := g.Weights[o]
				for i, x := range in {
					row[i] += d * x
				}
			}
		}

		next := make([]float64, l.Spec.In)
		for o, d := range delta {
			row := l.Weights[o]
			for i := range next {
				next[i] += d * row[i]
			}
		}
		delta = next
	}
	return delta
}

// clipGradients scales all gradients so their global L2 norm does not exceed
// maxNorm. Required before every parameter update so outlier examples cannot
// blow up the weights.
func clipGradients(grads []*gradients, maxNorm float64) {
	var sum float64
	for _, g := range grads {
		for _, row := range g.Weights {
			for _, v := range row {
				sum += v * v
			}
		}
		for _, v := range g.Bias {
			sum += v * v
		}
	}
	norm := math.Sqrt(sum)
	if norm <= maxNorm || norm == 0 {
		return
	}
	scale := maxNorm / norm
	for _, g := range grads {
		for _, row := range g.Weights {
			for i := range row {
				row[i] *= scale
			}
		}
		for i := range g.Bias {
			g.Bias[i] *= scale
		}
	}
}

// Package policy holds the actor/critic networks behind the PPO trainer.
//
// Weights live as persistent dense tensors; every evaluation builds a fresh
// expression graph over them and runs a tape machine, so all intermediate
// tensors are released when the machine is closed. Optimizer steps mutate the
// persistent tensors in place, which keeps graph construction cheap and the
// parameter set stable across graphs.
package policy

import (
	"fmt"
	"math"
	"math/rand"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

type Config struct {
	ObsDim     int
	ActionDim  int
	HiddenSize int
	InitLogStd float64
}

func DefaultConfig(obsDim int) Config {
	return Config{
		ObsDim:     obsDim,
		ActionDim:  1,
		HiddenSize: 64,
		InitLogStd: -0.5,
	}
}

// Model is a diagonal-Gaussian actor plus a scalar critic. The action
// log-standard-deviation is a free parameter independent of the observation,
// not an output of the actor network.
type Model struct {
	cfg Config
	rng *rand.Rand

	actorW1, actorB1 *tensor.Dense
	actorW2, actorB2 *tensor.Dense
	actorW3, actorB3 *tensor.Dense
	logStd           *tensor.Dense

	criticW1, criticB1 *tensor.Dense
	criticW2, criticB2 *tensor.Dense
	criticW3, criticB3 *tensor.Dense
}

func NewModel(cfg Config, rng *rand.Rand) (*Model, error) {
	if cfg.ObsDim < 1 {
		return nil, fmt.Errorf("observation dimension must be >= 1, got %d", cfg.ObsDim)
	}
	if cfg.ActionDim < 1 {
		return nil, fmt.Errorf("action dimension must be >= 1, got %d", cfg.ActionDim)
	}
	if cfg.HiddenSize < 1 {
		return nil, fmt.Errorf("hidden size must be >= 1, got %d", cfg.HiddenSize)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}

	m := &Model{cfg: cfg, rng: rng}

	m.actorW1 = m.glorot(cfg.ObsDim, cfg.HiddenSize)
	m.actorB1 = zeros(1, cfg.HiddenSize)
	m.actorW2 = m.glorot(cfg.HiddenSize, cfg.HiddenSize)
	m.actorB2 = zeros(1, cfg.HiddenSize)
	m.actorW3 = m.glorot(cfg.HiddenSize, cfg.ActionDim)
	m.actorB3 = zeros(1, cfg.ActionDim)

	logStd := make([]float64, cfg.ActionDim)
	for i := range logStd {
		logStd[i] = cfg.InitLogStd
	}
	m.logStd = tensor.New(tensor.WithShape(1, cfg.ActionDim), tensor.WithBacking(logStd))

	m.criticW1 = m.glorot(cfg.ObsDim, cfg.HiddenSize)
	m.criticB1 = zeros(1, cfg.HiddenSize)
	m.criticW2 = m.glorot(cfg.HiddenSize, cfg.HiddenSize)
	m.criticB2 = zeros(1, cfg.HiddenSize)
	m.criticW3 = m.glorot(cfg.HiddenSize, 1)
	m.criticB3 = zeros(1, 1)

	return m, nil
}

func (m *Model) Config() Config { return m.cfg }

func (m *Model) glorot(in, out int) *tensor.Dense {
	limit := math.Sqrt(6.0 / float64(in+out))
	backing := make([]float64, in*out)
	for i := range backing {
		backing[i] = (m.rng.Float64()*2 - 1) * limit
	}
	return tensor.New(tensor.WithShape(in, out), tensor.WithBacking(backing))
}

func zeros(r, c int) *tensor.Dense {
	return tensor.New(tensor.WithShape(r, c), tensor.WithBacking(make([]float64, r*c)))
}

func node(g *gorgonia.ExprGraph, name string, t *tensor.Dense) *gorgonia.Node {
	return gorgonia.NewMatrix(g, tensor.Float64,
		gorgonia.WithShape(t.Shape()[0], t.Shape()[1]),
		gorgonia.WithName(name),
		gorgonia.WithValue(t),
	)
}

func dense(x, w, b *gorgonia.Node) (*gorgonia.Node, error) {
	h, err := gorgonia.Mul(x, w)
	if err != nil {
		return nil, err
	}
	return gorgonia.BroadcastAdd(h, b, nil, []byte{0})
}

// ActorMean builds the actor forward pass over batch input x (shape B x obs).
// It returns the mean node (B x actions), the logStd node (1 x actions), and
// the actor's learnable nodes with logStd last. Callers that need logStd in a
// downstream expression must reuse the returned node: each call creates fresh
// graph nodes over the shared weight tensors.
func (m *Model) ActorMean(g *gorgonia.ExprGraph, x *gorgonia.Node) (*gorgonia.Node, *gorgonia.Node, gorgonia.Nodes, error) {
	w1 := node(g, "actor_w1", m.actorW1)
	b1 := node(g, "actor_b1", m.actorB1)
	w2 := node(g, "actor_w2", m.actorW2)
	b2 := node(g, "actor_b2", m.actorB2)
	w3 := node(g, "actor_w3", m.actorW3)
	b3 := node(g, "actor_b3", m.actorB3)
	ls := node(g, "actor_log_std", m.logStd)

	h1, err := dense(x, w1, b1)
	if err != nil {
		return nil, nil, nil, err
	}
	h1, err = gorgonia.Tanh(h1)
	if err != nil {
		return nil, nil, nil, err
	}
	h2, err := dense(h1, w2, b2)
	if err != nil {
		return nil, nil, nil, err
	}
	h2, err = gorgonia.Tanh(h2)
	if err != nil {
		return nil, nil, nil, err
	}
	mean, err := dense(h2, w3, b3)
	if err != nil {
		return nil, nil, nil, err
	}
	return mean, ls, gorgonia.Nodes{w1, b1, w2, b2, w3, b3, ls}, nil
}

// CriticValue builds the critic forward pass over batch input x and returns
// the value node (B x 1) plus the critic's learnable nodes.
func (m *Model) CriticValue(g *gorgonia.ExprGraph, x *gorgonia.Node) (*gorgonia.Node, gorgonia.Nodes, error) {
	w1 := node(g, "critic_w1", m.criticW1)
	b1 := node(g, "critic_b1", m.criticB1)
	w2 := node(g, "critic_w2", m.criticW2)
	b2 := node(g, "critic_b2", m.criticB2)
	w3 := node(g, "critic_w3", m.criticW3)
	b3 := node(g, "critic_b3", m.criticB3)

	h1, err := dense(x, w1, b1)
	if err != nil {
		return nil, nil, err
	}
	h1, err = gorgonia.Tanh(h1)
	if err != nil {
		return nil, nil, err
	}
	h2, err := dense(h1, w2, b2)
	if err != nil {
		return nil, nil, err
	}
	h2, err = gorgonia.Tanh(h2)
	if err != nil {
		return nil, nil, err
	}
	value, err := dense(h2, w3, b3)
	if err != nil {
		return nil, nil, err
	}
	return value, gorgonia.Nodes{w1, b1, w2, b2, w3, b3}, nil
}

// Forward evaluates the actor mean and critic value for a single observation.
func (m *Model) Forward(obs []float64) (mean []float64, value float64, err error) {
	if len(obs) != m.cfg.ObsDim {
		return nil, 0, fmt.Errorf("observation length %d does not match model dimension %d", len(obs), m.cfg.ObsDim)
	}

	g := gorgonia.NewGraph()
	backing := make([]float64, len(obs))
	copy(backing, obs)
	x := gorgonia.NewMatrix(g, tensor.Float64,
		gorgonia.WithShape(1, m.cfg.ObsDim),
		gorgonia.WithName("obs"),
		gorgonia.WithValue(tensor.New(tensor.WithShape(1, m.cfg.ObsDim), tensor.WithBacking(backing))),
	)

	meanNode, _, _, err := m.ActorMean(g, x)
	if err != nil {
		return nil, 0, fmt.Errorf("build actor: %w", err)
	}
	valueNode, _, err := m.CriticValue(g, x)
	if err != nil {
		return nil, 0, fmt.Errorf("build critic: %w", err)
	}

	vm := gorgonia.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, 0, fmt.Errorf("run forward pass: %w", err)
	}

	meanData := meanNode.Value().Data().([]float64)
	mean = make([]float64, m.cfg.ActionDim)
	copy(mean, meanData)
	value = valueNode.Value().Data().([]float64)[0]
	return mean, value, nil
}

// SampleAction draws noise ~ Normal(0, I), returns
// action = mean + exp(logStd) * noise along with the closed-form Gaussian log
// density of the sample and the critic's value estimate. The model's random
// source is the only state consumed.
func (m *Model) SampleAction(obs []float64) (action []float64, logProb, value float64, err error) {
	mean, value, err := m.Forward(obs)
	if err != nil {
		return nil, 0, 0, err
	}

	logStd := m.LogStdValues()
	action = make([]float64, m.cfg.ActionDim)
	noise := make([]float64, m.cfg.ActionDim)
	for d := range action {
		noise[d] = m.rng.NormFloat64()
		action[d] = mean[d] + math.Exp(logStd[d])*noise[d]
	}
	return action, GaussianLogProb(noise, logStd), value, nil
}

// LogStdValues returns a copy of the logStd parameter.
func (m *Model) LogStdValues() []float64 {
	data := m.logStd.Data().([]float64)
	out := make([]float64, len(data))
	copy(out, data)
	return out
}

// GaussianLogProb is the diagonal-Gaussian log density of a sample expressed
// through its standard noise: sum_d -0.5*(noise_d^2 + 2*logStd_d + ln(2*pi)).
func GaussianLogProb(noise, logStd []float64) float64 {
	sum := 0.0
	for d := range noise {
		sum += -0.5 * (noise[d]*noise[d] + 2*logStd[d] + math.Log(2*math.Pi))
	}
	return sum
}

// Entropy is the closed-form differential entropy of the action distribution,
// sum_d (logStd_d + 0.5*ln(2*pi*e)). It depends only on logStd because the
// standard deviation does not depend on the observation.
func (m *Model) Entropy() float64 {
	sum := 0.0
	for _, ls := range m.logStd.Data().([]float64) {
		sum += ls + 0.5*math.Log(2*math.Pi*math.E)
	}
	return sum
}

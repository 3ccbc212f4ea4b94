// Package ppo implements the clipped-surrogate proximal policy update.
package ppo

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"polecart/internal/policy"
	"polecart/internal/rollout"
)

// ErrDiverged marks an update abandoned because a loss went non-finite. The
// parameters stepped before the bad minibatch are kept; the remainder of the
// update is discarded.
var ErrDiverged = errors.New("non-finite loss, update discarded")

// ErrEmptyBatch marks an update invoked with no transitions.
var ErrEmptyBatch = errors.New("empty update batch")

type Config struct {
	ClipRatio   float64
	EntropyCoef float64
	ActorLR     float64
	CriticLR    float64
	Epochs      int
	BatchSize   int

	// NormalizeAdvantages rescales the batch advantages by their mean and
	// standard deviation before the update. Off by default: the estimator
	// computes the statistics but raw advantages drive the surrogate.
	NormalizeAdvantages bool
}

func DefaultConfig() Config {
	return Config{
		ClipRatio:   0.2,
		EntropyCoef: 0.01,
		ActorLR:     3e-4,
		CriticLR:    1e-3,
		Epochs:      10,
		BatchSize:   64,
	}
}

// Stats summarizes one completed update.
type Stats struct {
	ActorLoss   float64
	CriticLoss  float64
	Entropy     float64
	Minibatches int
}

// Updater owns the two optimizers. Actor and critic are stepped by separate
// solvers, never through a joint loss.
type Updater struct {
	cfg          Config
	actorSolver  gorgonia.Solver
	criticSolver gorgonia.Solver
	rng          *rand.Rand
}

func NewUpdater(cfg Config, rng *rand.Rand) (*Updater, error) {
	if cfg.ClipRatio <= 0 || cfg.ClipRatio >= 1 {
		return nil, fmt.Errorf("clip ratio must be in (0, 1), got %v", cfg.ClipRatio)
	}
	if cfg.ActorLR <= 0 || cfg.CriticLR <= 0 {
		return nil, fmt.Errorf("learning rates must be > 0")
	}
	if cfg.Epochs < 1 {
		return nil, fmt.Errorf("epochs must be >= 1, got %d", cfg.Epochs)
	}
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be >= 1, got %d", cfg.BatchSize)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Updater{
		cfg:          cfg,
		actorSolver:  gorgonia.NewAdamSolver(gorgonia.WithLearnRate(cfg.ActorLR)),
		criticSolver: gorgonia.NewAdamSolver(gorgonia.WithLearnRate(cfg.CriticLR)),
		rng:          rng,
	}, nil
}

// Update runs the configured number of epochs over the episode, slicing it
// into minibatches by one index permutation drawn up front and reused for
// every epoch, which shuffles more weakly than re-permuting per epoch.
// Each minibatch takes one actor step and one independent critic
// step; graph and machine for a minibatch are released before the next one.
func (u *Updater) Update(m *policy.Model, transitions []rollout.Transition, est rollout.Estimate) (Stats, error) {
	n := len(transitions)
	if n == 0 {
		return Stats{}, ErrEmptyBatch
	}
	if len(est.Advantages) != n || len(est.Returns) != n {
		return Stats{}, fmt.Errorf("estimate length %d does not match episode length %d", len(est.Advantages), n)
	}

	advantages := est.Advantages
	if u.cfg.NormalizeAdvantages && est.AdvStd > 1e-8 {
		advantages = make([]float64, n)
		for i, a := range est.Advantages {
			advantages[i] = (a - est.AdvMean) / est.AdvStd
		}
	}

	perm := u.rng.Perm(n)

	var stats Stats
	for epoch := 0; epoch < u.cfg.Epochs; epoch++ {
		for start := 0; start < n; start += u.cfg.BatchSize {
			end := start + u.cfg.BatchSize
			if end > n {
				end = n
			}
			idx := perm[start:end]

			mb := sliceMinibatch(m.Config(), transitions, advantages, est.Returns, idx)

			actorLoss, err := u.actorStep(m, mb)
			if err != nil {
				return stats, err
			}
			criticLoss, err := u.criticStep(m, mb)
			if err != nil {
				return stats, err
			}

			stats.ActorLoss = actorLoss
			stats.CriticLoss = criticLoss
			stats.Minibatches++
		}
	}
	stats.Entropy = m.Entropy()
	return stats, nil
}

type minibatch struct {
	size       int
	obsDim     int
	actionDim  int
	obs        []float64
	actions    []float64
	logProbs   []float64
	advantages []float64
	returns    []float64
}

func sliceMinibatch(cfg policy.Config, transitions []rollout.Transition, advantages, returns []float64, idx []int) minibatch {
	mb := minibatch{
		size:       len(idx),
		obsDim:     cfg.ObsDim,
		actionDim:  cfg.ActionDim,
		obs:        make([]float64, 0, len(idx)*cfg.ObsDim),
		actions:    make([]float64, 0, len(idx)*cfg.ActionDim),
		logProbs:   make([]float64, 0, len(idx)),
		advantages: make([]float64, 0, len(idx)),
		returns:    make([]float64, 0, len(idx)),
	}
	for _, i := range idx {
		mb.obs = append(mb.obs, transitions[i].State...)
		mb.actions = append(mb.actions, transitions[i].Action...)
		mb.logProbs = append(mb.logProbs, transitions[i].LogProb)
		mb.advantages = append(mb.advantages, advantages[i])
		mb.returns = append(mb.returns, returns[i])
	}
	return mb
}

func matrixInput(g *gorgonia.ExprGraph, name string, rows, cols int, backing []float64) *gorgonia.Node {
	return gorgonia.NewMatrix(g, tensor.Float64,
		gorgonia.WithShape(rows, cols),
		gorgonia.WithName(name),
		gorgonia.WithValue(tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(backing))),
	)
}

func vectorInput(g *gorgonia.ExprGraph, name string, backing []float64) *gorgonia.Node {
	return gorgonia.NewVector(g, tensor.Float64,
		gorgonia.WithShape(len(backing)),
		gorgonia.WithName(name),
		gorgonia.WithValue(tensor.New(tensor.WithShape(len(backing)), tensor.WithBacking(backing))),
	)
}

// elemMin builds 0.5*(a+b-|a-b|), the elementwise minimum. Gorgonia has no
// pairwise min op, and this form stays differentiable everywhere but the tie.
func elemMin(a, b *gorgonia.Node) (*gorgonia.Node, error) {
	diff, err := gorgonia.Sub(a, b)
	if err != nil {
		return nil, err
	}
	abs, err := gorgonia.Abs(diff)
	if err != nil {
		return nil, err
	}
	sum, err := gorgonia.Add(a, b)
	if err != nil {
		return nil, err
	}
	spread, err := gorgonia.Sub(sum, abs)
	if err != nil {
		return nil, err
	}
	return gorgonia.Mul(spread, gorgonia.NewConstant(0.5))
}

// elemMax builds 0.5*(a+b+|a-b|), the elementwise maximum.
func elemMax(a, b *gorgonia.Node) (*gorgonia.Node, error) {
	diff, err := gorgonia.Sub(a, b)
	if err != nil {
		return nil, err
	}
	abs, err := gorgonia.Abs(diff)
	if err != nil {
		return nil, err
	}
	sum, err := gorgonia.Add(a, b)
	if err != nil {
		return nil, err
	}
	spread, err := gorgonia.Add(sum, abs)
	if err != nil {
		return nil, err
	}
	return gorgonia.Mul(spread, gorgonia.NewConstant(0.5))
}

func clampNode(x *gorgonia.Node, lo, hi float64) (*gorgonia.Node, error) {
	floored, err := elemMax(x, gorgonia.NewConstant(lo))
	if err != nil {
		return nil, err
	}
	return elemMin(floored, gorgonia.NewConstant(hi))
}

// batchLogProb builds the per-row Gaussian log density of actions under the
// current mean and logStd: sum_d -0.5*(z_d^2 + 2*logStd_d + ln(2*pi)) with
// z = (action - mean)*exp(-logStd). Returns a length-B vector node.
func batchLogProb(actions, mean, logStd *gorgonia.Node) (*gorgonia.Node, error) {
	negLS, err := gorgonia.Neg(logStd)
	if err != nil {
		return nil, err
	}
	invStd, err := gorgonia.Exp(negLS)
	if err != nil {
		return nil, err
	}
	diff, err := gorgonia.Sub(actions, mean)
	if err != nil {
		return nil, err
	}
	z, err := gorgonia.BroadcastHadamardProd(diff, invStd, nil, []byte{0})
	if err != nil {
		return nil, err
	}
	z2, err := gorgonia.Square(z)
	if err != nil {
		return nil, err
	}
	twoLS, err := gorgonia.Add(logStd, logStd)
	if err != nil {
		return nil, err
	}
	shift, err := gorgonia.Add(twoLS, gorgonia.NewConstant(math.Log(2*math.Pi)))
	if err != nil {
		return nil, err
	}
	inner, err := gorgonia.BroadcastAdd(z2, shift, nil, []byte{0})
	if err != nil {
		return nil, err
	}
	scaled, err := gorgonia.Mul(inner, gorgonia.NewConstant(-0.5))
	if err != nil {
		return nil, err
	}
	return gorgonia.Sum(scaled, 1)
}

func (u *Updater) actorStep(m *policy.Model, mb minibatch) (float64, error) {
	g := gorgonia.NewGraph()
	obs := matrixInput(g, "obs", mb.size, mb.obsDim, mb.obs)

	mean, logStd, params, err := m.ActorMean(g, obs)
	if err != nil {
		return 0, fmt.Errorf("build actor: %w", err)
	}

	actions := matrixInput(g, "actions", mb.size, mb.actionDim, mb.actions)
	logProbOld := vectorInput(g, "logp_old", mb.logProbs)
	advantage := vectorInput(g, "advantage", mb.advantages)

	logProbNew, err := batchLogProb(actions, mean, logStd)
	if err != nil {
		return 0, fmt.Errorf("build log prob: %w", err)
	}
	logRatio, err := gorgonia.Sub(logProbNew, logProbOld)
	if err != nil {
		return 0, err
	}
	ratio, err := gorgonia.Exp(logRatio)
	if err != nil {
		return 0, err
	}

	surr1, err := gorgonia.HadamardProd(ratio, advantage)
	if err != nil {
		return 0, err
	}
	clipped, err := clampNode(ratio, 1-u.cfg.ClipRatio, 1+u.cfg.ClipRatio)
	if err != nil {
		return 0, err
	}
	surr2, err := gorgonia.HadamardProd(clipped, advantage)
	if err != nil {
		return 0, err
	}
	surrogate, err := elemMin(surr1, surr2)
	if err != nil {
		return 0, err
	}
	objective, err := gorgonia.Mean(surrogate)
	if err != nil {
		return 0, err
	}

	// Differential entropy of the diagonal Gaussian: sum_d logStd_d plus a
	// constant. Batch-independent because std does not depend on the input.
	lsSum, err := gorgonia.Sum(logStd)
	if err != nil {
		return 0, err
	}
	entConst := float64(mb.actionDim) * 0.5 * math.Log(2*math.Pi*math.E)
	entropy, err := gorgonia.Add(lsSum, gorgonia.NewConstant(entConst))
	if err != nil {
		return 0, err
	}
	entTerm, err := gorgonia.Mul(entropy, gorgonia.NewConstant(u.cfg.EntropyCoef))
	if err != nil {
		return 0, err
	}

	negObjective, err := gorgonia.Neg(objective)
	if err != nil {
		return 0, err
	}
	loss, err := gorgonia.Sub(negObjective, entTerm)
	if err != nil {
		return 0, err
	}

	return u.runStep(g, loss, params, u.actorSolver)
}

func (u *Updater) criticStep(m *policy.Model, mb minibatch) (float64, error) {
	g := gorgonia.NewGraph()
	obs := matrixInput(g, "obs", mb.size, mb.obsDim, mb.obs)

	value, params, err := m.CriticValue(g, obs)
	if err != nil {
		return 0, fmt.Errorf("build critic: %w", err)
	}
	flat, err := gorgonia.Reshape(value, tensor.Shape{mb.size})
	if err != nil {
		return 0, err
	}

	returns := vectorInput(g, "returns", mb.returns)
	residual, err := gorgonia.Sub(flat, returns)
	if err != nil {
		return 0, err
	}
	squared, err := gorgonia.Square(residual)
	if err != nil {
		return 0, err
	}
	loss, err := gorgonia.Mean(squared)
	if err != nil {
		return 0, err
	}

	return u.runStep(g, loss, params, u.criticSolver)
}

// runStep computes gradients for loss on a one-minibatch graph, checks the
// loss is finite before any parameter mutation, steps the solver, and
// releases the machine. The graph itself becomes garbage when this returns,
// which bounds memory across long training sessions.
func (u *Updater) runStep(g *gorgonia.ExprGraph, loss *gorgonia.Node, params gorgonia.Nodes, solver gorgonia.Solver) (float64, error) {
	if _, err := gorgonia.Grad(loss, params...); err != nil {
		return 0, fmt.Errorf("build gradients: %w", err)
	}

	vm := gorgonia.NewTapeMachine(g, gorgonia.BindDualValues(params...))
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return 0, fmt.Errorf("run update graph: %w", err)
	}

	lossVal, ok := loss.Value().Data().(float64)
	if !ok {
		return 0, fmt.Errorf("loss value has unexpected type %T", loss.Value().Data())
	}
	if math.IsNaN(lossVal) || math.IsInf(lossVal, 0) {
		return lossVal, fmt.Errorf("%w: loss=%v", ErrDiverged, lossVal)
	}

	if err := solver.Step(gorgonia.NodesToValueGrads(params)); err != nil {
		return lossVal, fmt.Errorf("optimizer step: %w", err)
	}
	return lossVal, nil
}

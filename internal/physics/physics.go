package physics

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// State vector layout: [x, xDot, theta_1, thetaDot_1, ..., theta_N, thetaDot_N].
// Cart occupies offsets 0..1, pole i occupies offsets 2+2i..3+2i.
const (
	offsetCartPosition = 0
	offsetCartVelocity = 1
	poleOffsetBase     = 2
	perPoleSlots       = 2
)

type Config struct {
	Poles      int
	MassCart   float64
	MassPole   float64
	PoleLength float64
	Gravity    float64
	Dt         float64
	TrackLimit float64

	// PivotHeight is how far the pole pivot sits above the ground line.
	// An episode ends when any chained pole tip drops within GroundMargin
	// of the ground. A renderer drawing at 100 px/m sees these as 25 px
	// and 10 px.
	PivotHeight  float64
	GroundMargin float64

	InitJitter float64
}

func DefaultConfig(poles int) Config {
	return Config{
		Poles:        poles,
		MassCart:     1.0,
		MassPole:     0.1,
		PoleLength:   0.5,
		Gravity:      9.81,
		Dt:           0.02,
		TrackLimit:   2.4,
		PivotHeight:  0.25,
		GroundMargin: 0.10,
		InitJitter:   0.025,
	}
}

// Engine owns the cart+poles state vector. The integrator is the only
// mutator of the vector; the length 2+2N is fixed for the engine's lifetime
// and changing the pole count means constructing a new engine.
type Engine struct {
	cfg   Config
	state []float64
	rng   *rand.Rand

	// scratch buffers for RK4 stages, reused across steps
	k1, k2, k3, k4, tmp []float64
}

func NewEngine(cfg Config, rng *rand.Rand) (*Engine, error) {
	if cfg.Poles < 1 {
		return nil, fmt.Errorf("pole count must be >= 1, got %d", cfg.Poles)
	}
	if cfg.MassCart <= 0 || cfg.MassPole <= 0 {
		return nil, fmt.Errorf("masses must be > 0")
	}
	if cfg.PoleLength <= 0 {
		return nil, fmt.Errorf("pole length must be > 0")
	}
	if cfg.Dt <= 0 {
		return nil, fmt.Errorf("integration step must be > 0")
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}

	dim := poleOffsetBase + perPoleSlots*cfg.Poles
	e := &Engine{
		cfg:   cfg,
		state: make([]float64, dim),
		rng:   rng,
		k1:    make([]float64, dim),
		k2:    make([]float64, dim),
		k3:    make([]float64, dim),
		k4:    make([]float64, dim),
		tmp:   make([]float64, dim),
	}
	e.Reset()
	return e, nil
}

func (e *Engine) Poles() int    { return e.cfg.Poles }
func (e *Engine) StateDim() int { return len(e.state) }
func (e *Engine) Dt() float64   { return e.cfg.Dt }

// State returns a copy of the state vector.
func (e *Engine) State() []float64 {
	out := make([]float64, len(e.state))
	copy(out, e.state)
	return out
}

func (e *Engine) CartPosition() float64 { return e.state[offsetCartPosition] }

func (e *Engine) PoleAngle(i int) float64 {
	return e.state[poleOffsetBase+perPoleSlots*i]
}

// Reset zeroes the cart and redraws every pole angle and angular velocity
// from a uniform distribution on [-jitter, jitter].
func (e *Engine) Reset() {
	e.state[offsetCartPosition] = 0
	e.state[offsetCartVelocity] = 0
	for i := 0; i < e.cfg.Poles; i++ {
		base := poleOffsetBase + perPoleSlots*i
		e.state[base] = e.uniformJitter()
		e.state[base+1] = e.uniformJitter()
	}
}

func (e *Engine) uniformJitter() float64 {
	return (e.rng.Float64()*2 - 1) * e.cfg.InitJitter
}

// derivative writes the time derivative of state into out. Cart acceleration
// uses the shared-acceleration approximation a = F/(Mc + N*mp): poles do not
// feed reaction forces back to the cart or to each other. This is a deliberate
// simplification of the coupled multi-body dynamics.
func (e *Engine) derivative(state []float64, force float64, out []float64) {
	totalMass := e.cfg.MassCart + float64(e.cfg.Poles)*e.cfg.MassPole
	accel := force / totalMass

	out[offsetCartPosition] = state[offsetCartVelocity]
	out[offsetCartVelocity] = accel

	length := e.cfg.PoleLength
	gravity := e.cfg.Gravity
	for i := 0; i < e.cfg.Poles; i++ {
		base := poleOffsetBase + perPoleSlots*i
		theta := state[base]
		thetaDot := state[base+1]
		out[base] = thetaDot
		out[base+1] = -(gravity/length)*math.Sin(theta) - (accel/length)*math.Cos(theta)
	}
}

// step performs one classical fourth-order Runge-Kutta step with the
// configured fixed dt. Force is held constant across the step.
func (e *Engine) step(force float64) {
	dt := e.cfg.Dt
	n := len(e.state)

	e.derivative(e.state, force, e.k1)
	for i := 0; i < n; i++ {
		e.tmp[i] = e.state[i] + 0.5*dt*e.k1[i]
	}
	e.derivative(e.tmp, force, e.k2)
	for i := 0; i < n; i++ {
		e.tmp[i] = e.state[i] + 0.5*dt*e.k2[i]
	}
	e.derivative(e.tmp, force, e.k3)
	for i := 0; i < n; i++ {
		e.tmp[i] = e.state[i] + dt*e.k3[i]
	}
	e.derivative(e.tmp, force, e.k4)
	for i := 0; i < n; i++ {
		e.state[i] += dt / 6 * (e.k1[i] + 2*e.k2[i] + 2*e.k3[i] + e.k4[i])
	}
}

// Advance catches the simulation up to elapsed wall-clock time, performing
// floor(elapsed/dt) RK4 steps under the given force. The sub-step remainder
// is dropped, so simulated time drifts slowly behind wall-clock time under
// variable tick timing. Returns the number of steps taken.
func (e *Engine) Advance(force float64, elapsed time.Duration) int {
	stepMillis := int64(e.cfg.Dt * 1000)
	steps := int(elapsed.Milliseconds() / stepMillis)
	for i := 0; i < steps; i++ {
		e.step(force)
	}
	return steps
}

// tipHeight returns the height above ground of pole i's tip, with poles
// chained vertically from the cart pivot.
func (e *Engine) tipHeight(i int) float64 {
	h := e.cfg.PivotHeight
	for j := 0; j <= i; j++ {
		h += e.cfg.PoleLength * math.Cos(e.state[poleOffsetBase+perPoleSlots*j])
	}
	return h
}

// IsTerminal reports whether the cart has left the track or any pole tip has
// reached the ground margin. The track bound is strict: |x| exactly at the
// limit is not terminal.
func (e *Engine) IsTerminal() bool {
	if math.Abs(e.state[offsetCartPosition]) > e.cfg.TrackLimit {
		return true
	}
	for i := 0; i < e.cfg.Poles; i++ {
		if e.tipHeight(i) < e.cfg.GroundMargin {
			return true
		}
	}
	return false
}

// Diverged reports whether any state component is NaN or infinite.
func (e *Engine) Diverged() bool {
	for _, v := range e.state {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

package physics

import (
	"math"
	"math/rand"
)

// Side identifies one half of the board.
type Side int

const (
	// SideLeft defends the x = 0 goal line.
	SideLeft Side = iota
	// SideRight defends the x = width goal line.
	SideRight
)

// String renders the side using its wire name.
func (s Side) String() string {
	switch s {
	case SideLeft:
		return "left"
	case SideRight:
		return "right"
	default:
		return "unknown"
	}
}

// Opposite returns the other side of the board.
func (s Side) Opposite() Side {
	if s == SideLeft {
		return SideRight
	}
	return SideLeft
}

// Status captures where a match is in its lifecycle.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusRunning Status = "running"
	StatusEnded   Status = "ended"
)

// Config holds board geometry and ball tuning.
type Config struct {
	Width          float64
	Height         float64
	PaddleWidth    float64
	PaddleHeight   float64
	PaddleInset    float64
	BallRadius     float64
	BaseSpeed      float64
	SpeedIncrement float64
	MaxSpeed       float64
	// MaxBounceAngle is the deflection, in radians, applied to a hit on the paddle tip.
	MaxBounceAngle float64
	WinScore       int
}

// DefaultConfig mirrors the classic 800x480 arena.
func DefaultConfig() Config {
	return Config{
		Width:          800,
		Height:         480,
		PaddleWidth:    12,
		PaddleHeight:   90,
		PaddleInset:    24,
		BallRadius:     6,
		BaseSpeed:      240,
		SpeedIncrement: 24,
		MaxSpeed:       600,
		MaxBounceAngle: math.Pi / 3,
		WinScore:       5,
	}
}

func (c Config) normalised() Config {
	defaults := DefaultConfig()
	if c.Width <= 0 {
		c.Width = defaults.Width
	}
	if c.Height <= 0 {
		c.Height = defaults.Height
	}
	if c.PaddleWidth <= 0 {
		c.PaddleWidth = defaults.PaddleWidth
	}
	if c.PaddleHeight <= 0 {
		c.PaddleHeight = defaults.PaddleHeight
	}
	if c.PaddleInset < 0 {
		c.PaddleInset = defaults.PaddleInset
	}
	if c.BallRadius <= 0 {
		c.BallRadius = defaults.BallRadius
	}
	if c.BaseSpeed <= 0 {
		c.BaseSpeed = defaults.BaseSpeed
	}
	if c.SpeedIncrement < 0 {
		c.SpeedIncrement = 0
	}
	if c.MaxSpeed < c.BaseSpeed {
		c.MaxSpeed = c.BaseSpeed
	}
	if c.MaxBounceAngle <= 0 || c.MaxBounceAngle >= math.Pi/2 {
		c.MaxBounceAngle = defaults.MaxBounceAngle
	}
	if c.WinScore <= 0 {
		c.WinScore = defaults.WinScore
	}
	return c
}

// Ball is the kinematic state of the ball. Speed is the magnitude new
// velocities are built from after serves and paddle hits.
type Ball struct {
	X     float64
	Y     float64
	VX    float64
	VY    float64
	Speed float64
}

// State is the complete physical state of one match. Paddles and Scores are
// indexed by Side; paddle values are centre positions on the y axis.
type State struct {
	Ball    Ball
	Paddles [2]float64
	Scores  [2]int
	Status  Status
	Winner  Side
	HasWon  bool
}

// Outcome reports the notable events produced by a single step.
type Outcome struct {
	PaddleHit bool
	HitSide   Side
	Scored    bool
	Scorer    Side
	Ended     bool
}

// Option customises an Engine.
type Option func(*Engine)

// WithRandom overrides the random source used for serves, returning values in [0, 1).
func WithRandom(source func() float64) Option {
	return func(e *Engine) {
		if source != nil {
			e.random = source
		}
	}
}

// Engine advances match state. It holds configuration only and is safe for
// concurrent use as long as the random source is.
type Engine struct {
	cfg    Config
	random func() float64
}

// NewEngine builds an engine, filling unset configuration with defaults.
func NewEngine(cfg Config, opts ...Option) *Engine {
	engine := &Engine{cfg: cfg.normalised(), random: rand.Float64}
	for _, opt := range opts {
		if opt != nil {
			opt(engine)
		}
	}
	return engine
}

// Config exposes the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// NewState returns a waiting match with the ball at rest in the centre.
func (e *Engine) NewState() State {
	return State{
		Ball: Ball{
			X:     e.cfg.Width / 2,
			Y:     e.cfg.Height / 2,
			VX:    e.cfg.BaseSpeed * 0.75,
			VY:    e.cfg.BaseSpeed * 0.5,
			Speed: e.cfg.BaseSpeed,
		},
		Paddles: [2]float64{e.cfg.Height / 2, e.cfg.Height / 2},
		Status:  StatusWaiting,
	}
}

// ClampPaddle bounds a paddle centre to the board height.
func (e *Engine) ClampPaddle(y float64) float64 {
	if math.IsNaN(y) {
		return e.cfg.Height / 2
	}
	return clamp(y, 0, e.cfg.Height)
}

// PaddleFaceX returns the x coordinate of the paddle face the ball strikes.
func (e *Engine) PaddleFaceX(side Side) float64 {
	switch side {
	case SideLeft:
		return e.cfg.PaddleInset + e.cfg.PaddleWidth
	case SideRight:
		return e.cfg.Width - e.cfg.PaddleInset - e.cfg.PaddleWidth
	default:
		panic("physics: unknown side")
	}
}

// Serve recentres the ball and launches it toward a random side.
func (e *Engine) Serve(state *State) {
	toward := SideLeft
	if e.random() > 0.5 {
		toward = SideRight
	}
	e.ResetBall(state, toward)
}

// ResetBall recentres the ball at base speed heading toward the given side with
// a random vertical component of up to half the base speed.
func (e *Engine) ResetBall(state *State, toward Side) {
	speed := e.cfg.BaseSpeed
	vertical := e.random() * speed / 2
	if e.random() > 0.5 {
		vertical = -vertical
	}
	state.Ball = Ball{
		X:     e.cfg.Width / 2,
		Y:     e.cfg.Height / 2,
		VX:    direction(toward) * speed,
		VY:    vertical,
		Speed: speed,
	}
}

// Step advances a running match by dt seconds. Non-running states are left untouched.
func (e *Engine) Step(state *State, dt float64) Outcome {
	var outcome Outcome
	if state == nil || state.Status != StatusRunning || dt <= 0 {
		return outcome
	}
	ball := &state.Ball
	radius := e.cfg.BallRadius
	prevX := ball.X

	//1.- Integrate the ball along its velocity.
	ball.X += ball.VX * dt
	ball.Y += ball.VY * dt

	//2.- Reflect off the top and bottom walls, mirroring any overshoot back inside.
	top, bottom := radius, e.cfg.Height-radius
	if ball.Y < top {
		ball.Y = top + (top - ball.Y)
		ball.VY = math.Abs(ball.VY)
	} else if ball.Y > bottom {
		ball.Y = bottom - (ball.Y - bottom)
		ball.VY = -math.Abs(ball.VY)
	}
	ball.Y = clamp(ball.Y, top, bottom)

	//3.- Resolve paddle contact on whichever side the ball is travelling toward.
	for _, side := range [2]Side{SideLeft, SideRight} {
		if e.collide(state, side, prevX) {
			outcome.PaddleHit = true
			outcome.HitSide = side
			break
		}
	}

	//4.- Award a point once the ball fully leaves through a goal line.
	if ball.X < 0 || ball.X > e.cfg.Width {
		scorer := SideLeft
		if ball.X < 0 {
			scorer = SideRight
		}
		state.Scores[scorer]++
		outcome.Scored = true
		outcome.Scorer = scorer
		e.ResetBall(state, scorer.Opposite())

		//5.- Finish the match when the scorer reaches the target.
		if state.Scores[scorer] >= e.cfg.WinScore {
			state.Status = StatusEnded
			state.Winner = scorer
			state.HasWon = true
			ball.VX, ball.VY = 0, 0
			outcome.Ended = true
		}
	}

	ball.X = clamp(ball.X, 0, e.cfg.Width)
	ball.Y = clamp(ball.Y, top, bottom)
	state.Paddles[SideLeft] = e.ClampPaddle(state.Paddles[SideLeft])
	state.Paddles[SideRight] = e.ClampPaddle(state.Paddles[SideRight])
	return outcome
}

// collide bounces the ball off the paddle on side when its leading edge crossed
// the paddle face this step while inside the paddle span.
func (e *Engine) collide(state *State, side Side, prevX float64) bool {
	ball := &state.Ball
	radius := e.cfg.BallRadius
	face := e.PaddleFaceX(side)

	var crossed bool
	switch side {
	case SideLeft:
		crossed = ball.VX < 0 && prevX-radius >= face && ball.X-radius <= face
	case SideRight:
		crossed = ball.VX > 0 && prevX+radius <= face && ball.X+radius >= face
	}
	if !crossed {
		return false
	}
	centre := state.Paddles[side]
	half := e.cfg.PaddleHeight / 2
	if ball.Y < centre-half || ball.Y > centre+half {
		return false
	}

	offset := clamp((ball.Y-centre)/half, -1, 1)
	angle := offset * e.cfg.MaxBounceAngle
	speed := math.Min(ball.Speed+e.cfg.SpeedIncrement, e.cfg.MaxSpeed)
	if speed < e.cfg.BaseSpeed {
		speed = e.cfg.BaseSpeed
	}
	away := direction(side.Opposite())
	ball.Speed = speed
	ball.VX = away * speed * math.Cos(angle)
	ball.VY = speed * math.Sin(angle)
	ball.X = face - direction(side)*radius
	return true
}

// direction is the sign of horizontal velocity that travels toward side.
func direction(side Side) float64 {
	switch side {
	case SideLeft:
		return -1
	case SideRight:
		return 1
	default:
		panic("physics: unknown side")
	}
}

func clamp(value, lo, hi float64) float64 {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}

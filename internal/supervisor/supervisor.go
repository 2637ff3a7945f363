// Package supervisor drives the connection lifecycle of a session: the
// connect/reconnect state machine, exponential backoff between attempts, the
// retry ceiling and the presence heartbeat.
//
// A Supervisor owns no goroutines. Its timers hand their work to the injected
// post function, which is expected to serialize it with every other call on
// the Supervisor. None of its methods are safe for concurrent use.
package supervisor

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/golang/glog"

	"collabsync/internal/clock"
	"collabsync/internal/model"
)

var ErrRetriesExhausted = errors.New("connect retries exhausted")

const (
	DefaultBaseDelay   = 3 * time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultFactor      = 2.0
	DefaultMaxAttempts = 5
	DefaultHeartbeat   = 30 * time.Second
)

type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	MaxAttempts int
	Heartbeat   time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Factor:      DefaultFactor,
		MaxAttempts: DefaultMaxAttempts,
		Heartbeat:   DefaultHeartbeat,
	}
}

// Hooks are invoked synchronously from Supervisor methods or from posted
// timer work.
type Hooks struct {
	// Connect starts one connect attempt. Its outcome must be reported back
	// through Connected or ConnectFailed.
	Connect func()
	// Heartbeat re-announces local presence while connected.
	Heartbeat func()
	// StateChange observes every transition.
	StateChange func(prev, next model.ConnectionState)
	// Exhausted is called once when the retry ceiling is hit.
	Exhausted func(err error)
}

type Supervisor struct {
	cfg   Config
	clock clock.Clock
	post  func(func())
	hooks Hooks
	rnd   *rand.Rand

	state    model.ConnectionState
	failures int
	stopped  bool

	backoff   clock.Timer
	heartbeat clock.Timer
	// gen invalidates timer work posted before the last transition.
	gen uint64
}

type Option func(*Supervisor)

// WithRand sets the jitter source.
func WithRand(r *rand.Rand) Option {
	return func(s *Supervisor) { s.rnd = r }
}

func New(cfg Config, c clock.Clock, post func(func()), hooks Hooks, opts ...Option) *Supervisor {
	def := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.Factor < 1 {
		cfg.Factor = def.Factor
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = def.Heartbeat
	}
	s := &Supervisor{
		cfg:   cfg,
		clock: c,
		post:  post,
		hooks: hooks,
		rnd:   rand.New(rand.NewSource(c.Now().UnixNano())),
		state: model.StateDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) State() model.ConnectionState { return s.state }

// Failures returns the number of consecutive failed attempts.
func (s *Supervisor) Failures() int { return s.failures }

// Start begins the first connect attempt. It is a no-op unless the
// supervisor is disconnected.
func (s *Supervisor) Start() {
	if s.stopped || s.state != model.StateDisconnected {
		return
	}
	s.failures = 0
	s.transition(model.StateConnecting)
	s.connect()
}

// Connected reports a successful attempt.
func (s *Supervisor) Connected() {
	if s.stopped {
		return
	}
	if s.state != model.StateConnecting && s.state != model.StateReconnecting {
		return
	}
	s.failures = 0
	s.cancelBackoff()
	s.transition(model.StateConnected)
	s.scheduleHeartbeat()
}

// ConnectFailed reports a failed attempt. Attempts are retried with backoff
// until MaxAttempts consecutive failures, after which the state is failed.
func (s *Supervisor) ConnectFailed(err error) {
	if s.stopped {
		return
	}
	if s.state != model.StateConnecting && s.state != model.StateReconnecting {
		return
	}
	s.failures++
	if s.failures >= s.cfg.MaxAttempts {
		s.cancelTimers()
		s.transition(model.StateFailed)
		glog.Warningf("[supervisor]giving up after %d attempts: %s\n", s.failures, err)
		if s.hooks.Exhausted != nil {
			s.hooks.Exhausted(fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, s.failures, err))
		}
		return
	}

	delay := s.Delay(s.failures)
	glog.Infof("[supervisor]attempt %d failed (%s), retrying in %s\n", s.failures, err, delay)
	if s.state != model.StateReconnecting {
		s.transition(model.StateReconnecting)
	}
	gen := s.gen
	s.backoff = s.clock.AfterFunc(delay, func() {
		s.post(func() {
			if s.stopped || gen != s.gen {
				return
			}
			s.backoff = nil
			s.connect()
		})
	})
}

// Dropped reports that an established connection went away. A new attempt
// starts immediately; further failures back off.
func (s *Supervisor) Dropped(err error) {
	if s.stopped || s.state != model.StateConnected {
		return
	}
	glog.Infof("[supervisor]connection dropped: %v\n", err)
	s.cancelTimers()
	s.failures = 0
	s.transition(model.StateReconnecting)
	s.connect()
}

// Reconnect re-arms a failed supervisor. It reports whether an attempt was
// started.
func (s *Supervisor) Reconnect() bool {
	if s.stopped || s.state != model.StateFailed {
		return false
	}
	s.failures = 0
	s.transition(model.StateConnecting)
	s.connect()
	return true
}

// Stop cancels every timer and moves to disconnected. A stopped supervisor
// ignores all further calls.
func (s *Supervisor) Stop() {
	if s.stopped {
		return
	}
	s.cancelTimers()
	s.transition(model.StateDisconnected)
	s.stopped = true
}

// Timers returns the number of armed timers.
func (s *Supervisor) Timers() int {
	n := 0
	if s.backoff != nil {
		n++
	}
	if s.heartbeat != nil {
		n++
	}
	return n
}

// Delay returns the wait before retrying after the given number of
// consecutive failures: a uniformly random duration in (0, d] where d grows
// from BaseDelay by Factor per failure and is capped at MaxDelay.
func (s *Supervisor) Delay(failures int) time.Duration {
	d := float64(s.cfg.BaseDelay)
	for i := 1; i < failures; i++ {
		d *= s.cfg.Factor
		if d >= float64(s.cfg.MaxDelay) {
			break
		}
	}
	if d > float64(s.cfg.MaxDelay) {
		d = float64(s.cfg.MaxDelay)
	}
	return time.Duration(s.rnd.Int63n(int64(d))) + 1
}

func (s *Supervisor) connect() {
	if s.hooks.Connect != nil {
		s.hooks.Connect()
	}
}

func (s *Supervisor) scheduleHeartbeat() {
	gen := s.gen
	s.heartbeat = s.clock.AfterFunc(s.cfg.Heartbeat, func() {
		s.post(func() {
			if s.stopped || gen != s.gen || s.state != model.StateConnected {
				return
			}
			s.heartbeat = nil
			if s.hooks.Heartbeat != nil {
				s.hooks.Heartbeat()
			}
			if !s.stopped && gen == s.gen {
				s.scheduleHeartbeat()
			}
		})
	})
}

func (s *Supervisor) transition(next model.ConnectionState) {
	prev := s.state
	s.state = next
	s.gen++
	if prev != next && s.hooks.StateChange != nil {
		s.hooks.StateChange(prev, next)
	}
}

func (s *Supervisor) cancelBackoff() {
	if s.backoff != nil {
		s.backoff.Stop()
		s.backoff = nil
	}
}

func (s *Supervisor) cancelTimers() {
	s.cancelBackoff()
	if s.heartbeat != nil {
		s.heartbeat.Stop()
		s.heartbeat = nil
	}
}

package shm

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// IdleStrategy is called by a polling loop after every unit of work.
type IdleStrategy interface {
	// Idle is passed the amount of work done in the last cycle; zero means idle.
	Idle(workCount int)
}

// IdleState is the current step of a BackoffIdleStrategy.
type IdleState int

const (
	NotIdle IdleState = iota
	Spinning
	Yielding
	Parking
)

func (s IdleState) String() string {
	switch s {
	case NotIdle:
		return "not-idle"
	case Spinning:
		return "spinning"
	case Yielding:
		return "yielding"
	case Parking:
		return "parking"
	}
	return fmt.Sprintf("IdleState(%d)", int(s))
}

const (
	DefaultMaxSpins      = 10
	DefaultMaxYields     = 5
	DefaultMinParkPeriod = time.Microsecond
	DefaultMaxParkPeriod = 64 * time.Millisecond
)

// spinIterations bounds the busy wait of one Spinning step.
const spinIterations = 32

var spinSink atomic.Uint32

// spinWait burns a few cycles without giving up the processor, standing in for a CPU
// pause hint. The result is published so the loop is not elided.
func spinWait() {
	var acc uint32
	for i := uint32(0); i < spinIterations; i++ {
		acc += i
	}
	spinSink.Store(acc)
}

// BackoffConfig tunes a BackoffIdleStrategy.
type BackoffConfig struct {
	MaxSpins      int
	MaxYields     int
	MinParkPeriod time.Duration
	MaxParkPeriod time.Duration
}

// DefaultBackoffConfig returns the default backoff configuration.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MaxSpins:      DefaultMaxSpins,
		MaxYields:     DefaultMaxYields,
		MinParkPeriod: DefaultMinParkPeriod,
		MaxParkPeriod: DefaultMaxParkPeriod,
	}
}

// VerifyBackoffConfig checks that cfg describes a usable strategy.
func VerifyBackoffConfig(cfg BackoffConfig) error {
	if cfg.MaxSpins < 0 || cfg.MaxYields < 0 {
		return fmt.Errorf("%w: spins and yields must not be negative, spins=%d yields=%d",
			ErrInvalidArgument, cfg.MaxSpins, cfg.MaxYields)
	}
	if cfg.MinParkPeriod <= 0 || cfg.MaxParkPeriod < cfg.MinParkPeriod {
		return fmt.Errorf("%w: park periods must satisfy 0 < min <= max, min=%v max=%v",
			ErrInvalidArgument, cfg.MinParkPeriod, cfg.MaxParkPeriod)
	}
	return nil
}

// BackoffIdleStrategy spins, then yields the processor, then parks for exponentially
// growing periods. It is not safe for concurrent use.
type BackoffIdleStrategy struct {
	maxSpins  int
	maxYields int

	state  IdleState
	spins  int
	yields int

	park  *backoff.ExponentialBackOff
	spin  func()
	sleep func(time.Duration)
}

// NewBackoffIdleStrategy returns a strategy for cfg. Invalid fields fall back to defaults.
func NewBackoffIdleStrategy(cfg BackoffConfig) *BackoffIdleStrategy {
	if err := VerifyBackoffConfig(cfg); err != nil {
		logger.Warnf("backoff config %+v rejected, using defaults: %v", cfg, err)
		cfg = DefaultBackoffConfig()
	}
	park := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.MinParkPeriod,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         cfg.MaxParkPeriod,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	park.Reset()
	return &BackoffIdleStrategy{
		maxSpins:  cfg.MaxSpins,
		maxYields: cfg.MaxYields,
		park:      park,
		spin:      spinWait,
		sleep:     time.Sleep,
	}
}

// Idle implements IdleStrategy.
func (s *BackoffIdleStrategy) Idle(workCount int) {
	if workCount > 0 {
		s.Reset()
		return
	}

	switch s.state {
	case NotIdle:
		s.state = Spinning
		s.spins++
	case Spinning:
		s.spin()
		s.spins++
		if s.spins > s.maxSpins {
			s.state = Yielding
			s.yields = 0
		}
	case Yielding:
		s.yields++
		if s.yields > s.maxYields {
			s.state = Parking
			s.park.Reset()
		} else {
			runtime.Gosched()
		}
	case Parking:
		period := s.park.NextBackOff()
		if period > s.park.MaxInterval {
			period = s.park.MaxInterval
		}
		s.sleep(period)
	}
}

// Reset returns the strategy to NotIdle.
func (s *BackoffIdleStrategy) Reset() {
	s.spins = 0
	s.yields = 0
	s.park.Reset()
	s.state = NotIdle
}

// State reports the current step.
func (s *BackoffIdleStrategy) State() IdleState {
	return s.state
}

// SetMaxPark changes the park ceiling; it applies from the next park step.
func (s *BackoffIdleStrategy) SetMaxPark(d time.Duration) {
	if d < s.park.InitialInterval {
		d = s.park.InitialInterval
	}
	s.park.MaxInterval = d
}

package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/h9ctl/internal/observability"
	"github.com/danmuck/h9ctl/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// IdenticalThreshold consecutive bit-identical frames mark the stream stale.
	IdenticalThreshold int
	// SilenceThreshold consecutive frames with RMS below SilenceEpsilon mark
	// the stream stale; 0 only counts them.
	SilenceThreshold int
	SilenceEpsilon   float64
	// MaxAttempts recoveries are allowed within Cooldown before Failed.
	MaxAttempts int
	Cooldown    time.Duration
	Backoff     session.BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		IdenticalThreshold: 10,
		SilenceThreshold:   0,
		SilenceEpsilon:     0.001,
		MaxAttempts:        3,
		Cooldown:           30 * time.Second,
		Backoff: session.BackoffConfig{
			InitialDelay: time.Second,
			Multiplier:   2,
			MaxDelay:     8 * time.Second,
		},
	}
}

// Estimator turns healthy frames into tempo estimates.
type Estimator interface {
	Process(f Frame) (bpm float64, ok bool)
	Reset()
}

// Monitor pulls frames, tracks StreamHealth and drives recovery. Live tempo
// estimates go to the sink.
type Monitor struct {
	src  FrameSource
	est  Estimator
	sink func(bpm float64)
	cfg  Config

	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	onHealth func(StreamHealth)

	mu     sync.RWMutex
	health StreamHealth

	// Owned by Run.
	prev     []float32
	attempts []time.Time
}

func NewMonitor(src FrameSource, est Estimator, sink func(float64), cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.IdenticalThreshold <= 0 {
		cfg.IdenticalThreshold = def.IdenticalThreshold
	}
	if cfg.SilenceEpsilon <= 0 {
		cfg.SilenceEpsilon = def.SilenceEpsilon
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Monitor{
		src:   src,
		est:   est,
		sink:  sink,
		cfg:   cfg,
		sleep: session.SleepContext,
		now:   time.Now,
	}
}

// OnHealth installs a callback run on every state change. Set before Run.
func (m *Monitor) OnHealth(fn func(StreamHealth)) {
	m.onHealth = fn
}

func (m *Monitor) Health() StreamHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.health
}

// Run pulls frames until ctx ends (nil) or recovery is exhausted
// (ErrStreamFailed). It does not retry after Failed.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.src.Close()
	log.Info().Int("identical_threshold", m.cfg.IdenticalThreshold).Msg("audio.Monitor.Run started")
	for {
		if ctx.Err() != nil {
			return nil
		}
		if m.Health().State == Degraded {
			if err := m.recover(ctx); err != nil {
				if errors.Is(err, ErrStreamFailed) {
					return err
				}
				return nil
			}
			continue
		}

		f, err := m.src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Msg("audio.Monitor.Run read failed")
			m.markDegraded(err)
			continue
		}
		m.observe(f)
	}
}

// observe updates counters for one frame and feeds healthy frames to the
// estimator.
func (m *Monitor) observe(f Frame) {
	m.mu.Lock()
	h := m.health
	h.FramesRead++
	if f.Overrun {
		h.OverrunCount++
		observability.RecordOverrun()
	}

	same := identical(f.Samples, m.prev)
	if same {
		h.ConsecutiveIdenticalFrames++
	} else {
		h.ConsecutiveIdenticalFrames = 0
	}
	silent := rms(f.Samples) < m.cfg.SilenceEpsilon
	if silent {
		h.ConsecutiveSilentFrames++
	} else {
		h.ConsecutiveSilentFrames = 0
	}
	m.prev = append(m.prev[:0], f.Samples...)

	prevState := h.State
	switch {
	case f.Overrun:
		h.State = Degraded
	case h.ConsecutiveIdenticalFrames >= m.cfg.IdenticalThreshold:
		h.State = Degraded
	case m.cfg.SilenceThreshold > 0 && h.ConsecutiveSilentFrames >= m.cfg.SilenceThreshold:
		h.State = Degraded
	case h.State == Recovering && !same:
		h = StreamHealth{State: Healthy, FramesRead: h.FramesRead}
	case h.State == Healthy && !same && !silent:
		h = StreamHealth{State: Healthy, FramesRead: h.FramesRead}
	}
	m.health = h
	m.mu.Unlock()

	if h.State != prevState {
		m.stateChanged(h, prevState)
	}
	if h.State == Healthy && !same && m.est != nil {
		if bpm, ok := m.est.Process(f); ok && m.sink != nil {
			m.sink(bpm)
		}
	}
}

func (m *Monitor) markDegraded(cause error) {
	m.mu.Lock()
	prev := m.health.State
	m.health.State = Degraded
	h := m.health
	m.mu.Unlock()
	if prev != Degraded {
		log.Warn().Err(cause).Msg("audio.Monitor stream degraded")
		m.stateChanged(h, prev)
	}
}

// recover runs one close/reopen attempt after its backoff delay. Reaching
// MaxAttempts within Cooldown sets Failed instead.
func (m *Monitor) recover(ctx context.Context) error {
	now := m.now()
	recent := m.attempts[:0]
	for _, at := range m.attempts {
		if now.Sub(at) < m.cfg.Cooldown {
			recent = append(recent, at)
		}
	}
	m.attempts = recent

	if len(m.attempts) >= m.cfg.MaxAttempts {
		m.setState(Failed)
		log.Error().Int("attempts", len(m.attempts)).Dur("cooldown", m.cfg.Cooldown).Msg("audio.Monitor.recover exhausted")
		return fmt.Errorf("%w: %d recovery attempts within %s", ErrStreamFailed, len(m.attempts), m.cfg.Cooldown)
	}

	m.mu.Lock()
	m.health.RecoveryAttempt++
	attempt := m.health.RecoveryAttempt
	m.mu.Unlock()
	m.setState(Recovering)

	delay := session.NextBackoffDelay(m.cfg.Backoff, attempt, nil)
	log.Warn().Int("attempt", attempt).Int("max", m.cfg.MaxAttempts).Dur("delay", delay).Msg("audio.Monitor.recover attempt")
	if err := m.sleep(ctx, delay); err != nil {
		return err
	}
	m.attempts = append(m.attempts, m.now())

	if err := m.src.Close(); err != nil {
		log.Debug().Err(err).Msg("audio.Monitor.recover close failed")
	}
	if err := m.src.Reopen(ctx); err != nil {
		observability.RecordRecoveryAttempt(false)
		log.Warn().Err(err).Int("attempt", attempt).Msg("audio.Monitor.recover reopen failed")
		m.setState(Degraded)
		return nil
	}
	observability.RecordRecoveryAttempt(true)

	// The stream stays Recovering until a frame differs from the last one.
	m.mu.Lock()
	m.health.ConsecutiveIdenticalFrames = 0
	m.health.ConsecutiveSilentFrames = 0
	m.mu.Unlock()
	if m.est != nil {
		m.est.Reset()
	}
	return nil
}

func (m *Monitor) setState(s HealthState) {
	m.mu.Lock()
	prev := m.health.State
	m.health.State = s
	h := m.health
	m.mu.Unlock()
	if prev != s {
		m.stateChanged(h, prev)
	}
}

func (m *Monitor) stateChanged(h StreamHealth, prev HealthState) {
	observability.SetStreamState(int(h.State))
	log.Info().
		Str("from", prev.String()).
		Str("to", h.State.String()).
		Int("identical", h.ConsecutiveIdenticalFrames).
		Int("silent", h.ConsecutiveSilentFrames).
		Int("overruns", h.OverrunCount).
		Int("attempt", h.RecoveryAttempt).
		Msg("audio.Monitor state")
	if m.onHealth != nil {
		m.onHealth(h)
	}
}

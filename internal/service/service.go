package service

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/h9ctl/internal/api"
	"github.com/danmuck/h9ctl/internal/audio"
	"github.com/danmuck/h9ctl/internal/protocol"
	"github.com/danmuck/h9ctl/internal/protocol/session"
	"github.com/danmuck/h9ctl/internal/publish"
	"github.com/danmuck/h9ctl/internal/tempo"
	"github.com/danmuck/h9ctl/internal/worker"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type Option func(*options)

type options struct {
	connector session.Connector
	source    audio.FrameSource
}

// WithConnector replaces the transport built from DeviceConfig.
func WithConnector(c session.Connector) Option {
	return func(o *options) { o.connector = c }
}

// WithFrameSource replaces the capture source built from AudioConfig.
func WithFrameSource(src audio.FrameSource) Option {
	return func(o *options) { o.source = src }
}

// Service wires the session, worker, monitor and outer surfaces together.
type Service struct {
	cfg    Config
	sess   *session.Session
	rec    *tempo.Reconciler
	worker *worker.Worker
	api    *api.Server

	audioMu      sync.RWMutex
	monitor      *audio.Monitor
	source       audio.FrameSource
	audioRestart chan struct{}
}

func New(cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.connector == nil {
		c, err := NewConnector(cfg.Device)
		if err != nil {
			return nil, err
		}
		o.connector = c
	}

	s := &Service{cfg: cfg, rec: tempo.NewReconciler(cfg.TempoMode)}
	s.sess = session.New(cfg.Device.Session, o.connector, s.observeUnsolicited)
	s.worker = worker.New(s.sess, s.rec, cfg.Worker)

	if cfg.Audio.Enabled || o.source != nil {
		src := o.source
		if src == nil {
			var err error
			if src, err = newFrameSource(cfg.Audio); err != nil {
				return nil, err
			}
		}
		s.source = src
		s.monitor = s.newMonitor()
		s.audioRestart = make(chan struct{}, 1)
	}

	if cfg.APIEnabled {
		var ctl api.AudioControl
		if s.monitor != nil {
			ctl = audioControl{s}
		}
		s.api = api.New(cfg.API, s.worker, ctl)
	}
	return s, nil
}

func (s *Service) newMonitor() *audio.Monitor {
	est := audio.NewOnsetEstimator(s.cfg.Audio.Estimator)
	m := audio.NewMonitor(s.source, est, s.rec.SetLive, s.cfg.Audio.Monitor)
	m.OnHealth(func(h audio.StreamHealth) {
		if h.State != audio.Healthy {
			s.rec.ClearLive()
		}
	})
	return m
}

func (s *Service) currentMonitor() *audio.Monitor {
	s.audioMu.RLock()
	defer s.audioMu.RUnlock()
	return s.monitor
}

// AudioHealth reports the running monitor's health.
func (s *Service) AudioHealth() audio.StreamHealth {
	if m := s.currentMonitor(); m != nil {
		return m.Health()
	}
	return audio.StreamHealth{}
}

// RestartAudio asks a Failed monitor to reopen its source and start over
// with fresh counters and attempt history.
func (s *Service) RestartAudio() error {
	if s.currentMonitor() == nil {
		return ErrNoAudioSource
	}
	if s.AudioHealth().State != audio.Failed {
		return audio.ErrStreamActive
	}
	select {
	case s.audioRestart <- struct{}{}:
	default:
	}
	log.Info().Msg("service.Service.RestartAudio requested")
	return nil
}

type audioControl struct{ s *Service }

func (a audioControl) Health() audio.StreamHealth { return a.s.AudioHealth() }
func (a audioControl) Restart() error { return a.s.RestartAudio() }

func (s *Service) observeUnsolicited(msg protocol.Message) {
	s.worker.ObserveUnsolicited(msg)
}

func (s *Service) Worker() *worker.Worker {
	return s.worker
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext runs every owner until ctx ends or one fails.
func (s *Service) RunContext(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	log.Info().
		Str("transport", s.cfg.Device.Transport).
		Str("tempo_mode", string(s.rec.Mode())).
		Bool("audio", s.monitor != nil).
		Bool("api", s.api != nil).
		Bool("redis", s.cfg.Redis.Enabled).
		Msg("service.Service.RunContext starting")

	if s.cfg.Redis.Enabled {
		s.startRedis(ctx, g)
	}
	g.Go(func() error { return s.worker.Run(ctx) })
	if err := s.worker.Enqueue(worker.Connect()); err != nil {
		return err
	}
	if s.monitor != nil {
		g.Go(func() error { return s.runAudio(ctx) })
	}
	if s.api != nil {
		g.Go(func() error { return s.api.Run(ctx) })
	}
	g.Go(func() error { return s.heartbeat(ctx) })

	err := g.Wait()
	log.Info().Err(err).Msg("service.Service.RunContext shutdown")
	return err
}

func (s *Service) startRedis(ctx context.Context, g *errgroup.Group) {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	sink, err := publish.NewRedisSink(pingCtx, s.cfg.Redis.RedisConfig)
	if err != nil {
		log.Warn().Err(err).Msg("service.Service redis sink disabled")
		return
	}
	snaps, unsubscribe := s.worker.Subscribe(32)
	g.Go(func() error {
		defer unsubscribe()
		return sink.Run(ctx, snaps)
	})
}

// runAudio keeps device control alive when the stream fails. A Failed
// monitor stays down until RestartAudio reopens the source.
func (s *Service) runAudio(ctx context.Context) error {
	for {
		err := s.currentMonitor().Run(ctx)
		if !errors.Is(err, audio.ErrStreamFailed) {
			return err
		}
		s.rec.ClearLive()
		log.Error().Err(err).Msg("service.Service audio stopped; live tempo unavailable")

		if !s.awaitAudioRestart(ctx) {
			return nil
		}
		s.audioMu.Lock()
		s.monitor = s.newMonitor()
		s.audioMu.Unlock()
		log.Info().Msg("service.Service audio restarted")
	}
}

func (s *Service) awaitAudioRestart(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-s.audioRestart:
		}
		if err := s.source.Reopen(ctx); err != nil {
			log.Warn().Err(err).Msg("service.Service audio reopen failed")
			continue
		}
		return true
	}
}

func (s *Service) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap := s.worker.Snapshot()
			ev := log.Info().
				Str("connection", string(snap.Connection.State)).
				Str("tempo_mode", string(snap.TempoMode)).
				Int("pending", s.worker.Pending()).
				Uint64("seq", snap.Seq)
			if snap.Preset != nil {
				ev = ev.Int("preset", snap.Preset.PresetNumber)
			}
			if s.currentMonitor() != nil {
				h := s.AudioHealth()
				ev = ev.Str("audio", h.State.String()).Uint64("frames", h.FramesRead)
			}
			ev.Msg("service.Service.heartbeat")
		}
	}
}

// Package position implements a position source backed by a remote
// positioning session. It coordinates the dual usage mode (continuous
// updates vs. one-shot requests with a deadline), accuracy negotiation,
// last-known-position caching and recovery from remote failures.
package position

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hieuntg81/locationd/internal/domain"
	"github.com/hieuntg81/locationd/internal/infra/tracer"
)

// MinimumUpdateInterval is the floor for caller-supplied update intervals
// and one-shot request timeouts.
const MinimumUpdateInterval = 1000 * time.Millisecond

// envDesktopID overrides the configured application identity.
const envDesktopID = "QT_GEOCLUE_APP_DESKTOP_ID"

// Config holds the source's construction-time settings.
type Config struct {
	// DesktopID is the fallback application identity. The
	// QT_GEOCLUE_APP_DESKTOP_ID environment variable takes precedence at
	// session-configure time.
	DesktopID string

	UpdateInterval   time.Duration
	PreferredMethods domain.PositioningMethods

	// DistanceThresholdM is passed through to the service; 0 keeps the
	// service default.
	DistanceThresholdM uint32

	// ResolveDesktopID overrides the identifier lookup entirely. Used by
	// tests; nil selects the env-then-DesktopID resolver.
	ResolveDesktopID func() string
}

// Source is a position source over a remote positioning session. All
// public operations return immediately; positions and errors are reported
// through the handlers registered with OnPosition and OnError.
type Source struct {
	proxy  domain.SessionProxy
	store  domain.PositionStore
	logger *slog.Logger

	loop *loop
	ctrl *sessionController
	dl   *deadline

	resolveID func() string

	// Owned by the loop goroutine.
	running  bool
	interval time.Duration
	methods  domain.PositioningMethods
	distance uint32

	// Guarded by mu: written on the loop, read synchronously by callers.
	mu          sync.Mutex
	last        domain.Position
	hasLast     bool
	lastErr     domain.SourceError
	posHandlers []func(domain.Position)
	errHandlers []func(domain.SourceError)

	closeOnce sync.Once
}

// New creates a position source. The cached last position, if any, is
// restored from the store immediately.
func New(proxy domain.SessionProxy, store domain.PositionStore, cfg Config, logger *slog.Logger) *Source {
	s := &Source{
		proxy:    proxy,
		store:    store,
		logger:   logger,
		interval: cfg.UpdateInterval,
		methods:  cfg.PreferredMethods,
		distance: cfg.DistanceThresholdM,
	}

	s.resolveID = cfg.ResolveDesktopID
	if s.resolveID == nil {
		s.resolveID = func() string {
			if id := os.Getenv(envDesktopID); id != "" {
				return id
			}
			return cfg.DesktopID
		}
	}

	if pos, ok := store.Load(); ok {
		s.last = pos
		s.hasLast = true
		logger.Debug("restored last known position",
			"lat", pos.Latitude, "lon", pos.Longitude, "ts", pos.Timestamp)
	}

	s.loop = newLoop()
	s.dl = &deadline{loop: s.loop}
	s.ctrl = &sessionController{
		proxy:  proxy,
		loop:   s.loop,
		logger: logger,
		ctx:    context.Background(),
	}

	s.dl.onExpire = s.handleDeadline
	s.ctrl.wantActive = func() bool { return s.running || s.dl.armed() }
	s.ctrl.configFor = s.sessionConfig
	s.ctrl.onEvent = s.dl.cancel
	s.ctrl.onPosition = s.handlePosition
	s.ctrl.onFailure = s.handleFailure
	s.ctrl.afterDelivery = func() {
		if s.running {
			s.ctrl.ensureStarted()
		}
	}
	return s
}

// OnPosition registers a handler for position updates. Handlers run on the
// source's execution context and must not block.
func (s *Source) OnPosition(fn func(domain.Position)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posHandlers = append(s.posHandlers, fn)
}

// OnError registers a handler for error notifications.
func (s *Source) OnError(fn func(domain.SourceError)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errHandlers = append(s.errHandlers, fn)
}

// StartUpdates begins continuous updates. Idempotent while running. If a
// cached last position exists it is re-announced asynchronously, so a
// handler registered right after this call still observes it. After Close
// the call does nothing and Err reports ClosedError.
func (s *Source) StartUpdates() {
	posted := s.loop.post(func() {
		if s.running {
			s.logger.Debug("updates already running")
			return
		}
		s.logger.Debug("starting updates")
		s.storeError(domain.NoError)
		s.running = true
		s.ctrl.ensureStarted()

		s.mu.Lock()
		pos, ok := s.last, s.hasLast
		s.mu.Unlock()
		if ok && pos.Valid() {
			s.loop.post(func() { s.notifyPosition(pos) })
		}
	})
	if !posted {
		s.storeError(domain.ClosedError)
	}
}

// StopUpdates ends continuous updates. Idempotent while stopped. The
// session survives if a one-shot request is still pending.
func (s *Source) StopUpdates() {
	s.loop.post(func() {
		if !s.running {
			s.logger.Debug("updates already stopped")
			return
		}
		s.logger.Debug("stopping updates")
		s.running = false
		s.ctrl.ensureStopped()
	})
}

// RequestUpdate issues a one-shot position request bounded by timeout.
// A zero timeout selects the cold-start default. The request is ignored
// when another one is still pending, and rejected with UnknownSourceError
// when the timeout is positive but below MinimumUpdateInterval.
func (s *Source) RequestUpdate(timeout time.Duration) {
	posted := s.loop.post(func() {
		if s.dl.armed() {
			s.logger.Debug("request already in progress, ignoring")
			return
		}
		s.storeError(domain.NoError)

		if timeout != 0 && timeout < MinimumUpdateInterval {
			s.logger.Warn("request timeout below minimum", "timeout", timeout)
			s.setError(domain.UnknownSourceError)
			return
		}

		s.dl.arm(timeout)
		s.ctrl.ensureStarted()
	})
	if !posted {
		s.storeError(domain.ClosedError)
	}
}

// SetUpdateInterval stores the update interval and re-pushes the session
// configuration when a session exists.
func (s *Source) SetUpdateInterval(interval time.Duration) {
	s.loop.post(func() {
		s.interval = interval
		s.ctrl.applyConfig()
	})
}

// SetPreferredMethods stores the positioning-method preference and
// re-pushes the session configuration when a session exists. A change of
// accuracy takes full effect when the session is next (re)started.
func (s *Source) SetPreferredMethods(m domain.PositioningMethods) {
	s.loop.post(func() {
		s.methods = m
		s.ctrl.applyConfig()
	})
}

// LastKnownPosition returns the most recent position, which may be the one
// restored from the cache. ok is false when no position was ever seen.
// Validity is the caller's responsibility to check.
func (s *Source) LastKnownPosition() (pos domain.Position, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast
}

// Err returns the current error kind.
func (s *Source) Err() domain.SourceError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// MinimumUpdateInterval returns the fixed interval floor.
func (s *Source) MinimumUpdateInterval() time.Duration {
	return MinimumUpdateInterval
}

// SupportedMethods reads the service's advertised accuracy ceiling and maps
// it to the supported positioning methods. A failed read reports
// AccessError and yields no methods; an advertised level of none is not an
// error.
func (s *Source) SupportedMethods() domain.PositioningMethods {
	ctx, span := tracer.StartSpan(context.Background(), "position.SupportedMethods")
	defer span.End()

	level, err := s.proxy.AvailableAccuracyLevel(ctx)
	if err != nil {
		tracer.RecordError(span, err)
		s.logger.Warn("available accuracy level unreadable", "error", err)
		s.loop.post(func() { s.setError(domain.AccessError) })
		return domain.NoPositioningMethods
	}
	return domain.MethodsForAccuracy(level)
}

// Close stops the session, shuts down the execution context and persists
// the last known position.
func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		done := make(chan struct{})
		posted := s.loop.post(func() {
			s.running = false
			s.dl.cancel()
			s.ctrl.ensureStopped()
			close(done)
		})
		if posted {
			<-done
		}
		s.loop.close()
		err = s.saveLast()
	})
	return err
}

// sessionConfig builds the remote session configuration from the current
// preferences. Failing to resolve the application identity is a hard
// configuration error reported before any remote call is made.
func (s *Source) sessionConfig() (domain.SessionConfig, error) {
	cfg := domain.SessionConfig{
		DesktopID:          s.resolveID(),
		DistanceThresholdM: s.distance,
		Accuracy:           domain.AccuracyForMethods(s.methods),
	}
	if s.interval > 0 {
		cfg.TimeThresholdSec = uint32(s.interval / time.Second)
	}
	if err := cfg.Validate(); err != nil {
		return domain.SessionConfig{}, err
	}
	return cfg, nil
}

// handlePosition runs on the loop for every delivered fix: retain, persist,
// notify. Numerically identical re-announcements are treated as fresh
// events.
func (s *Source) handlePosition(pos domain.Position) {
	s.mu.Lock()
	s.last = pos
	s.hasLast = true
	s.mu.Unlock()

	if err := s.store.Save(pos); err != nil {
		s.logger.Warn("persisting last position failed", "error", err)
	}

	s.logger.Debug("new position",
		"lat", pos.Latitude, "lon", pos.Longitude, "ts", pos.Timestamp)
	s.notifyPosition(pos)
}

func (s *Source) handleFailure(err error) {
	s.setError(domain.KindOf(err))
}

func (s *Source) handleDeadline() {
	s.logger.Debug("position request timed out")
	s.setError(domain.UnknownSourceError)
	s.ctrl.ensureStopped()
}

// setError retains the error kind and notifies handlers unless the kind is
// NoError. Repeated identical errors are each reported.
func (s *Source) setError(kind domain.SourceError) {
	s.storeError(kind)
	if kind == domain.NoError {
		return
	}
	s.mu.Lock()
	handlers := make([]func(domain.SourceError), len(s.errHandlers))
	copy(handlers, s.errHandlers)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(kind)
	}
}

func (s *Source) storeError(kind domain.SourceError) {
	s.mu.Lock()
	s.lastErr = kind
	s.mu.Unlock()
}

func (s *Source) notifyPosition(pos domain.Position) {
	s.mu.Lock()
	handlers := make([]func(domain.Position), len(s.posHandlers))
	copy(handlers, s.posHandlers)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(pos)
	}
}

func (s *Source) saveLast() error {
	s.mu.Lock()
	pos, ok := s.last, s.hasLast
	s.mu.Unlock()
	if !ok || !pos.Valid() {
		return nil
	}
	return s.store.Save(pos)
}

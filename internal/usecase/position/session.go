package position

import (
	"context"
	"log/slog"

	"github.com/hieuntg81/locationd/internal/domain"
)

// sessionState tracks the lifecycle of the remote client session. Session
// existence and session started are deliberately separate states so a
// partial failure (created but never started) can be recovered without
// leaking a half-initialized handle.
type sessionState int

const (
	stateAbsent sessionState = iota
	stateCreating
	stateActiveIdle    // created and configured, not yet started
	stateActiveStarted // tracking
)

func (s sessionState) String() string {
	switch s {
	case stateAbsent:
		return "absent"
	case stateCreating:
		return "creating"
	case stateActiveIdle:
		return "active-idle"
	case stateActiveStarted:
		return "active-started"
	default:
		return "unknown"
	}
}

// sessionController owns the remote client handle's lifecycle. All methods
// and callbacks run on the loop goroutine; remote calls are issued from
// short-lived goroutines whose completions are posted back to the loop and
// validated against the handle generation before being acted on.
type sessionController struct {
	proxy  domain.SessionProxy
	loop   *loop
	logger *slog.Logger
	ctx    context.Context

	state        sessionState
	handle       domain.SessionHandle
	unsubscribe  func()
	startPending bool

	// Wiring to the facade.
	wantActive    func() bool                           // continuous running or request armed
	configFor     func() (domain.SessionConfig, error)  // resolves identity, builds config
	onEvent       func()                                // location-changed received, pre-fetch
	onPosition    func(domain.Position)                 // fix fetched and normalized
	onFailure     func(error)                           // remote call failed
	afterDelivery func()                                // post-fix, after ensureStopped
}

// ensureStarted drives the session towards tracking. It is a no-op when
// nobody wants updates, or when the machine is already on its way there.
func (c *sessionController) ensureStarted() {
	if !c.wantActive() {
		return
	}
	switch c.state {
	case stateActiveStarted, stateCreating:
		return
	case stateActiveIdle:
		c.startClient()
	case stateAbsent:
		c.createClient()
	}
}

// ensureStopped tears the session down, but only once neither continuous
// updates nor a pending one-shot request remain. The handle is destroyed
// locally before the remote Stop completes; a stop failure means the remote
// object is unreachable, not that the teardown failed.
func (c *sessionController) ensureStopped() {
	if c.wantActive() {
		return
	}
	switch c.state {
	case stateAbsent, stateCreating:
		return
	}

	h := c.handle
	c.destroyHandle()
	c.state = stateAbsent
	c.logger.Debug("stopping client session", "path", h.Path)

	go func() {
		if err := c.proxy.Stop(c.ctx, h); err != nil {
			c.loop.post(func() { c.onFailure(err) })
			return
		}
		c.logger.Debug("client session stopped", "path", h.Path)
	}()
}

func (c *sessionController) createClient() {
	cfg, err := c.configFor()
	if err != nil {
		c.logger.Error("client session configuration unavailable", "error", err)
		c.onFailure(err)
		return
	}

	c.state = stateCreating
	c.logger.Debug("creating client session")
	go func() {
		h, createErr := c.proxy.CreateSession(c.ctx)
		var cfgErr error
		if createErr == nil {
			cfgErr = c.proxy.Configure(c.ctx, h, cfg)
		}
		c.loop.post(func() { c.onCreated(h, createErr, cfgErr) })
	}()
}

func (c *sessionController) onCreated(h domain.SessionHandle, createErr, cfgErr error) {
	if c.state != stateCreating {
		c.logger.Debug("discarding stale create completion", "gen", h.Gen)
		return
	}
	if createErr != nil {
		c.state = stateAbsent
		c.onFailure(createErr)
		return
	}
	if cfgErr != nil {
		c.state = stateAbsent
		c.onFailure(cfgErr)
		return
	}

	unsub, err := c.proxy.Subscribe(h, func(oldRef, newRef string) {
		c.loop.post(func() { c.onLocationUpdated(h.Gen, newRef) })
	})
	if err != nil {
		c.state = stateAbsent
		c.onFailure(err)
		return
	}

	c.handle = h
	c.unsubscribe = unsub
	c.state = stateActiveIdle
	c.logger.Debug("client session ready", "path", h.Path)
	c.startClient()
}

func (c *sessionController) startClient() {
	// Only start if someone still wants updates by now.
	if !c.wantActive() || c.startPending || c.state != stateActiveIdle {
		return
	}

	c.startPending = true
	h := c.handle
	go func() {
		err := c.proxy.Start(c.ctx, h)
		c.loop.post(func() { c.onStarted(h.Gen, err) })
	}()
}

func (c *sessionController) onStarted(gen string, err error) {
	c.startPending = false
	if c.state != stateActiveIdle || c.handle.Gen != gen {
		c.logger.Debug("discarding stale start completion", "gen", gen)
		return
	}
	if err != nil {
		c.destroyHandle()
		c.state = stateAbsent
		c.onFailure(err)
		return
	}

	c.state = stateActiveStarted
	c.logger.Debug("client session started", "path", c.handle.Path)

	// A location may already be known from before this start completed;
	// synthesize an event so the current state is delivered, not just the
	// next change.
	h := c.handle
	go func() {
		if ref, ok := c.proxy.CurrentLocationRef(c.ctx, h); ok {
			c.loop.post(func() { c.onLocationUpdated(h.Gen, ref) })
		}
	}()
}

func (c *sessionController) onLocationUpdated(gen, ref string) {
	if c.state != stateActiveStarted || c.handle.Gen != gen {
		c.logger.Debug("discarding location event for retired session", "gen", gen)
		return
	}
	if ref == "" || ref == "/" {
		return
	}

	c.onEvent()

	h := c.handle
	go func() {
		pos, err := c.proxy.FetchLocation(c.ctx, ref)
		c.loop.post(func() { c.onFetched(h.Gen, pos, err) })
	}()
}

func (c *sessionController) onFetched(gen string, pos domain.Position, err error) {
	if c.handle.Gen != gen {
		c.logger.Debug("discarding fetch completion for retired session", "gen", gen)
		return
	}
	if err != nil {
		c.logger.Error("unable to read location object", "error", err)
	} else {
		c.onPosition(pos)
	}

	// A delivered fix ends the current leg; the facade immediately
	// re-ensures a started session when continuous updates are active.
	c.ensureStopped()
	c.afterDelivery()
}

// applyConfig re-pushes the session configuration to an existing remote
// client. Reconfiguration failure is not fatal; the next session creation
// applies the configuration again.
func (c *sessionController) applyConfig() {
	if c.state != stateActiveIdle && c.state != stateActiveStarted {
		return
	}
	cfg, err := c.configFor()
	if err != nil {
		c.onFailure(err)
		return
	}

	h := c.handle
	go func() {
		if err := c.proxy.Configure(c.ctx, h, cfg); err != nil {
			c.logger.Warn("reconfigure failed", "path", h.Path, "error", err)
		}
	}()
}

func (c *sessionController) destroyHandle() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.handle = domain.SessionHandle{}
}

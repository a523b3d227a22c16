// Package geoclue talks to the org.freedesktop.GeoClue2 service on the
// system bus. It is a stateless wrapper: session lifecycle decisions live
// in the position use case, this package only issues the remote calls.
package geoclue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/oklog/ulid/v2"

	"github.com/hieuntg81/locationd/internal/domain"
	"github.com/hieuntg81/locationd/internal/infra/tracer"
)

const (
	serviceName   = "org.freedesktop.GeoClue2"
	managerPath   = dbus.ObjectPath("/org/freedesktop/GeoClue2/Manager")
	managerIface  = "org.freedesktop.GeoClue2.Manager"
	clientIface   = "org.freedesktop.GeoClue2.Client"
	locationIface = "org.freedesktop.GeoClue2.Location"

	locationUpdatedMember = "LocationUpdated"
	locationUpdatedSignal = clientIface + "." + locationUpdatedMember
)

// BusConn is the subset of *dbus.Conn the proxy needs. It exists so tests
// can substitute a fake connection.
type BusConn interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
}

// Proxy implements domain.SessionProxy against a GeoClue2 bus connection.
type Proxy struct {
	conn   BusConn
	logger *slog.Logger

	mu   sync.Mutex
	subs map[dbus.ObjectPath]func(oldRef, newRef string)

	sigCh chan *dbus.Signal
	done  chan struct{}
}

// NewProxy creates a proxy on conn and starts its signal dispatch loop.
// Call Close when done.
func NewProxy(conn BusConn, logger *slog.Logger) *Proxy {
	p := &Proxy{
		conn:   conn,
		logger: logger,
		subs:   make(map[dbus.ObjectPath]func(string, string)),
		sigCh:  make(chan *dbus.Signal, 16),
		done:   make(chan struct{}),
	}
	conn.Signal(p.sigCh)
	go p.dispatch()
	return p
}

// Close detaches the proxy from the bus signal stream.
func (p *Proxy) Close() {
	p.conn.RemoveSignal(p.sigCh)
	close(p.done)
}

func (p *Proxy) dispatch() {
	for {
		select {
		case sig, ok := <-p.sigCh:
			if !ok {
				return
			}
			if sig.Name != locationUpdatedSignal || len(sig.Body) != 2 {
				continue
			}
			oldRef, _ := sig.Body[0].(dbus.ObjectPath)
			newRef, _ := sig.Body[1].(dbus.ObjectPath)

			p.mu.Lock()
			fn := p.subs[sig.Path]
			p.mu.Unlock()
			if fn != nil {
				fn(string(oldRef), string(newRef))
			}
		case <-p.done:
			return
		}
	}
}

func (p *Proxy) CreateSession(ctx context.Context) (domain.SessionHandle, error) {
	ctx, span := tracer.StartSpan(ctx, "geoclue.CreateSession")
	defer span.End()

	var clientPath dbus.ObjectPath
	manager := p.conn.Object(serviceName, managerPath)
	err := manager.CallWithContext(ctx, managerIface+".GetClient", 0).Store(&clientPath)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.SessionHandle{}, p.reduce("geoclue.CreateSession", err)
	}

	h := domain.SessionHandle{Path: string(clientPath), Gen: newGen()}
	p.logger.Debug("client session obtained", "path", h.Path, "gen", h.Gen)
	span.SetAttributes(tracer.StringAttr("geoclue.client_path", h.Path))
	return h, nil
}

func (p *Proxy) Configure(ctx context.Context, h domain.SessionHandle, cfg domain.SessionConfig) error {
	_, span := tracer.StartSpan(ctx, "geoclue.Configure")
	defer span.End()

	client := p.conn.Object(serviceName, dbus.ObjectPath(h.Path))

	props := []struct {
		name  string
		value interface{}
	}{
		{"DesktopId", cfg.DesktopID},
		{"TimeThreshold", cfg.TimeThresholdSec},
		{"DistanceThreshold", cfg.DistanceThresholdM},
		{"RequestedAccuracyLevel", uint32(cfg.Accuracy)},
	}
	for _, prop := range props {
		if err := client.SetProperty(clientIface+"."+prop.name, dbus.MakeVariant(prop.value)); err != nil {
			tracer.RecordError(span, err)
			return p.reduce("geoclue.Configure", err)
		}
	}

	p.logger.Debug("client session configured",
		"path", h.Path,
		"desktop_id", cfg.DesktopID,
		"time_threshold_s", cfg.TimeThresholdSec,
		"accuracy", cfg.Accuracy.String(),
	)
	return nil
}

func (p *Proxy) Start(ctx context.Context, h domain.SessionHandle) error {
	ctx, span := tracer.StartSpan(ctx, "geoclue.Start")
	defer span.End()

	client := p.conn.Object(serviceName, dbus.ObjectPath(h.Path))
	if err := client.CallWithContext(ctx, clientIface+".Start", 0).Err; err != nil {
		tracer.RecordError(span, err)
		return p.reduce("geoclue.Start", err)
	}
	return nil
}

func (p *Proxy) Stop(ctx context.Context, h domain.SessionHandle) error {
	ctx, span := tracer.StartSpan(ctx, "geoclue.Stop")
	defer span.End()

	client := p.conn.Object(serviceName, dbus.ObjectPath(h.Path))
	if err := client.CallWithContext(ctx, clientIface+".Stop", 0).Err; err != nil {
		tracer.RecordError(span, err)
		return p.reduce("geoclue.Stop", err)
	}
	return nil
}

func (p *Proxy) CurrentLocationRef(ctx context.Context, h domain.SessionHandle) (string, bool) {
	client := p.conn.Object(serviceName, dbus.ObjectPath(h.Path))
	variant, err := client.GetProperty(clientIface + ".Location")
	if err != nil {
		p.logger.Debug("location property unreadable", "path", h.Path, "error", err)
		return "", false
	}
	ref, ok := variant.Value().(dbus.ObjectPath)
	if !ok {
		return "", false
	}
	// An unset location is reported as the root path.
	if ref == "" || ref == "/" {
		return "", false
	}
	return string(ref), true
}

func (p *Proxy) FetchLocation(ctx context.Context, ref string) (domain.Position, error) {
	_, span := tracer.StartSpan(ctx, "geoclue.FetchLocation")
	defer span.End()

	location := p.conn.Object(serviceName, dbus.ObjectPath(ref))

	var fields locationFields
	doubles := []struct {
		name string
		dst  *float64
	}{
		{"Latitude", &fields.Latitude},
		{"Longitude", &fields.Longitude},
		{"Altitude", &fields.Altitude},
		{"Accuracy", &fields.Accuracy},
		{"Speed", &fields.Speed},
		{"Heading", &fields.Heading},
	}
	for _, d := range doubles {
		variant, err := location.GetProperty(locationIface + "." + d.name)
		if err != nil {
			tracer.RecordError(span, err)
			return domain.Position{}, p.reduce("geoclue.FetchLocation", err)
		}
		v, ok := variant.Value().(float64)
		if !ok {
			return domain.Position{}, domain.NewPositionError("geoclue.FetchLocation",
				domain.ErrUnavailable, fmt.Sprintf("property %s has type %T", d.name, variant.Value()))
		}
		*d.dst = v
	}

	variant, err := location.GetProperty(locationIface + ".Timestamp")
	if err != nil {
		tracer.RecordError(span, err)
		return domain.Position{}, p.reduce("geoclue.FetchLocation", err)
	}
	fields.TimestampSec, fields.TimestampUsec = timestampValues(variant.Value())

	return positionFromFields(fields, time.Now()), nil
}

func (p *Proxy) Subscribe(h domain.SessionHandle, fn func(oldRef, newRef string)) (func(), error) {
	path := dbus.ObjectPath(h.Path)
	matchOpts := []dbus.MatchOption{
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(clientIface),
		dbus.WithMatchMember(locationUpdatedMember),
	}
	if err := p.conn.AddMatchSignal(matchOpts...); err != nil {
		return nil, p.reduce("geoclue.Subscribe", err)
	}

	p.mu.Lock()
	p.subs[path] = fn
	p.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, path)
			p.mu.Unlock()
			if err := p.conn.RemoveMatchSignal(matchOpts...); err != nil {
				p.logger.Debug("remove signal match failed", "path", h.Path, "error", err)
			}
		})
	}
	return cancel, nil
}

func (p *Proxy) AvailableAccuracyLevel(ctx context.Context) (domain.AccuracyLevel, error) {
	manager := p.conn.Object(serviceName, managerPath)
	variant, err := manager.GetProperty(managerIface + ".AvailableAccuracyLevel")
	if err != nil {
		return domain.AccuracyNone, p.reduce("geoclue.AvailableAccuracyLevel", err)
	}
	level, ok := variant.Value().(uint32)
	if !ok {
		return domain.AccuracyNone, domain.NewPositionError("geoclue.AvailableAccuracyLevel",
			domain.ErrUnavailable, fmt.Sprintf("property has type %T", variant.Value()))
	}
	return domain.AccuracyLevel(level), nil
}

// reduce maps a bus-level failure to a domain sentinel, keeping the D-Bus
// error name and message out of the public surface.
func (p *Proxy) reduce(op string, err error) error {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		detail := dbusErr.Name
		p.logger.Warn("remote call failed", "op", op, "name", dbusErr.Name, "message", fmt.Sprint(dbusErr.Body...))
		switch dbusErr.Name {
		case "org.freedesktop.DBus.Error.ServiceUnknown",
			"org.freedesktop.DBus.Error.NoReply",
			"org.freedesktop.DBus.Error.Disconnected":
			return domain.NewPositionError(op, domain.ErrUnavailable, detail)
		default:
			return domain.NewPositionError(op, domain.ErrAccess, detail)
		}
	}
	p.logger.Warn("remote call failed", "op", op, "error", err)
	return domain.NewPositionError(op, domain.ErrAccess, err.Error())
}

// newGen mints a generation tag for a freshly created session handle.
func newGen() string {
	t := time.Now().UTC()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

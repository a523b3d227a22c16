package domain

import "context"

// SessionHandle is an opaque reference to a remote client session: the
// object path of the remote Client plus a generation tag minted when the
// session is created. A completion that arrives carrying a generation the
// controller no longer holds belongs to a destroyed handle and must be
// discarded.
type SessionHandle struct {
	Path string
	Gen  string
}

// Zero reports whether the handle references nothing.
func (h SessionHandle) Zero() bool { return h.Path == "" }

// SessionConfig is the per-session configuration pushed to the remote
// client before it is started.
type SessionConfig struct {
	DesktopID          string
	TimeThresholdSec   uint32
	DistanceThresholdM uint32
	Accuracy           AccuracyLevel
}

// Validate checks that the configuration can be applied at all. A missing
// desktop id is a configuration error, not a transient failure.
func (c SessionConfig) Validate() error {
	if c.DesktopID == "" {
		return NewPositionError("SessionConfig.Validate", ErrNotConfigured,
			"set QT_GEOCLUE_APP_DESKTOP_ID or the application name")
	}
	return nil
}

// SessionProxy issues the remote calls against the positioning service.
// Implementations are stateless wrappers over the transport; every call may
// fail with a bus-level or service-level rejection, reduced to a sentinel
// from this package.
type SessionProxy interface {
	// CreateSession obtains a fresh per-application client object.
	CreateSession(ctx context.Context) (SessionHandle, error)

	// Configure pushes the session configuration to the remote client.
	Configure(ctx context.Context, h SessionHandle, cfg SessionConfig) error

	// Start asks the remote client to begin tracking. Completion may race
	// with the first location event on the same handle.
	Start(ctx context.Context, h SessionHandle) error

	// Stop asks the remote client to stop tracking.
	Stop(ctx context.Context, h SessionHandle) error

	// CurrentLocationRef reads the client's current location reference.
	// ok is false when the client does not reference a location yet.
	CurrentLocationRef(ctx context.Context, h SessionHandle) (ref string, ok bool)

	// FetchLocation reads the immutable location snapshot behind ref.
	FetchLocation(ctx context.Context, ref string) (Position, error)

	// Subscribe registers fn for the client's location-changed event and
	// returns an unsubscribe function. fn receives the old and new
	// location references.
	Subscribe(h SessionHandle, fn func(oldRef, newRef string)) (func(), error)

	// AvailableAccuracyLevel reads the service's advertised accuracy
	// ceiling from the manager object.
	AvailableAccuracyLevel(ctx context.Context) (AccuracyLevel, error)
}

// PositionStore persists the last known position across restarts.
type PositionStore interface {
	// Load returns the cached position, or ok=false when nothing usable
	// is stored. A missing or corrupt cache is not an error.
	Load() (Position, bool)

	// Save writes the position atomically. Only the coordinate and
	// timestamp survive a round trip.
	Save(Position) error
}

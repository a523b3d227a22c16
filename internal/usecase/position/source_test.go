package position

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hieuntg81/locationd/internal/domain"
)

type fakeProxy struct {
	mu sync.Mutex

	createErr    error
	configureErr error
	startErr     error
	stopErr      error
	fetchErr     error
	levelErr     error

	level       domain.AccuracyLevel
	locationRef string
	locations   map[string]domain.Position

	creates      int
	configures   int
	starts       int
	stops        int
	fetches      int
	unsubscribes int

	lastConfig domain.SessionConfig
	sub        func(oldRef, newRef string)
}

func (p *fakeProxy) CreateSession(ctx context.Context) (domain.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creates++
	if p.createErr != nil {
		return domain.SessionHandle{}, p.createErr
	}
	n := strconv.Itoa(p.creates)
	return domain.SessionHandle{Path: "/client/" + n, Gen: n}, nil
}

func (p *fakeProxy) Configure(ctx context.Context, h domain.SessionHandle, cfg domain.SessionConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configures++
	p.lastConfig = cfg
	return p.configureErr
}

func (p *fakeProxy) Start(ctx context.Context, h domain.SessionHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	return p.startErr
}

func (p *fakeProxy) Stop(ctx context.Context, h domain.SessionHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	return p.stopErr
}

func (p *fakeProxy) CurrentLocationRef(ctx context.Context, h domain.SessionHandle) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.locationRef == "" {
		return "", false
	}
	return p.locationRef, true
}

func (p *fakeProxy) FetchLocation(ctx context.Context, ref string) (domain.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetches++
	if p.fetchErr != nil {
		return domain.Position{}, p.fetchErr
	}
	return p.locations[ref], nil
}

func (p *fakeProxy) Subscribe(h domain.SessionHandle, fn func(oldRef, newRef string)) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sub = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.unsubscribes++
	}, nil
}

func (p *fakeProxy) AvailableAccuracyLevel(ctx context.Context) (domain.AccuracyLevel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.levelErr != nil {
		return domain.AccuracyNone, p.levelErr
	}
	return p.level, nil
}

// emit delivers a location-changed event the way the transport would.
func (p *fakeProxy) emit(ref string) {
	p.mu.Lock()
	fn := p.sub
	p.mu.Unlock()
	if fn != nil {
		fn("", ref)
	}
}

func (p *fakeProxy) counts() (creates, configures, starts, stops int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creates, p.configures, p.starts, p.stops
}

func (p *fakeProxy) setLocation(ref string, pos domain.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.locations == nil {
		p.locations = make(map[string]domain.Position)
	}
	p.locations[ref] = pos
}

type fakeStore struct {
	mu      sync.Mutex
	pos     domain.Position
	ok      bool
	saves   int
	saveErr error
}

func (s *fakeStore) Load() (domain.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos, s.ok
}

func (s *fakeStore) Save(pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.pos = pos
	s.ok = true
	s.saves++
	return nil
}

func (s *fakeStore) saved() (domain.Position, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos, s.saves
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixAt(lat, lon float64) domain.Position {
	return domain.Position{
		Latitude:  lat,
		Longitude: lon,
		Timestamp: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
	}
}

func newTestSource(t *testing.T, proxy *fakeProxy, store *fakeStore, cfg Config) *Source {
	t.Helper()
	if cfg.ResolveDesktopID == nil && cfg.DesktopID == "" {
		cfg.DesktopID = "locationd-test"
	}
	s := New(proxy, store, cfg, testLogger())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// settle runs a barrier through the execution context so everything posted
// before it has finished.
func settle(t *testing.T, s *Source) {
	t.Helper()
	done := make(chan struct{})
	if !s.loop.post(func() { close(done) }) {
		return
	}
	<-done
}

// onLoop runs fn on the execution context and waits for it.
func onLoop(t *testing.T, s *Source, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, s.loop.post(func() {
		fn()
		close(done)
	}))
	<-done
}

func waitState(t *testing.T, s *Source, want sessionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		var st sessionState
		onLoop(t, s, func() { st = s.ctrl.state })
		return st == want
	}, time.Second, time.Millisecond, "session never reached %v", want)
}

func collectErrors(s *Source) func() []domain.SourceError {
	var mu sync.Mutex
	var got []domain.SourceError
	s.OnError(func(e domain.SourceError) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	return func() []domain.SourceError {
		mu.Lock()
		defer mu.Unlock()
		return append([]domain.SourceError(nil), got...)
	}
}

func collectPositions(s *Source) func() []domain.Position {
	var mu sync.Mutex
	var got []domain.Position
	s.OnPosition(func(p domain.Position) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})
	return func() []domain.Position {
		mu.Lock()
		defer mu.Unlock()
		return append([]domain.Position(nil), got...)
	}
}

func TestStartUpdatesIdempotent(t *testing.T) {
	proxy := &fakeProxy{}
	s := newTestSource(t, proxy, &fakeStore{}, Config{})

	s.StartUpdates()
	s.StartUpdates()
	waitState(t, s, stateActiveStarted)

	creates, configures, starts, stops := proxy.counts()
	require.Equal(t, 1, creates)
	require.Equal(t, 1, configures)
	require.Equal(t, 1, starts)
	require.Equal(t, 0, stops)
}

func TestStopUpdatesIdempotent(t *testing.T) {
	proxy := &fakeProxy{}
	s := newTestSource(t, proxy, &fakeStore{}, Config{})

	s.StartUpdates()
	waitState(t, s, stateActiveStarted)

	s.StopUpdates()
	s.StopUpdates()
	waitState(t, s, stateAbsent)

	require.Eventually(t, func() bool {
		_, _, _, stops := proxy.counts()
		return stops == 1
	}, time.Second, time.Millisecond)
}

func TestStopWithoutStartDoesNothing(t *testing.T) {
	proxy := &fakeProxy{}
	s := newTestSource(t, proxy, &fakeStore{}, Config{})

	s.StopUpdates()
	settle(t, s)

	creates, _, _, stops := proxy.counts()
	require.Zero(t, creates)
	require.Zero(t, stops)
}

func TestRequestUpdateBelowMinimum(t *testing.T) {
	proxy := &fakeProxy{}
	s := newTestSource(t, proxy, &fakeStore{}, Config{})
	errs := collectErrors(s)

	s.RequestUpdate(500 * time.Millisecond)
	settle(t, s)

	require.Equal(t, []domain.SourceError{domain.UnknownSourceError}, errs())
	require.Equal(t, domain.UnknownSourceError, s.Err())
	creates, _, _, _ := proxy.counts()
	require.Zero(t, creates, "a rejected request must not touch the service")
}

func TestRequestUpdateZeroTimeoutUsesColdStartDefault(t *testing.T) {
	proxy := &fakeProxy{}
	s := newTestSource(t, proxy, &fakeStore{}, Config{})

	s.RequestUpdate(0)
	var armed time.Duration
	onLoop(t, s, func() { armed = s.dl.last })
	require.Equal(t, coldStartTimeout, armed)
}

func TestRequestUpdateArmsGivenTimeout(t *testing.T) {
	proxy := &fakeProxy{}
	s := newTestSource(t, proxy, &fakeStore{}, Config{})

	s.RequestUpdate(5 * time.Second)
	var armed time.Duration
	onLoop(t, s, func() { armed = s.dl.last })
	require.Equal(t, 5*time.Second, armed)
}

func TestRequestUpdateWhilePendingIgnored(t *testing.T) {
	proxy := &fakeProxy{}
	s := newTestSource(t, proxy, &fakeStore{}, Config{})

	s.RequestUpdate(5 * time.Second)
	waitState(t, s, stateActiveStarted)
	s.RequestUpdate(30 * time.Second)
	settle(t, s)

	var armed time.Duration
	onLoop(t, s, func() { armed = s.dl.last })
	require.Equal(t, 5*time.Second, armed, "pending request must not be re-armed")
	creates, _, _, _ := proxy.counts()
	require.Equal(t, 1, creates)
}

func TestOneShotDeliveryStopsSession(t *testing.T) {
	proxy := &fakeProxy{}
	proxy.setLocation("/location/1", fixAt(52.5, 13.4))
	s := newTestSource(t, proxy, &fakeStore{}, Config{})
	positions := collectPositions(s)

	s.RequestUpdate(5 * time.Second)
	waitState(t, s, stateActiveStarted)
	proxy.emit("/location/1")

	require.Eventually(t, func() bool { return len(positions()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, fixAt(52.5, 13.4), positions()[0])

	waitState(t, s, stateAbsent)
	var armed bool
	onLoop(t, s, func() { armed = s.dl.armed() })
	require.False(t, armed, "delivery must cancel the deadline")
	require.Eventually(t, func() bool {
		_, _, _, stops := proxy.counts()
		return stops == 1
	}, time.Second, time.Millisecond)
}

func TestContinuousDeliveryKeepsSession(t *testing.T) {
	proxy := &fakeProxy{}
	proxy.setLocation("/location/1", fixAt(48.8, 2.3))
	proxy.setLocation("/location/2", fixAt(48.9, 2.4))
	s := newTestSource(t, proxy, &fakeStore{}, Config{})
	positions := collectPositions(s)

	s.StartUpdates()
	waitState(t, s, stateActiveStarted)
	proxy.emit("/location/1")
	require.Eventually(t, func() bool { return len(positions()) == 1 }, time.Second, time.Millisecond)
	proxy.emit("/location/2")
	require.Eventually(t, func() bool { return len(positions()) == 2 }, time.Second, time.Millisecond)

	require.Equal(t, fixAt(48.9, 2.4), positions()[1])
	creates, _, _, stops := proxy.counts()
	require.Equal(t, 1, creates, "continuous mode must reuse the session")
	require.Zero(t, stops)
}

func TestUnsetLocationReferenceIgnored(t *testing.T) {
	proxy := &fakeProxy{}
	s := newTestSource(t, proxy, &fakeStore{}, Config{})
	positions := collectPositions(s)

	s.StartUpdates()
	waitState(t, s, stateActiveStarted)
	proxy.emit("/")
	proxy.emit("")
	settle(t, s)

	require.Empty(t, positions())
	proxy.mu.Lock()
	fetches := proxy.fetches
	proxy.mu.Unlock()
	require.Zero(t, fetches)
}

func TestDeadlineExpiryReportsTimeout(t *testing.T) {
	proxy := &fakeProxy{}
	s := newTestSource(t, proxy, &fakeStore{}, Config{})
	errs := collectErrors(s)

	s.RequestUpdate(time.Hour)
	waitState(t, s, stateActiveStarted)

	onLoop(t, s, func() { s.dl.fire(s.dl.gen) })

	require.Equal(t, []domain.SourceError{domain.UnknownSourceError}, errs())
	waitState(t, s, stateAbsent)
	require.Eventually(t, func() bool {
		_, _, _, stops := proxy.counts()
		return stops == 1
	}, time.Second, time.Millisecond)
}

func TestCreateFailureReported(t *testing.T) {
	proxy := &fakeProxy{createErr: domain.ErrAccess}
	s := newTestSource(t, proxy, &fakeStore{}, Config{})
	errs := collectErrors(s)

	s.StartUpdates()
	require.Eventually(t, func() bool { return len(errs()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, domain.AccessError, errs()[0])
	waitState(t, s, stateAbsent)

	_, _, starts, _ := proxy.counts()
	require.Zero(t, starts)
}

func TestStartFailureDestroysSession(t *testing.T) {
	proxy := &fakeProxy{startErr: domain.ErrAccess}
	s := newTestSource(t, proxy, &fakeStore{}, Config{})
	errs := collectErrors(s)

	s.StartUpdates()
	require.Eventually(t, func() bool { return len(errs()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, domain.AccessError, errs()[0])
	waitState(t, s, stateAbsent)

	require.Eventually(t, func() bool {
		proxy.mu.Lock()
		defer proxy.mu.Unlock()
		return proxy.unsubscribes == 1
	}, time.Second, time.Millisecond)
}

func TestCachedPositionReplayedOnStart(t *testing.T) {
	store := &fakeStore{pos: fixAt(59.3, 18.1), ok: true}
	s := newTestSource(t, &fakeProxy{}, store, Config{})

	pos, ok := s.LastKnownPosition()
	require.True(t, ok)
	require.Equal(t, fixAt(59.3, 18.1), pos)

	positions := collectPositions(s)
	s.StartUpdates()
	require.Eventually(t, func() bool { return len(positions()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, fixAt(59.3, 18.1), positions()[0])
}

func TestCurrentLocationAnnouncedAfterStart(t *testing.T) {
	proxy := &fakeProxy{locationRef: "/location/7"}
	proxy.setLocation("/location/7", fixAt(35.6, 139.7))
	s := newTestSource(t, proxy, &fakeStore{}, Config{})
	positions := collectPositions(s)

	s.StartUpdates()
	require.Eventually(t, func() bool { return len(positions()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, fixAt(35.6, 139.7), positions()[0])
}

func TestSupportedMethods(t *testing.T) {
	tests := []struct {
		name  string
		level domain.AccuracyLevel
		want  domain.PositioningMethods
	}{
		{"exact", domain.AccuracyExact, domain.AllPositioningMethods},
		{"street", domain.AccuracyStreet, domain.NonSatellitePositioningMethods},
		{"country", domain.AccuracyCountry, domain.NonSatellitePositioningMethods},
		{"none", domain.AccuracyNone, domain.NoPositioningMethods},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSource(t, &fakeProxy{level: tt.level}, &fakeStore{}, Config{})
			require.Equal(t, tt.want, s.SupportedMethods())
			require.Equal(t, domain.NoError, s.Err())
		})
	}
}

func TestSupportedMethodsUnreadable(t *testing.T) {
	proxy := &fakeProxy{levelErr: domain.ErrUnavailable}
	s := newTestSource(t, proxy, &fakeStore{}, Config{})
	errs := collectErrors(s)

	require.Equal(t, domain.NoPositioningMethods, s.SupportedMethods())
	require.Eventually(t, func() bool { return len(errs()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, domain.AccessError, errs()[0])
}

func TestUnresolvedDesktopID(t *testing.T) {
	proxy := &fakeProxy{}
	s := newTestSource(t, proxy, &fakeStore{}, Config{
		ResolveDesktopID: func() string { return "" },
	})
	errs := collectErrors(s)

	s.StartUpdates()
	require.Eventually(t, func() bool { return len(errs()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, domain.AccessError, errs()[0])

	creates, _, _, _ := proxy.counts()
	require.Zero(t, creates, "identity failure must abort before any remote call")
}

func TestDesktopIDEnvPrecedence(t *testing.T) {
	t.Setenv(envDesktopID, "env-app")
	proxy := &fakeProxy{}
	s := newTestSource(t, proxy, &fakeStore{}, Config{DesktopID: "config-app"})

	s.StartUpdates()
	waitState(t, s, stateActiveStarted)

	proxy.mu.Lock()
	got := proxy.lastConfig.DesktopID
	proxy.mu.Unlock()
	require.Equal(t, "env-app", got)
}

func TestSessionConfigCarriesPreferences(t *testing.T) {
	proxy := &fakeProxy{}
	s := newTestSource(t, proxy, &fakeStore{}, Config{
		UpdateInterval:     3 * time.Second,
		PreferredMethods:   domain.SatellitePositioningMethods,
		DistanceThresholdM: 25,
	})

	s.StartUpdates()
	waitState(t, s, stateActiveStarted)

	proxy.mu.Lock()
	cfg := proxy.lastConfig
	proxy.mu.Unlock()
	require.Equal(t, uint32(3), cfg.TimeThresholdSec)
	require.Equal(t, uint32(25), cfg.DistanceThresholdM)
	require.Equal(t, domain.AccuracyExact, cfg.Accuracy)
}

func TestSetUpdateIntervalReconfigures(t *testing.T) {
	proxy := &fakeProxy{}
	s := newTestSource(t, proxy, &fakeStore{}, Config{})

	s.StartUpdates()
	waitState(t, s, stateActiveStarted)

	s.SetUpdateInterval(7 * time.Second)
	require.Eventually(t, func() bool {
		proxy.mu.Lock()
		defer proxy.mu.Unlock()
		return proxy.configures == 2 && proxy.lastConfig.TimeThresholdSec == 7
	}, time.Second, time.Millisecond)
}

func TestSetPreferredMethodsReconfigures(t *testing.T) {
	proxy := &fakeProxy{}
	s := newTestSource(t, proxy, &fakeStore{}, Config{PreferredMethods: domain.AllPositioningMethods})

	s.StartUpdates()
	waitState(t, s, stateActiveStarted)

	s.SetPreferredMethods(domain.NonSatellitePositioningMethods)
	require.Eventually(t, func() bool {
		proxy.mu.Lock()
		defer proxy.mu.Unlock()
		return proxy.configures == 2 && proxy.lastConfig.Accuracy == domain.AccuracyStreet
	}, time.Second, time.Millisecond)
}

func TestDeliveryPersistsPosition(t *testing.T) {
	proxy := &fakeProxy{}
	proxy.setLocation("/location/1", fixAt(40.7, -74.0))
	store := &fakeStore{}
	s := newTestSource(t, proxy, store, Config{})
	positions := collectPositions(s)

	s.StartUpdates()
	waitState(t, s, stateActiveStarted)
	proxy.emit("/location/1")
	require.Eventually(t, func() bool { return len(positions()) == 1 }, time.Second, time.Millisecond)

	pos, saves := store.saved()
	require.Equal(t, 1, saves)
	require.Equal(t, fixAt(40.7, -74.0), pos)
}

func TestStopFailureReported(t *testing.T) {
	proxy := &fakeProxy{stopErr: domain.ErrUnavailable}
	s := newTestSource(t, proxy, &fakeStore{}, Config{})
	errs := collectErrors(s)

	s.StartUpdates()
	waitState(t, s, stateActiveStarted)
	s.StopUpdates()

	require.Eventually(t, func() bool { return len(errs()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, domain.AccessError, errs()[0])
}

func TestCloseStopsSession(t *testing.T) {
	proxy := &fakeProxy{}
	store := &fakeStore{}
	s := New(proxy, store, Config{DesktopID: "locationd-test"}, testLogger())

	s.StartUpdates()
	waitState(t, s, stateActiveStarted)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	require.Eventually(t, func() bool {
		_, _, _, stops := proxy.counts()
		return stops == 1
	}, time.Second, time.Millisecond)
}

func TestCloseWithoutActivity(t *testing.T) {
	s := New(&fakeProxy{}, &fakeStore{}, Config{DesktopID: "locationd-test"}, testLogger())
	require.NoError(t, s.Close())
}

func TestMinimumUpdateInterval(t *testing.T) {
	s := newTestSource(t, &fakeProxy{}, &fakeStore{}, Config{})
	require.Equal(t, time.Second, s.MinimumUpdateInterval())
}

func TestOperationsAfterClose(t *testing.T) {
	proxy := &fakeProxy{}
	s := New(proxy, &fakeStore{}, Config{DesktopID: "locationd-test"}, testLogger())
	require.NoError(t, s.Close())

	s.StartUpdates()
	require.Equal(t, domain.ClosedError, s.Err())

	s.RequestUpdate(5 * time.Second)
	require.Equal(t, domain.ClosedError, s.Err())

	creates, _, _, _ := proxy.counts()
	require.Zero(t, creates)
}

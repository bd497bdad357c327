package matching_test

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/riderlink/internal/gate"
	"github.com/example/riderlink/internal/realtime"
	"github.com/example/riderlink/internal/ride/domain"
	"github.com/example/riderlink/internal/ride/matching"
	"github.com/example/riderlink/internal/roster"
)

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

type sent struct {
	kind    realtime.Kind
	payload any
}

type stubSender struct {
	mu     sync.Mutex
	sent   []sent
	failOn map[string]bool
	onSend func(kind realtime.Kind, payload any)
}

func (s *stubSender) Send(_ context.Context, kind realtime.Kind, payload any) error {
	s.mu.Lock()
	if req, ok := payload.(realtime.RideRequest); ok && s.failOn[req.DriverID] {
		s.mu.Unlock()
		return errors.New("write failed")
	}
	s.sent = append(s.sent, sent{kind: kind, payload: payload})
	hook := s.onSend
	s.mu.Unlock()
	if hook != nil {
		hook(kind, payload)
	}
	return nil
}

func (s *stubSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type stubGate struct {
	mu       sync.Mutex
	created  []string
	expired  []string
	released []string
	createFn func(key string) error
}

func (g *stubGate) CreateRideRequest(_ context.Context, key, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createFn != nil {
		if err := g.createFn(key); err != nil {
			return err
		}
	}
	g.created = append(g.created, key)
	return nil
}

func (g *stubGate) ExpireRideRequest(_ context.Context, key, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expired = append(g.expired, key)
	return nil
}

func (g *stubGate) ReleaseRideRequest(_ context.Context, key, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = append(g.released, key)
	return nil
}

type stubPublisher struct {
	mu     sync.Mutex
	events []domain.RideEvent
}

func (s *stubPublisher) Publish(_ context.Context, event domain.RideEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

type fixture struct {
	dispatcher *realtime.Dispatcher
	sender     *stubSender
	gate       *stubGate
	publisher  *stubPublisher
	roster     *roster.Store
	coord      *matching.Coordinator
}

func newFixture(t *testing.T, timeout time.Duration, drivers ...string) *fixture {
	t.Helper()
	clock := stubClock{t: time.UnixMilli(1_700_000_000_000)}
	f := &fixture{
		dispatcher: realtime.NewDispatcher(nil),
		sender:     &stubSender{failOn: map[string]bool{}},
		gate:       &stubGate{},
		publisher:  &stubPublisher{},
		roster:     roster.New(clock, time.Second, nil),
	}
	for _, id := range drivers {
		f.roster.Upsert(domain.DriverLocation{
			DriverID: id,
			Current:  domain.LatLon{Lat: 18.52, Lon: 73.85},
			Vehicle:  &domain.Vehicle{Type: domain.VehicleAuto},
		})
	}
	coord, err := matching.New(matching.Deps{
		Dispatcher: f.dispatcher,
		Sender:     f.sender,
		Roster:     f.roster,
		Gate:       f.gate,
		Publisher:  f.publisher,
		Clock:      clock,
	}, matching.Config{ResolutionTimeout: timeout}, nil)
	require.NoError(t, err)
	f.coord = coord
	return f
}

func (f *fixture) push(t *testing.T, kind realtime.Kind, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.dispatcher.Dispatch(context.Background(), realtime.Envelope{Type: kind, Data: data})
}

func accept(key, rideID, driverID string) realtime.RideAccepted {
	return realtime.RideAccepted{
		RequestKey: key,
		RideData: realtime.AcceptedRide{
			Ride:   domain.Ride{ID: rideID, RiderID: "u1", VehicleType: domain.VehicleAuto},
			Driver: domain.DriverInfo{ID: driverID, Name: "Driver " + driverID},
		},
	}
}

func params() matching.Params {
	return matching.Params{
		RiderID:     "u1",
		VehicleType: domain.VehicleAuto,
		Pickup:      domain.Place{Point: domain.GeoPoint{Lat: 18.52, Lng: 73.85}, Name: "FC Road"},
		Destination: domain.Place{Point: domain.GeoPoint{Lat: 18.56, Lng: 73.91}, Name: "Airport"},
		DistanceKm:  8.4,
		Fare:        domain.FareBreakdown{TotalFare: 180},
	}
}

func TestFirstAcceptanceWinsAndLaterResponsesAreIgnored(t *testing.T) {
	f := newFixture(t, time.Minute, "d1", "d2")
	key := "u1-1700000000000"
	f.sender.onSend = func(_ realtime.Kind, payload any) {
		if payload.(realtime.RideRequest).DriverID != "d2" {
			return
		}
		f.push(t, realtime.KindRideAccepted, accept(key, "ride-1", "d1"))
		f.push(t, realtime.KindRideAccepted, accept(key, "ride-2", "d2"))
		f.push(t, realtime.KindRideRejected, realtime.RideRejected{DriverID: "d1", RequestKey: key})
	}

	got, err := f.coord.RequestRide(context.Background(), params())
	require.NoError(t, err)
	require.Equal(t, key, got.RequestKey)
	require.Equal(t, "ride-1", got.Ride.ID)
	require.Equal(t, "d1", got.Driver.ID)
	require.Equal(t, "d1", got.Ride.DriverID)
	require.Equal(t, domain.StatusBooked, got.Ride.Status)

	require.Equal(t, 2, f.sender.count())
	req := f.sender.sent[0].payload.(realtime.RideRequest)
	require.Equal(t, "u1", req.UserID)
	require.Equal(t, key, req.RideRequest.UniqueKey)
	require.Equal(t, 8.4, req.RideRequest.DistanceKm)

	require.Empty(t, f.gate.expired)
	require.Equal(t, []string{key}, f.gate.released)
	require.Len(t, f.publisher.events, 1)
	require.Equal(t, domain.EventRideAssigned, f.publisher.events[0].Type)

	// listeners are gone once resolved
	require.Zero(t, f.dispatcher.Handlers(realtime.KindRideAccepted))
	require.Zero(t, f.dispatcher.Handlers(realtime.KindRideRejected))
	require.False(t, f.coord.Pending("u1"))
}

func TestAcceptanceWithoutKeyResolvesPendingRequest(t *testing.T) {
	f := newFixture(t, time.Minute, "d1")
	f.sender.onSend = func(realtime.Kind, any) {
		f.push(t, realtime.KindRideAccepted, map[string]any{
			"rideData": map[string]any{
				"rideData": map[string]any{"id": "r1", "driverId": "d1"},
				"driver":   map[string]any{"id": "d1"},
			},
		})
	}

	got, err := f.coord.RequestRide(context.Background(), params())
	require.NoError(t, err)
	require.Equal(t, "u1-1700000000000", got.RequestKey)
	require.Equal(t, "r1", got.Ride.ID)
	require.Equal(t, "d1", got.Driver.ID)
}

type movingClock struct{ t time.Time }

func (c *movingClock) Now() time.Time { return c.t }

func TestRiderCanBookAgainAfterAssignment(t *testing.T) {
	f := newFixture(t, time.Minute, "d1")
	clock := &movingClock{t: time.UnixMilli(1_700_000_000_000)}
	coord, err := matching.New(matching.Deps{
		Dispatcher: f.dispatcher,
		Sender:     f.sender,
		Roster:     f.roster,
		Gate:       gate.Chain{gate.NewMemoryGate(clock, gate.DefaultTTL), f.gate},
		Clock:      clock,
	}, matching.Config{ResolutionTimeout: time.Minute}, nil)
	require.NoError(t, err)

	rides := 0
	f.sender.onSend = func(realtime.Kind, any) {
		rides++
		f.push(t, realtime.KindRideAccepted, accept("", "ride-"+strconv.Itoa(rides), "d1"))
	}

	first, err := coord.RequestRide(context.Background(), params())
	require.NoError(t, err)
	require.Equal(t, "ride-1", first.Ride.ID)

	// the first ride was cancelled; the rider books again well inside the claim TTL
	clock.t = clock.t.Add(30 * time.Second)
	second, err := coord.RequestRide(context.Background(), params())
	require.NoError(t, err)
	require.Equal(t, "ride-2", second.Ride.ID)
	require.Equal(t, "u1-1700000030000", second.RequestKey)
	require.Empty(t, f.gate.expired)
}

func TestAllRejectionsResolveBeforeTimeout(t *testing.T) {
	f := newFixture(t, time.Hour, "d1", "d2", "d3")
	key := "u1-1700000000000"
	f.sender.onSend = func(_ realtime.Kind, payload any) {
		if payload.(realtime.RideRequest).DriverID != "d3" {
			return
		}
		f.push(t, realtime.KindRideRejected, realtime.RideRejected{DriverID: "d1", RequestKey: key})
		f.push(t, realtime.KindRideRejected, realtime.RideRejected{DriverID: "d1", RequestKey: key})
		f.push(t, realtime.KindRideRejected, realtime.RideRejected{DriverID: "d2", RequestKey: "someone-else"})
		f.push(t, realtime.KindRideRejected, realtime.RideRejected{DriverID: "d2"})
		f.push(t, realtime.KindRideRejected, realtime.RideRejected{DriverID: "d3", RequestKey: key})
	}

	start := time.Now()
	_, err := f.coord.RequestRide(context.Background(), params())
	require.ErrorIs(t, err, domain.ErrNoDriversAvailable)
	require.NotErrorIs(t, err, domain.ErrResolutionTimeout)
	require.Less(t, time.Since(start), 5*time.Second)

	require.Equal(t, []string{key}, f.gate.expired)
	require.Equal(t, domain.EventRequestExpired, f.publisher.events[0].Type)
}

func TestTimeoutResolvesAsNoDrivers(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond, "d1")

	_, err := f.coord.RequestRide(context.Background(), params())
	require.ErrorIs(t, err, domain.ErrResolutionTimeout)
	require.ErrorIs(t, err, domain.ErrNoDriversAvailable)
	require.Len(t, f.gate.expired, 1)

	// an acceptance after the timeout has nowhere to go
	f.push(t, realtime.KindRideAccepted, accept(f.gate.expired[0], "ride-1", "d1"))
	require.Zero(t, f.dispatcher.Handlers(realtime.KindRideAccepted))
}

func TestNoCandidatesSkipsGateAndBroadcast(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.roster.Upsert(domain.DriverLocation{DriverID: "cab", Vehicle: &domain.Vehicle{Type: domain.VehicleCab}})

	_, err := f.coord.RequestRide(context.Background(), params())
	require.ErrorIs(t, err, domain.ErrNoDriversAvailable)
	require.Empty(t, f.gate.created)
	require.Zero(t, f.sender.count())
}

func TestGateDuplicateSuppressesBroadcast(t *testing.T) {
	f := newFixture(t, time.Minute, "d1")
	f.gate.createFn = func(string) error { return domain.ErrDuplicateRequest }

	_, err := f.coord.RequestRide(context.Background(), params())
	require.ErrorIs(t, err, domain.ErrDuplicateRequest)
	require.Zero(t, f.sender.count())
	require.Zero(t, f.dispatcher.Handlers(realtime.KindRideAccepted))
}

func TestGateFailureIsNotADuplicate(t *testing.T) {
	f := newFixture(t, time.Minute, "d1")
	f.gate.createFn = func(string) error { return errors.New("server down") }

	_, err := f.coord.RequestRide(context.Background(), params())
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrDuplicateRequest)
	require.Zero(t, f.sender.count())
}

func TestSecondRequestWhilePendingIsDuplicate(t *testing.T) {
	f := newFixture(t, time.Minute, "d1")

	type result struct {
		a   matching.Assignment
		err error
	}
	done := make(chan result, 1)
	go func() {
		a, err := f.coord.RequestRide(context.Background(), params())
		done <- result{a, err}
	}()
	require.Eventually(t, func() bool { return f.sender.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err := f.coord.RequestRide(context.Background(), params())
	require.ErrorIs(t, err, domain.ErrDuplicateRequest)
	require.Equal(t, 1, f.sender.count())

	f.push(t, realtime.KindRideAccepted, accept("u1-1700000000000", "ride-1", "d1"))
	r := <-done
	require.NoError(t, r.err)
	require.Equal(t, "ride-1", r.a.Ride.ID)
}

func TestFailedSendsCountAsRejections(t *testing.T) {
	f := newFixture(t, time.Hour, "d1", "d2")
	f.sender.failOn = map[string]bool{"d1": true, "d2": true}

	_, err := f.coord.RequestRide(context.Background(), params())
	require.ErrorIs(t, err, domain.ErrNoDriversAvailable)
	require.Len(t, f.gate.expired, 1)
}

func TestContextCancellationExpiresRequest(t *testing.T) {
	f := newFixture(t, time.Hour, "d1")
	ctx, cancel := context.WithCancel(context.Background())
	f.sender.onSend = func(realtime.Kind, any) { cancel() }

	_, err := f.coord.RequestRide(ctx, params())
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, f.gate.expired, 1)
}

func TestRefreshNearbySendsRequestDrivers(t *testing.T) {
	f := newFixture(t, time.Minute)
	require.NoError(t, f.coord.RefreshNearby(context.Background(), domain.GeoPoint{Lat: 1.5, Lng: 2.5}))
	require.Equal(t, realtime.KindRequestDrivers, f.sender.sent[0].kind)
	require.Equal(t, realtime.RequestDrivers{Latitude: 1.5, Longitude: 2.5}, f.sender.sent[0].payload)
}

func TestResyncNearbyRepeatsLastPoint(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.coord.ResyncNearby(context.Background())
	require.Empty(t, f.sender.sent)

	require.NoError(t, f.coord.RefreshNearby(context.Background(), domain.GeoPoint{Lat: 1.5, Lng: 2.5}))
	require.NoError(t, f.coord.RefreshNearby(context.Background(), domain.GeoPoint{Lat: 3, Lng: 4}))
	f.coord.ResyncNearby(context.Background())
	require.Len(t, f.sender.sent, 3)
	require.Equal(t, realtime.RequestDrivers{Latitude: 3, Longitude: 4}, f.sender.sent[2].payload)
}

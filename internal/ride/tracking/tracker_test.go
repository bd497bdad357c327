package tracking_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/riderlink/internal/realtime"
	"github.com/example/riderlink/internal/ride/domain"
	"github.com/example/riderlink/internal/ride/tracking"
)

type stubClock struct{ t time.Time }

func (s *stubClock) Now() time.Time { return s.t }

type stubSender struct {
	mu   sync.Mutex
	sent []realtime.Kind
	last any
	err  error
}

func (s *stubSender) Send(_ context.Context, kind realtime.Kind, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, kind)
	s.last = payload
	return nil
}

type stubGeo struct {
	mu          sync.Mutex
	km          float64
	minutes     float64
	distanceErr error
	calls       int
	lastFrom    domain.GeoPoint
	lastTo      domain.GeoPoint
	budget      time.Duration
}

func (s *stubGeo) District(context.Context, domain.GeoPoint) (string, error) { return "Pune", nil }

func (s *stubGeo) PlaceName(context.Context, domain.GeoPoint) (string, error) {
	return "Baner Road", nil
}

func (s *stubGeo) DrivingDistance(ctx context.Context, from, to domain.GeoPoint) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budget = 0
	if deadline, ok := ctx.Deadline(); ok {
		s.budget = time.Until(deadline)
	}
	s.calls++
	s.lastFrom, s.lastTo = from, to
	return s.km, s.distanceErr
}

func (s *stubGeo) DrivingRoute(ctx context.Context, from, to domain.GeoPoint) (domain.Route, error) {
	km, err := s.DrivingDistance(ctx, from, to)
	if err != nil {
		return domain.Route{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.Route{DistanceKm: km, Duration: time.Duration(s.minutes * float64(time.Minute))}, nil
}

func (s *stubGeo) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubPricing struct {
	fare  *domain.FareBreakdown
	query domain.FareQuery
}

func (s *stubPricing) CalculateFare(_ context.Context, q domain.FareQuery) (*domain.FareBreakdown, error) {
	s.query = q
	return s.fare, nil
}

type stubAPI struct {
	cancelled []domain.CancelRideInput
	rated     []float64
}

func (s *stubAPI) CheckActiveRide(context.Context) (domain.ActiveRide, error) {
	return domain.ActiveRide{}, nil
}

func (s *stubAPI) CancelRide(_ context.Context, in domain.CancelRideInput) (domain.Ride, error) {
	s.cancelled = append(s.cancelled, in)
	return domain.Ride{ID: in.RideID, Status: domain.StatusCancelled, Cancellation: &domain.CancellationReceipt{Fee: in.Fare.TotalFare}}, nil
}

func (s *stubAPI) RateDriver(_ context.Context, rideID string, rating float64) (domain.Ride, error) {
	s.rated = append(s.rated, rating)
	return domain.Ride{ID: rideID, Ratings: &domain.Ratings{RiderToDriver: rating}}, nil
}

type stubPublisher struct{ events []domain.RideEvent }

func (s *stubPublisher) Publish(_ context.Context, e domain.RideEvent) error {
	s.events = append(s.events, e)
	return nil
}

type fixture struct {
	clock      *stubClock
	dispatcher *realtime.Dispatcher
	sender     *stubSender
	geo        *stubGeo
	pricing    *stubPricing
	api        *stubAPI
	publisher  *stubPublisher
	notes      []domain.Notification
	tracker    *tracking.Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:      &stubClock{t: time.Unix(1_700_000_000, 0).UTC()},
		dispatcher: realtime.NewDispatcher(nil),
		sender:     &stubSender{},
		geo:        &stubGeo{km: 5},
		pricing:    &stubPricing{},
		api:        &stubAPI{},
		publisher:  &stubPublisher{},
	}
	tr, err := tracking.New(tracking.Deps{
		Dispatcher:  f.dispatcher,
		Sender:      f.sender,
		Geolocation: f.geo,
		Pricing:     f.pricing,
		API:         f.api,
		Publisher:   f.publisher,
		Clock:       f.clock,
		Notify:      func(n domain.Notification) { f.notes = append(f.notes, n) },
	}, tracking.Config{}, nil)
	require.NoError(t, err)
	f.tracker = tr
	return f
}

var (
	pickup      = domain.Place{Point: domain.GeoPoint{Lat: 18.50, Lng: 73.80}, Name: "Pickup"}
	destination = domain.Place{Point: domain.GeoPoint{Lat: 18.60, Lng: 73.90}, Name: "Destination"}
)

func ride(status domain.RideStatus, fare float64) domain.Ride {
	return domain.Ride{
		ID:          "ride-1",
		RiderID:     "u1",
		DriverID:    "d1",
		Driver:      &domain.DriverInfo{ID: "d1", Name: "Asha"},
		VehicleType: domain.VehicleAuto,
		Pickup:      pickup,
		Destination: destination,
		Fare:        domain.FareBreakdown{TotalFare: fare},
		Status:      status,
	}
}

func (f *fixture) push(t *testing.T, kind realtime.Kind, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.dispatcher.Dispatch(context.Background(), realtime.Envelope{Type: kind, Data: data})
}

func (f *fixture) status(t *testing.T, s domain.RideStatus) {
	t.Helper()
	f.push(t, realtime.KindRideStatusUpdate, realtime.RideStatusUpdate{RideID: "ride-1", Status: string(s)})
}

func at(id string, lat, lon, heading float64) []domain.DriverLocation {
	return []domain.DriverLocation{{DriverID: id, Current: domain.LatLon{Lat: lat, Lon: lon}, Heading: heading}}
}

func TestTrackRequestsDriverStream(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.tracker.Track(context.Background(), ride(domain.StatusBooked, 150)))

	require.Equal(t, []realtime.Kind{realtime.KindRequestDriver}, f.sender.sent)
	require.Equal(t, realtime.RequestDriver{DriverID: "d1", UserID: "u1"}, f.sender.last)

	view := f.tracker.Snapshot()
	require.InDelta(t, 18.55, view.Region.Center.Lat, 1e-9)
	require.InDelta(t, 0.15, view.Region.LatDelta, 1e-9)
}

func TestStatusOnlyMovesForward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.tracker.Track(ctx, ride(domain.StatusBooked, 150)))

	require.NoError(t, f.tracker.HandleStatusUpdate(ctx, realtime.RideStatusUpdate{RideID: "ride-1", Status: "processing"}))
	require.NoError(t, f.tracker.HandleStatusUpdate(ctx, realtime.RideStatusUpdate{RideID: "ride-1", Status: "arrived"}))

	err := f.tracker.HandleStatusUpdate(ctx, realtime.RideStatusUpdate{RideID: "ride-1", Status: "processing"})
	require.ErrorIs(t, err, domain.ErrStaleEvent)
	err = f.tracker.HandleStatusUpdate(ctx, realtime.RideStatusUpdate{RideID: "ride-1", Status: "arrived"})
	require.ErrorIs(t, err, domain.ErrStaleEvent)
	err = f.tracker.HandleStatusUpdate(ctx, realtime.RideStatusUpdate{RideID: "ride-2", Status: "ongoing"})
	require.ErrorIs(t, err, domain.ErrStaleEvent)
	err = f.tracker.HandleStatusUpdate(ctx, realtime.RideStatusUpdate{RideID: "ride-1", Status: "teleported"})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	current, ok := f.tracker.Current()
	require.True(t, ok)
	require.Equal(t, domain.StatusArrived, current.Status)
	require.Len(t, f.publisher.events, 2)
}

func TestOneShotNotifications(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.tracker.Track(context.Background(), ride(domain.StatusProcessing, 150)))

	f.status(t, domain.StatusArrived)
	f.status(t, domain.StatusArrived)
	f.status(t, domain.StatusArrived)
	require.Len(t, f.notes, 1)
	require.Equal(t, domain.NotifyDriverArrived, f.notes[0].Kind)

	f.status(t, domain.StatusOngoing)
	f.status(t, domain.StatusReached)
	f.status(t, domain.StatusReached)
	f.status(t, domain.StatusCompleted)
	f.status(t, domain.StatusCompleted)

	kinds := []domain.NotificationKind{}
	for _, n := range f.notes {
		kinds = append(kinds, n.Kind)
	}
	require.Equal(t, []domain.NotificationKind{domain.NotifyDriverArrived, domain.NotifyDestinationReached, domain.NotifyTripCompleted}, kinds)
	require.Len(t, f.tracker.Notifications(), 3)

	// completed is terminal: listeners are released
	require.Zero(t, f.dispatcher.Handlers(realtime.KindRideStatusUpdate))
	require.Zero(t, f.dispatcher.Handlers(realtime.KindDriverLocationUpdate))
	require.Equal(t, domain.RegionAt(destination.Point), f.tracker.Snapshot().Region)
}

func TestRemainingDistanceIsRateLimited(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.tracker.Track(context.Background(), ride(domain.StatusOngoing, 150)))

	for i := 0; i < 10; i++ {
		f.push(t, realtime.KindDriverLocationUpdate, realtime.DriverLocationUpdate{Drivers: at("d1", 18.51+float64(i)*0.001, 73.81, 45)})
		f.clock.t = f.clock.t.Add(500 * time.Millisecond)
	}
	require.Equal(t, 2, f.geo.count())
	require.Equal(t, destination.Point, f.geo.lastTo)

	view := f.tracker.Snapshot()
	require.NotNil(t, view.RemainingKm)
	require.Equal(t, 5.0, *view.RemainingKm)
	require.NotNil(t, view.ETAMinutes)
	require.InDelta(t, 12.0, *view.ETAMinutes, 1e-9)

	ok, err := f.tracker.RecomputeRemaining(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLocationPushLookupIsBounded(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.tracker.Track(context.Background(), ride(domain.StatusOngoing, 150)))

	f.push(t, realtime.KindDriverLocationUpdate, realtime.DriverLocationUpdate{Drivers: at("d1", 18.51, 73.81, 45)})
	require.Equal(t, 1, f.geo.count())
	require.Greater(t, f.geo.budget, time.Duration(0))
	require.LessOrEqual(t, f.geo.budget, tracking.DefaultLookupTimeout)
}

func TestProcessingETATargetsPickup(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.tracker.Track(context.Background(), ride(domain.StatusBooked, 150)))
	f.tracker.HandleLocationUpdate(context.Background(), at("d1", 18.49, 73.79, 0))
	require.Zero(t, f.geo.count())

	f.status(t, domain.StatusProcessing)
	require.Equal(t, 1, f.geo.count())
	require.Equal(t, pickup.Point, f.geo.lastTo)

	view := f.tracker.Snapshot()
	require.NotNil(t, view.ETAMinutes)
	require.Nil(t, view.RemainingKm)
}

func TestLocationUpdatesFollowAssignedDriverOnly(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.tracker.Track(context.Background(), ride(domain.StatusArrived, 150)))

	f.push(t, realtime.KindDriverLocationUpdate, realtime.DriverLocationUpdate{Drivers: append(at("d7", 1, 1, 10), at("d1", 18.501, 73.801, 90)...)})

	view := f.tracker.Snapshot()
	require.NotNil(t, view.DriverPosition)
	require.Equal(t, domain.GeoPoint{Lat: 18.501, Lng: 73.801}, *view.DriverPosition)
	// three-wheeler icon is mirrored
	require.Equal(t, 270.0, view.DriverHeading)
	require.Equal(t, domain.GeoPoint{Lat: 18.501, Lng: 73.801}, view.Ride.Driver.Current)
}

func TestServerCancellationAcceptedOnlyWhileCancellable(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.tracker.Track(context.Background(), ride(domain.StatusOngoing, 150)))
	f.status(t, domain.StatusCancelled)
	current, _ := f.tracker.Current()
	require.Equal(t, domain.StatusCancelled, current.Status)

	g := newFixture(t)
	require.NoError(t, g.tracker.Track(context.Background(), ride(domain.StatusReached, 150)))
	err := g.tracker.HandleStatusUpdate(context.Background(), realtime.RideStatusUpdate{RideID: "ride-1", Status: "cancelled"})
	require.ErrorIs(t, err, domain.ErrStaleEvent)
}

func TestRateOnlyAfterCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.tracker.Track(ctx, ride(domain.StatusReached, 150)))

	_, err := f.tracker.Rate(ctx, 5)
	require.ErrorIs(t, err, domain.ErrRatingNotPermitted)

	f.status(t, domain.StatusCompleted)
	_, err = f.tracker.Rate(ctx, 7)
	require.ErrorIs(t, err, domain.ErrInvalidRating)

	rated, err := f.tracker.Rate(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, rated.Status)
	require.Equal(t, 4.0, rated.Ratings.RiderToDriver)
	require.Equal(t, []float64{4}, f.api.rated)
}

func TestRecomputeFailureIsSwallowedOnTicks(t *testing.T) {
	f := newFixture(t)
	f.geo.distanceErr = errors.New("quota")
	require.NoError(t, f.tracker.Track(context.Background(), ride(domain.StatusOngoing, 150)))

	f.tracker.HandleLocationUpdate(context.Background(), at("d1", 18.52, 73.82, 0))
	require.Nil(t, f.tracker.Snapshot().RemainingKm)
	require.NotNil(t, f.tracker.Snapshot().DriverPosition)
}

// Package tracking follows one ride from assignment to completion or
// cancellation: state machine, live driver position, ETA and cancellation.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/riderlink/internal/ratelimit"
	"github.com/example/riderlink/internal/realtime"
	"github.com/example/riderlink/internal/ride/domain"
)

const (
	DefaultRecomputeInterval = 3 * time.Second
	DefaultAverageSpeedKmh   = 25.0
	DefaultLookupTimeout     = 5 * time.Second
	notificationFeedSize     = 50
)

type Config struct {
	// RecomputeInterval bounds how often geolocation is asked for distances.
	RecomputeInterval time.Duration
	AverageSpeedKmh   float64
	// LookupTimeout bounds each distance lookup made while handling a push.
	LookupTimeout time.Duration
}

// Deps are the collaborators of the tracker. Roster, Publisher, Limiter and
// Notify are optional.
type Deps struct {
	Dispatcher  *realtime.Dispatcher
	Sender      realtime.Sender
	Geolocation domain.Geolocation
	Pricing     domain.Pricing
	API         domain.RideAPI
	Roster      domain.DriverRoster
	Publisher   domain.EventPublisher
	Limiter     ratelimit.Limiter
	Clock       domain.Clock
	Notify      func(domain.Notification)
}

// View is what the rider sees of the tracked ride.
type View struct {
	Ride           *domain.Ride     `json:"ride,omitempty"`
	Region         domain.Region    `json:"region"`
	DriverPosition *domain.GeoPoint `json:"driverPosition,omitempty"`
	DriverTarget   *domain.GeoPoint `json:"driverTarget,omitempty"`
	DriverHeading  float64          `json:"driverHeading"`
	ETAMinutes     *float64         `json:"etaMinutes,omitempty"`
	RemainingKm    *float64         `json:"remainingKm,omitempty"`
}

type Tracker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	mu            sync.Mutex
	ride          *domain.Ride
	region        domain.Region
	driverPos     *domain.GeoPoint
	heading       float64
	eta           *float64
	remaining     *float64
	notified      map[domain.NotificationKind]bool
	notifications []domain.Notification
	subs          []*realtime.Subscription
}

func New(deps Deps, cfg Config, logger *zap.Logger) (*Tracker, error) {
	if deps.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if deps.Sender == nil {
		return nil, errors.New("sender is required")
	}
	if deps.Geolocation == nil {
		return nil, errors.New("geolocation is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("pricing is required")
	}
	if deps.API == nil {
		return nil, errors.New("ride api is required")
	}
	if deps.Clock == nil {
		deps.Clock = domain.SystemClock{}
	}
	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}
	if cfg.RecomputeInterval <= 0 {
		cfg.RecomputeInterval = DefaultRecomputeInterval
	}
	if cfg.AverageSpeedKmh <= 0 {
		cfg.AverageSpeedKmh = DefaultAverageSpeedKmh
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultLookupTimeout
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NewWindowLimiter(cfg.RecomputeInterval, deps.Clock.Now)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{deps: deps, cfg: cfg, logger: logger.Named("tracking"), notified: map[domain.NotificationKind]bool{}}, nil
}

// Track adopts ride as the tracked ride, replacing any previous one.
func (t *Tracker) Track(ctx context.Context, ride domain.Ride) error {
	if ride.ID == "" {
		return errors.New("ride id is required")
	}
	if ride.Status == "" {
		ride.Status = domain.StatusBooked
	}
	if ride.Driver != nil {
		d := *ride.Driver
		ride.Driver = &d
	}

	t.mu.Lock()
	t.unsubscribeLocked()
	t.ride = &ride
	t.driverPos = nil
	t.heading = 0
	t.eta, t.remaining = nil, nil
	t.notified = map[domain.NotificationKind]bool{}
	if ride.Driver != nil && (ride.Driver.Current != domain.GeoPoint{}) {
		p := ride.Driver.Current
		t.driverPos = &p
		t.heading = ride.Driver.Heading
	}
	t.region = t.regionLocked()
	if !ride.Status.Terminal() {
		t.subs = []*realtime.Subscription{
			realtime.On(t.deps.Dispatcher, realtime.KindRideStatusUpdate, func(ctx context.Context, msg realtime.RideStatusUpdate) {
				if err := t.HandleStatusUpdate(ctx, msg); err != nil {
					t.logger.Debug("status update dropped", zap.String("ride_id", msg.RideID), zap.String("status", msg.Status), zap.Error(err))
				}
			}),
			realtime.On(t.deps.Dispatcher, realtime.KindDriverLocationUpdate, func(ctx context.Context, msg realtime.DriverLocationUpdate) {
				t.HandleLocationUpdate(ctx, msg.Drivers)
			}),
		}
	}
	t.mu.Unlock()

	t.logger.Info("tracking ride", zap.String("ride_id", ride.ID), zap.String("status", string(ride.Status)))
	t.Resync(ctx)
	return nil
}

// Resync asks the server to stream the assigned driver's location again.
// It is called after tracking starts and after every reconnect.
func (t *Tracker) Resync(ctx context.Context) {
	t.mu.Lock()
	ride := t.ride
	var driverID, riderID string
	if ride != nil && !ride.Status.Terminal() {
		driverID, riderID = ride.DriverID, ride.RiderID
	}
	t.mu.Unlock()
	if driverID == "" {
		return
	}
	if err := t.deps.Sender.Send(ctx, realtime.KindRequestDriver, realtime.RequestDriver{DriverID: driverID, UserID: riderID}); err != nil {
		t.logger.Warn("request driver stream failed", zap.String("driver_id", driverID), zap.Error(err))
	}
}

// HandleStatusUpdate applies a status push. Regressive, repeated and foreign
// pushes are dropped with ErrStaleEvent.
func (t *Tracker) HandleStatusUpdate(ctx context.Context, msg realtime.RideStatusUpdate) error {
	next, ok := domain.ParseStatus(msg.Status)
	if !ok {
		staleEvents.WithLabelValues("unknown_status").Inc()
		return fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTransition, msg.Status)
	}

	t.mu.Lock()
	if t.ride == nil {
		t.mu.Unlock()
		return domain.ErrNoActiveRide
	}
	if msg.RideID != "" && msg.RideID != t.ride.ID {
		t.mu.Unlock()
		staleEvents.WithLabelValues("other_ride").Inc()
		return fmt.Errorf("%w: ride %s is not tracked", domain.ErrStaleEvent, msg.RideID)
	}
	prev := t.ride.Status
	if !prev.CanAdvanceTo(next) {
		t.mu.Unlock()
		staleEvents.WithLabelValues("regression").Inc()
		return fmt.Errorf("%w: %s -> %s", domain.ErrStaleEvent, prev, next)
	}

	t.ride.Status = next
	t.eta, t.remaining = nil, nil
	if next != domain.StatusCancelled {
		t.region = t.regionLocked()
	}
	note, fire := t.notificationLocked(next, msg.Message)
	if next.Terminal() {
		t.unsubscribeLocked()
	}
	rideID, riderID := t.ride.ID, t.ride.RiderID
	t.mu.Unlock()

	t.logger.Info("ride status changed", zap.String("ride_id", rideID), zap.String("from", string(prev)), zap.String("to", string(next)))
	if fire {
		t.emit(note)
	}
	t.publish(ctx, domain.RideEvent{
		Type:      domain.EventRideStatusChanged,
		RideID:    rideID,
		RiderID:   riderID,
		Payload:   map[string]any{"from": string(prev), "to": string(next)},
		CreatedAt: t.deps.Clock.Now(),
	})
	if next == domain.StatusProcessing || next == domain.StatusOngoing {
		if _, err := t.RecomputeRemaining(ctx); err != nil {
			t.logger.Debug("eta recompute failed", zap.Error(err))
		}
	}
	return nil
}

// HandleLocationUpdate follows the assigned driver in a location push.
func (t *Tracker) HandleLocationUpdate(ctx context.Context, drivers []domain.DriverLocation) {
	t.mu.Lock()
	if t.ride == nil || t.ride.Status.Terminal() || t.ride.DriverID == "" {
		t.mu.Unlock()
		return
	}
	var found *domain.DriverLocation
	for i := range drivers {
		if drivers[i].DriverID == t.ride.DriverID {
			found = &drivers[i]
			break
		}
	}
	if found == nil {
		t.mu.Unlock()
		return
	}
	p := found.Current.Point()
	t.driverPos = &p
	t.heading = found.Heading
	if t.ride.Driver != nil {
		t.ride.Driver.Current = p
		t.ride.Driver.Heading = found.Heading
	}
	t.mu.Unlock()

	if _, err := t.RecomputeRemaining(ctx); err != nil {
		t.logger.Debug("distance recompute failed", zap.Error(err))
	}
}

// RecomputeRemaining refreshes the ETA, and while ongoing the remaining
// distance, from the driver's last position. Calls faster than the configured
// interval are dropped and report false.
func (t *Tracker) RecomputeRemaining(ctx context.Context) (bool, error) {
	t.mu.Lock()
	if t.ride == nil || t.driverPos == nil {
		t.mu.Unlock()
		return false, nil
	}
	status := t.ride.Status
	rideID := t.ride.ID
	from := *t.driverPos
	var to domain.GeoPoint
	switch status {
	case domain.StatusProcessing:
		to = t.ride.Pickup.Point
	case domain.StatusOngoing:
		to = t.ride.Destination.Point
	default:
		t.mu.Unlock()
		return false, nil
	}
	t.mu.Unlock()

	if !t.deps.Limiter.Allow(ctx) {
		distanceCalls.WithLabelValues("dropped").Inc()
		return false, nil
	}
	distanceCalls.WithLabelValues("issued").Inc()
	lookupCtx, cancel := context.WithTimeout(ctx, t.cfg.LookupTimeout)
	defer cancel()
	km, err := t.deps.Geolocation.DrivingDistance(lookupCtx, from, to)
	if err != nil {
		return false, err
	}
	eta := km / t.cfg.AverageSpeedKmh * 60

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ride == nil || t.ride.ID != rideID || t.ride.Status != status {
		return false, nil
	}
	t.eta = &eta
	if status == domain.StatusOngoing {
		t.remaining = &km
	}
	return true, nil
}

// Snapshot returns a copy of the tracked state.
func (t *Tracker) Snapshot() View {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := View{Region: t.region}
	if t.ride == nil {
		return v
	}
	ride := *t.ride
	if ride.Driver != nil {
		d := *ride.Driver
		ride.Driver = &d
	}
	v.Ride = &ride
	if t.driverPos != nil {
		target := *t.driverPos
		pos := target
		if t.deps.Roster != nil {
			if snap, ok := t.deps.Roster.Get(ride.DriverID); ok && snap.HasPosition && snap.Target == target {
				pos = snap.Position
			}
		}
		v.DriverPosition = &pos
		v.DriverTarget = &target
		v.DriverHeading = domain.DisplayHeading(ride.VehicleType, t.heading)
	}
	if t.eta != nil {
		eta := *t.eta
		v.ETAMinutes = &eta
	}
	if t.remaining != nil {
		km := *t.remaining
		v.RemainingKm = &km
	}
	return v
}

// Current returns the tracked ride.
func (t *Tracker) Current() (domain.Ride, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ride == nil {
		return domain.Ride{}, false
	}
	return *t.ride, true
}

// Notifications returns the most recent one-shot notifications, oldest first.
func (t *Tracker) Notifications() []domain.Notification {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.Notification(nil), t.notifications...)
}

// Rate submits the rider's rating of the driver once the ride is completed.
func (t *Tracker) Rate(ctx context.Context, rating float64) (domain.Ride, error) {
	if rating < 1 || rating > 5 {
		return domain.Ride{}, domain.ErrInvalidRating
	}
	t.mu.Lock()
	if t.ride == nil {
		t.mu.Unlock()
		return domain.Ride{}, domain.ErrNoActiveRide
	}
	if t.ride.Status != domain.StatusCompleted {
		t.mu.Unlock()
		return domain.Ride{}, domain.ErrRatingNotPermitted
	}
	rideID, riderID := t.ride.ID, t.ride.RiderID
	t.mu.Unlock()

	updated, err := t.deps.API.RateDriver(ctx, rideID, rating)
	if err != nil {
		return domain.Ride{}, fmt.Errorf("rate driver: %w", err)
	}
	if updated.ID == "" {
		updated.ID = rideID
	}
	updated.Status = domain.StatusCompleted

	t.mu.Lock()
	if t.ride != nil && t.ride.ID == rideID {
		t.ride = &updated
	}
	t.mu.Unlock()

	t.publish(ctx, domain.RideEvent{
		Type:      domain.EventRideRated,
		RideID:    rideID,
		RiderID:   riderID,
		Payload:   map[string]any{"rating": rating},
		CreatedAt: t.deps.Clock.Now(),
	})
	return updated, nil
}

// Close releases the realtime listeners.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unsubscribeLocked()
}

func (t *Tracker) unsubscribeLocked() {
	for _, s := range t.subs {
		s.Unsubscribe()
	}
	t.subs = nil
}

// regionLocked frames the map for the current status.
func (t *Tracker) regionLocked() domain.Region {
	r := t.ride
	driver := r.Pickup.Point
	if t.driverPos != nil {
		driver = *t.driverPos
	}
	switch r.Status {
	case domain.StatusBooked:
		return domain.RegionAround(r.Pickup.Point, r.Destination.Point)
	case domain.StatusProcessing, domain.StatusArrived:
		return domain.RegionAround(driver, r.Pickup.Point)
	case domain.StatusOngoing, domain.StatusReached:
		return domain.RegionAround(driver, r.Destination.Point)
	case domain.StatusCompleted:
		return domain.RegionAt(r.Destination.Point)
	default:
		return t.region
	}
}

var notificationText = map[domain.RideStatus]struct {
	kind domain.NotificationKind
	text string
}{
	domain.StatusArrived:   {domain.NotifyDriverArrived, "Your driver has arrived at the pickup point"},
	domain.StatusReached:   {domain.NotifyDestinationReached, "You have reached your destination"},
	domain.StatusCompleted: {domain.NotifyTripCompleted, "Your trip is complete"},
}

// notificationLocked returns the notification for entering status, at most
// once per ride and kind.
func (t *Tracker) notificationLocked(status domain.RideStatus, serverMessage string) (domain.Notification, bool) {
	n, ok := notificationText[status]
	if !ok || t.notified[n.kind] {
		return domain.Notification{}, false
	}
	t.notified[n.kind] = true
	msg := n.text
	if serverMessage != "" {
		msg = serverMessage
	}
	note := domain.Notification{Kind: n.kind, RideID: t.ride.ID, Message: msg, At: t.deps.Clock.Now()}
	t.notifications = append(t.notifications, note)
	if len(t.notifications) > notificationFeedSize {
		t.notifications = t.notifications[len(t.notifications)-notificationFeedSize:]
	}
	return note, true
}

func (t *Tracker) emit(n domain.Notification) {
	notificationsSent.WithLabelValues(string(n.Kind)).Inc()
	if t.deps.Notify != nil {
		t.deps.Notify(n)
	}
}

func (t *Tracker) publish(ctx context.Context, event domain.RideEvent) {
	if err := t.deps.Publisher.Publish(ctx, event); err != nil {
		t.logger.Warn("publish ride event failed", zap.String("type", string(event.Type)), zap.Error(err))
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, domain.RideEvent) error { return nil }

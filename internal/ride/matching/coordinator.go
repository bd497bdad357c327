// Package matching broadcasts a ride request to nearby drivers and resolves
// the accept/reject race.
package matching

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/example/riderlink/internal/realtime"
	"github.com/example/riderlink/internal/ride/domain"
)

const (
	DefaultResolutionTimeout = 60 * time.Second
	expireTimeout            = 5 * time.Second
)

// Params describe what the rider asked for.
type Params struct {
	RiderID     string
	VehicleType string
	Pickup      domain.Place
	Destination domain.Place
	DistanceKm  float64
	Fare        domain.FareBreakdown
}

// Assignment is the winning acceptance.
type Assignment struct {
	RequestKey string            `json:"requestKey"`
	Ride       domain.Ride       `json:"ride"`
	Driver     domain.DriverInfo `json:"driver"`
}

type Config struct {
	ResolutionTimeout time.Duration
}

// Deps are the collaborators of the coordinator. Geolocation and Pricing are
// only needed by Estimate; Publisher may be nil.
type Deps struct {
	Dispatcher  *realtime.Dispatcher
	Sender      realtime.Sender
	Roster      domain.DriverRoster
	Gate        domain.RequestGate
	Geolocation domain.Geolocation
	Pricing     domain.Pricing
	Publisher   domain.EventPublisher
	Clock       domain.Clock
}

type Coordinator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*resolution
	nearby  *domain.GeoPoint
}

func New(deps Deps, cfg Config, logger *zap.Logger) (*Coordinator, error) {
	if deps.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if deps.Sender == nil {
		return nil, errors.New("sender is required")
	}
	if deps.Roster == nil {
		return nil, errors.New("roster is required")
	}
	if deps.Gate == nil {
		return nil, errors.New("request gate is required")
	}
	if deps.Clock == nil {
		deps.Clock = domain.SystemClock{}
	}
	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}
	if cfg.ResolutionTimeout <= 0 {
		cfg.ResolutionTimeout = DefaultResolutionTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{deps: deps, cfg: cfg, logger: logger.Named("matching"), pending: make(map[string]*resolution)}, nil
}

// RequestRide broadcasts the request to every candidate driver and blocks
// until one accepts, all refuse, the resolution timer fires, or ctx ends.
func (c *Coordinator) RequestRide(ctx context.Context, p Params) (Assignment, error) {
	ctx, span := otel.Tracer("matching").Start(ctx, "RequestRide")
	defer span.End()
	span.SetAttributes(attribute.String("rider.id", p.RiderID), attribute.String("vehicle.type", p.VehicleType))

	candidates := c.deps.Roster.Candidates(p.VehicleType)
	if len(candidates) == 0 {
		requestOutcomes.WithLabelValues("no_candidates").Inc()
		return Assignment{}, domain.ErrNoDriversAvailable
	}

	now := c.deps.Clock.Now()
	key := p.RiderID + "-" + strconv.FormatInt(now.UnixMilli(), 10)
	res := newResolution(key, candidates)

	c.mu.Lock()
	if _, busy := c.pending[p.RiderID]; busy {
		c.mu.Unlock()
		requestOutcomes.WithLabelValues("duplicate").Inc()
		return Assignment{}, fmt.Errorf("%w: request already pending", domain.ErrDuplicateRequest)
	}
	c.pending[p.RiderID] = res
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, p.RiderID)
		c.mu.Unlock()
	}()

	if err := c.deps.Gate.CreateRideRequest(ctx, key, p.RiderID); err != nil {
		if errors.Is(err, domain.ErrDuplicateRequest) {
			requestOutcomes.WithLabelValues("duplicate").Inc()
			return Assignment{}, err
		}
		requestOutcomes.WithLabelValues("gate_error").Inc()
		span.RecordError(err)
		return Assignment{}, fmt.Errorf("register ride request: %w", err)
	}

	subs := c.listen(res)
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()

	request := domain.RideRequest{
		UniqueKey:   key,
		RiderID:     p.RiderID,
		VehicleType: p.VehicleType,
		Pickup:      p.Pickup,
		Destination: p.Destination,
		DistanceKm:  p.DistanceKm,
		Fare:        p.Fare,
		RequestedAt: now,
	}
	c.broadcast(ctx, res, request, candidates)

	timer := time.NewTimer(c.cfg.ResolutionTimeout)
	defer timer.Stop()
	select {
	case <-res.done:
	case <-timer.C:
		res.resolve(outcome{err: domain.ErrResolutionTimeout})
	case <-ctx.Done():
		res.resolve(outcome{err: ctx.Err()})
	}

	o, _ := res.outcome()
	elapsed := c.deps.Clock.Now().Sub(now).Seconds()
	if o.err != nil {
		label := resultLabel(o.err)
		matchingDuration.WithLabelValues(label).Observe(elapsed)
		requestOutcomes.WithLabelValues(label).Inc()
		span.SetStatus(codes.Error, o.err.Error())
		c.expire(ctx, key, p.RiderID, label)
		c.logger.Info("ride request unresolved", zap.String("request_key", key), zap.String("result", label),
			zap.Int("candidates", len(candidates)), zap.Int("rejections", res.rejections()))
		return Assignment{}, o.err
	}

	matchingDuration.WithLabelValues("assigned").Observe(elapsed)
	requestOutcomes.WithLabelValues("assigned").Inc()
	c.release(ctx, key, p.RiderID)
	c.logger.Info("ride assigned", zap.String("request_key", key), zap.String("ride_id", o.assignment.Ride.ID),
		zap.String("driver_id", o.assignment.Driver.ID))
	c.publish(ctx, domain.RideEvent{
		Type:      domain.EventRideAssigned,
		RideID:    o.assignment.Ride.ID,
		RiderID:   p.RiderID,
		Payload:   map[string]any{"requestKey": key, "driverId": o.assignment.Driver.ID},
		CreatedAt: c.deps.Clock.Now(),
	})
	return o.assignment, nil
}

// listen subscribes to responses for res before anything is broadcast.
func (c *Coordinator) listen(res *resolution) []*realtime.Subscription {
	// responses without a key belong to the request currently pending
	accepted := realtime.On(c.deps.Dispatcher, realtime.KindRideAccepted, func(_ context.Context, msg realtime.RideAccepted) {
		if msg.RequestKey != "" && msg.RequestKey != res.key {
			return
		}
		a := assignmentFrom(res.key, msg)
		if !res.resolve(outcome{assignment: a}) {
			c.logger.Debug("late acceptance ignored", zap.String("request_key", res.key), zap.String("driver_id", a.Driver.ID))
		}
	})
	rejected := realtime.On(c.deps.Dispatcher, realtime.KindRideRejected, func(_ context.Context, msg realtime.RideRejected) {
		if msg.RequestKey != "" && msg.RequestKey != res.key {
			return
		}
		res.reject(msg.DriverID)
	})
	return []*realtime.Subscription{accepted, rejected}
}

func (c *Coordinator) broadcast(ctx context.Context, res *resolution, request domain.RideRequest, candidates []domain.DriverSnapshot) {
	for _, d := range candidates {
		err := c.deps.Sender.Send(ctx, realtime.KindRideRequest, realtime.RideRequest{
			UserID:      request.RiderID,
			DriverID:    d.DriverID,
			RideRequest: request,
		})
		if err != nil {
			broadcastSends.WithLabelValues("error").Inc()
			c.logger.Warn("ride request send failed", zap.String("driver_id", d.DriverID), zap.Error(err))
			res.reject(d.DriverID)
			continue
		}
		broadcastSends.WithLabelValues("sent").Inc()
	}
}

func (c *Coordinator) expire(ctx context.Context, key, riderID, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), expireTimeout)
	defer cancel()
	if err := c.deps.Gate.ExpireRideRequest(ctx, key, riderID); err != nil {
		c.logger.Warn("expire ride request failed", zap.String("request_key", key), zap.Error(err))
	}
	c.publish(ctx, domain.RideEvent{
		Type:      domain.EventRequestExpired,
		RiderID:   riderID,
		Payload:   map[string]any{"requestKey": key, "reason": reason},
		CreatedAt: c.deps.Clock.Now(),
	})
}

// release drops local claims once the request is accepted; the request no
// longer exists and the rider may book again after this ride ends.
func (c *Coordinator) release(ctx context.Context, key, riderID string) {
	r, ok := c.deps.Gate.(domain.ClaimReleaser)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), expireTimeout)
	defer cancel()
	if err := r.ReleaseRideRequest(ctx, key, riderID); err != nil {
		c.logger.Warn("release ride request failed", zap.String("request_key", key), zap.Error(err))
	}
}

func (c *Coordinator) publish(ctx context.Context, event domain.RideEvent) {
	if err := c.deps.Publisher.Publish(ctx, event); err != nil {
		c.logger.Warn("publish ride event failed", zap.String("type", string(event.Type)), zap.Error(err))
	}
}

// Pending reports whether riderID has a request awaiting resolution.
func (c *Coordinator) Pending(riderID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[riderID]
	return ok
}

// RefreshNearby asks the server to push the drivers around point. The point
// is kept for ResyncNearby.
func (c *Coordinator) RefreshNearby(ctx context.Context, point domain.GeoPoint) error {
	c.mu.Lock()
	c.nearby = &point
	c.mu.Unlock()
	return c.deps.Sender.Send(ctx, realtime.KindRequestDrivers, realtime.RequestDrivers{Latitude: point.Lat, Longitude: point.Lng})
}

// ResyncNearby repeats the last nearby request, if any. It runs after every
// reconnect.
func (c *Coordinator) ResyncNearby(ctx context.Context) {
	c.mu.Lock()
	point := c.nearby
	c.mu.Unlock()
	if point == nil {
		return
	}
	if err := c.RefreshNearby(ctx, *point); err != nil {
		c.logger.Warn("nearby drivers resync failed", zap.Error(err))
	}
}

func assignmentFrom(key string, msg realtime.RideAccepted) Assignment {
	ride := msg.RideData.Ride
	driver := msg.RideData.Driver
	if ride.DriverID == "" {
		ride.DriverID = driver.ID
	}
	if driver.ID == "" {
		driver.ID = ride.DriverID
	}
	if ride.Status == "" {
		ride.Status = domain.StatusBooked
	}
	ride.Driver = &driver
	return Assignment{RequestKey: key, Ride: ride, Driver: driver}
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrResolutionTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrNoDriversAvailable):
		return "all_rejected"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, domain.RideEvent) error { return nil }

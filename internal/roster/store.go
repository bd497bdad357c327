// Package roster keeps the process-wide cache of nearby drivers fed by
// realtime pushes.
package roster

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/riderlink/internal/realtime"
	"github.com/example/riderlink/internal/ride/domain"
)

const defaultMoveDuration = time.Second

// Store is an in-memory domain.DriverRoster. Positions reported by the server
// become interpolation targets; Get returns the position along the move.
type Store struct {
	clock        domain.Clock
	moveDuration time.Duration
	logger       *zap.Logger

	mu      sync.RWMutex
	drivers map[string]domain.DriverSnapshot
}

// New constructs a store. moveDuration is how long a marker takes to reach a
// newly reported coordinate.
func New(clock domain.Clock, moveDuration time.Duration, logger *zap.Logger) *Store {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if moveDuration <= 0 {
		moveDuration = defaultMoveDuration
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{clock: clock, moveDuration: moveDuration, logger: logger, drivers: make(map[string]domain.DriverSnapshot)}
}

// Attach subscribes the store to roster pushes on d.
func (s *Store) Attach(d *realtime.Dispatcher) []*realtime.Subscription {
	return []*realtime.Subscription{
		realtime.On(d, realtime.KindNearbyDrivers, func(_ context.Context, msg realtime.NearbyDrivers) {
			s.Replace(msg.Drivers)
		}),
		realtime.On(d, realtime.KindDriverLocationUpdate, func(_ context.Context, msg realtime.DriverLocationUpdate) {
			s.Upsert(msg.Drivers...)
		}),
	}
}

// Replace swaps the roster for drivers. Drivers already known keep animating
// from where they were.
func (s *Store) Replace(drivers []domain.DriverLocation) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]domain.DriverSnapshot, len(drivers))
	for _, loc := range drivers {
		if loc.DriverID == "" {
			continue
		}
		prev, ok := s.drivers[loc.DriverID]
		if !ok {
			prev = domain.DriverSnapshot{DriverID: loc.DriverID}
		}
		next[loc.DriverID] = s.apply(prev, loc, now)
	}
	s.drivers = next
	rosterSize.Set(float64(len(next)))
}

// Upsert updates the given drivers in place, adding unknown ids.
func (s *Store) Upsert(drivers ...domain.DriverLocation) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, loc := range drivers {
		if loc.DriverID == "" {
			continue
		}
		prev, ok := s.drivers[loc.DriverID]
		if !ok {
			prev = domain.DriverSnapshot{DriverID: loc.DriverID}
		}
		s.drivers[loc.DriverID] = s.apply(prev, loc, now)
	}
	rosterSize.Set(float64(len(s.drivers)))
}

func (s *Store) apply(prev domain.DriverSnapshot, loc domain.DriverLocation, now time.Time) domain.DriverSnapshot {
	next := prev
	target := loc.Current.Point()
	if prev.HasPosition {
		next.From = s.positionAt(prev, now)
	} else {
		next.From = target
	}
	next.Target = target
	next.Position = next.From
	next.MoveStartedAt = now
	next.Heading = loc.Heading
	next.HasPosition = true
	next.UpdatedAt = now
	if loc.Vehicle != nil {
		next.Vehicle = *loc.Vehicle
	}
	return next
}

func (s *Store) positionAt(snap domain.DriverSnapshot, now time.Time) domain.GeoPoint {
	elapsed := now.Sub(snap.MoveStartedAt)
	if elapsed >= s.moveDuration {
		return snap.Target
	}
	if elapsed <= 0 {
		return snap.From
	}
	f := float64(elapsed) / float64(s.moveDuration)
	return domain.GeoPoint{
		Lat: snap.From.Lat + (snap.Target.Lat-snap.From.Lat)*f,
		Lng: snap.From.Lng + (snap.Target.Lng-snap.From.Lng)*f,
	}
}

// Get returns the driver with Position interpolated to now.
func (s *Store) Get(driverID string) (domain.DriverSnapshot, bool) {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.drivers[driverID]
	if !ok {
		return domain.DriverSnapshot{}, false
	}
	if snap.HasPosition {
		snap.Position = s.positionAt(snap, now)
	}
	return snap, true
}

// Candidates returns drivers of vehicleType with a known position, ordered by
// id.
func (s *Store) Candidates(vehicleType string) []domain.DriverSnapshot {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.DriverSnapshot, 0, len(s.drivers))
	for _, snap := range s.drivers {
		if !snap.HasPosition || !strings.EqualFold(snap.Vehicle.Type, vehicleType) {
			continue
		}
		snap.Position = s.positionAt(snap, now)
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out
}

// All returns every known driver.
func (s *Store) All() []domain.DriverSnapshot {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.DriverSnapshot, 0, len(s.drivers))
	for _, snap := range s.drivers {
		if snap.HasPosition {
			snap.Position = s.positionAt(snap, now)
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out
}

package domain

import (
	"context"
	"strings"
	"time"
)

// Vehicle types offered to riders. VehicleAuto is the three-wheeler.
const (
	VehicleBike = "bike"
	VehicleAuto = "auto"
	VehicleCab  = "cab"
)

// IsThreeWheeler reports whether the vehicle type is the three-wheeled auto.
func IsThreeWheeler(vehicleType string) bool {
	return strings.EqualFold(strings.TrimSpace(vehicleType), VehicleAuto)
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Place is a coordinate with the human readable name shown to the rider.
type Place struct {
	Point GeoPoint `json:"point"`
	Name  string   `json:"name"`
}

type FareBreakdown struct {
	TotalFare      float64 `json:"totalFare"`
	PlatformShare  float64 `json:"platformShare"`
	DriverEarnings float64 `json:"driverEarnings"`
}

// RideRequest is built once per booking attempt and lives until resolution.
type RideRequest struct {
	UniqueKey   string        `json:"uniqueKey"`
	RiderID     string        `json:"userId"`
	VehicleType string        `json:"vehicleType"`
	Pickup      Place         `json:"pickup"`
	Destination Place         `json:"destination"`
	DistanceKm  float64       `json:"distance"`
	Fare        FareBreakdown `json:"fare"`
	RequestedAt time.Time     `json:"requestedAt"`
}

type Vehicle struct {
	Type     string `json:"type"`
	Capacity int    `json:"capacity"`
	Plate    string `json:"plate"`
	Color    string `json:"color"`
}

// DriverInfo is the driver record attached to an accepted ride.
type DriverInfo struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Phone   string   `json:"phone,omitempty"`
	Rating  float64  `json:"rating,omitempty"`
	Vehicle Vehicle  `json:"vehicle"`
	Current GeoPoint `json:"current"`
	Heading float64  `json:"heading"`
}

type CancellationReceipt struct {
	Fee                 float64       `json:"fee"`
	Fare                FareBreakdown `json:"fare"`
	DistanceTravelledKm float64       `json:"distanceTravelled"`
	Location            Place         `json:"location"`
	CancelledAt         time.Time     `json:"cancelledAt"`
}

type Ratings struct {
	RiderToDriver float64 `json:"riderToDriver,omitempty"`
	DriverToRider float64 `json:"driverToRider,omitempty"`
	Overall       float64 `json:"overall,omitempty"`
}

// Ride mirrors the server-owned ride record.
type Ride struct {
	ID           string               `json:"id"`
	RiderID      string               `json:"riderId"`
	DriverID     string               `json:"driverId,omitempty"`
	Driver       *DriverInfo          `json:"driver,omitempty"`
	VehicleType  string               `json:"vehicleType"`
	Pickup       Place                `json:"pickup"`
	Destination  Place                `json:"destination"`
	DistanceKm   float64              `json:"distance"`
	Fare         FareBreakdown        `json:"fare"`
	StartCode    string               `json:"startCode,omitempty"`
	Status       RideStatus           `json:"status"`
	Cancellation *CancellationReceipt `json:"cancellation,omitempty"`
	Ratings      *Ratings             `json:"ratings,omitempty"`
}

// DriverSnapshot is the roster view of a nearby driver. Position is where the
// marker is drawn now; From/Target/MoveStartedAt describe the movement the
// client animates toward the last reported coordinate.
type DriverSnapshot struct {
	DriverID      string    `json:"id"`
	Vehicle       Vehicle   `json:"vehicle"`
	Position      GeoPoint  `json:"position"`
	Heading       float64   `json:"heading"`
	From          GeoPoint  `json:"from"`
	Target        GeoPoint  `json:"target"`
	MoveStartedAt time.Time `json:"moveStartedAt"`
	HasPosition   bool      `json:"hasPosition"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// DriverLocation is one entry of a driverLocationUpdate or nearbyDrivers push.
type DriverLocation struct {
	DriverID string   `json:"id"`
	Current  LatLon   `json:"current"`
	Heading  float64  `json:"heading"`
	Vehicle  *Vehicle `json:"vehicle,omitempty"`
}

// LatLon matches the realtime wire shape {lat, lon}.
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (l LatLon) Point() GeoPoint { return GeoPoint{Lat: l.Lat, Lng: l.Lon} }

// CancellationQuote is computed at cancel time and never retained.
type CancellationQuote struct {
	RideID              string        `json:"rideId"`
	Status              RideStatus    `json:"status"`
	Fee                 float64       `json:"fee"`
	Fare                FareBreakdown `json:"fare"`
	DistanceTravelledKm float64       `json:"distanceTravelled"`
	Location            Place         `json:"location"`
	Message             string        `json:"message"`
}

type NotificationKind string

const (
	NotifyDriverArrived      NotificationKind = "driver_arrived"
	NotifyDestinationReached NotificationKind = "destination_reached"
	NotifyTripCompleted      NotificationKind = "trip_completed"
)

type Notification struct {
	Kind    NotificationKind `json:"kind"`
	RideID  string           `json:"rideId"`
	Message string           `json:"message"`
	At      time.Time        `json:"at"`
}

// FareQuery is the input of the external pricing service.
type FareQuery struct {
	VehicleType string  `json:"vehicleType"`
	DistanceKm  float64 `json:"distance"`
	DurationMin float64 `json:"duration,omitempty"`
	District    string  `json:"district"`
}

// CancelRideInput is submitted to the dispatch API once the rider confirms.
type CancelRideInput struct {
	RideID                string        `json:"rideId"`
	Fare                  FareBreakdown `json:"fare"`
	DistanceTravelledKm   float64       `json:"distanceTravelled"`
	Location              GeoPoint      `json:"location"`
	CancelledLocationName string        `json:"cancelledLocationName"`
}

type ActiveRide struct {
	HasActiveRide bool  `json:"hasActiveRide"`
	Ride          *Ride `json:"ride,omitempty"`
}

// DriverRoster is the shared store of nearby drivers. Entries are resolved by
// id; the list may be replaced wholesale between reads.
type DriverRoster interface {
	Replace(drivers []DriverLocation)
	Upsert(drivers ...DriverLocation)
	Get(driverID string) (DriverSnapshot, bool)
	Candidates(vehicleType string) []DriverSnapshot
}

// Route is one driving leg.
type Route struct {
	DistanceKm float64
	Duration   time.Duration
}

// Geolocation resolves districts, place names and driving distances.
type Geolocation interface {
	District(ctx context.Context, p GeoPoint) (string, error)
	PlaceName(ctx context.Context, p GeoPoint) (string, error)
	DrivingDistance(ctx context.Context, from, to GeoPoint) (float64, error)
	DrivingRoute(ctx context.Context, from, to GeoPoint) (Route, error)
}

// Pricing is the external fare formula. A nil breakdown means no fare exists
// for the query.
type Pricing interface {
	CalculateFare(ctx context.Context, q FareQuery) (*FareBreakdown, error)
}

// RequestGate is the idempotent request gate: at most one open request per rider.
type RequestGate interface {
	CreateRideRequest(ctx context.Context, uniqueKey, riderID string) error
	ExpireRideRequest(ctx context.Context, uniqueKey, riderID string) error
}

// ClaimReleaser is implemented by gates holding local claims that must be
// dropped once a request has been accepted. The server keeps its own record.
type ClaimReleaser interface {
	ReleaseRideRequest(ctx context.Context, uniqueKey, riderID string) error
}

// RideAPI covers the dispatch server calls made by the lifecycle tracker.
type RideAPI interface {
	CheckActiveRide(ctx context.Context) (ActiveRide, error)
	CancelRide(ctx context.Context, in CancelRideInput) (Ride, error)
	RateDriver(ctx context.Context, rideID string, rating float64) (Ride, error)
}

type EventType string

const (
	EventRideAssigned      EventType = "ride.assigned"
	EventRequestExpired    EventType = "ride.request_expired"
	EventRideStatusChanged EventType = "ride.status_changed"
	EventRideCancelled     EventType = "ride.cancelled"
	EventRideRated         EventType = "ride.rated"
)

// RideEvent is an audit record of an orchestrator decision.
type RideEvent struct {
	Type      EventType      `json:"type"`
	RideID    string         `json:"rideId,omitempty"`
	RiderID   string         `json:"riderId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

type EventPublisher interface {
	Publish(ctx context.Context, event RideEvent) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

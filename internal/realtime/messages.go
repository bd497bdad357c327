// Package realtime is the bidirectional message channel to the dispatch
// server: one websocket connection carrying typed JSON envelopes.
package realtime

import (
	"encoding/json"

	"github.com/example/riderlink/internal/ride/domain"
)

// Kind names a message type on the wire.
type Kind string

// Inbound kinds.
const (
	KindNearbyDrivers        Kind = "nearbyDrivers"
	KindDriverLocationUpdate Kind = "driverLocationUpdate"
	KindRideAccepted         Kind = "rideAccepted"
	KindRideRejected         Kind = "rideRejected"
	KindRideStatusUpdate     Kind = "rideStatusUpdate"
)

// Outbound kinds. rideStatusUpdate is used in both directions.
const (
	KindRequestDrivers Kind = "requestDrivers"
	KindRideRequest    Kind = "rideRequest"
	KindRequestDriver  Kind = "requestDriver"
)

// Envelope wraps every message.
type Envelope struct {
	Type Kind            `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data"`
}

type NearbyDrivers struct {
	Drivers []domain.DriverLocation `json:"drivers"`
}

type DriverLocationUpdate struct {
	Drivers []domain.DriverLocation `json:"drivers"`
}

// AcceptedRide is the server ride record plus the accepting driver.
type AcceptedRide struct {
	Ride   domain.Ride       `json:"rideData"`
	Driver domain.DriverInfo `json:"driver"`
}

// RideAccepted and RideRejected may omit RequestKey; receivers attribute them
// to the request currently pending.
type RideAccepted struct {
	RideData   AcceptedRide `json:"rideData"`
	RequestKey string       `json:"requestKey,omitempty"`
}

type RideRejected struct {
	DriverID   string `json:"driverId"`
	RequestKey string `json:"requestKey,omitempty"`
}

type RideStatusUpdate struct {
	RideID  string `json:"rideId"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type RequestDrivers struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type RideRequest struct {
	UserID      string             `json:"userId"`
	DriverID    string             `json:"driverId"`
	RideRequest domain.RideRequest `json:"rideRequest"`
}

// RideStatusPush is the outbound status broadcast sent after a cancellation.
type RideStatusPush struct {
	RideData domain.Ride       `json:"rideData"`
	Status   domain.RideStatus `json:"status"`
}

type RequestDriver struct {
	DriverID string `json:"driverId"`
	UserID   string `json:"userId"`
}

package domain

import "strings"

// RideStatus is the lifecycle state of a ride as mirrored on the rider device.
type RideStatus string

const (
	StatusBooked     RideStatus = "booked"
	StatusProcessing RideStatus = "processing"
	StatusArrived    RideStatus = "arrived"
	StatusOngoing    RideStatus = "ongoing"
	StatusReached    RideStatus = "reached"
	StatusCompleted  RideStatus = "completed"
	StatusCancelled  RideStatus = "cancelled"
)

// rank orders the forward path. Cancelled sits outside it.
var rank = map[RideStatus]int{
	StatusBooked:     1,
	StatusProcessing: 2,
	StatusArrived:    3,
	StatusOngoing:    4,
	StatusReached:    5,
	StatusCompleted:  6,
}

var cancellable = map[RideStatus]bool{
	StatusBooked:     true,
	StatusProcessing: true,
	StatusArrived:    true,
	StatusOngoing:    true,
}

// ParseStatus normalises a status string received from the dispatch server.
func ParseStatus(raw string) (RideStatus, bool) {
	s := RideStatus(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := rank[s]; ok || s == StatusCancelled {
		return s, true
	}
	return "", false
}

// Terminal reports whether no further transitions are possible.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Cancellable reports whether the rider may cancel from this state.
func (s RideStatus) Cancellable() bool {
	return cancellable[s]
}

// CanAdvanceTo reports whether next moves the ride strictly forward. Skipped
// intermediate states are accepted; regressions and repeats are not.
func (s RideStatus) CanAdvanceTo(next RideStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusCancelled {
		return s.Cancellable()
	}
	cur, ok := rank[s]
	if !ok {
		return false
	}
	nxt, ok := rank[next]
	if !ok {
		return false
	}
	return nxt > cur
}
